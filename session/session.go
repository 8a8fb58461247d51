//
// Tencent is pleased to support the open source community by making trpc-session-store available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-session-store is licensed under the Apache License Version 2.0.
//
//

// Package session provides the core session functionality.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"trpc.group/trpc-go/trpc-session-store/event"
)

var (
	// ErrAppNameRequired is the error for app name required.
	ErrAppNameRequired = errors.New("appName is required")
	// ErrUserIDRequired is the error for user id required.
	ErrUserIDRequired = errors.New("userID is required")
	// ErrSessionIDRequired is the error for session id required.
	ErrSessionIDRequired = errors.New("sessionID is required")
	// ErrCorruptedRecord marks persisted data that failed to decode.
	// It is always distinct from absence: a missing session is (nil, nil),
	// a corrupt one is an error wrapping ErrCorruptedRecord.
	ErrCorruptedRecord = errors.New("corrupted session record")
)

// Session is a single conversation with its effective state and event log.
type Session struct {
	ID        string        `json:"id"`        // ID is the session id.
	AppName   string        `json:"appName"`   // AppName is the app name.
	UserID    string        `json:"userID"`    // UserID is the user id.
	State     StateMap      `json:"state"`     // State is the effective (merged) state view.
	Events    []event.Event `json:"events"`    // Events is the ordered event log view.
	EventMu   sync.RWMutex  `json:"-"`         // EventMu guards Events.
	UpdatedAt time.Time     `json:"updatedAt"` // UpdatedAt is the last update time.
	CreatedAt time.Time     `json:"createdAt"` // CreatedAt is the creation time.

	// Hash is the pre-computed slot hash value for asynchronous task dispatching.
	// It is calculated once during session creation using murmur3 hash of
	// "appName:userID:sessionID" and remains immutable throughout the
	// session's lifecycle.
	Hash int `json:"-"`
}

// SessionOptions is the options for a session.
type SessionOptions func(*Session)

// WithSessionEvents is the option for the session events.
func WithSessionEvents(events []event.Event) SessionOptions {
	return func(sess *Session) {
		sess.Events = events
	}
}

// WithSessionState is the option for the session state.
func WithSessionState(state StateMap) SessionOptions {
	return func(sess *Session) {
		sess.State = state
	}
}

// WithSessionCreatedAt is the option for the session createdAt.
func WithSessionCreatedAt(createdAt time.Time) SessionOptions {
	return func(sess *Session) {
		sess.CreatedAt = createdAt
	}
}

// WithSessionUpdatedAt is the option for the session updatedAt.
func WithSessionUpdatedAt(updatedAt time.Time) SessionOptions {
	return func(sess *Session) {
		sess.UpdatedAt = updatedAt
	}
}

// NewSession creates a new session.
func NewSession(appName, userID, sessionID string, options ...SessionOptions) *Session {
	hashKey := fmt.Sprintf("%s:%s:%s", appName, userID, sessionID)
	hash := int(murmur3.Sum32([]byte(hashKey)))

	sess := &Session{
		ID:        sessionID,
		AppName:   appName,
		UserID:    userID,
		State:     make(StateMap),
		Events:    []event.Event{},
		UpdatedAt: time.Now(),
		CreatedAt: time.Now(),

		Hash: hash,
	}
	for _, o := range options {
		o(sess)
	}

	return sess
}

// Clone returns a copy of the session.
func (sess *Session) Clone() *Session {
	sess.EventMu.RLock()
	copiedSess := &Session{
		ID:        sess.ID,
		AppName:   sess.AppName,
		UserID:    sess.UserID,
		State:     make(StateMap), // Create new state to avoid reference sharing.
		Events:    make([]event.Event, len(sess.Events)),
		UpdatedAt: sess.UpdatedAt,
		CreatedAt: sess.CreatedAt,
		Hash:      sess.Hash,
	}
	// Copy events.
	copy(copiedSess.Events, sess.Events)
	sess.EventMu.RUnlock()

	// Copy state.
	if sess.State != nil {
		for k, v := range sess.State {
			copiedValue := make([]byte, len(v))
			copy(copiedValue, v)
			copiedSess.State[k] = copiedValue
		}
	}

	return copiedSess
}

// GetEvents returns a snapshot of the session events.
func (sess *Session) GetEvents() []event.Event {
	sess.EventMu.RLock()
	defer sess.EventMu.RUnlock()

	eventsCopy := make([]event.Event, len(sess.Events))
	copy(eventsCopy, sess.Events)
	return eventsCopy
}

// GetEventCount returns the session event count.
func (sess *Session) GetEventCount() int {
	sess.EventMu.RLock()
	defer sess.EventMu.RUnlock()

	return len(sess.Events)
}

// UpdateUserSession appends the event to the in-memory session handle and
// applies its state delta to the effective state view, mirroring what
// persistence will do.
func (sess *Session) UpdateUserSession(e *event.Event, opts ...Option) {
	if sess == nil || e == nil {
		return
	}
	sess.EventMu.Lock()
	sess.Events = append(sess.Events, *e)
	sess.ApplyEventFiltering(opts...)
	sess.EventMu.Unlock()

	sess.UpdatedAt = time.Now()
	if sess.State == nil {
		sess.State = make(StateMap)
	}
	sess.ApplyEventStateDelta(e)
}

// ApplyEventFiltering applies event count and time filtering to session
// events. The caller must hold EventMu.
func (sess *Session) ApplyEventFiltering(opts ...Option) {
	if sess == nil {
		return
	}
	opt := applyOptions(opts...)

	// Apply event time filter - keep events at or after the specified time.
	if !opt.EventTime.IsZero() {
		startIndex := -1
		for i, e := range sess.Events {
			if e.Timestamp.After(opt.EventTime) || e.Timestamp.Equal(opt.EventTime) {
				startIndex = i
				break
			}
		}
		if startIndex >= 0 {
			sess.Events = sess.Events[startIndex:]
		} else {
			// No events after the specified time, clear all events.
			sess.Events = []event.Event{}
		}
	}

	// Apply event number limit, keeping the trailing events in original order.
	if opt.EventNum > 0 && len(sess.Events) > opt.EventNum {
		sess.Events = sess.Events[len(sess.Events)-opt.EventNum:]
	}
}

// ApplyEventStateDelta merges the state delta of the event into the
// session's effective state view. Temp entries are dropped, prefixes
// stripped.
func (sess *Session) ApplyEventStateDelta(e *event.Event) {
	if sess == nil || e == nil {
		return
	}
	if sess.State == nil {
		sess.State = make(StateMap)
	}
	for key, value := range e.StateDelta {
		scope, stripped := SplitStateKey(key)
		if scope == ScopeTemp {
			continue
		}
		sess.State[stripped] = value
	}
}

// Options is the options for getting a session.
type Options struct {
	EventNum  int       // EventNum is the number of recent events.
	EventTime time.Time // EventTime is the after time.
}

// Option is the option for a session.
type Option func(*Options)

// WithEventNum is the option for the number of recent events.
// Zero or negative values mean no limit.
func WithEventNum(num int) Option {
	return func(o *Options) {
		o.EventNum = num
	}
}

// WithEventTime is the option for the time of the recent events.
func WithEventTime(time time.Time) Option {
	return func(o *Options) {
		o.EventTime = time
	}
}

func applyOptions(opts ...Option) *Options {
	opt := &Options{}
	for _, o := range opts {
		o(opt)
	}
	return opt
}

// Service is the interface that all session services must implement.
type Service interface {
	// CreateSession creates a new session. A session id is generated when
	// the key carries none.
	CreateSession(ctx context.Context, key Key, state StateMap, options ...Option) (*Session, error)

	// GetSession gets a session. A missing session returns (nil, nil).
	GetSession(ctx context.Context, key Key, options ...Option) (*Session, error)

	// ListSessions lists all sessions by user scope of session key.
	// The returned sessions are summaries: state and events are never
	// hydrated.
	ListSessions(ctx context.Context, userKey UserKey, options ...Option) ([]*Session, error)

	// DeleteSession deletes a session. Deleting a missing session is a
	// silent no-op.
	DeleteSession(ctx context.Context, key Key, options ...Option) error

	// UpdateAppState updates the app-scope state shared by all sessions
	// of an app.
	UpdateAppState(ctx context.Context, appName string, state StateMap) error

	// ListAppStates gets the app-scope state.
	ListAppStates(ctx context.Context, appName string) (StateMap, error)

	// DeleteAppState deletes one app-scope state key.
	DeleteAppState(ctx context.Context, appName string, key string) error

	// UpdateUserState updates the user-scope state shared by all sessions
	// of an (app, user) pair.
	UpdateUserState(ctx context.Context, userKey UserKey, state StateMap) error

	// ListUserStates gets the user-scope state.
	ListUserStates(ctx context.Context, userKey UserKey) (StateMap, error)

	// DeleteUserState deletes one user-scope state key.
	DeleteUserState(ctx context.Context, userKey UserKey, key string) error

	// UpdateSessionState updates the session-level state directly without
	// appending an event. Keys with app: or user: prefixes are not allowed
	// (use UpdateAppState/UpdateUserState instead). Keys with temp: prefix
	// are allowed but dropped before persistence.
	UpdateSessionState(ctx context.Context, key Key, state StateMap) error

	// AppendEvent appends an event to a session and applies its state
	// delta to the scope stores. The in-memory session handle is mutated
	// to mirror persisted state.
	AppendEvent(ctx context.Context, session *Session, event *event.Event, options ...Option) error

	// Close closes the service.
	Close() error
}

// Key is the key for a session.
type Key struct {
	AppName   string // app name
	UserID    string // user id
	SessionID string // session id
}

// CheckSessionKey checks if a session key is valid.
func (s *Key) CheckSessionKey() error {
	return checkSessionKey(s.AppName, s.UserID, s.SessionID)
}

// CheckUserKey checks if a user key is valid.
func (s *Key) CheckUserKey() error {
	return checkUserKey(s.AppName, s.UserID)
}

// UserKey is the key for a user.
type UserKey struct {
	AppName string // app name
	UserID  string // user id
}

// CheckUserKey checks if a user key is valid.
func (s *UserKey) CheckUserKey() error {
	return checkUserKey(s.AppName, s.UserID)
}

func checkSessionKey(appName, userID, sessionID string) error {
	if appName == "" {
		return ErrAppNameRequired
	}
	if userID == "" {
		return ErrUserIDRequired
	}
	if sessionID == "" {
		return ErrSessionIDRequired
	}
	return nil
}

func checkUserKey(appName, userID string) error {
	if appName == "" {
		return ErrAppNameRequired
	}
	if userID == "" {
		return ErrUserIDRequired
	}
	return nil
}
