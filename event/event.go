//
// Tencent is pleased to support the open source community by making trpc-session-store available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-session-store is licensed under the Apache License Version 2.0.
//
//

// Package event provides the event record persisted in a session's event log.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event represents a single entry in a session's append-only event log.
// Once appended to a session it is never mutated or removed except by
// whole-session deletion.
type Event struct {
	// ID is the event id, unique within a session.
	ID string `json:"id"`
	// InvocationID correlates events produced by one request flow.
	InvocationID string `json:"invocationId,omitempty"`
	// Author is the producer of the event, e.g. "user" or an agent name.
	Author string `json:"author"`
	// Content is the opaque event payload owned by the caller.
	Content json.RawMessage `json:"content,omitempty"`
	// StateDelta carries scoped state updates applied at append time.
	StateDelta map[string][]byte `json:"stateDelta,omitempty"`
	// Timestamp is the creation time of the event.
	Timestamp time.Time `json:"timestamp"`
}

// Option is a function that can be used to configure the Event.
type Option func(*Event)

// New creates a new Event with a generated ID and timestamp.
func New(author string, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		Author:    author,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithInvocationID sets the invocation id of the event.
func WithInvocationID(invocationID string) Option {
	return func(e *Event) {
		e.InvocationID = invocationID
	}
}

// WithContent sets the payload of the event.
func WithContent(content json.RawMessage) Option {
	return func(e *Event) {
		e.Content = content
	}
}

// WithStateDelta sets the state delta carried by the event.
func WithStateDelta(delta map[string][]byte) Option {
	return func(e *Event) {
		e.StateDelta = delta
	}
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	copied := *e
	if e.Content != nil {
		copied.Content = make(json.RawMessage, len(e.Content))
		copy(copied.Content, e.Content)
	}
	if e.StateDelta != nil {
		copied.StateDelta = make(map[string][]byte, len(e.StateDelta))
		for k, v := range e.StateDelta {
			value := make([]byte, len(v))
			copy(value, v)
			copied.StateDelta[k] = value
		}
	}
	return &copied
}
