//
// Tencent is pleased to support the open source community by making trpc-session-store available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-session-store is licensed under the Apache License Version 2.0.
//
//

// Package redis provides the redis session service.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-session-store/event"
	"trpc.group/trpc-go/trpc-session-store/internal/session/hook"
	"trpc.group/trpc-go/trpc-session-store/log"
	"trpc.group/trpc-go/trpc-session-store/session"
	storage "trpc.group/trpc-go/trpc-session-store/storage/redis"
)

var _ session.Service = (*Service)(nil)

// sessionRecord is the persisted per-session record. Its State field holds
// the SESSION-scope store; APP- and USER-scope stores live in shared hashes
// and are never part of the record.
type sessionRecord struct {
	ID        string           `json:"id"`
	State     session.StateMap `json:"state"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Service is the redis session service.
//
// Only plain commands within the get/set/expire/hset/hgetall capability set
// (plus del/hdel for deletion) are issued: no transactions, no scripting,
// no sorted sets. Pipelines are used for batching only. Each logical
// operation issues multiple store calls with no cross-call atomicity; two
// concurrent AppendEvent calls on one session may interleave their
// read-modify-write cycles and lose a delta. WithEnableAsyncPersist routes
// all writes of one session through a single worker goroutine when that
// gap matters.
type Service struct {
	opts           ServiceOpts
	redisClient    redis.UniversalClient
	eventPairChans []chan *sessionEventPair // channels for session events to persistence
	persistWg      sync.WaitGroup           // wait group for persist workers
	once           sync.Once                // ensure Close is called only once
}

type sessionEventPair struct {
	key   session.Key
	event *event.Event
}

// NewService creates a new redis session service. The store client is
// constructed here and owned by the service until Close.
func NewService(options ...ServiceOpt) (*Service, error) {
	opts := defaultOptions
	for _, option := range options {
		option(&opts)
	}

	builderOpts := []storage.ClientBuilderOpt{
		storage.WithClientBuilderURL(opts.url),
		storage.WithExtraOptions(opts.extraOptions...),
	}
	// if instance name set, and url not set, use instance name to create redis client
	if opts.url == "" && opts.instanceName != "" {
		var ok bool
		if builderOpts, ok = storage.GetRedisInstance(opts.instanceName); !ok {
			return nil, fmt.Errorf("redis instance %s not found", opts.instanceName)
		}
	}

	redisClient, err := storage.GetClientBuilder()(builderOpts...)
	if err != nil {
		return nil, fmt.Errorf("create redis client failed: %w", err)
	}

	s := &Service{
		opts:        opts,
		redisClient: redisClient,
	}
	if opts.enableAsyncPersist {
		s.startAsyncPersistWorker()
	}
	return s, nil
}

// CreateSession creates a new session. A random session id is generated
// when the key carries none. The initial state delta is routed through the
// scope stores the same way an event delta would be.
func (s *Service) CreateSession(
	ctx context.Context,
	key session.Key,
	state session.StateMap,
	opts ...session.Option,
) (*session.Session, error) {
	if err := key.CheckUserKey(); err != nil {
		return nil, err
	}
	if key.SessionID == "" {
		key.SessionID = uuid.New().String()
	}

	now := time.Now()
	record := &sessionRecord{
		ID:        key.SessionID,
		State:     make(session.StateMap),
		CreatedAt: now,
		UpdatedAt: now,
	}
	appDelta := make(session.StateMap)
	userDelta := make(session.StateMap)
	session.ApplyDelta(appDelta, userDelta, record.State, state)

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal session record failed: %w", err)
	}

	recordKey := s.sessionRecordKey(key)
	appStateKey := s.appStateKey(key.AppName)
	userStateKey := s.userStateKey(session.UserKey{AppName: key.AppName, UserID: key.UserID})

	pipe := s.redisClient.Pipeline()
	// Store session record; the record hash doubles as the session index.
	pipe.HSet(ctx, recordKey, key.SessionID, recordBytes)
	// A reused session id must not inherit the previous session's log.
	pipe.Del(ctx, s.eventKey(key))
	for k, v := range appDelta {
		pipe.HSet(ctx, appStateKey, k, v)
	}
	for k, v := range userDelta {
		pipe.HSet(ctx, userStateKey, k, v)
	}
	if s.opts.sessionTTL > 0 {
		// expire the session record, don't expire the event list, it's still empty
		pipe.Expire(ctx, recordKey, s.opts.sessionTTL)
	}
	if s.opts.appStateTTL > 0 && len(appDelta) > 0 {
		pipe.Expire(ctx, appStateKey, s.opts.appStateTTL)
	}
	if s.opts.userStateTTL > 0 && len(userDelta) > 0 {
		pipe.Expire(ctx, userStateKey, s.opts.userStateTTL)
	}
	// Query app and user states after the delta writes above.
	appStateCmd := pipe.HGetAll(ctx, appStateKey)
	userStateCmd := pipe.HGetAll(ctx, userStateKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create session failed: %w", err)
	}

	appState, err := processStateCmd(appStateCmd)
	if err != nil {
		return nil, err
	}
	userState, err := processStateCmd(userStateCmd)
	if err != nil {
		return nil, err
	}

	return session.NewSession(
		key.AppName, key.UserID, key.SessionID,
		session.WithSessionState(session.MergeState(appState, userState, record.State)),
		session.WithSessionCreatedAt(record.CreatedAt),
		session.WithSessionUpdatedAt(record.UpdatedAt),
	), nil
}

// GetSession gets a session. A missing session returns (nil, nil); a
// session whose persisted record fails to decode returns an error wrapping
// session.ErrCorruptedRecord, never absence.
func (s *Service) GetSession(
	ctx context.Context,
	key session.Key,
	opts ...session.Option,
) (*session.Session, error) {
	if err := key.CheckSessionKey(); err != nil {
		return nil, err
	}
	opt := applyOptions(opts...)

	hctx := &session.GetSessionContext{
		Context: ctx,
		Key:     key,
		Options: opt,
	}
	final := func(c *session.GetSessionContext, next func() (*session.Session, error)) (*session.Session, error) {
		return s.getSession(c.Context, c.Key, c.Options.EventNum, c.Options.EventTime)
	}
	sess, err := hook.RunGetSessionHooks(s.opts.getSessionHooks, hctx, final)
	if err != nil {
		return nil, fmt.Errorf("redis session service get session failed: %w", err)
	}
	return sess, nil
}

func (s *Service) getSession(
	ctx context.Context,
	key session.Key,
	limit int,
	afterTime time.Time,
) (*session.Session, error) {
	recordKey := s.sessionRecordKey(key)
	appStateKey := s.appStateKey(key.AppName)
	userStateKey := s.userStateKey(session.UserKey{AppName: key.AppName, UserID: key.UserID})

	pipe := s.redisClient.Pipeline()
	recordCmd := pipe.HGet(ctx, recordKey, key.SessionID)
	appStateCmd := pipe.HGetAll(ctx, appStateKey)
	userStateCmd := pipe.HGetAll(ctx, userStateKey)
	s.refreshTTL(ctx, pipe, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get session record failed: %w", err)
	}

	record, err := processRecordCmd(recordCmd)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	appState, err := processStateCmd(appStateCmd)
	if err != nil {
		return nil, err
	}
	userState, err := processStateCmd(userStateCmd)
	if err != nil {
		return nil, err
	}

	// The recency limit bounds the returned event view only; the effective
	// state always reflects the full accumulated delta history.
	events, err := s.getEvents(ctx, key, limit, afterTime)
	if err != nil {
		return nil, err
	}

	return session.NewSession(
		key.AppName, key.UserID, key.SessionID,
		session.WithSessionState(session.MergeState(appState, userState, record.State)),
		session.WithSessionEvents(events),
		session.WithSessionCreatedAt(record.CreatedAt),
		session.WithSessionUpdatedAt(record.UpdatedAt),
	), nil
}

// ListSessions lists all sessions by user scope of session key. The
// returned sessions are summaries: one HGetAll against the record hash,
// state and events deliberately left empty to avoid per-session lookups.
func (s *Service) ListSessions(
	ctx context.Context,
	userKey session.UserKey,
	opts ...session.Option,
) ([]*session.Session, error) {
	if err := userKey.CheckUserKey(); err != nil {
		return nil, err
	}

	recordKey := s.sessionRecordKey(session.Key{AppName: userKey.AppName, UserID: userKey.UserID})
	records, err := s.redisClient.HGetAll(ctx, recordKey).Result()
	if err == redis.Nil || len(records) == 0 {
		return []*session.Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis session service list sessions failed: %w", err)
	}

	sessList := make([]*session.Session, 0, len(records))
	for _, raw := range records {
		record := &sessionRecord{}
		if err := json.Unmarshal([]byte(raw), record); err != nil {
			return nil, fmt.Errorf("decode session record: %w: %v", session.ErrCorruptedRecord, err)
		}
		sessList = append(sessList, session.NewSession(
			userKey.AppName, userKey.UserID, record.ID,
			session.WithSessionCreatedAt(record.CreatedAt),
			session.WithSessionUpdatedAt(record.UpdatedAt),
		))
	}
	// Hash enumeration order is arbitrary; keep listings stable between
	// unmutated calls.
	sort.Slice(sessList, func(i, j int) bool {
		if sessList[i].CreatedAt.Equal(sessList[j].CreatedAt) {
			return sessList[i].ID < sessList[j].ID
		}
		return sessList[i].CreatedAt.Before(sessList[j].CreatedAt)
	})
	return sessList, nil
}

// DeleteSession deletes a session: its record, index entry and event log.
// The shared APP- and USER-scope hashes are never touched. Deleting a
// missing session is a silent no-op.
func (s *Service) DeleteSession(
	ctx context.Context,
	key session.Key,
	opts ...session.Option,
) error {
	if err := key.CheckSessionKey(); err != nil {
		return err
	}

	pipe := s.redisClient.Pipeline()
	pipe.HDel(ctx, s.sessionRecordKey(key), key.SessionID)
	pipe.Del(ctx, s.eventKey(key))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return fmt.Errorf("redis session service delete session failed: %w", err)
	}
	return nil
}

// UpdateAppState updates the app-scope state shared by all sessions of an app.
func (s *Service) UpdateAppState(ctx context.Context, appName string, state session.StateMap) error {
	if appName == "" {
		return session.ErrAppNameRequired
	}

	appStateKey := s.appStateKey(appName)
	pipe := s.redisClient.Pipeline()
	for k, v := range state {
		scope, stripped := session.SplitStateKey(k)
		if scope == session.ScopeTemp {
			continue
		}
		pipe.HSet(ctx, appStateKey, stripped, v)
	}
	if s.opts.appStateTTL > 0 {
		pipe.Expire(ctx, appStateKey, s.opts.appStateTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis session service update app state failed: %w", err)
	}
	return nil
}

// ListAppStates gets the app-scope state.
func (s *Service) ListAppStates(ctx context.Context, appName string) (session.StateMap, error) {
	if appName == "" {
		return nil, session.ErrAppNameRequired
	}

	appState, err := s.redisClient.HGetAll(ctx, s.appStateKey(appName)).Result()
	// key not found, return empty state map
	if err == redis.Nil {
		return make(session.StateMap), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis session service list app states failed: %w", err)
	}
	appStateMap := make(session.StateMap)
	for k, v := range appState {
		appStateMap[k] = []byte(v)
	}
	return appStateMap, nil
}

// DeleteAppState deletes one app-scope state key.
func (s *Service) DeleteAppState(ctx context.Context, appName string, key string) error {
	if appName == "" {
		return session.ErrAppNameRequired
	}
	if key == "" {
		return fmt.Errorf("state key is required")
	}

	_, stripped := session.SplitStateKey(key)
	if err := s.redisClient.HDel(ctx, s.appStateKey(appName), stripped).Err(); err != nil {
		return fmt.Errorf("redis session service delete app state failed: %w", err)
	}
	return nil
}

// UpdateUserState updates the user-scope state shared by all sessions of an
// (app, user) pair.
func (s *Service) UpdateUserState(ctx context.Context, userKey session.UserKey, state session.StateMap) error {
	if err := userKey.CheckUserKey(); err != nil {
		return err
	}

	userStateKey := s.userStateKey(userKey)
	pipe := s.redisClient.Pipeline()
	for k, v := range state {
		scope, stripped := session.SplitStateKey(k)
		if scope == session.ScopeTemp {
			continue
		}
		pipe.HSet(ctx, userStateKey, stripped, v)
	}
	if s.opts.userStateTTL > 0 {
		pipe.Expire(ctx, userStateKey, s.opts.userStateTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis session service update user state failed: %w", err)
	}
	return nil
}

// ListUserStates gets the user-scope state.
func (s *Service) ListUserStates(ctx context.Context, userKey session.UserKey) (session.StateMap, error) {
	if err := userKey.CheckUserKey(); err != nil {
		return nil, err
	}
	userState, err := s.redisClient.HGetAll(ctx, s.userStateKey(userKey)).Result()
	if err == redis.Nil {
		return make(session.StateMap), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis session service list user states failed: %w", err)
	}
	userStateMap := make(session.StateMap)
	for k, v := range userState {
		userStateMap[k] = []byte(v)
	}
	return userStateMap, nil
}

// DeleteUserState deletes one user-scope state key.
func (s *Service) DeleteUserState(ctx context.Context, userKey session.UserKey, key string) error {
	if err := userKey.CheckUserKey(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("state key is required")
	}

	_, stripped := session.SplitStateKey(key)
	if err := s.redisClient.HDel(ctx, s.userStateKey(userKey), stripped).Err(); err != nil {
		return fmt.Errorf("redis session service delete user state failed: %w", err)
	}
	return nil
}

// UpdateSessionState updates the session-level state directly without
// appending an event. This is useful for state initialization, correction,
// or synchronization scenarios where event history is not needed.
// Keys with app: or user: prefixes are not allowed (use UpdateAppState/
// UpdateUserState instead). Keys with temp: prefix are accepted but dropped
// before persistence.
func (s *Service) UpdateSessionState(ctx context.Context, key session.Key, state session.StateMap) error {
	if err := key.CheckSessionKey(); err != nil {
		return err
	}

	// Validate before any store call.
	for k := range state {
		switch scope, _ := session.SplitStateKey(k); scope {
		case session.ScopeApp:
			return fmt.Errorf("redis session service update session state failed: %s is not allowed, use UpdateAppState instead", k)
		case session.ScopeUser:
			return fmt.Errorf("redis session service update session state failed: %s is not allowed, use UpdateUserState instead", k)
		}
	}

	recordKey := s.sessionRecordKey(key)
	record, err := s.fetchRecord(ctx, key)
	if err != nil {
		return fmt.Errorf("redis session service update session state failed: %w", err)
	}
	if record == nil {
		return fmt.Errorf("redis session service update session state failed: session not found")
	}

	for k, v := range state {
		scope, stripped := session.SplitStateKey(k)
		if scope == session.ScopeTemp {
			continue
		}
		record.State[stripped] = v
	}
	record.UpdatedAt = time.Now()

	updatedBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("redis session service update session state failed: marshal record: %w", err)
	}

	pipe := s.redisClient.Pipeline()
	pipe.HSet(ctx, recordKey, key.SessionID, updatedBytes)
	if s.opts.sessionTTL > 0 {
		pipe.Expire(ctx, recordKey, s.opts.sessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis session service update session state failed: %w", err)
	}
	return nil
}

// AppendEvent appends an event to a session. The in-memory session handle
// is mutated first so that the caller observes the same event list and
// effective state the store will converge to.
func (s *Service) AppendEvent(
	ctx context.Context,
	sess *session.Session,
	e *event.Event,
	opts ...session.Option,
) error {
	key := session.Key{
		AppName:   sess.AppName,
		UserID:    sess.UserID,
		SessionID: sess.ID,
	}
	if err := key.CheckSessionKey(); err != nil {
		return err
	}

	hctx := &session.AppendEventContext{
		Context: ctx,
		Session: sess,
		Event:   e,
		Key:     key,
	}
	final := func(c *session.AppendEventContext, next func() error) error {
		return s.appendEventInternal(c.Context, c.Session, c.Event, c.Key, opts...)
	}
	return hook.RunAppendEventHooks(s.opts.appendEventHooks, hctx, final)
}

// appendEventInternal is the internal implementation of AppendEvent.
func (s *Service) appendEventInternal(
	ctx context.Context,
	sess *session.Session,
	e *event.Event,
	key session.Key,
	opts ...session.Option,
) error {
	// update the in-memory session handle with the given event
	sess.UpdateUserSession(e, opts...)

	// persist event to redis asynchronously
	if s.opts.enableAsyncPersist {
		defer func() {
			if r := recover(); r != nil {
				if err, ok := r.(error); ok &&
					err.Error() == "send on closed channel" {
					log.ErrorfContext(
						ctx,
						"redis session service append event failed: %v",
						r,
					)
					return
				}
				panic(r)
			}
		}()

		index := sess.Hash % len(s.eventPairChans)
		select {
		case s.eventPairChans[index] <- &sessionEventPair{key: key, event: e}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	if err := s.addEvent(ctx, key, e); err != nil {
		return fmt.Errorf("redis session service append event failed: %w", err)
	}

	return nil
}

// Close closes the service.
func (s *Service) Close() error {
	s.once.Do(func() {
		// Close event pair channels and wait for persist workers.
		for _, ch := range s.eventPairChans {
			close(ch)
		}
		s.persistWg.Wait()

		// Close redis connection.
		if s.redisClient != nil {
			s.redisClient.Close()
		}
	})

	return nil
}

func (s *Service) refreshTTL(
	ctx context.Context,
	pipe redis.Pipeliner,
	key session.Key,
) {
	if s.opts.sessionTTL > 0 {
		pipe.Expire(ctx, s.sessionRecordKey(key), s.opts.sessionTTL)
		pipe.Expire(ctx, s.eventKey(key), s.opts.sessionTTL)
	}
	if s.opts.appStateTTL > 0 {
		pipe.Expire(ctx, s.appStateKey(key.AppName), s.opts.appStateTTL)
	}
	if s.opts.userStateTTL > 0 {
		pipe.Expire(ctx, s.userStateKey(session.UserKey{AppName: key.AppName, UserID: key.UserID}), s.opts.userStateTTL)
	}
}

// fetchRecord reads and decodes one session record. A missing record is
// (nil, nil); a decode failure wraps session.ErrCorruptedRecord.
func (s *Service) fetchRecord(ctx context.Context, key session.Key) (*sessionRecord, error) {
	recordBytes, err := s.redisClient.HGet(ctx, s.sessionRecordKey(key), key.SessionID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session record failed: %w", err)
	}
	record := &sessionRecord{}
	if err := json.Unmarshal(recordBytes, record); err != nil {
		return nil, fmt.Errorf("decode session record: %w: %v", session.ErrCorruptedRecord, err)
	}
	if record.State == nil {
		record.State = make(session.StateMap)
	}
	return record, nil
}

// readEventLog reads the full event log of a session in append order. A
// log that is not a JSON array is corrupt; a malformed element within an
// otherwise valid array is logged and skipped so one bad entry does not
// make the whole session unreadable.
func (s *Service) readEventLog(ctx context.Context, key session.Key) ([]event.Event, error) {
	raw, err := s.redisClient.Get(ctx, s.eventKey(key)).Bytes()
	if err == redis.Nil {
		return []event.Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event log failed: %w", err)
	}
	var rawEvents []json.RawMessage
	if err := json.Unmarshal(raw, &rawEvents); err != nil {
		return nil, fmt.Errorf("decode event log: %w: %v", session.ErrCorruptedRecord, err)
	}
	events := make([]event.Event, 0, len(rawEvents))
	for _, rawEvent := range rawEvents {
		var e event.Event
		if err := json.Unmarshal(rawEvent, &e); err != nil {
			log.WarnfContext(ctx, "skip malformed event in session %s: %v", key.SessionID, err)
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// getEvents returns the trailing event view for a session. A limit of zero
// or less falls back to the configured default cap; if that is also zero
// the full log is returned. Filtering never consumes the log: repeated
// calls with the same arguments return the same view until the next append.
func (s *Service) getEvents(
	ctx context.Context,
	key session.Key,
	limit int,
	afterTime time.Time,
) ([]event.Event, error) {
	events, err := s.readEventLog(ctx, key)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.opts.sessionEventLimit
	}
	view := &session.Session{Events: events}
	view.ApplyEventFiltering(session.WithEventNum(limit), session.WithEventTime(afterTime))
	return view.Events, nil
}

// addEvent persists one event: a read-modify-write of the session record
// (session-scope delta, updatedAt), scope hash writes for app/user delta
// entries, and a read-modify-write of the event log.
func (s *Service) addEvent(ctx context.Context, key session.Key, e *event.Event) error {
	record, err := s.fetchRecord(ctx, key)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("session %s not found", key.SessionID)
	}

	appDelta := make(session.StateMap)
	userDelta := make(session.StateMap)
	session.ApplyDelta(appDelta, userDelta, record.State, e.StateDelta)
	record.UpdatedAt = time.Now()

	updatedBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal session record failed: %w", err)
	}

	events, err := s.readEventLog(ctx, key)
	if err != nil {
		return err
	}
	events = append(events, *e)
	eventBytes, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal event log failed: %w", err)
	}

	recordKey := s.sessionRecordKey(key)
	appStateKey := s.appStateKey(key.AppName)
	userStateKey := s.userStateKey(session.UserKey{AppName: key.AppName, UserID: key.UserID})

	pipe := s.redisClient.Pipeline()
	pipe.HSet(ctx, recordKey, key.SessionID, updatedBytes)
	for k, v := range appDelta {
		pipe.HSet(ctx, appStateKey, k, v)
	}
	for k, v := range userDelta {
		pipe.HSet(ctx, userStateKey, k, v)
	}
	// Set carries the TTL directly; zero means no expiration.
	pipe.Set(ctx, s.eventKey(key), eventBytes, s.opts.sessionTTL)
	if s.opts.sessionTTL > 0 {
		pipe.Expire(ctx, recordKey, s.opts.sessionTTL)
	}
	if s.opts.appStateTTL > 0 && len(appDelta) > 0 {
		pipe.Expire(ctx, appStateKey, s.opts.appStateTTL)
	}
	if s.opts.userStateTTL > 0 && len(userDelta) > 0 {
		pipe.Expire(ctx, userStateKey, s.opts.userStateTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store event failed: %w", err)
	}
	return nil
}

func (s *Service) startAsyncPersistWorker() {
	persisterNum := s.opts.asyncPersisterNum
	s.eventPairChans = make([]chan *sessionEventPair, persisterNum)
	for i := 0; i < persisterNum; i++ {
		s.eventPairChans[i] = make(chan *sessionEventPair, defaultChanBufferSize)
	}

	s.persistWg.Add(persisterNum)
	for _, eventPairChan := range s.eventPairChans {
		go func(eventPairChan chan *sessionEventPair) {
			defer s.persistWg.Done()
			for eventPair := range eventPairChan {
				ctx, cancel := context.WithTimeout(
					context.Background(),
					defaultAsyncPersistTimeout,
				)
				log.DebugfContext(
					ctx,
					"Session persistence queue monitoring: channel "+
						"capacity: %d, current length: %d, "+
						"session key: %s",
					cap(eventPairChan),
					len(eventPairChan),
					s.sessionRecordKey(eventPair.key),
				)
				if err := s.addEvent(ctx, eventPair.key, eventPair.event); err != nil {
					log.ErrorfContext(
						ctx,
						"redis session service persistence event "+
							"failed: %v",
						err,
					)
				}
				cancel()
			}
		}(eventPairChan)
	}
}

func processStateCmd(cmd *redis.MapStringStringCmd) (session.StateMap, error) {
	result, err := cmd.Result()
	if err == redis.Nil {
		return make(session.StateMap), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state failed: %w", err)
	}
	state := make(session.StateMap)
	for k, v := range result {
		state[k] = []byte(v)
	}
	return state, nil
}

func processRecordCmd(cmd *redis.StringCmd) (*sessionRecord, error) {
	recordBytes, err := cmd.Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session record failed: %w", err)
	}
	record := &sessionRecord{}
	if err := json.Unmarshal(recordBytes, record); err != nil {
		return nil, fmt.Errorf("decode session record: %w: %v", session.ErrCorruptedRecord, err)
	}
	if record.State == nil {
		record.State = make(session.StateMap)
	}
	return record, nil
}

func applyOptions(opts ...session.Option) *session.Options {
	opt := &session.Options{}
	for _, o := range opts {
		o(opt)
	}
	return opt
}
