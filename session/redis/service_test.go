//
// Tencent is pleased to support the open source community by making trpc-session-store available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-session-store is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-session-store/event"
	"trpc.group/trpc-go/trpc-session-store/session"
)

func setupService(t *testing.T, opts ...ServiceOpt) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts = append([]ServiceOpt{WithRedisClientURL("redis://" + mr.Addr())}, opts...)
	svc, err := NewService(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, mr
}

func TestNewServiceNoURL(t *testing.T) {
	_, err := NewService()
	assert.Error(t, err)
}

func TestNewServiceUnknownInstance(t *testing.T) {
	_, err := NewService(WithRedisInstance("no-such-instance"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestCreateSessionGeneratesID(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, session.Key{AppName: "app", UserID: "user"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "app", sess.AppName)
	assert.Equal(t, "user", sess.UserID)
	assert.Empty(t, sess.Events)
}

func TestCreateSessionKeyValidation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, session.Key{UserID: "user"}, nil)
	assert.ErrorIs(t, err, session.ErrAppNameRequired)

	_, err = svc.CreateSession(ctx, session.Key{AppName: "app"}, nil)
	assert.ErrorIs(t, err, session.ErrUserIDRequired)
}

func TestCreateSessionRoutesInitialState(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx,
		session.Key{AppName: "app", UserID: "user", SessionID: "s1"},
		session.StateMap{
			"app:theme":    []byte("dark"),
			"user:lang":    []byte("en"),
			"counter":      []byte("1"),
			"temp:scratch": []byte("dropped"),
		})
	require.NoError(t, err)

	// Effective state is merged and unprefixed; temp never survives.
	assert.Equal(t, []byte("dark"), sess.State["theme"])
	assert.Equal(t, []byte("en"), sess.State["lang"])
	assert.Equal(t, []byte("1"), sess.State["counter"])
	assert.NotContains(t, sess.State, "scratch")

	// App and user entries land in the shared scope stores.
	appStates, err := svc.ListAppStates(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, []byte("dark"), appStates["theme"])

	userStates, err := svc.ListUserStates(ctx, session.UserKey{AppName: "app", UserID: "user"})
	require.NoError(t, err)
	assert.Equal(t, []byte("en"), userStates["lang"])
}

func TestCreateSessionReusedID(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	sess, err := svc.CreateSession(ctx, key, session.StateMap{"old": []byte("v")})
	require.NoError(t, err)
	require.NoError(t, svc.AppendEvent(ctx, sess, event.New("user")))

	// Re-creating under the same id replaces the session entirely: no
	// events and no session-scope state survive from the previous one.
	recreated, err := svc.CreateSession(ctx, key, nil)
	require.NoError(t, err)
	assert.Empty(t, recreated.Events)

	got, err := svc.GetSession(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.Events)
	assert.NotContains(t, got.State, "old")
}

func TestGetSessionMissing(t *testing.T) {
	svc, _ := setupService(t)

	sess, err := svc.GetSession(context.Background(),
		session.Key{AppName: "app", UserID: "user", SessionID: "missing"})
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestGetSessionCorruptedRecord(t *testing.T) {
	svc, mr := setupService(t)
	ctx := context.Background()

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	_, err := svc.CreateSession(ctx, key, nil)
	require.NoError(t, err)

	// Corrupt the persisted record directly.
	mr.HSet("sess:{app}:user", "s1", "not json")

	_, err = svc.GetSession(ctx, key)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrCorruptedRecord)
}

func TestGetSessionSkipsMalformedEvent(t *testing.T) {
	svc, mr := setupService(t)
	ctx := context.Background()

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	sess, err := svc.CreateSession(ctx, key, nil)
	require.NoError(t, err)
	require.NoError(t, svc.AppendEvent(ctx, sess, event.New("user")))

	// Splice a malformed element into the stored array. One bad entry must
	// not make the session unreadable.
	raw, err := mr.Get("event:{app}:user:s1")
	require.NoError(t, err)
	require.NoError(t, mr.Set("event:{app}:user:s1", "[17,"+raw[1:]))

	got, err := svc.GetSession(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "user", got.Events[0].Author)

	// A log that is not an array at all is corrupt.
	require.NoError(t, mr.Set("event:{app}:user:s1", "not json"))
	_, err = svc.GetSession(ctx, key)
	assert.ErrorIs(t, err, session.ErrCorruptedRecord)
}

func TestGetSessionRoundTrip(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	created, err := svc.CreateSession(ctx, key, session.StateMap{"k": []byte("v")})
	require.NoError(t, err)

	got, err := svc.GetSession(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, []byte("v"), got.State["k"])
	assert.Empty(t, got.Events)
}

func TestAppendEventOrderAndState(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	sess, err := svc.CreateSession(ctx, key, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e := event.New(fmt.Sprintf("author-%d", i), event.WithStateDelta(map[string][]byte{
			"last": []byte(fmt.Sprintf("%d", i)),
		}))
		require.NoError(t, svc.AppendEvent(ctx, sess, e))
	}

	got, err := svc.GetSession(ctx, key)
	require.NoError(t, err)
	require.Len(t, got.Events, 3)
	// Append order is retrieval order.
	for i, e := range got.Events {
		assert.Equal(t, fmt.Sprintf("author-%d", i), e.Author)
	}
	// Per-key last write wins.
	assert.Equal(t, []byte("2"), got.State["last"])

	// The in-memory handle converges to the same view.
	assert.Equal(t, 3, sess.GetEventCount())
	assert.Equal(t, []byte("2"), sess.State["last"])
}

func TestAppendEventScopedDelta(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	sess, err := svc.CreateSession(ctx, key, nil)
	require.NoError(t, err)

	e := event.New("assistant", event.WithStateDelta(map[string][]byte{
		"app:theme":    []byte("dark"),
		"user:lang":    []byte("en"),
		"note":         []byte("hi"),
		"temp:scratch": []byte("dropped"),
	}))
	require.NoError(t, svc.AppendEvent(ctx, sess, e))

	appStates, err := svc.ListAppStates(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, []byte("dark"), appStates["theme"])

	userStates, err := svc.ListUserStates(ctx, session.UserKey{AppName: "app", UserID: "user"})
	require.NoError(t, err)
	assert.Equal(t, []byte("en"), userStates["lang"])

	got, err := svc.GetSession(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("dark"), got.State["theme"])
	assert.Equal(t, []byte("en"), got.State["lang"])
	assert.Equal(t, []byte("hi"), got.State["note"])
	assert.NotContains(t, got.State, "scratch")
}

func TestAppendEventMissingSession(t *testing.T) {
	svc, _ := setupService(t)

	sess := session.NewSession("app", "user", "never-created")
	err := svc.AppendEvent(context.Background(), sess, event.New("user"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMergePrecedenceAcrossScopes(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	require.NoError(t, svc.UpdateAppState(ctx, "app", session.StateMap{"shared": []byte("from-app")}))
	require.NoError(t, svc.UpdateUserState(ctx,
		session.UserKey{AppName: "app", UserID: "user"},
		session.StateMap{"shared": []byte("from-user")}))

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	_, err := svc.CreateSession(ctx, key, nil)
	require.NoError(t, err)

	got, err := svc.GetSession(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-user"), got.State["shared"])

	require.NoError(t, svc.UpdateSessionState(ctx, key, session.StateMap{"shared": []byte("from-session")}))
	got, err = svc.GetSession(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-session"), got.State["shared"])
}

func TestGetSessionEventNum(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	sess, err := svc.CreateSession(ctx, key, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		e := event.New(fmt.Sprintf("author-%d", i), event.WithStateDelta(map[string][]byte{
			fmt.Sprintf("k%d", i): []byte("v"),
		}))
		require.NoError(t, svc.AppendEvent(ctx, sess, e))
	}

	got, err := svc.GetSession(ctx, key, session.WithEventNum(2))
	require.NoError(t, err)
	require.Len(t, got.Events, 2)
	assert.Equal(t, "author-3", got.Events[0].Author)
	assert.Equal(t, "author-4", got.Events[1].Author)

	// The limit bounds the view only: effective state reflects the full
	// history and the log itself is not consumed.
	assert.Len(t, got.State, 5)
	full, err := svc.GetSession(ctx, key)
	require.NoError(t, err)
	assert.Len(t, full.Events, 5)
}

func TestGetSessionEventNumFallback(t *testing.T) {
	svc, _ := setupService(t, WithSessionEventLimit(2))
	ctx := context.Background()

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	sess, err := svc.CreateSession(ctx, key, nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, svc.AppendEvent(ctx, sess, event.New("user")))
	}

	// No explicit limit: the configured default applies.
	got, err := svc.GetSession(ctx, key)
	require.NoError(t, err)
	assert.Len(t, got.Events, 2)

	// An explicit limit takes precedence.
	got, err = svc.GetSession(ctx, key, session.WithEventNum(3))
	require.NoError(t, err)
	assert.Len(t, got.Events, 3)
}

func TestGetSessionEventTime(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	sess, err := svc.CreateSession(ctx, key, nil)
	require.NoError(t, err)

	old := event.New("old")
	old.Timestamp = time.Now().Add(-2 * time.Hour)
	require.NoError(t, svc.AppendEvent(ctx, sess, old))
	require.NoError(t, svc.AppendEvent(ctx, sess, event.New("recent")))

	got, err := svc.GetSession(ctx, key, session.WithEventTime(time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "recent", got.Events[0].Author)
}

func TestListSessions(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	userKey := session.UserKey{AppName: "app", UserID: "user"}
	for i := 0; i < 3; i++ {
		key := session.Key{AppName: "app", UserID: "user", SessionID: fmt.Sprintf("s%d", i)}
		sess, err := svc.CreateSession(ctx, key, session.StateMap{"k": []byte("v")})
		require.NoError(t, err)
		require.NoError(t, svc.AppendEvent(ctx, sess, event.New("user")))
	}

	sessions, err := svc.ListSessions(ctx, userKey)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	for _, s := range sessions {
		// Summaries only: identity and timestamps, never state or events.
		assert.NotEmpty(t, s.ID)
		assert.False(t, s.CreatedAt.IsZero())
		assert.Empty(t, s.State)
		assert.Empty(t, s.Events)
	}
}

func TestListSessionsEmpty(t *testing.T) {
	svc, _ := setupService(t)

	sessions, err := svc.ListSessions(context.Background(),
		session.UserKey{AppName: "app", UserID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestListSessionsIsolation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, session.Key{AppName: "app", UserID: "alice", SessionID: "s1"}, nil)
	require.NoError(t, err)
	_, err = svc.CreateSession(ctx, session.Key{AppName: "app", UserID: "bob", SessionID: "s2"}, nil)
	require.NoError(t, err)

	sessions, err := svc.ListSessions(ctx, session.UserKey{AppName: "app", UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
}

func TestDeleteSession(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	sess, err := svc.CreateSession(ctx, key, session.StateMap{
		"app:theme": []byte("dark"),
		"user:lang": []byte("en"),
	})
	require.NoError(t, err)
	require.NoError(t, svc.AppendEvent(ctx, sess, event.New("user")))

	require.NoError(t, svc.DeleteSession(ctx, key))

	got, err := svc.GetSession(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Shared scope state survives session deletion.
	appStates, err := svc.ListAppStates(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, []byte("dark"), appStates["theme"])
	userStates, err := svc.ListUserStates(ctx, session.UserKey{AppName: "app", UserID: "user"})
	require.NoError(t, err)
	assert.Equal(t, []byte("en"), userStates["lang"])

	// Deleting again is a silent no-op.
	assert.NoError(t, svc.DeleteSession(ctx, key))
}

func TestDeleteSessionMissing(t *testing.T) {
	svc, _ := setupService(t)
	assert.NoError(t, svc.DeleteSession(context.Background(),
		session.Key{AppName: "app", UserID: "user", SessionID: "never"}))
}

func TestAppStateCRUD(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	require.NoError(t, svc.UpdateAppState(ctx, "app", session.StateMap{
		"app:theme": []byte("dark"),
		"plain":     []byte("also-stored"),
		"temp:x":    []byte("dropped"),
	}))

	states, err := svc.ListAppStates(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, []byte("dark"), states["theme"])
	assert.Equal(t, []byte("also-stored"), states["plain"])
	assert.NotContains(t, states, "x")

	require.NoError(t, svc.DeleteAppState(ctx, "app", "theme"))
	states, err = svc.ListAppStates(ctx, "app")
	require.NoError(t, err)
	assert.NotContains(t, states, "theme")

	assert.ErrorIs(t, svc.UpdateAppState(ctx, "", nil), session.ErrAppNameRequired)
	_, err = svc.ListAppStates(ctx, "")
	assert.ErrorIs(t, err, session.ErrAppNameRequired)
}

func TestUserStateCRUD(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	userKey := session.UserKey{AppName: "app", UserID: "user"}

	require.NoError(t, svc.UpdateUserState(ctx, userKey, session.StateMap{
		"user:lang": []byte("en"),
	}))

	states, err := svc.ListUserStates(ctx, userKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("en"), states["lang"])

	// User state of one user is invisible to another.
	otherStates, err := svc.ListUserStates(ctx, session.UserKey{AppName: "app", UserID: "other"})
	require.NoError(t, err)
	assert.Empty(t, otherStates)

	require.NoError(t, svc.DeleteUserState(ctx, userKey, "lang"))
	states, err = svc.ListUserStates(ctx, userKey)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestUpdateSessionState(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	_, err := svc.CreateSession(ctx, key, nil)
	require.NoError(t, err)

	require.NoError(t, svc.UpdateSessionState(ctx, key, session.StateMap{
		"status": []byte("active"),
		"temp:x": []byte("dropped"),
	}))

	got, err := svc.GetSession(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("active"), got.State["status"])
	assert.NotContains(t, got.State, "x")
	// No event is appended by direct state updates.
	assert.Empty(t, got.Events)

	err = svc.UpdateSessionState(ctx, key, session.StateMap{"app:theme": []byte("dark")})
	assert.Error(t, err)
	err = svc.UpdateSessionState(ctx, key, session.StateMap{"user:lang": []byte("en")})
	assert.Error(t, err)

	err = svc.UpdateSessionState(ctx,
		session.Key{AppName: "app", UserID: "user", SessionID: "missing"},
		session.StateMap{"k": []byte("v")})
	assert.Error(t, err)
}

func TestSessionTTLRefresh(t *testing.T) {
	svc, mr := setupService(t, WithSessionTTL(time.Minute))
	ctx := context.Background()

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	_, err := svc.CreateSession(ctx, key, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("sess:{app}:user"))

	// Expiry removes the record; the session reads as absent.
	mr.FastForward(2 * time.Minute)
	got, err := svc.GetSession(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestKeyPrefix(t *testing.T) {
	svc, mr := setupService(t, WithKeyPrefix("myapp"))
	ctx := context.Background()

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	_, err := svc.CreateSession(ctx, key, session.StateMap{"app:theme": []byte("dark")})
	require.NoError(t, err)

	assert.True(t, mr.Exists("myapp:sess:{app}:user"))
	assert.True(t, mr.Exists("myapp:appstate:{app}"))
	assert.False(t, mr.Exists("sess:{app}:user"))

	got, err := svc.GetSession(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("dark"), got.State["theme"])
}

func TestAsyncPersist(t *testing.T) {
	svc, _ := setupService(t, WithEnableAsyncPersist(true), WithAsyncPersisterNum(2))
	ctx := context.Background()

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	sess, err := svc.CreateSession(ctx, key, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e := event.New(fmt.Sprintf("author-%d", i), event.WithStateDelta(map[string][]byte{
			"last": []byte(fmt.Sprintf("%d", i)),
		}))
		require.NoError(t, svc.AppendEvent(ctx, sess, e))
	}

	// Persistence is asynchronous: poll until the store converges.
	require.Eventually(t, func() bool {
		got, err := svc.GetSession(ctx, key)
		if err != nil || got == nil {
			return false
		}
		return len(got.Events) == 3 && string(got.State["last"]) == "2"
	}, 2*time.Second, 10*time.Millisecond)

	// Same-session events go through one worker, so append order holds.
	got, err := svc.GetSession(ctx, key)
	require.NoError(t, err)
	for i, e := range got.Events {
		assert.Equal(t, fmt.Sprintf("author-%d", i), e.Author)
	}
}

func TestAppendEventHooks(t *testing.T) {
	var hookCalls []string
	svc, _ := setupService(t,
		WithAppendEventHook(func(ctx *session.AppendEventContext, next func() error) error {
			hookCalls = append(hookCalls, "append:"+ctx.Event.Author)
			return next()
		}),
		WithGetSessionHook(func(ctx *session.GetSessionContext, next func() (*session.Session, error)) (*session.Session, error) {
			hookCalls = append(hookCalls, "get:"+ctx.Key.SessionID)
			return next()
		}),
	)
	ctx := context.Background()

	key := session.Key{AppName: "app", UserID: "user", SessionID: "s1"}
	sess, err := svc.CreateSession(ctx, key, nil)
	require.NoError(t, err)

	require.NoError(t, svc.AppendEvent(ctx, sess, event.New("user")))
	_, err = svc.GetSession(ctx, key)
	require.NoError(t, err)

	assert.Equal(t, []string{"append:user", "get:s1"}, hookCalls)
}

func TestCloseIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	svc, err := NewService(
		WithRedisClientURL("redis://"+mr.Addr()),
		WithEnableAsyncPersist(true),
	)
	require.NoError(t, err)

	assert.NoError(t, svc.Close())
	assert.NoError(t, svc.Close())
}
