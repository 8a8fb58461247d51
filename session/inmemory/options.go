//
// Tencent is pleased to support the open source community by making trpc-session-store available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-session-store is licensed under the Apache License Version 2.0.
//
//

package inmemory

import (
	"time"

	"trpc.group/trpc-go/trpc-session-store/session"
)

// defaultCleanupInterval is applied when any TTL is configured and no
// explicit cleanup interval is set.
const defaultCleanupInterval = 60 * time.Second

// serviceOpts is the options for the in-memory session service.
type serviceOpts struct {
	// sessionEventLimit caps the number of events kept per session.
	// Zero means no cap.
	sessionEventLimit int
	sessionTTL        time.Duration // TTL for sessions
	appStateTTL       time.Duration // TTL for app state
	userStateTTL      time.Duration // TTL for user state
	cleanupInterval   time.Duration // interval of the expired-data sweep
	// hooks for session operations.
	appendEventHooks []session.AppendEventHook
	getSessionHooks  []session.GetSessionHook
}

// ServiceOpt is the option for the in-memory session service.
type ServiceOpt func(*serviceOpts)

var defaultOptions = serviceOpts{
	sessionEventLimit: 0,
	sessionTTL:        0,
	appStateTTL:       0,
	userStateTTL:      0,
	cleanupInterval:   0,
}

// WithSessionEventLimit sets the limit of events kept in a session.
func WithSessionEventLimit(limit int) ServiceOpt {
	return func(opts *serviceOpts) {
		opts.sessionEventLimit = limit
	}
}

// WithSessionTTL sets the TTL for sessions.
// If not set, sessions will not expire.
func WithSessionTTL(ttl time.Duration) ServiceOpt {
	return func(opts *serviceOpts) {
		opts.sessionTTL = ttl
	}
}

// WithAppStateTTL sets the TTL for app state.
// If not set, app state will not expire.
func WithAppStateTTL(ttl time.Duration) ServiceOpt {
	return func(opts *serviceOpts) {
		opts.appStateTTL = ttl
	}
}

// WithUserStateTTL sets the TTL for user state.
// If not set, user state will not expire.
func WithUserStateTTL(ttl time.Duration) ServiceOpt {
	return func(opts *serviceOpts) {
		opts.userStateTTL = ttl
	}
}

// WithCleanupInterval sets the interval of the background sweep that
// removes expired sessions and states. When any TTL is configured and no
// interval is set, a default interval is applied.
func WithCleanupInterval(interval time.Duration) ServiceOpt {
	return func(opts *serviceOpts) {
		opts.cleanupInterval = interval
	}
}

// WithAppendEventHook adds AppendEvent hooks.
func WithAppendEventHook(hooks ...session.AppendEventHook) ServiceOpt {
	return func(opts *serviceOpts) {
		opts.appendEventHooks = append(opts.appendEventHooks, hooks...)
	}
}

// WithGetSessionHook adds GetSession hooks.
func WithGetSessionHook(hooks ...session.GetSessionHook) ServiceOpt {
	return func(opts *serviceOpts) {
		opts.getSessionHooks = append(opts.getSessionHooks, hooks...)
	}
}
