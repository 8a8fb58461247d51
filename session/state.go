//
// Tencent is pleased to support the open source community by making trpc-session-store available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-session-store is licensed under the Apache License Version 2.0.
//
//

package session

import "strings"

// StateMap is a map of state key-value pairs.
type StateMap map[string][]byte

// Reserved state key prefixes. A delta key's prefix decides which scope
// store receives the entry; keys without a reserved prefix are session
// scoped.
const (
	// StateAppPrefix marks state shared by every session of an app.
	StateAppPrefix = "app:"
	// StateUserPrefix marks state shared by every session of an (app, user) pair.
	StateUserPrefix = "user:"
	// StateTempPrefix marks ephemeral state that is never persisted.
	StateTempPrefix = "temp:"
)

// Scope classifies how broadly a state key is shared and whether it persists.
type Scope int

const (
	// ScopeSession is state owned by a single session.
	ScopeSession Scope = iota
	// ScopeApp is state shared across all users and sessions of an app.
	ScopeApp
	// ScopeUser is state shared across all sessions of an (app, user) pair.
	ScopeUser
	// ScopeTemp is ephemeral state dropped before persistence.
	ScopeTemp
)

// String returns the scope name.
func (s Scope) String() string {
	switch s {
	case ScopeApp:
		return "app"
	case ScopeUser:
		return "user"
	case ScopeTemp:
		return "temp"
	default:
		return "session"
	}
}

// SplitStateKey classifies a delta key by its reserved prefix and returns
// the scope together with the key stripped of that prefix. The scope is
// decided once here and carried explicitly by callers.
func SplitStateKey(key string) (Scope, string) {
	switch {
	case strings.HasPrefix(key, StateAppPrefix):
		return ScopeApp, strings.TrimPrefix(key, StateAppPrefix)
	case strings.HasPrefix(key, StateUserPrefix):
		return ScopeUser, strings.TrimPrefix(key, StateUserPrefix)
	case strings.HasPrefix(key, StateTempPrefix):
		return ScopeTemp, strings.TrimPrefix(key, StateTempPrefix)
	default:
		return ScopeSession, key
	}
}

// ApplyDelta routes each delta entry into the scope store selected by its
// key prefix, with the prefix stripped. Temp entries are discarded. An
// empty delta is a no-op. Nil scope stores skip their entries.
func ApplyDelta(appState, userState, sessState StateMap, delta map[string][]byte) {
	for key, value := range delta {
		scope, stripped := SplitStateKey(key)
		switch scope {
		case ScopeApp:
			if appState != nil {
				appState[stripped] = value
			}
		case ScopeUser:
			if userState != nil {
				userState[stripped] = value
			}
		case ScopeSession:
			if sessState != nil {
				sessState[stripped] = value
			}
		case ScopeTemp:
			// Never persisted, never exposed.
		}
	}
}

// MergeState builds the effective state view from the three persistent
// scope stores: app entries overlaid by user entries overlaid by session
// entries. On key collision session wins over user wins over app. The
// result contains unprefixed keys only and no temp-derived entries.
func MergeState(appState, userState, sessState StateMap) StateMap {
	merged := make(StateMap, len(appState)+len(userState)+len(sessState))
	for k, v := range appState {
		merged[k] = v
	}
	for k, v := range userState {
		merged[k] = v
	}
	for k, v := range sessState {
		merged[k] = v
	}
	return merged
}
