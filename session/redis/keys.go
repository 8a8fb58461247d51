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
	"fmt"

	"trpc.group/trpc-go/trpc-session-store/session"
)

// Key layout. The {app} hash tag keeps all keys of one app in the same
// cluster slot.
//
//	sess:{app}:user       hash  sessionID -> sessionRecord(json), doubles as the per-user index
//	appstate:{app}        hash  key -> value
//	userstate:{app}:user  hash  key -> value
//	event:{app}:user:sess string, json array of events

func (s *Service) sessionRecordKey(key session.Key) string {
	return s.prefixed(fmt.Sprintf("sess:{%s}:%s", key.AppName, key.UserID))
}

func (s *Service) appStateKey(appName string) string {
	return s.prefixed(fmt.Sprintf("appstate:{%s}", appName))
}

func (s *Service) userStateKey(key session.UserKey) string {
	return s.prefixed(fmt.Sprintf("userstate:{%s}:%s", key.AppName, key.UserID))
}

func (s *Service) eventKey(key session.Key) string {
	return s.prefixed(fmt.Sprintf("event:{%s}:%s:%s", key.AppName, key.UserID, key.SessionID))
}

func (s *Service) prefixed(key string) string {
	if s.opts.keyPrefix == "" {
		return key
	}
	return s.opts.keyPrefix + ":" + key
}
