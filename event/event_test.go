//
// Tencent is pleased to support the open source community by making trpc-session-store available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-session-store is licensed under the Apache License Version 2.0.
//
//

package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	e := New("user",
		WithInvocationID("inv-1"),
		WithContent(json.RawMessage(`{"text":"hello"}`)),
		WithStateDelta(map[string][]byte{"counter": []byte("1")}),
	)

	require.NotEmpty(t, e.ID)
	assert.Equal(t, "user", e.Author)
	assert.Equal(t, "inv-1", e.InvocationID)
	assert.JSONEq(t, `{"text":"hello"}`, string(e.Content))
	assert.Equal(t, []byte("1"), e.StateDelta["counter"])
	assert.False(t, e.Timestamp.IsZero())
}

func TestNewGeneratesUniqueIDs(t *testing.T) {
	first := New("user")
	second := New("user")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestClone(t *testing.T) {
	e := New("assistant",
		WithContent(json.RawMessage(`{"text":"hi"}`)),
		WithStateDelta(map[string][]byte{"k": []byte("v")}),
	)

	copied := e.Clone()
	require.NotNil(t, copied)
	assert.Equal(t, e.ID, copied.ID)

	// Mutating the copy must not leak into the original.
	copied.StateDelta["k"][0] = 'x'
	copied.Content[0] = 'x'
	assert.Equal(t, []byte("v"), e.StateDelta["k"])
	assert.JSONEq(t, `{"text":"hi"}`, string(e.Content))

	var nilEvent *Event
	assert.Nil(t, nilEvent.Clone())
}
