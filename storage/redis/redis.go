//
// Tencent is pleased to support the open source community by making trpc-session-store available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-session-store is licensed under the Apache License Version 2.0.
//
//

// Package redis provides the redis instance info management.
package redis

import (
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

var (
	registryMu    sync.RWMutex
	redisRegistry = make(map[string][]ClientBuilderOpt)
)

// RegisterRedisInstance registers a named redis instance so that services
// can refer to it by name instead of carrying connection details.
// Registering the same name twice overwrites the previous options.
func RegisterRedisInstance(name string, opts ...ClientBuilderOpt) {
	registryMu.Lock()
	defer registryMu.Unlock()
	redisRegistry[name] = opts
}

// GetRedisInstance returns the builder options registered under name.
func GetRedisInstance(name string) ([]ClientBuilderOpt, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	opts, ok := redisRegistry[name]
	return opts, ok
}

type clientBuilder func(builderOpts ...ClientBuilderOpt) (redis.UniversalClient, error)

var globalBuilder clientBuilder = DefaultClientBuilder

// SetClientBuilder sets the redis client builder.
func SetClientBuilder(builder clientBuilder) {
	globalBuilder = builder
}

// GetClientBuilder gets the redis client builder.
func GetClientBuilder() clientBuilder {
	return globalBuilder
}

// DefaultClientBuilder is the default redis client builder.
func DefaultClientBuilder(builderOpts ...ClientBuilderOpt) (redis.UniversalClient, error) {
	o := &ClientBuilderOpts{}
	for _, opt := range builderOpts {
		opt(o)
	}

	if o.Options != nil {
		return redis.NewClient(o.Options), nil
	}

	if o.URL == "" {
		return nil, errors.New("redis: url is empty")
	}

	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url %s: %w", o.URL, err)
	}

	return redis.NewClient(opts), nil
}

// ClientBuilderOpt is the option for the redis client.
type ClientBuilderOpt func(*ClientBuilderOpts)

// ClientBuilderOpts is the options for the redis client.
type ClientBuilderOpts struct {
	// URL is the redis connection URL for clientBuilder.
	// Format: redis://[user[:password]@]host[:port][/db-number]
	URL string

	// Options are go-redis client options used directly by the default
	// builder. When set they take precedence over URL.
	Options *redis.Options

	// ExtraOptions carries options for a customized client builder set via
	// SetClientBuilder. The default builder ignores them.
	ExtraOptions []any
}

// WithClientBuilderURL sets the redis connection URL.
func WithClientBuilderURL(url string) ClientBuilderOpt {
	return func(o *ClientBuilderOpts) {
		o.URL = url
	}
}

// WithClientBuilderOptions sets go-redis client options directly,
// bypassing URL parsing.
func WithClientBuilderOptions(options *redis.Options) ClientBuilderOpt {
	return func(o *ClientBuilderOpts) {
		o.Options = options
	}
}

// WithExtraOptions sets extra options for a customized client builder.
func WithExtraOptions(extraOptions ...any) ClientBuilderOpt {
	return func(o *ClientBuilderOpts) {
		o.ExtraOptions = append(o.ExtraOptions, extraOptions...)
	}
}
