// Package kvstore is the shared key-value store UTM servers publish aircraft
// reports to. Implementations include an in-memory store (single node and
// tests), etcd and redis.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrClosed is returned when operating on a closed store.
var ErrClosed = errors.New("kvstore closed")

// Event is a change notification for one key.
type Event struct {
	Key   string
	Value []byte
}

// Store is a key-value store with prefix watches.
type Store interface {
	// Put writes value under key and notifies watchers of matching prefixes.
	Put(ctx context.Context, key string, value []byte) error
	// Get returns the value under key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Watch registers fn for every change to keys starting with prefix.
	// Events are delivered asynchronously, one at a time, until ctx is
	// canceled. Watch returns once the watch is established.
	Watch(ctx context.Context, prefix string, fn func(Event)) error
	Close() error
}

// Backends.
const (
	BackendMemory = "memory"
	BackendEtcd   = "etcd"
	BackendRedis  = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Backend       string
	EtcdEndpoints []string
	RedisURL      string
	DialTimeout   time.Duration
}

// Open connects to the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	switch strings.ToLower(cfg.Backend) {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendEtcd:
		return NewEtcd(ctx, cfg.EtcdEndpoints, dialTimeout)
	case BackendRedis:
		return NewRedis(ctx, cfg.RedisURL, dialTimeout)
	}
	return nil, fmt.Errorf("unknown kv backend %q", cfg.Backend)
}

// OpenOrMemory opens the configured backend and falls back to an in-memory
// store when it cannot be reached, so that a node keeps working without the
// shared store.
func OpenOrMemory(ctx context.Context, cfg Config, logger *slog.Logger) Store {
	store, err := Open(ctx, cfg)
	if err != nil {
		logger.Warn("running without shared kv store", "backend", cfg.Backend, "error", err)
		return NewMemory()
	}
	return store
}
