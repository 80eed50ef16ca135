// Package kv provides string key-value storage used to persist parsed guide
// data across restarts.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by every operation on a closed store.
var ErrClosed = errors.New("kv: store closed")

// Store is a flat string key-value store.
type Store interface {
	// Get returns the value stored at key. The bool is false when the key is
	// absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value at key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// MultiRemove deletes every key in keys.
	MultiRemove(ctx context.Context, keys []string) error
	// Keys lists every stored key in no particular order.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Path is the directory for the file and badger backends and the
	// database file for sqlite.
	Path      string
	RedisAddr string
	RedisDB   int
}

// Open creates the store described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendFile:
		return NewFile(opts.Path)
	case BackendBadger:
		if opts.Path == "" {
			return nil, errors.New("kv: badger store needs a directory")
		}

		return NewBadger(opts.Path)
	case BackendRedis:
		return NewRedis(ctx, RedisConfig{Addr: opts.RedisAddr, DB: opts.RedisDB})
	case BackendSQLite:
		return NewSQLite(ctx, opts.Path)
	default:
		return nil, fmt.Errorf("kv: unknown backend %q", opts.Backend)
	}
}
