// Package cache provides a small multi-backend cache used for the upstream
// state list.
//
// Backends:
//   - memory (in-process, development and single-node deployments)
//   - redis (shared, for running several gateway replicas)
package cache

import (
	"context"
	"fmt"
	"time"
)

// Client is the cache surface the gateway needs. Values are opaque strings
// (callers JSON-encode as needed).
type Client interface {
	// Get returns a value, or ErrNotFound if the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value. ttl == 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Kind       string // "memory" | "redis"
	Addr       string
	DB         int
	Prefix     string
	DefaultTTL time.Duration
}

var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "cache: key not found" }

// IsNotFound reports whether err means the key was absent.
func IsNotFound(err error) bool {
	_, ok := err.(errNotFound)
	return ok
}

// New builds a cache client for the configured backend.
func New(cfg Config) (Client, error) {
	switch cfg.Kind {
	case "redis":
		return NewRedis(cfg)
	case "memory", "":
		return NewMemory(cfg.Prefix, cfg.DefaultTTL), nil
	default:
		return nil, fmt.Errorf("cache: unknown kind %q", cfg.Kind)
	}
}
