// Package store defines the persistence surface of the gateway: guest
// tokens with their entity allowlists, admin sessions, and the access log.
//
// The event/command core never talks to SQL directly; it sees only the
// narrow interfaces below so tests can swap in fakes.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// Token is a guest access token. IDs are UUID strings, timestamps are unix
// seconds (the never-expires sentinel lives in config.NeverExpires).
type Token struct {
	ID           string
	Slug         string
	Label        string
	CreatedAt    int64
	ExpiresAt    int64
	Revoked      bool
	LastAccessed *int64
	IPAllowlist  []string // CIDR strings, nil = no restriction
	EntityCount  int
}

// AccessEntry is one audit row. EventType is "page_load", "command", ...
type AccessEntry struct {
	TokenID   string
	EventType string
	EntityID  string
	Service   string
	IPAddress string
	UserAgent string
}

// EntitySource yields the live entity allowlist of a token. Both the
// subscription registry (cache population) and the command authorization
// pipeline (per-command re-check) depend on exactly this.
type EntitySource interface {
	GetTokenEntities(ctx context.Context, tokenID string) ([]string, error)
}

// TokenStore is the full token CRUD surface used by the admin API.
type TokenStore interface {
	EntitySource

	CreateToken(ctx context.Context, label, slug string, entityIDs []string, expiresAt int64, ipAllowlist []string) (*Token, error)
	GetTokenBySlug(ctx context.Context, slug string) (*Token, error)
	GetTokenByID(ctx context.Context, id string) (*Token, error)
	ListTokens(ctx context.Context) ([]Token, error)
	UpdateTokenEntities(ctx context.Context, id string, entityIDs []string) error
	UpdateTokenExpiry(ctx context.Context, id string, expiresAt int64) error
	RevokeToken(ctx context.Context, id string) error
	UnrevokeToken(ctx context.Context, id string) error
	DeleteToken(ctx context.Context, id string) error
	TouchToken(ctx context.Context, id string) error
}

// SessionStore manages opaque admin session ids.
type SessionStore interface {
	CreateAdminSession(ctx context.Context, ttlSeconds int64) (string, error)
	// GetAdminSession reports whether the session exists and is unexpired.
	GetAdminSession(ctx context.Context, sessionID string) (bool, error)
	DeleteAdminSession(ctx context.Context, sessionID string) error
}

// AccessLogStore records audit entries and prunes old data.
type AccessLogStore interface {
	LogAccess(ctx context.Context, e AccessEntry) error
	// CleanupOldData deletes access log rows older than retentionDays,
	// expired admin sessions, and revoked or expired tokens.
	CleanupOldData(ctx context.Context, retentionDays int) error
}

// Store is everything the service needs from persistence.
type Store interface {
	TokenStore
	SessionStore
	AccessLogStore

	Ping(ctx context.Context) error
	Close()
}
