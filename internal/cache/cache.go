// Package cache provides the TTL-bounded short-term memory used by the
// orchestrator and handlers: per-user conversation contexts plus a small
// generic key/value surface for snapshots and rate counters.
package cache

import (
	"context"
	"errors"
	"time"

	"oabot/internal/domain"
)

// ErrUnavailable signals that the backing store cannot be reached. Callers
// degrade to stateless operation instead of failing the event.
var ErrUnavailable = errors.New("cache unavailable")

// Config tunes TTLs and the per-conversation turn cap. Zero values fall
// back to the defaults below.
type Config struct {
	MaxTurns    int           // FIFO cap on stored turns per user
	DialogueTTL time.Duration // lifetime of the turn list, refreshed on append
	ProfileTTL  time.Duration // lifetime of derived profile entries
}

const (
	DefaultMaxTurns    = 50
	DefaultDialogueTTL = 7 * 24 * time.Hour
	DefaultProfileTTL  = 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.DialogueTTL <= 0 {
		c.DialogueTTL = DefaultDialogueTTL
	}
	if c.ProfileTTL <= 0 {
		c.ProfileTTL = DefaultProfileTTL
	}
	return c
}

// Cache is the context-cache surface. Expired entries are indistinguishable
// from absent ones. Per-user operations are serialized by the implementation;
// operations on distinct users may run concurrently.
type Cache interface {
	// Get returns the user's conversation context, or found=false when the
	// user has no live entry.
	Get(ctx context.Context, userID string) (conv *domain.ConversationContext, found bool, err error)

	// AppendTurns appends turns in order, creating the context if absent,
	// evicting oldest turns beyond MaxTurns, and refreshing the dialogue TTL.
	AppendTurns(ctx context.Context, userID string, turns ...domain.Turn) error

	// PutDerived stores one derived profile trait under its own TTL without
	// touching the turn list.
	PutDerived(ctx context.Context, userID, key, value string) error

	// SetValue / GetValue are the generic TTL store for non-conversation
	// values (analytics overview, trending topics).
	SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetValue(ctx context.Context, key string) (value []byte, found bool, err error)
	DeleteValue(ctx context.Context, key string) error

	// IncrWindow increments a counter that expires window after its first
	// increment, returning the new count. Used for per-user rate limiting.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	Close() error
}
