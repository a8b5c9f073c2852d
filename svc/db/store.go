// Package db holds the record store backends and the Redis side channel.
package db

import (
	"context"
	"time"

	"fogbin/pkg/domain"
)

// Store persists the two halves of a paste record. Implementations write
// both halves in one transaction and treat deletion of missing halves as a
// no-op.
type Store interface {
	Put(ctx context.Context, m *domain.Meta, c *domain.Content) error
	GetMeta(ctx context.Context, id string) (*domain.Meta, error)
	GetContent(ctx context.Context, id string) (*domain.Content, error)
	Exists(ctx context.Context, id string) (domain.Presence, error)

	// Delete removes both halves and reports which ones were present.
	Delete(ctx context.Context, id string) (domain.Presence, error)
	DeleteMeta(ctx context.Context, id string) (bool, error)
	DeleteContent(ctx context.Context, id string) (bool, error)

	// ListIDs calls fn for every id that has at least one half stored.
	// Records written during the walk may or may not be visited.
	ListIDs(ctx context.Context, fn func(id string) error) error

	AppendLog(ctx context.Context, id string, createdAt time.Time) error
	// CountCreated counts log entries created at or after since; a zero
	// since counts everything.
	CountCreated(ctx context.Context, since time.Time) (int, error)
	CountActive(ctx context.Context, now time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
