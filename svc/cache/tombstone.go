package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Tombstones remembers ids that were removed because they expired, so a
// later read can still answer "expired" instead of "not found".
type Tombstones struct {
	c *expirable.LRU[string, time.Time]
}

func NewTombstones(size int, ttl time.Duration) *Tombstones {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tombstones{c: expirable.NewLRU[string, time.Time](size, nil, ttl)}
}

// Mark records that id expired at expiresAt.
func (t *Tombstones) Mark(id string, expiresAt time.Time) {
	t.c.Add(id, expiresAt)
}

func (t *Tombstones) Expired(id string) bool {
	_, ok := t.c.Get(id)
	return ok
}

func (t *Tombstones) Len() int { return t.c.Len() }
