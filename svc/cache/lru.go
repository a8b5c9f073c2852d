package cache

import (
	"context"
	"errors"
	"time"

	"fogbin/metrics"
	"fogbin/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxEntryTTL bounds how long a metadata entry stays resident even when the
// record lives for weeks.
const maxEntryTTL = 10 * time.Minute

// LRU is an in-process metadata cache. Entries are copies; callers may not
// mutate what they get back.
type LRU struct {
	c *lru.Cache[string, item]
}

type item struct {
	meta domain.Meta
	exp  time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

func (l *LRU) Name() string { return "lru" }

func (l *LRU) Get(ctx context.Context, id string) (*domain.Meta, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	it, ok := l.c.Get(id)
	if !ok {
		metrics.CacheMisses.WithLabelValues("lru").Inc()
		return nil, false
	}
	if time.Now().After(it.exp) {
		l.c.Remove(id)
		metrics.CacheMisses.WithLabelValues("lru").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("lru").Inc()
	m := it.meta
	return &m, true
}

func (l *LRU) Set(_ context.Context, m *domain.Meta) {
	if m == nil {
		return
	}
	ttl := time.Until(m.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if ttl > maxEntryTTL {
		ttl = maxEntryTTL
	}
	l.c.Add(m.ID, item{meta: *m, exp: time.Now().Add(ttl)})
}

func (l *LRU) Delete(_ context.Context, id string) {
	l.c.Remove(id)
}

func (l *LRU) Len() int { return l.c.Len() }
