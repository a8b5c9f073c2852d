package cache

import (
	"context"
	"testing"
	"time"

	"fogbin/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func meta(id string, ttl time.Duration) *domain.Meta {
	now := time.Now()
	return &domain.Meta{ID: id, Language: "go", CreatedAt: now, ExpiresAt: now.Add(ttl)}
}

func TestNewLRUBounds(t *testing.T) {
	_, err := NewLRU(0)
	assert.Error(t, err)
	_, err = NewLRU(100001)
	assert.Error(t, err)
}

func TestLRUGetSetDelete(t *testing.T) {
	l, err := NewLRU(10)
	require.NoError(t, err)
	ctx := context.Background()

	_, ok := l.Get(ctx, "abc12345")
	assert.False(t, ok)

	l.Set(ctx, meta("abc12345", time.Hour))
	got, ok := l.Get(ctx, "abc12345")
	require.True(t, ok)
	assert.Equal(t, "go", got.Language)

	got.Language = "mutated"
	again, _ := l.Get(ctx, "abc12345")
	assert.Equal(t, "go", again.Language)

	l.Delete(ctx, "abc12345")
	_, ok = l.Get(ctx, "abc12345")
	assert.False(t, ok)
}

func TestLRUSkipsExpired(t *testing.T) {
	l, _ := NewLRU(10)
	l.Set(context.Background(), meta("old00000", -time.Second))
	assert.Equal(t, 0, l.Len())
}

func TestLRUCanceledContext(t *testing.T) {
	l, _ := NewLRU(10)
	l.Set(context.Background(), meta("abc12345", time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := l.Get(ctx, "abc12345")
	assert.False(t, ok)
}

func TestTombstones(t *testing.T) {
	ts := NewTombstones(10, 50*time.Millisecond)
	assert.False(t, ts.Expired("abc12345"))
	ts.Mark("abc12345", time.Now())
	assert.True(t, ts.Expired("abc12345"))
	assert.Eventually(t, func() bool { return !ts.Expired("abc12345") }, time.Second, 10*time.Millisecond)
}

func TestChainBackfills(t *testing.T) {
	front, _ := NewLRU(10)
	back, _ := NewLRU(10)
	c := NewChain(front, nil, back)
	ctx := context.Background()
	require.Len(t, c, 2)

	back.Set(ctx, meta("abc12345", time.Hour))
	_, ok := c.Get(ctx, "abc12345")
	require.True(t, ok)
	_, ok = front.Get(ctx, "abc12345")
	assert.True(t, ok)

	c.Delete(ctx, "abc12345")
	_, ok = back.Get(ctx, "abc12345")
	assert.False(t, ok)
}
