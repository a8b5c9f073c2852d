package svc

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fogbin/pkg/domain"
	"fogbin/pkg/kms"
	"fogbin/svc/auth"
	"fogbin/svc/cache"
	"fogbin/svc/db"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Emit(ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	store  db.Store
	clock  *fakeClock
	events *recorder
	life   *Lifecycle
	sealer *kms.Sealer
	paste  *Paste
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := db.NewSQLiteWithConfig(filepath.Join(t.TempDir(), "fogbin.db"), 4, 2, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return newHarnessWithStore(t, store)
}

func newHarnessWithStore(t *testing.T, store db.Store) *harness {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("KMS_LOCAL_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	adapter, err := kms.NewAdapter(context.Background())
	require.NoError(t, err)
	sealer := kms.NewSealer(adapter, kms.NewKEKCache(adapter, time.Minute))
	t.Cleanup(sealer.Stop)

	hasher, err := auth.NewHasher(1, 1024, 1, bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)
	require.NoError(t, hasher.Start(2))
	t.Cleanup(hasher.Stop)

	lru, err := cache.NewLRU(100)
	require.NoError(t, err)

	h := &harness{store: store, clock: newFakeClock(), events: &recorder{}, sealer: sealer}
	h.life = NewLifecycle(store, cache.NewChain(lru), cache.NewTombstones(100, time.Hour), h.events,
		LifecycleOptions{Clock: h.clock.Now})
	h.paste = NewPaste(h.life, auth.NewGate(hasher, 0), sealer, PasteOptions{
		MaxPasteSize: 1024,
		TTL:          domain.NewTTLMenu(domain.DefaultTTLPresets, domain.DefaultTTLMinutes),
	})
	return h
}

func (h *harness) create(t *testing.T, p domain.CreateParams) *domain.Meta {
	t.Helper()
	m, err := h.paste.Create(context.Background(), p)
	require.NoError(t, err)
	return m
}

// flakyStore lets tests override single store calls.
type flakyStore struct {
	db.Store
	exists func(ctx context.Context, id string) (domain.Presence, error)
	put    func(ctx context.Context, m *domain.Meta, c *domain.Content) error
	meta   func(ctx context.Context, id string) (*domain.Meta, error)
	del    func(ctx context.Context, id string) (domain.Presence, error)
}

func (f *flakyStore) Exists(ctx context.Context, id string) (domain.Presence, error) {
	if f.exists != nil {
		return f.exists(ctx, id)
	}
	return f.Store.Exists(ctx, id)
}

func (f *flakyStore) Put(ctx context.Context, m *domain.Meta, c *domain.Content) error {
	if f.put != nil {
		return f.put(ctx, m, c)
	}
	return f.Store.Put(ctx, m, c)
}

func (f *flakyStore) Delete(ctx context.Context, id string) (domain.Presence, error) {
	if f.del != nil {
		return f.del(ctx, id)
	}
	return f.Store.Delete(ctx, id)
}

func (f *flakyStore) GetMeta(ctx context.Context, id string) (*domain.Meta, error) {
	if f.meta != nil {
		return f.meta(ctx, id)
	}
	return f.Store.GetMeta(ctx, id)
}
