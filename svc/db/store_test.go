package db

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"fogbin/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	sq, err := NewSQLiteWithConfig(filepath.Join(dir, "fogbin.db"), 4, 2, time.Second)
	require.NoError(t, err)
	bo, err := OpenBolt(filepath.Join(dir, "bolt", "fogbin.bolt"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		sq.Close()
		bo.Close()
	})
	return map[string]Store{"sqlite": sq, "bolt": bo}
}

func record(id string, created time.Time, ttl time.Duration) (*domain.Meta, *domain.Content) {
	return &domain.Meta{
			ID:           id,
			Language:     "go",
			CreatedAt:    created,
			ExpiresAt:    created.Add(ttl),
			Redacted:     true,
			PasswordHash: "$argon2id$digest",
		}, &domain.Content{
			Sealed:     []byte("sealed-" + id),
			WrappedDEK: []byte("dek-" + id),
		}
}

func TestStorePutGet(t *testing.T) {
	now := time.Unix(1700000000, 123).UTC()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m, c := record("abc12345", now, time.Hour)
			require.NoError(t, s.Put(ctx, m, c))

			gotM, err := s.GetMeta(ctx, "abc12345")
			require.NoError(t, err)
			assert.Equal(t, m, gotM)

			gotC, err := s.GetContent(ctx, "abc12345")
			require.NoError(t, err)
			assert.Equal(t, c, gotC)

			p, err := s.Exists(ctx, "abc12345")
			require.NoError(t, err)
			assert.True(t, p.Complete())

			_, err = s.GetMeta(ctx, "missing0")
			assert.ErrorIs(t, err, domain.ErrPasteNotFound)
			_, err = s.GetContent(ctx, "missing0")
			assert.ErrorIs(t, err, domain.ErrPasteNotFound)
		})
	}
}

func TestStoreDeleteIdempotent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m, c := record("del12345", time.Now(), time.Hour)
			require.NoError(t, s.Put(ctx, m, c))

			p, err := s.Delete(ctx, "del12345")
			require.NoError(t, err)
			assert.True(t, p.Complete())

			p, err = s.Delete(ctx, "del12345")
			require.NoError(t, err)
			assert.True(t, p.Absent())

			p, err = s.Exists(ctx, "del12345")
			require.NoError(t, err)
			assert.True(t, p.Absent())
		})
	}
}

func TestStorePartialDeletes(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m, c := record("half1234", time.Now(), time.Hour)
			require.NoError(t, s.Put(ctx, m, c))

			removed, err := s.DeleteContent(ctx, "half1234")
			require.NoError(t, err)
			assert.True(t, removed)

			p, err := s.Exists(ctx, "half1234")
			require.NoError(t, err)
			assert.True(t, p.Orphaned())
			assert.True(t, p.Meta)

			removed, err = s.DeleteContent(ctx, "half1234")
			require.NoError(t, err)
			assert.False(t, removed)

			p, err = s.Delete(ctx, "half1234")
			require.NoError(t, err)
			assert.Equal(t, domain.Presence{Meta: true}, p)

			removed, err = s.DeleteMeta(ctx, "half1234")
			require.NoError(t, err)
			assert.False(t, removed)
		})
	}
}

func TestStoreListIDsUnion(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"aaaaaaaa", "bbbbbbbb", "cccccccc"} {
				m, c := record(id, time.Now(), time.Hour)
				require.NoError(t, s.Put(ctx, m, c))
			}
			_, err := s.DeleteMeta(ctx, "bbbbbbbb")
			require.NoError(t, err)
			_, err = s.DeleteContent(ctx, "cccccccc")
			require.NoError(t, err)

			var ids []string
			require.NoError(t, s.ListIDs(ctx, func(id string) error {
				ids = append(ids, id)
				// deleting during the walk must not break it
				_, err := s.Delete(ctx, id)
				return err
			}))
			sort.Strings(ids)
			assert.Equal(t, []string{"aaaaaaaa", "bbbbbbbb", "cccccccc"}, ids)

			ids = nil
			require.NoError(t, s.ListIDs(ctx, func(id string) error {
				ids = append(ids, id)
				return nil
			}))
			assert.Empty(t, ids)
		})
	}
}

func TestStoreCounts(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.AppendLog(ctx, "old00000", base.Add(-48*time.Hour)))
			require.NoError(t, s.AppendLog(ctx, "new00001", base.Add(-time.Hour)))
			require.NoError(t, s.AppendLog(ctx, "new00002", base))

			total, err := s.CountCreated(ctx, time.Time{})
			require.NoError(t, err)
			assert.Equal(t, 3, total)

			daily, err := s.CountCreated(ctx, base.Add(-24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 2, daily)

			m1, c1 := record("live0000", base, time.Hour)
			m2, c2 := record("dead0000", base.Add(-2*time.Hour), time.Hour)
			require.NoError(t, s.Put(ctx, m1, c1))
			require.NoError(t, s.Put(ctx, m2, c2))
			active, err := s.CountActive(ctx, base)
			require.NoError(t, err)
			assert.Equal(t, 1, active)

			require.NoError(t, s.Ping(ctx))
		})
	}
}

func TestStoreCanceledContext(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			m, c := record("ctx00000", time.Now(), time.Hour)
			assert.Error(t, s.Put(ctx, m, c))
		})
	}
}
