package kms

import (
	"context"
	"sync"
	"testing"
	"time"
)

type mockProvider struct {
	unwrapFunc func(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	return plaintext, nil
}

func (m *mockProvider) Unwrap(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	if m.unwrapFunc != nil {
		return m.unwrapFunc(ctx, ciphertext, aad)
	}
	return ciphertext, nil
}

func (m *mockProvider) GetSecret(ctx context.Context, key string) (string, error) {
	return "secret", nil
}

func countingAdapter(delay time.Duration) (*Adapter, func() int) {
	var mu sync.Mutex
	calls := 0
	a := NewAdapterWithProvider(&mockProvider{
		unwrapFunc: func(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
			if delay > 0 {
				time.Sleep(delay)
			}
			mu.Lock()
			calls++
			mu.Unlock()
			return append([]byte("key-"), ciphertext...), nil
		},
	})
	return a, func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
}

func TestKEKCache_HitMiss(t *testing.T) {
	adapter, calls := countingAdapter(0)
	cache := NewKEKCache(adapter, time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	wrapped := []byte("wrapped-1")

	k1, err := cache.Unwrap(ctx, wrapped, PasteContext("abc12345"))
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	k2, err := cache.Unwrap(ctx, wrapped, PasteContext("abc12345"))
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if string(k1) != string(k2) {
		t.Errorf("cached key differs: %q vs %q", k1, k2)
	}
	if calls() != 1 {
		t.Errorf("Expected 1 KMS call, got %d", calls())
	}
}

func TestKEKCache_ReturnsCopies(t *testing.T) {
	adapter, _ := countingAdapter(0)
	cache := NewKEKCache(adapter, time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	k1, _ := cache.Unwrap(ctx, []byte("w"), PasteContext("abc12345"))
	wipeBytes(k1)
	k2, _ := cache.Unwrap(ctx, []byte("w"), PasteContext("abc12345"))
	if string(k2) != "key-w" {
		t.Errorf("wiping a returned key corrupted the cache: %q", k2)
	}
}

func TestKEKCache_ContextIsPartOfKey(t *testing.T) {
	adapter, calls := countingAdapter(0)
	cache := NewKEKCache(adapter, time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	wrapped := []byte("same-bytes")
	_, _ = cache.Unwrap(ctx, wrapped, PasteContext("aaaaaaaa"))
	_, _ = cache.Unwrap(ctx, wrapped, PasteContext("bbbbbbbb"))
	if calls() != 2 {
		t.Errorf("Expected 2 KMS calls for different contexts, got %d", calls())
	}
}

func TestKEKCache_ConcurrentAccess(t *testing.T) {
	adapter, calls := countingAdapter(50 * time.Millisecond)
	cache := NewKEKCache(adapter, time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Unwrap(ctx, []byte("dek"), PasteContext("abc12345")); err != nil {
				t.Errorf("Unwrap failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls() != 1 {
		t.Errorf("Expected 1 KMS call (single-flight), got %d", calls())
	}
}

func TestKEKCache_Stop(t *testing.T) {
	adapter, _ := countingAdapter(0)
	cache := NewKEKCache(adapter, time.Hour)

	ctx := context.Background()
	_, _ = cache.Unwrap(ctx, []byte("dek1"), PasteContext("abc12345"))
	_, _ = cache.Unwrap(ctx, []byte("dek2"), PasteContext("abc12345"))
	if cache.Len() != 2 {
		t.Errorf("Expected 2 cache entries, got %d", cache.Len())
	}

	cache.Stop()
	if cache.Len() != 0 {
		t.Errorf("Expected 0 cache entries after stop, got %d", cache.Len())
	}
	if _, err := cache.Unwrap(ctx, []byte("dek1"), PasteContext("abc12345")); err != ErrProviderUnavailable {
		t.Errorf("Expected ErrProviderUnavailable after stop, got %v", err)
	}
}
