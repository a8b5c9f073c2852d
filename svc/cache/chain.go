package cache

import (
	"context"

	"fogbin/pkg/domain"
)

// MetaCache is a non-authoritative metadata cache layer.
type MetaCache interface {
	Name() string
	Get(ctx context.Context, id string) (*domain.Meta, bool)
	Set(ctx context.Context, m *domain.Meta)
	Delete(ctx context.Context, id string)
}

// Chain consults layers in order and back-fills the faster layers on a hit
// further down.
type Chain []MetaCache

func NewChain(layers ...MetaCache) Chain {
	out := make(Chain, 0, len(layers))
	for _, l := range layers {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (c Chain) Name() string { return "chain" }

func (c Chain) Get(ctx context.Context, id string) (*domain.Meta, bool) {
	for i, l := range c {
		if m, ok := l.Get(ctx, id); ok {
			for j := 0; j < i; j++ {
				c[j].Set(ctx, m)
			}
			return m, true
		}
	}
	return nil, false
}

func (c Chain) Set(ctx context.Context, m *domain.Meta) {
	for _, l := range c {
		l.Set(ctx, m)
	}
}

func (c Chain) Delete(ctx context.Context, id string) {
	for _, l := range c {
		l.Delete(ctx, id)
	}
}
