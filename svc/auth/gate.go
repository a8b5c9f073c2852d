package auth

import (
	"context"
	"time"
)

// Decision is the outcome of a gate check.
type Decision uint8

const (
	NoGate Decision = iota
	Granted
	Denied
)

func (d Decision) String() string {
	switch d {
	case NoGate:
		return "no_gate"
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	}
	return "unknown"
}

// Allowed is true for NoGate and Granted.
func (d Decision) Allowed() bool { return d != Denied }

const DefaultVerifyFloor = 350 * time.Millisecond

// Gate decides whether a provided password opens a stored digest. Checks
// against a digest take at least floor so timing does not separate wrong
// passwords from malformed digests.
type Gate struct {
	hasher *Hasher
	floor  time.Duration
}

func NewGate(h *Hasher, floor time.Duration) *Gate {
	if floor < 0 {
		floor = 0
	}
	return &Gate{hasher: h, floor: floor}
}

func (g *Gate) Verify(ctx context.Context, provided, digest string) Decision {
	if digest == "" {
		return NoGate
	}
	if provided == "" {
		return Denied
	}
	start := time.Now()
	ok := g.hasher.Matches(provided, digest)
	if rest := g.floor - time.Since(start); rest > 0 {
		t := time.NewTimer(rest)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	if ok {
		return Granted
	}
	return Denied
}

// Digest hashes a new password; an empty password yields an empty digest.
func (g *Gate) Digest(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", nil
	}
	return g.hasher.Hash(ctx, password)
}
