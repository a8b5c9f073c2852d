package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"fogbin/metrics"

	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldown        = 30 * time.Second
)

// breaker opens after maxFailures consecutive storage errors and lets a
// single probe through once cooldown has passed.
type breaker struct {
	failures int32
	state    int32
	openedAt int64
	now      func() time.Time
}

func (b *breaker) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

func (b *breaker) check() error {
	switch atomic.LoadInt32(&b.state) {
	case circuitOpen:
		opened := atomic.LoadInt64(&b.openedAt)
		if b.clock().UnixNano()-opened >= int64(cooldown) {
			if atomic.CompareAndSwapInt32(&b.state, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *breaker) record(err error) {
	if err == nil {
		atomic.StoreInt32(&b.failures, 0)
		if atomic.SwapInt32(&b.state, circuitClosed) != circuitClosed {
			metrics.StoreCircuitOpen.Set(0)
		}
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&b.failures, 1)
	if atomic.LoadInt32(&b.state) == circuitHalfOpen {
		b.trip()
		atomic.StoreInt32(&b.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&b.state) == circuitClosed {
		b.trip()
	}
}

func (b *breaker) trip() {
	atomic.StoreInt32(&b.state, circuitOpen)
	atomic.StoreInt64(&b.openedAt, b.clock().UnixNano())
	metrics.StoreCircuitOpen.Set(1)
}

func (b *breaker) open() bool {
	return atomic.LoadInt32(&b.state) == circuitOpen
}
