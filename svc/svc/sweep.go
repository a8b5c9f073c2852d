package svc

import (
	"context"
	"time"

	"fogbin/metrics"
	"fogbin/pkg/domain"
	"fogbin/svc/util"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const DefaultSweepInterval = 60 * time.Second

var ErrSweeperRunning = errors.New("sweeper already running")

type SweepResult struct {
	Scanned  int
	Expired  int
	Orphaned int
	Failed   int
}

// StartSweeper runs Sweep every interval until ctx is done. Only one sweeper
// may run per Lifecycle.
func (l *Lifecycle) StartSweeper(ctx context.Context, interval time.Duration) error {
	select {
	case l.sweeping <- struct{}{}:
	default:
		return ErrSweeperRunning
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go l.runSweeper(ctx, interval)
	return nil
}

func (l *Lifecycle) runSweeper(ctx context.Context, interval time.Duration) {
	defer func() { <-l.sweeping }()
	ctx, sweepRequestID := util.EnsureRequestID(ctx)
	log := util.Component("sweeper").With().Str("request_id", sweepRequestID).Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info().Dur("interval", interval).Msg("sweep worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweep worker stopped")
			return
		case <-ticker.C:
			l.sweepOnce(ctx, log)
		}
	}
}

func (l *Lifecycle) sweepOnce(ctx context.Context, log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("sweep panicked")
		}
	}()
	res := l.Sweep(ctx)
	if res.Expired > 0 || res.Orphaned > 0 || res.Failed > 0 {
		log.Info().
			Int("scanned", res.Scanned).
			Int("expired", res.Expired).
			Int("orphaned", res.Orphaned).
			Int("failed", res.Failed).
			Msg("sweep completed")
	}
}

// Sweep makes one pass over every stored id, deleting expired records and
// reconciling orphans. A failure on one id is logged and the pass moves on.
func (l *Lifecycle) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	defer func() {
		metrics.SweepCycles.Inc()
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()
	var res SweepResult
	err := l.store.ListIDs(ctx, func(id string) error {
		res.Scanned++
		if err := l.reconcile(ctx, id, &res); err != nil {
			res.Failed++
			metrics.SweepErrors.Inc()
			util.Warn().Err(err).Str("id", util.RedactID(id)).Msg("sweep failed for record")
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		util.Error().Err(err).Msg("sweep listing failed")
	}
	return res
}

func (l *Lifecycle) reconcile(ctx context.Context, id string, res *SweepResult) error {
	unlock := l.locks.Lock(id)
	defer unlock()

	p, err := l.store.Exists(ctx, id)
	if err != nil {
		return errors.Wrap(err, "exists")
	}
	switch {
	case p.Absent():
		return nil
	case p.Meta && !p.Content:
		m, err := l.store.GetMeta(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrPasteNotFound) {
			return errors.Wrap(err, "get orphan meta")
		}
		if m == nil {
			m = &domain.Meta{ID: id}
		}
		removed, err := l.store.DeleteMeta(ctx, id)
		l.meta.Delete(ctx, id)
		if err != nil {
			return errors.Wrap(err, "delete orphan meta")
		}
		if removed {
			l.orphaned(id, m, "meta", res)
		}
		return nil
	case p.Content && !p.Meta:
		removed, err := l.store.DeleteContent(ctx, id)
		if err != nil {
			return errors.Wrap(err, "delete orphan content")
		}
		if removed {
			l.orphaned(id, nil, "content", res)
		}
		return nil
	}

	m, err := l.store.GetMeta(ctx, id)
	if err != nil {
		return errors.Wrap(err, "get meta")
	}
	if !m.Expired(l.now()) {
		return nil
	}
	removed, err := l.deleteExpiredLocked(ctx, m, "sweep")
	if err != nil {
		return errors.Wrap(err, "delete expired")
	}
	if removed {
		res.Expired++
	}
	return nil
}

func (l *Lifecycle) orphaned(id string, m *domain.Meta, kind string, res *SweepResult) {
	res.Orphaned++
	metrics.Orphans.WithLabelValues(kind).Inc()
	util.Warn().Str("id", util.RedactID(id)).Str("kind", kind).Msg("orphaned record reconciled")
	l.events.Emit(domain.OrphanedEvent(id, m, l.now()))
}
