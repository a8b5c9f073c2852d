package svc

import (
	"context"
	"time"

	"fogbin/pkg/domain"
)

// Stats counts records from the creation log. Daily means created since
// midnight UTC.
func (p *Paste) Stats(ctx context.Context) (domain.Stats, error) {
	if err := p.begin(); err != nil {
		return domain.Stats{}, err
	}
	defer p.opWg.Done()

	now := p.life.Now().UTC()
	midnight := now.Truncate(24 * time.Hour)
	st := p.life.store

	var out domain.Stats
	var err error
	if out.TotalPastes, err = st.CountCreated(ctx, time.Time{}); err != nil {
		return domain.Stats{}, storageErr(err, "count total")
	}
	if out.DailyPastes, err = st.CountCreated(ctx, midnight); err != nil {
		return domain.Stats{}, storageErr(err, "count daily")
	}
	if out.ActivePastes, err = st.CountActive(ctx, now); err != nil {
		return domain.Stats{}, storageErr(err, "count active")
	}
	out.Uptime = true
	return out, nil
}
