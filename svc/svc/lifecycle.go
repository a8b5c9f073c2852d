package svc

import (
	"context"
	"time"

	"fogbin/metrics"
	"fogbin/pkg/domain"
	"fogbin/svc/cache"
	"fogbin/svc/db"
	"fogbin/svc/notify"
	"fogbin/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Lifecycle owns every write to the record store: creation, expiry and
// orphan reconciliation. Writes to one id are serialized; reads are not.
type Lifecycle struct {
	store  db.Store
	meta   cache.MetaCache
	tombs  *cache.Tombstones
	events notify.Emitter
	locks  *keyLock
	flight singleflight.Group
	now    func() time.Time
	idLen  int

	sweeping chan struct{}
}

type LifecycleOptions struct {
	IDLength int
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func NewLifecycle(store db.Store, meta cache.MetaCache, tombs *cache.Tombstones, events notify.Emitter, opts LifecycleOptions) *Lifecycle {
	if store == nil {
		panic("lifecycle: nil store")
	}
	if meta == nil {
		meta = cache.NewChain()
	}
	if tombs == nil {
		tombs = cache.NewTombstones(0, 0)
	}
	if events == nil {
		events = notify.Discard{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Lifecycle{
		store:    store,
		meta:     meta,
		tombs:    tombs,
		events:   events,
		locks:    newKeyLock(),
		now:      opts.Clock,
		idLen:    opts.IDLength,
		sweeping: make(chan struct{}, 1),
	}
}

func (l *Lifecycle) Now() time.Time { return l.now() }

// BuildFunc produces the record for a freshly reserved id. It runs while
// the id is locked, so it should not do slow work that does not need the id.
type BuildFunc func(id string, now time.Time) (*domain.Meta, *domain.Content, error)

// Create reserves an unused id, builds the record and writes both halves.
func (l *Lifecycle) Create(ctx context.Context, build BuildFunc) (*domain.Meta, error) {
	var unlock func()
	id, err := util.GenID(l.idLen, func(candidate string) (bool, error) {
		release := l.locks.Lock(candidate)
		p, err := l.store.Exists(ctx, candidate)
		if err != nil {
			release()
			return false, err
		}
		if !p.Absent() || l.tombs.Expired(candidate) {
			release()
			return true, nil
		}
		unlock = release
		return false, nil
	})
	if err != nil {
		if errors.Is(err, util.ErrIDCollision) {
			return nil, domain.ErrIDGenerationFailed
		}
		return nil, storageErr(err, "reserve id")
	}
	defer unlock()

	now := l.now()
	m, c, err := build(id, now)
	if err != nil {
		return nil, err
	}
	if !m.ExpiresAt.After(m.CreatedAt) {
		return nil, errors.New("record must expire after it is created")
	}
	if err := l.store.Put(ctx, m, c); err != nil {
		return nil, storageErr(err, "put record")
	}
	metrics.PasteCreated.Inc()
	l.meta.Set(ctx, m)
	if err := l.store.AppendLog(ctx, id, now); err != nil {
		util.Warn().Err(err).Str("id", util.RedactID(id)).Msg("creation log append failed")
	}
	l.events.Emit(domain.CreatedEvent(m, now))
	return m, nil
}

// Lookup returns live metadata for id. An expired record is deleted on the
// spot and reported as domain.ErrPasteExpired.
func (l *Lifecycle) Lookup(ctx context.Context, id string) (*domain.Meta, error) {
	if !util.ValidID(id) {
		return nil, domain.ErrPasteNotFound
	}
	m, ok := l.meta.Get(ctx, id)
	if !ok {
		var err error
		m, err = l.store.GetMeta(ctx, id)
		if err != nil {
			return nil, l.missing(err, id, "get meta")
		}
	}
	if m.Expired(l.now()) {
		return nil, l.expireLazy(ctx, m)
	}
	if !ok {
		return l.fill(ctx, m)
	}
	return m, nil
}

// fill caches metadata read from the store. A delete may land between the
// read and here, so presence is re-checked under the id lock before the
// cache sees it.
func (l *Lifecycle) fill(ctx context.Context, m *domain.Meta) (*domain.Meta, error) {
	unlock := l.locks.Lock(m.ID)
	defer unlock()
	p, err := l.store.Exists(ctx, m.ID)
	if err != nil {
		return nil, storageErr(err, "exists")
	}
	if !p.Meta {
		return nil, l.missing(domain.ErrPasteNotFound, m.ID, "get meta")
	}
	if p.Complete() {
		l.meta.Set(ctx, m)
	}
	return m, nil
}

// Content loads the content half of a record whose metadata was already
// checked by Lookup.
func (l *Lifecycle) Content(ctx context.Context, id string) (*domain.Content, error) {
	c, err := l.store.GetContent(ctx, id)
	if err != nil {
		return nil, l.missing(err, id, "get content")
	}
	return c, nil
}

// missing maps a store miss onto NotFound or, for recently expired ids,
// Expired.
func (l *Lifecycle) missing(err error, id, op string) error {
	if errors.Is(err, domain.ErrPasteNotFound) {
		if l.tombs.Expired(id) {
			return domain.ErrPasteExpired
		}
		return domain.ErrPasteNotFound
	}
	return storageErr(err, op)
}

func (l *Lifecycle) expireLazy(ctx context.Context, m *domain.Meta) error {
	_, err, _ := l.flight.Do(m.ID, func() (interface{}, error) {
		return nil, l.removeExpired(ctx, m, "lazy")
	})
	if err != nil {
		return storageErr(err, "expire")
	}
	return domain.ErrPasteExpired
}

// removeExpired is the single delete shared by the lazy and sweep paths.
// Whichever runs second finds nothing to remove and stays silent.
func (l *Lifecycle) removeExpired(ctx context.Context, m *domain.Meta, path string) error {
	unlock := l.locks.Lock(m.ID)
	defer unlock()
	_, err := l.deleteExpiredLocked(ctx, m, path)
	return err
}

// deleteExpiredLocked must be called with m.ID locked.
func (l *Lifecycle) deleteExpiredLocked(ctx context.Context, m *domain.Meta, path string) (bool, error) {
	l.tombs.Mark(m.ID, m.ExpiresAt)
	removed, err := l.store.Delete(ctx, m.ID)
	l.meta.Delete(ctx, m.ID)
	if err != nil {
		return false, err
	}
	if removed.Absent() {
		return false, nil
	}
	metrics.Expirations.WithLabelValues(path).Inc()
	util.Debug().Str("id", util.RedactID(m.ID)).Str("path", path).Msg("paste expired")
	l.events.Emit(domain.ExpiredEvent(m, l.now()))
	return true, nil
}

// Remove deletes a live record on request. It reports whether this call
// removed anything.
func (l *Lifecycle) Remove(ctx context.Context, m *domain.Meta) (bool, error) {
	unlock := l.locks.Lock(m.ID)
	defer unlock()

	removed, err := l.store.Delete(ctx, m.ID)
	l.meta.Delete(ctx, m.ID)
	if err != nil {
		return false, storageErr(err, "delete")
	}
	if removed.Absent() {
		return false, nil
	}
	l.events.Emit(domain.DeletedEvent(m, l.now()))
	return true, nil
}

func storageErr(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, op)
	}
	return errors.Wrap(domain.ErrStorage, errors.Wrap(err, op).Error())
}
