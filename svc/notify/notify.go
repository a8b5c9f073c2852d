// Package notify delivers lifecycle events to external channels. Delivery is
// best effort: Emit never blocks and sink failures are only logged.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fogbin/metrics"
	"fogbin/pkg/domain"
	"fogbin/svc/util"

	"golang.org/x/time/rate"
)

// Emitter accepts lifecycle events.
type Emitter interface {
	Emit(ev domain.Event)
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev domain.Event, payload []byte) error
}

type Options struct {
	QueueSize   int
	Workers     int
	RatePerSec  float64
	SendTimeout time.Duration
}

type sinkEntry struct {
	sink    Sink
	limiter *rate.Limiter
}

type Notifier struct {
	sinks   []sinkEntry
	queue   chan domain.Event
	timeout time.Duration
	workers int

	mu       sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

var _ Emitter = (*Notifier)(nil)

func New(opts Options, sinks ...Sink) *Notifier {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
		burst = int(opts.RatePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	n := &Notifier{
		queue:   make(chan domain.Event, opts.QueueSize),
		timeout: opts.SendTimeout,
		workers: opts.Workers,
	}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		n.sinks = append(n.sinks, sinkEntry{sink: s, limiter: rate.NewLimiter(limit, burst)})
	}
	return n
}

func (n *Notifier) Sinks() []string {
	out := make([]string, 0, len(n.sinks))
	for _, e := range n.sinks {
		out = append(out, e.sink.Name())
	}
	return out
}

func (n *Notifier) Start() {
	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
}

// Emit queues ev for delivery. A full queue drops the event.
func (n *Notifier) Emit(ev domain.Event) {
	if len(n.sinks) == 0 {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.stopped {
		metrics.NotifyDropped.WithLabelValues("stopped").Inc()
		return
	}
	select {
	case n.queue <- ev:
	default:
		metrics.NotifyDropped.WithLabelValues("queue_full").Inc()
		util.Warn().
			Str("event", string(ev.Type)).
			Str("id", util.RedactID(ev.ID)).
			Msg("notification queue full, event dropped")
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for ev := range n.queue {
		n.deliver(ev)
	}
}

func (n *Notifier) deliver(ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Str("event", string(ev.Type)).Msg("notifier panic recovered")
		}
	}()
	payload, err := json.Marshal(ev)
	if err != nil {
		util.Error().Err(err).Msg("marshal event")
		return
	}
	for _, e := range n.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		if err := e.limiter.Wait(ctx); err != nil {
			cancel()
			metrics.NotifyDropped.WithLabelValues("throttled").Inc()
			continue
		}
		err := e.sink.Send(ctx, ev, payload)
		cancel()
		if err != nil {
			metrics.NotifyFailed.WithLabelValues(e.sink.Name()).Inc()
			util.Warn().Err(err).
				Str("sink", e.sink.Name()).
				Str("event", string(ev.Type)).
				Str("id", util.RedactID(ev.ID)).
				Msg("notification delivery failed")
			continue
		}
		metrics.NotifySent.WithLabelValues(e.sink.Name()).Inc()
	}
}

// Stop refuses new events and drains the queue until ctx is done.
func (n *Notifier) Stop(ctx context.Context) {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopped = true
		close(n.queue)
		n.mu.Unlock()

		done := make(chan struct{})
		go func() {
			n.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			util.Warn().Int("pending", len(n.queue)).Msg("notifier stop timed out")
		}
	})
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(domain.Event) {}
