package notify

import (
	"context"

	"fogbin/pkg/domain"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Publisher is the part of a NATS connection the sink needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATS publishes each event on <prefix>.<event_type>.
type NATS struct {
	pub    Publisher
	prefix string
}

func NewNATS(pub Publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = "fogbin.paste"
	}
	return &NATS{pub: pub, prefix: prefix}
}

// DialNATS connects with reconnects enabled.
func DialNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("fogbin"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	return nc, nil
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Subject(t domain.EventType) string {
	return n.prefix + "." + string(t)
}

func (n *NATS) Send(ctx context.Context, ev domain.Event, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrap(n.pub.Publish(n.Subject(ev.Type), payload), "nats publish")
}

type drainer interface {
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// Close flushes anything still buffered and drains the connection. Call it
// after the notifier has stopped so queued events are not dropped.
func (n *NATS) Close(ctx context.Context) error {
	d, ok := n.pub.(drainer)
	if !ok {
		return nil
	}
	if err := d.FlushWithContext(ctx); err != nil {
		return errors.Wrap(err, "nats flush")
	}
	return errors.Wrap(d.Drain(), "nats drain")
}
