package notify

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"fogbin/pkg/domain"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// Webhook posts events as JSON. Creation events go to createdURL, removal
// events to deletedURL (or createdURL when that is unset).
type Webhook struct {
	client     *retryablehttp.Client
	createdURL string
	deletedURL string
}

func NewWebhook(createdURL, deletedURL string, timeout time.Duration) *Webhook {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = nil
	if timeout > 0 {
		c.HTTPClient.Timeout = timeout
	}
	return &Webhook{client: c, createdURL: createdURL, deletedURL: deletedURL}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) target(t domain.EventType) string {
	if t == domain.EventCreated {
		return w.createdURL
	}
	if w.deletedURL != "" {
		return w.deletedURL
	}
	return w.createdURL
}

func (w *Webhook) Send(ctx context.Context, ev domain.Event, payload []byte) error {
	url := w.target(ev.Type)
	if url == "" {
		return nil
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fogbin-Event", string(ev.Type))
	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "webhook post")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
