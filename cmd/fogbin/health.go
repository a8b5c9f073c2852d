package main

import (
	"context"
	"net/http"
	"time"

	"fogbin/cfg"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// healthCheck asks the running server for readiness instead of opening the
// store, which a live bolt database holds under an exclusive lock.
func healthCheck() int {
	c, err := cfg.Load()
	if err != nil {
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := probeReady(ctx, "http://127.0.0.1:"+c.Port+"/ready"); err != nil {
		return 1
	}
	return 0
}

func probeReady(ctx context.Context, url string) error {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.Logger = nil
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build health request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "health request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("ready returned %d", resp.StatusCode)
	}
	return nil
}
