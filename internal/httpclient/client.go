package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type ClientConfig struct {
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	// Attempts caps tries per call. Zero retries until RetryMaxElapsed.
	Attempts uint64
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:         10 * time.Second,
		RetryMaxElapsed: 30 * time.Second,
		MaxIdleConns:    20,
		IdleConnTimeout: 90 * time.Second,
	}
}

type Client struct {
	http *http.Client
	conf ClientConfig
}

func NewClient(conf ClientConfig) *Client {
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    conf.MaxIdleConns,
		IdleConnTimeout: conf.IdleConnTimeout,
	}
	return &Client{
		http: &http.Client{Transport: tr, Timeout: conf.Timeout},
		conf: conf,
	}
}

// StatusError is returned for non 2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Do runs the request built by newReq with exponential backoff. 5xx and network errors are
// retried, 4xx are permanent. newReq is called once per attempt so bodies can be replayed.
func (c *Client) Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) error {
	return c.DoJSON(ctx, newReq, nil)
}

// DoJSON is Do that decodes a 2xx body into out when out is not nil.
func (c *Client) DoJSON(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error), out any) error {
	operation := func() error {
		req, err := newReq(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		serr := &StatusError{Code: resp.StatusCode, Body: string(body)}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return serr
		}
		return backoff.Permanent(serr)
	}

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = c.conf.RetryMaxElapsed
	var b backoff.BackOff = eb
	if c.conf.Attempts > 0 {
		b = backoff.WithMaxRetries(eb, c.conf.Attempts-1)
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
