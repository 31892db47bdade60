// Package webhook forwards acquisition events to an HTTP endpoint.
//
// Events are POSTed as JSON with the event type in the X-Framefetch-Event
// header, and optionally as the last path segment. Retries with
// exponential backoff on 5xx responses and network errors.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/justapithecus/framefetch/events"
	"github.com/justapithecus/framefetch/iox"
	"github.com/justapithecus/framefetch/types"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// EventHeader carries the event type on every request.
const EventHeader = "X-Framefetch-Event"

// Config configures the webhook forwarder.
type Config struct {
	// URL is the HTTP endpoint to POST to (required).
	URL string
	// PathPerType posts each event to URL joined with its event type,
	// e.g. https://host/hooks/frame_loaded.
	PathPerType bool
	// Types limits forwarding to these event types. Empty forwards all.
	Types []types.EventType
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure.
	Retries int
	// Backoff is the delay before the first retry (default 500ms).
	Backoff time.Duration
}

// Forwarder publishes events via HTTP POST.
type Forwarder struct {
	config Config
	filter events.TypeFilter
	client *http.Client
}

// New creates a webhook forwarder from the given config.
// Returns an error if the URL is empty or unparseable.
func New(cfg Config) (*Forwarder, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook forwarder requires a URL")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("webhook forwarder: invalid URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Forwarder{
		config: cfg,
		filter: events.NewTypeFilter(cfg.Types),
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Endpoint returns the URL events of type t are posted to.
func (f *Forwarder) Endpoint(t types.EventType) (string, error) {
	if !f.config.PathPerType {
		return f.config.URL, nil
	}
	return url.JoinPath(f.config.URL, string(t))
}

// Forward sends the event as a JSON POST request. Events excluded by Types
// are skipped without error. 4xx responses are non-retriable.
func (f *Forwarder) Forward(ctx context.Context, event *types.Event) error {
	if !f.filter.Allows(event.Type) {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}
	endpoint, err := f.Endpoint(event.Type)
	if err != nil {
		return fmt.Errorf("webhook: endpoint for %s: %w", event.Type, err)
	}

	err = events.Retry(ctx, f.config.Retries, f.config.Backoff, func(ctx context.Context) error {
		err := f.doRequest(ctx, endpoint, event.Type, body)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return events.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("webhook: post %s: %w", event.Type, err)
	}
	return nil
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// doRequest performs a single HTTP POST and returns nil on 2xx.
func (f *Forwarder) doRequest(ctx context.Context, endpoint string, t types.EventType, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(t))
	for k, v := range f.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}

	return nil
}

// Close releases forwarder resources.
func (f *Forwarder) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// Verify Forwarder implements events.Forwarder.
var _ events.Forwarder = (*Forwarder)(nil)
