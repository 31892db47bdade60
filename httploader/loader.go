// Package httploader fetches msgpack-encoded frames over HTTP.
//
// Identifiers with the "http" or "https" scheme are used verbatim as the
// request URL. Retries with exponential backoff on 5xx responses and
// network errors; 4xx responses fail immediately.
package httploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/justapithecus/framefetch/codec"
	"github.com/justapithecus/framefetch/iox"
	"github.com/justapithecus/framefetch/loader"
	"github.com/justapithecus/framefetch/log"
	"github.com/justapithecus/framefetch/types"
)

// Defaults.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultRetries   = 2
	DefaultBackoff   = 500 * time.Millisecond
	DefaultUserAgent = "framefetch/" + types.Version
)

// ContentType is the media type of an encoded frame body.
const ContentType = "application/x-msgpack"

// Config configures the HTTP loader.
type Config struct {
	// Timeout is the per-request timeout (default 30s).
	Timeout time.Duration
	// Retries is the number of retry attempts after the first request.
	Retries int
	// Backoff is the first retry delay; each retry doubles it (default 500ms).
	Backoff time.Duration
	// UserAgent is sent with every request.
	UserAgent string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Logger is optional.
	Logger *log.Logger
}

// Loader fetches frames over HTTP.
type Loader struct {
	config Config
	client *http.Client
	logger *log.Logger
}

// New creates an HTTP loader.
func New(cfg Config) (*Loader, error) {
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return &Loader{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger.Named("httploader"),
	}, nil
}

// Register installs the loader for the http and https schemes.
func (l *Loader) Register(reg *loader.Registry) {
	reg.Register("http", l.Fetch)
	reg.Register("https", l.Fetch)
}

// Fetch is a loader.FetchFunc. The task's cancellation hook aborts the
// in-flight request and any pending backoff.
func (l *Loader) Fetch(ctx context.Context, id types.Identifier, opts types.LoadOptions) *loader.Task {
	return loader.Start(ctx, func(ctx context.Context) (*types.Frame, error) {
		return l.get(ctx, id, opts)
	})
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

func (l *Loader) get(ctx context.Context, id types.Identifier, opts types.LoadOptions) (*types.Frame, error) {
	var lastErr error
	// attempts = 1 initial + retries
	attempts := 1 + l.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * l.config.Backoff
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		frame, err := l.doRequest(ctx, id, opts)
		if err == nil {
			return frame, nil
		}
		lastErr = err

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return nil, err
		}
		var codecErr *codec.Error
		if errors.As(err, &codecErr) {
			return nil, err
		}
		l.logger.Debug("fetch attempt failed", map[string]any{
			"frame_id": string(id),
			"attempt":  i + 1,
			"error":    err.Error(),
		})
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// doRequest performs a single GET and decodes the body.
func (l *Loader) doRequest(ctx context.Context, id types.Identifier, opts types.LoadOptions) (*types.Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, string(id), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", l.config.UserAgent)
	for k, v := range l.config.Headers {
		req.Header.Set(k, v)
	}
	if opts.TargetBuffer != "" {
		q := req.URL.Query()
		q.Set("buffer", string(opts.TargetBuffer))
		req.URL.RawQuery = q.Encode()
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain body to allow connection reuse
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, codec.MaxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > codec.MaxFrameSize {
		return nil, &codec.Error{Kind: codec.ErrorTooLarge, Msg: fmt.Sprintf("response exceeds %d bytes", codec.MaxFrameSize)}
	}

	frame, err := codec.Decode(body)
	if err != nil {
		return nil, err
	}
	if frame.ID == "" {
		frame.ID = id
	}
	return frame, nil
}

// Close releases idle connections.
func (l *Loader) Close() error {
	l.client.CloseIdleConnections()
	return nil
}
