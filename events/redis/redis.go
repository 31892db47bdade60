// Package redis forwards acquisition events to Redis pub/sub.
//
// Events are published as JSON, either all to one channel or each to a
// channel named after its event type. Publishing retries with exponential
// backoff.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/justapithecus/framefetch/events"
	"github.com/justapithecus/framefetch/types"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "framefetch:events"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the Redis forwarder.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: framefetch:events).
	Channel string
	// ChannelPerType publishes each event to "<Channel>:<event_type>",
	// so subscribers can follow frame loads without time point traffic.
	ChannelPerType bool
	// Types limits forwarding to these event types. Empty forwards all.
	Types []types.EventType
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure.
	Retries int
	// Backoff is the delay before the first retry (default 500ms).
	Backoff time.Duration
}

// Forwarder publishes events via Redis PUBLISH.
type Forwarder struct {
	config Config
	filter events.TypeFilter
	client *goredis.Client
}

// New creates a Redis forwarder from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Forwarder, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis forwarder requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis forwarder: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
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
		client: goredis.NewClient(opts),
	}, nil
}

// Channel returns the channel events of type t are published to.
func (f *Forwarder) Channel(t types.EventType) string {
	if f.config.ChannelPerType {
		return f.config.Channel + ":" + string(t)
	}
	return f.config.Channel
}

// Forward publishes the event as JSON. Events excluded by Types are
// skipped without error.
func (f *Forwarder) Forward(ctx context.Context, event *types.Event) error {
	if !f.filter.Allows(event.Type) {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	channel := f.Channel(event.Type)
	err = events.Retry(ctx, f.config.Retries, f.config.Backoff, func(ctx context.Context) error {
		publishCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
		return f.client.Publish(publishCtx, channel, body).Err()
	})
	if err != nil {
		return fmt.Errorf("redis: publish %s to %s: %w", event.Type, channel, err)
	}
	return nil
}

// Close releases forwarder resources.
func (f *Forwarder) Close() error {
	return f.client.Close()
}

// Verify Forwarder implements events.Forwarder.
var _ events.Forwarder = (*Forwarder)(nil)
