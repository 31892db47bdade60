package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/justapithecus/framefetch/log"
	"github.com/justapithecus/framefetch/types"
)

// Forwarder sends events to a downstream system (Redis, webhook).
type Forwarder interface {
	// Forward sends one event. Must respect context cancellation and deadlines.
	Forward(ctx context.Context, event *types.Event) error

	// Close releases forwarder resources.
	Close() error
}

// DefaultRelayBuffer is the default relay queue length.
const DefaultRelayBuffer = 256

// DefaultRelayTimeout bounds a single Forward call.
const DefaultRelayTimeout = 30 * time.Second

// Relay subscribes to a bus and forwards events on a background goroutine.
// Events arriving while the queue is full are dropped and counted.
type Relay struct {
	forwarder Forwarder
	sub       *Subscription
	queue     chan types.Event
	timeout   time.Duration
	logger    *log.Logger

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.RWMutex // guards closed against concurrent enqueue
	closed    bool

	forwarded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// RelayStats reports relay counters.
type RelayStats struct {
	Forwarded int64
	Failed    int64
	Dropped   int64
}

// NewRelay starts forwarding every event published on bus to f.
// buffer <= 0 uses DefaultRelayBuffer; timeout <= 0 uses DefaultRelayTimeout.
func NewRelay(bus *Bus, f Forwarder, buffer int, timeout time.Duration, logger *log.Logger) *Relay {
	if buffer <= 0 {
		buffer = DefaultRelayBuffer
	}
	if timeout <= 0 {
		timeout = DefaultRelayTimeout
	}
	r := &Relay{
		forwarder: f,
		queue:     make(chan types.Event, buffer),
		timeout:   timeout,
		logger:    logger,
		done:      make(chan struct{}),
	}
	r.sub = bus.SubscribeAll(r.enqueue)
	go r.run()
	return r
}

func (r *Relay) enqueue(event types.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.dropped.Add(1)
	}
}

func (r *Relay) run() {
	defer close(r.done)
	for event := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.forwarder.Forward(ctx, &event)
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.logger.Warn("event forward failed", map[string]any{
				"event_type": string(event.Type),
				"error":      err.Error(),
			})
			continue
		}
		r.forwarded.Add(1)
	}
}

// Close unsubscribes, drains queued events, and closes the forwarder.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.sub.Unsubscribe()
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		<-r.done
		err = r.forwarder.Close()
	})
	return err
}

// Stats returns the relay counters.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Forwarded: r.forwarded.Load(),
		Failed:    r.failed.Load(),
		Dropped:   r.dropped.Load(),
	}
}
