// Package metrics provides per-session acquisition counters.
//
// The Collector accumulates counters for fetches, cache behaviour, scheduling
// and cancellation. It is nil-receiver safe so components can be built
// without metrics. Export exposes the counters to Prometheus.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Fetch lifecycle
	FetchesStarted   int64
	FetchesSucceeded int64
	FetchesFailed    int64
	FetchesCanceled  int64

	// Cache
	CacheHits     int64
	DedupAttached int64
	DerivedFrames int64

	// Scheduling
	RequestsQueued     int64
	RequestsDispatched int64
	RequestsDropped    int64

	// Cancellation
	CancelHooksInvoked int64

	// Streaming
	TimePointChanges int64

	// Dimensions (informational, set at construction)
	SessionID      string
	StorageBackend string
}

// Collector accumulates counters during a session.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	fetchesStarted   int64
	fetchesSucceeded int64
	fetchesFailed    int64
	fetchesCanceled  int64

	cacheHits     int64
	dedupAttached int64
	derivedFrames int64

	requestsQueued     int64
	requestsDispatched int64
	requestsDropped    int64

	cancelHooksInvoked int64

	timePointChanges int64

	sessionID      string
	storageBackend string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(sessionID, storageBackend string) *Collector {
	return &Collector{
		sessionID:      sessionID,
		storageBackend: storageBackend,
	}
}

func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Fetch lifecycle ---

// IncFetchStarted records a fetch handed to a loader.
func (c *Collector) IncFetchStarted() {
	if c == nil {
		return
	}
	c.add(&c.fetchesStarted, 1)
}

// IncFetchSucceeded records a fetch that resolved to a frame.
func (c *Collector) IncFetchSucceeded() {
	if c == nil {
		return
	}
	c.add(&c.fetchesSucceeded, 1)
}

// IncFetchFailed records a fetch that resolved to an error.
func (c *Collector) IncFetchFailed() {
	if c == nil {
		return
	}
	c.add(&c.fetchesFailed, 1)
}

// IncFetchCanceled records a fetch canceled before it resolved.
func (c *Collector) IncFetchCanceled() {
	if c == nil {
		return
	}
	c.add(&c.fetchesCanceled, 1)
}

// --- Cache ---

// IncCacheHit records a request served by a resolved cache entry.
func (c *Collector) IncCacheHit() {
	if c == nil {
		return
	}
	c.add(&c.cacheHits, 1)
}

// IncDedupAttached records a request that attached to an in-flight fetch.
func (c *Collector) IncDedupAttached() {
	if c == nil {
		return
	}
	c.add(&c.dedupAttached, 1)
}

// IncDerivedFrame records a synthesized frame.
func (c *Collector) IncDerivedFrame() {
	if c == nil {
		return
	}
	c.add(&c.derivedFrames, 1)
}

// --- Scheduling ---

// IncRequestQueued records a request added to the scheduler.
func (c *Collector) IncRequestQueued() {
	if c == nil {
		return
	}
	c.add(&c.requestsQueued, 1)
}

// IncRequestDispatched records a request the scheduler started.
func (c *Collector) IncRequestDispatched() {
	if c == nil {
		return
	}
	c.add(&c.requestsDispatched, 1)
}

// AddRequestsDropped records queued requests removed before starting.
func (c *Collector) AddRequestsDropped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.add(&c.requestsDropped, int64(n))
}

// --- Cancellation ---

// IncCancelHookInvoked records an in-flight cancellation hook invocation.
func (c *Collector) IncCancelHookInvoked() {
	if c == nil {
		return
	}
	c.add(&c.cancelHooksInvoked, 1)
}

// --- Streaming ---

// IncTimePointChange records a streamer index change.
func (c *Collector) IncTimePointChange() {
	if c == nil {
		return
	}
	c.add(&c.timePointChanges, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		FetchesStarted:   c.fetchesStarted,
		FetchesSucceeded: c.fetchesSucceeded,
		FetchesFailed:    c.fetchesFailed,
		FetchesCanceled:  c.fetchesCanceled,

		CacheHits:     c.cacheHits,
		DedupAttached: c.dedupAttached,
		DerivedFrames: c.derivedFrames,

		RequestsQueued:     c.requestsQueued,
		RequestsDispatched: c.requestsDispatched,
		RequestsDropped:    c.requestsDropped,

		CancelHooksInvoked: c.cancelHooksInvoked,

		TimePointChanges: c.timePointChanges,

		SessionID:      c.sessionID,
		StorageBackend: c.storageBackend,
	}
}
