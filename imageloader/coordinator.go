// Package imageloader turns frame identifiers into cached, decoded frames.
//
// The Coordinator guarantees at most one in-flight fetch per identifier:
// the pending handle is registered in the cache under the same lock that
// checked for it, so a near-simultaneous duplicate call attaches to the
// existing fetch instead of issuing another.
package imageloader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/justapithecus/framefetch/cache"
	"github.com/justapithecus/framefetch/events"
	"github.com/justapithecus/framefetch/loader"
	"github.com/justapithecus/framefetch/log"
	"github.com/justapithecus/framefetch/metadata"
	"github.com/justapithecus/framefetch/metrics"
	"github.com/justapithecus/framefetch/scheduler"
	"github.com/justapithecus/framefetch/types"
)

// errNoFrame is the cause recorded when a loader resolves without a frame.
var errNoFrame = errors.New("loader resolved without a frame")

// Config wires a Coordinator to its collaborators.
// Registry and Cache are required; the rest are optional.
type Config struct {
	Registry  *loader.Registry
	Cache     cache.Store
	Metadata  metadata.Provider
	Events    events.Publisher
	Scheduler scheduler.Port
	Metrics   *metrics.Collector
	Logger    *log.Logger
}

// Coordinator orchestrates fetch-or-return-cached, derived-frame synthesis
// and load notifications.
type Coordinator struct {
	registry  *loader.Registry
	cache     cache.Store
	metadata  metadata.Provider
	events    events.Publisher
	scheduler scheduler.Port
	metrics   *metrics.Collector
	logger    *log.Logger

	// baseCtx bounds every cached fetch. A caller's ctx only bounds its own wait.
	baseCtx context.Context
	cancel  context.CancelFunc

	// mu makes the cache check and the pending registration one step.
	mu       sync.Mutex
	inflight map[types.Identifier]*pendingLoad
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("imageloader: registry is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("imageloader: cache is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		registry:  cfg.Registry,
		cache:     cfg.Cache,
		metadata:  cfg.Metadata,
		events:    cfg.Events,
		scheduler: cfg.Scheduler,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.Named("imageloader"),
		baseCtx:   ctx,
		cancel:    cancel,
		inflight:  make(map[types.Identifier]*pendingLoad),
	}, nil
}

// pendingLoad is the cache's view of a started fetch.
// done closes only after the cache is settled and events are emitted.
type pendingLoad struct {
	task *loader.Task
	done chan struct{}

	frame *types.Frame
	err   error
}

func (p *pendingLoad) Done() <-chan struct{} { return p.done }

func (p *pendingLoad) Wait(ctx context.Context) (*types.Frame, error) {
	select {
	case <-p.done:
		return p.frame, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Load fetches id without reading or writing the cache.
// Canceling ctx invokes the loader's cancellation hook.
func (c *Coordinator) Load(ctx context.Context, id types.Identifier, opts types.LoadOptions) (*types.Frame, error) {
	fetch, err := c.registry.Resolve(id)
	if err != nil {
		return nil, err
	}

	c.metrics.IncFetchStarted()
	c.logger.Debug("fetch started", map[string]any{"frame_id": string(id), "cached": false})

	task := fetch(ctx, id, opts)
	frame, err := task.Wait(ctx)
	if ctx.Err() != nil && err != nil && !types.IsCanceled(err) {
		task.Cancel()
		err = types.ErrCanceled
	}
	return c.complete(id, frame, err)
}

// LoadAndCache returns the cached frame for id, attaching to an in-flight
// fetch if one exists, or starts a fetch and caches its result.
// A failed fetch is never cached. A canceled fetch yields types.ErrCanceled,
// as does a ctx already done when a new fetch would start.
//
// The cache is first read without the coordinator lock so tier reads never
// serialize other callers; the miss is then rechecked against memory and
// the in-flight set under the lock.
func (c *Coordinator) LoadAndCache(ctx context.Context, id types.Identifier, opts types.LoadOptions) (*types.Frame, error) {
	if opts.IgnoreCache {
		return c.Load(ctx, id, opts)
	}

	if entry, ok := c.cache.Get(id); ok {
		return c.attach(ctx, id, entry)
	}

	c.mu.Lock()
	if entry, ok := c.cache.Peek(id); ok {
		c.mu.Unlock()
		return c.attach(ctx, id, entry)
	}
	// An evicted fetch still running is re-admitted instead of duplicated.
	if p, ok := c.inflight[id]; ok {
		c.cache.Put(id, cache.Entry{Pending: p})
		c.mu.Unlock()
		return c.attach(ctx, id, cache.Entry{Pending: p})
	}
	if ctx.Err() != nil {
		c.mu.Unlock()
		return nil, types.ErrCanceled
	}

	fetch, err := c.registry.Resolve(id)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	p := &pendingLoad{
		task: fetch(c.baseCtx, id, opts),
		done: make(chan struct{}),
	}
	c.cache.Put(id, cache.Entry{Pending: p})
	c.inflight[id] = p
	c.mu.Unlock()

	c.metrics.IncFetchStarted()
	c.logger.Debug("fetch started", map[string]any{"frame_id": string(id), "cached": true})

	go c.settle(id, p)
	return p.Wait(ctx)
}

func (c *Coordinator) attach(ctx context.Context, id types.Identifier, entry cache.Entry) (*types.Frame, error) {
	if entry.Resolved() {
		c.metrics.IncCacheHit()
	} else {
		c.metrics.IncDedupAttached()
		c.logger.Debug("attached to in-flight fetch", map[string]any{"frame_id": string(id)})
	}
	return entry.Wait(ctx)
}

// settle waits for the fetch, replaces or removes the pending cache entry,
// emits the outcome and releases waiters.
func (c *Coordinator) settle(id types.Identifier, p *pendingLoad) {
	frame, err := p.task.Wait(context.Background())
	if err == nil && frame == nil {
		err = errNoFrame
	}

	c.mu.Lock()
	// The entry may have been removed while the fetch ran.
	if entry, ok := c.cache.Peek(id); ok && entry.Pending == cache.Pending(p) {
		if err == nil {
			if frame.ID == "" {
				frame.ID = id
			}
			c.cache.Put(id, cache.Entry{Frame: frame})
		} else {
			c.cache.Delete(id)
		}
	}
	if c.inflight[id] == p {
		delete(c.inflight, id)
	}
	c.mu.Unlock()

	p.frame, p.err = c.complete(id, frame, err)
	close(p.done)
}

// complete records metrics and emits the load notification for one outcome.
func (c *Coordinator) complete(id types.Identifier, frame *types.Frame, err error) (*types.Frame, error) {
	if err == nil && frame == nil {
		err = errNoFrame
	}

	switch {
	case err == nil:
		if frame.ID == "" {
			frame.ID = id
		}
		c.metrics.IncFetchSucceeded()
		events.Publish(c.events, types.NewFrameLoaded(id))
		return frame, nil

	case types.IsCanceled(err):
		c.metrics.IncFetchCanceled()
		c.logger.Debug("fetch canceled", map[string]any{"frame_id": string(id)})
		return nil, types.ErrCanceled

	default:
		ferr := types.NewFetchError(id, err)
		c.metrics.IncFetchFailed()
		c.logger.Warn("fetch failed", map[string]any{
			"frame_id": string(id),
			"error":    err.Error(),
		})
		events.Publish(c.events, types.NewFrameLoadFailed(id, err))
		return nil, ferr
	}
}

// LoadAndCacheMany runs LoadAndCache for every id concurrently.
//
// Frames are returned in input order. A failure does not cancel siblings;
// they complete and populate the cache. The returned error is the first
// failure observed. Canceled loads leave a nil slot and are not errors.
func (c *Coordinator) LoadAndCacheMany(ctx context.Context, ids []types.Identifier, opts types.LoadOptions) ([]*types.Frame, error) {
	frames := make([]*types.Frame, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			frame, err := c.LoadAndCache(ctx, id, opts)
			if err != nil {
				if types.IsCanceled(err) {
					return nil
				}
				return err
			}
			frames[i] = frame
			return nil
		})
	}
	err := g.Wait()
	return frames, err
}

// Schedule submits each request to the scheduler. Each dispatched request
// runs LoadAndCache, so a queued request for a frame that is already cached
// or in flight costs no second fetch.
func (c *Coordinator) Schedule(reqs []types.LoadRequest) error {
	if c.scheduler == nil {
		return errors.New("imageloader: no scheduler configured")
	}
	for _, req := range reqs {
		id, opts := req.ID, req.Options
		c.scheduler.AddRequest(func(ctx context.Context) error {
			_, err := c.LoadAndCache(ctx, id, opts)
			return err
		}, req.Class, scheduler.Details{ID: id}, req.Priority)
	}
	return nil
}

// CreateDerivedFrame synthesizes a frame sharing source's geometry with a
// fresh zero-filled payload, caches it and returns it. It never suspends.
//
// A caller-supplied opts.ID must not name a cached or in-flight frame;
// such a request fails with types.ErrIdentifierInUse.
//
// Geometry is taken from the image plane metadata module, falling back to
// the cached source frame. Returns types.ErrSourceMetadataMissing when
// neither is available.
func (c *Coordinator) CreateDerivedFrame(source types.Identifier, opts types.DerivedOptions) (*types.Frame, error) {
	geometry, ok := metadata.ImagePlane(c.metadata, source)
	if !ok {
		if entry, found := c.cache.Get(source); found && entry.Resolved() && entry.Frame.Geometry.Valid() {
			geometry, ok = entry.Frame.Geometry, true
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSourceMetadataMissing, source)
	}

	bufferType := opts.TargetBuffer
	if bufferType == "" {
		bufferType = types.BufferFloat32
	}

	size := geometry.PixelCount() * bufferType.BytesPerElement()
	if opts.SkipBufferCreate {
		size = bufferType.BytesPerElement()
	}

	frame := &types.Frame{
		Geometry:   geometry,
		BufferType: bufferType,
		Payload:    make([]byte, size),
		Derived:    true,
		SourceID:   source,
	}

	if opts.ID != "" && c.cache.Has(opts.ID) {
		return nil, fmt.Errorf("%w: %s", types.ErrIdentifierInUse, opts.ID)
	}

	c.mu.Lock()
	frame.ID = opts.ID
	if frame.ID == "" {
		frame.ID = c.newDerivedID()
	} else if c.taken(frame.ID) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", types.ErrIdentifierInUse, frame.ID)
	}
	c.cache.Put(frame.ID, cache.Entry{Frame: frame})
	c.mu.Unlock()

	c.metrics.IncDerivedFrame()
	c.logger.Debug("derived frame created", map[string]any{
		"frame_id":  string(frame.ID),
		"source_id": string(source),
	})
	return frame, nil
}

// taken reports whether id is cached in memory or has a fetch in flight.
// Caller must hold c.mu.
func (c *Coordinator) taken(id types.Identifier) bool {
	if _, ok := c.cache.Peek(id); ok {
		return true
	}
	_, ok := c.inflight[id]
	return ok
}

// newDerivedID returns a derived identifier not in use. Derived frames
// never reach a tier, so memory is authoritative.
// Caller must hold c.mu.
func (c *Coordinator) newDerivedID() types.Identifier {
	for {
		id := types.Identifier(types.DerivedScheme + types.SchemeDelimiter + uuid.NewString())
		if !c.taken(id) {
			return id
		}
	}
}

// NameFunc returns the identifier for the derived frame of source at index i.
// An empty result keeps the generated identifier. A name already in use
// fails that source with types.ErrIdentifierInUse.
type NameFunc func(i int, source types.Identifier) types.Identifier

// CreateDerivedFrames runs CreateDerivedFrame for every source.
// A failure leaves a nil slot and does not stop the remaining sources.
// The returned error is the first failure.
func (c *Coordinator) CreateDerivedFrames(sources []types.Identifier, opts types.DerivedOptions, name NameFunc) ([]*types.Frame, error) {
	frames := make([]*types.Frame, len(sources))
	var firstErr error
	for i, source := range sources {
		o := opts
		o.ID = ""
		if name != nil {
			o.ID = name(i, source)
		}
		frame, err := c.CreateDerivedFrame(source, o)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		frames[i] = frame
	}
	return frames, firstErr
}

// Inflight returns the task of the cached fetch in flight for id.
func (c *Coordinator) Inflight(id types.Identifier) (*loader.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.inflight[id]
	if !ok {
		return nil, false
	}
	return p.task, true
}

// InflightIDs returns the identifiers with a cached fetch in flight, sorted.
func (c *Coordinator) InflightIDs() []types.Identifier {
	c.mu.Lock()
	ids := make([]types.Identifier, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RemoveFrame evicts id from the cache. An in-flight fetch for id keeps
// running and stays cancelable. Its result is not cached unless a later
// LoadAndCache re-admits it.
func (c *Coordinator) RemoveFrame(id types.Identifier) {
	c.mu.Lock()
	c.cache.Delete(id)
	c.mu.Unlock()
}

// FrameCount returns the number of entries in the cache when the store can
// report it, or -1.
func (c *Coordinator) FrameCount() int {
	if s, ok := c.cache.(interface{ Len() int }); ok {
		return s.Len()
	}
	return -1
}

// Close cancels the context shared by every cached fetch.
func (c *Coordinator) Close() {
	c.cancel()
}
