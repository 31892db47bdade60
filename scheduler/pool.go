package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/justapithecus/framefetch/log"
	"github.com/justapithecus/framefetch/metrics"
	"github.com/justapithecus/framefetch/types"
)

// Default per-class concurrency limits.
const (
	DefaultInteractiveConcurrency = 6
	DefaultThumbnailConcurrency   = 4
	DefaultPrefetchConcurrency    = 2
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// MaxConcurrent caps running requests per class.
	// Missing or non-positive entries fall back to the defaults.
	MaxConcurrent map[types.RequestClass]int
	// Metrics is optional.
	Metrics *metrics.Collector
	// Logger is optional.
	Logger *log.Logger
}

// Pool is an in-process Port implementation.
//
// Requests queue as soon as they are added. Nothing runs until Start.
// Dispatch order is class precedence, then lowest priority, then FIFO.
// Each dispatched thunk runs under its own context, canceled by
// CancelDispatched or when the thunk returns.
type Pool struct {
	limits  map[types.RequestClass]int
	metrics *metrics.Collector
	logger  *log.Logger

	mu      sync.Mutex
	queues  map[types.RequestClass][]Request
	running map[types.RequestClass]int
	// dispatched holds requests popped from a queue whose thunk has not
	// returned, keyed by seq.
	dispatched map[uint64]*dispatch
	nextSeq    uint64
	started bool

	wake chan struct{}
	wg   sync.WaitGroup
}

var (
	_ Port             = (*Pool)(nil)
	_ DispatchCanceler = (*Pool)(nil)
)

type dispatch struct {
	req      Request
	ctx      context.Context
	cancel   context.CancelFunc
	canceled bool
}

// NewPool creates a Pool.
func NewPool(cfg PoolConfig) *Pool {
	limits := map[types.RequestClass]int{
		types.ClassInteractive: DefaultInteractiveConcurrency,
		types.ClassThumbnail:   DefaultThumbnailConcurrency,
		types.ClassPrefetch:    DefaultPrefetchConcurrency,
	}
	for class, n := range cfg.MaxConcurrent {
		if n > 0 {
			limits[class] = n
		}
	}
	return &Pool{
		limits:  limits,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.Named("scheduler"),
		queues:  make(map[types.RequestClass][]Request),
		running:    make(map[types.RequestClass]int),
		dispatched: make(map[uint64]*dispatch),
		wake:       make(chan struct{}, 1),
	}
}

// AddRequest enqueues a thunk. Unknown classes are queued after prefetch.
func (p *Pool) AddRequest(thunk Thunk, class types.RequestClass, details Details, priority int) {
	if thunk == nil {
		return
	}
	p.mu.Lock()
	p.nextSeq++
	p.queues[class] = append(p.queues[class], Request{
		Thunk:    thunk,
		Class:    class,
		Details:  details,
		Priority: priority,
		seq:      p.nextSeq,
	})
	p.mu.Unlock()

	p.metrics.IncRequestQueued()
	p.signal()
}

// FilterRequests retains only the queued requests for which keep returns true.
func (p *Pool) FilterRequests(keep func(Request) bool) int {
	p.mu.Lock()
	removed := 0
	for class, queue := range p.queues {
		kept := queue[:0]
		for _, r := range queue {
			if keep(r) {
				kept = append(kept, r)
			} else {
				removed++
			}
		}
		clear(queue[len(kept):])
		p.queues[class] = kept
	}
	p.mu.Unlock()

	p.metrics.AddRequestsDropped(removed)
	return removed
}

// GetRequestPool returns a copy of the queued requests.
// Each priority bucket is in insertion order.
func (p *Pool) GetRequestPool() map[types.RequestClass]map[int][]Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[types.RequestClass]map[int][]Request, len(p.queues))
	for class, queue := range p.queues {
		if len(queue) == 0 {
			continue
		}
		byPriority := make(map[int][]Request)
		for _, r := range queue {
			byPriority[r.Priority] = append(byPriority[r.Priority], r)
		}
		out[class] = byPriority
	}
	return out
}

// ClearRequestStack removes all queued requests of one class.
func (p *Pool) ClearRequestStack(class types.RequestClass) int {
	p.mu.Lock()
	n := len(p.queues[class])
	delete(p.queues, class)
	p.mu.Unlock()

	p.metrics.AddRequestsDropped(n)
	return n
}

// CancelDispatched cancels the context of every dispatched request for
// which match returns true and whose thunk has not returned. A request is
// dispatched from the moment it leaves its queue, so together with
// FilterRequests this reaches every request not yet finished.
// Returns the number of requests newly canceled.
func (p *Pool) CancelDispatched(match func(Request) bool) int {
	p.mu.Lock()
	n := 0
	for _, d := range p.dispatched {
		if d.canceled || !match(d.req) {
			continue
		}
		d.canceled = true
		d.cancel()
		n++
	}
	p.mu.Unlock()
	return n
}

// Pending returns the number of queued requests across all classes.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

// Running returns the number of requests currently executing.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.running {
		n += r
	}
	return n
}

// Start runs the dispatcher until ctx is done.
// Returns an error if the pool was already started.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("scheduler: pool already started")
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Wait blocks until the dispatcher and all running requests have returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		for {
			d, ok := p.next(ctx)
			if !ok {
				break
			}
			p.run(d)
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
	}
}

// next pops the highest-precedence runnable request, reserves a slot and
// registers it as dispatched under a child of ctx.
func (p *Pool) next(ctx context.Context) (*dispatch, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, class := range p.classOrder() {
		queue := p.queues[class]
		if len(queue) == 0 || p.running[class] >= p.limit(class) {
			continue
		}
		best := 0
		for i := 1; i < len(queue); i++ {
			if queue[i].Priority < queue[best].Priority {
				best = i
			}
		}
		r := queue[best]
		copy(queue[best:], queue[best+1:])
		queue[len(queue)-1] = Request{}
		p.queues[class] = queue[:len(queue)-1]
		p.running[class]++

		d := &dispatch{req: r}
		d.ctx, d.cancel = context.WithCancel(ctx)
		p.dispatched[r.seq] = d
		return d, true
	}
	return nil, false
}

// classOrder returns known classes by precedence, then any others.
func (p *Pool) classOrder() []types.RequestClass {
	order := types.RequestClasses()
	for class := range p.queues {
		if class.Precedence() >= len(order) {
			order = append(order, class)
		}
	}
	return order
}

func (p *Pool) limit(class types.RequestClass) int {
	if n, ok := p.limits[class]; ok {
		return n
	}
	return DefaultPrefetchConcurrency
}

func (p *Pool) run(d *dispatch) {
	r := d.req
	p.metrics.IncRequestDispatched()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.running[r.Class]--
			delete(p.dispatched, r.seq)
			p.mu.Unlock()
			d.cancel()
			p.signal()
		}()

		if err := r.Thunk(d.ctx); err != nil && !types.IsCanceled(err) && d.ctx.Err() == nil {
			p.logger.Debug("request failed", map[string]any{
				"id":    r.Details.ID.String(),
				"class": string(r.Class),
				"error": err.Error(),
			})
		}
	}()
}
