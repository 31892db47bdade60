// Package cancellation removes queued work from the scheduler and invokes
// cancellation hooks on in-flight fetches.
//
// The controller never touches the cache. A fetch canceled before it
// resolves never populates the cache; a fetch that already resolved stays
// cached.
package cancellation

import (
	"errors"
	"fmt"

	"github.com/justapithecus/framefetch/loader"
	"github.com/justapithecus/framefetch/log"
	"github.com/justapithecus/framefetch/metrics"
	"github.com/justapithecus/framefetch/scheduler"
	"github.com/justapithecus/framefetch/types"
)

// InflightSource resolves identifiers to running fetches.
// *imageloader.Coordinator implements it.
type InflightSource interface {
	Inflight(id types.Identifier) (*loader.Task, bool)
	InflightIDs() []types.Identifier
}

// Result describes what one Cancel call did.
type Result struct {
	// Dequeued is the number of queued requests removed.
	Dequeued int
	// Dispatched is the number of requests canceled after leaving the
	// queue but before their fetch was registered in flight.
	Dispatched int
	// HookInvoked is true when an in-flight fetch's cancellation hook ran.
	HookInvoked bool
	// Inflight is true when a fetch for the identifier was running.
	Inflight bool
}

// Controller reconciles a request's presence in the scheduler and in flight.
type Controller struct {
	scheduler scheduler.Port
	inflight  InflightSource
	metrics   *metrics.Collector
	logger    *log.Logger
}

// New creates a Controller. inflight may be nil when only queued work
// should be canceled.
func New(s scheduler.Port, inflight InflightSource, m *metrics.Collector, logger *log.Logger) *Controller {
	return &Controller{
		scheduler: s,
		inflight:  inflight,
		metrics:   m,
		logger:    logger.Named("cancellation"),
	}
}

// Cancel drops every queued request targeting id, then invokes the
// cancellation hook of the in-flight fetch for id if the loader supplied one.
// A fetch without a hook is left to complete.
//
// A request can be off the queue and not yet in flight. When the scheduler
// implements scheduler.DispatchCanceler, such a request's context is
// canceled before the in-flight lookup, so it either starts no fetch or its
// fetch is found in flight. Other schedulers may start that fetch.
func (c *Controller) Cancel(id types.Identifier) (Result, error) {
	if id == "" {
		return Result{}, errors.New("cancel: empty identifier")
	}

	var res Result
	if c.scheduler != nil {
		res.Dequeued = c.scheduler.FilterRequests(func(r scheduler.Request) bool {
			return r.Details.ID != id
		})
		if dc, ok := c.scheduler.(scheduler.DispatchCanceler); ok {
			res.Dispatched = dc.CancelDispatched(func(r scheduler.Request) bool {
				return r.Details.ID == id
			})
		}
	}

	if c.inflight != nil {
		if task, ok := c.inflight.Inflight(id); ok {
			res.Inflight = true
			res.HookInvoked = task.Cancel()
		}
	}
	if res.HookInvoked {
		c.metrics.IncCancelHookInvoked()
	}

	c.logger.Debug("cancel", map[string]any{
		"frame_id":     string(id),
		"dequeued":     res.Dequeued,
		"dispatched":   res.Dispatched,
		"inflight":     res.Inflight,
		"hook_invoked": res.HookInvoked,
	})
	return res, nil
}

// CancelMany cancels each identifier, continuing past individual failures.
// The returned error joins every per-identifier error.
func (c *Controller) CancelMany(ids []types.Identifier) ([]Result, error) {
	results := make([]Result, len(ids))
	var errs []error
	for i, id := range ids {
		res, err := c.Cancel(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel %d: %w", i, err))
			continue
		}
		results[i] = res
	}
	return results, errors.Join(errs...)
}

// CancelAll drains every request class, cancels every dispatched request,
// then invokes the cancellation hook of every in-flight fetch the
// controller can resolve. The scheduler holds
// no queued requests afterward. Fetches without a hook may still be running.
func (c *Controller) CancelAll() Result {
	var res Result
	if c.scheduler != nil {
		classes := types.RequestClasses()
		for class := range c.scheduler.GetRequestPool() {
			if class.Precedence() >= len(types.RequestClasses()) {
				classes = append(classes, class)
			}
		}
		for _, class := range classes {
			res.Dequeued += c.scheduler.ClearRequestStack(class)
		}
		if dc, ok := c.scheduler.(scheduler.DispatchCanceler); ok {
			res.Dispatched = dc.CancelDispatched(func(scheduler.Request) bool { return true })
		}
	}

	hooks := 0
	if c.inflight != nil {
		for _, id := range c.inflight.InflightIDs() {
			task, ok := c.inflight.Inflight(id)
			if !ok {
				continue
			}
			res.Inflight = true
			if task.Cancel() {
				hooks++
				c.metrics.IncCancelHookInvoked()
			}
		}
	}
	res.HookInvoked = hooks > 0

	c.logger.Info("cancel all", map[string]any{
		"dequeued":      res.Dequeued,
		"dispatched":    res.Dispatched,
		"hooks_invoked": hooks,
	})
	return res
}
