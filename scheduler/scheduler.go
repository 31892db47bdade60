// Package scheduler queues load requests by class and priority and runs
// them under per-class concurrency limits.
package scheduler

import (
	"context"

	"github.com/justapithecus/framefetch/types"
)

// Thunk is the deferred work a request runs once dispatched.
type Thunk func(ctx context.Context) error

// Details identifies the work a request performs.
type Details struct {
	// ID is the frame identifier the request loads.
	ID types.Identifier
}

// Request is a queued unit of work.
type Request struct {
	Thunk    Thunk
	Class    types.RequestClass
	Details  Details
	Priority int

	seq uint64
}

// Port is the contract the acquisition layer needs from a scheduler.
//
// FilterRequests must be atomic with respect to AddRequest and dispatch:
// a request either survives the filter or never starts.
type Port interface {
	// AddRequest enqueues a thunk under a class and priority.
	// Lower priority values run first within a class.
	AddRequest(thunk Thunk, class types.RequestClass, details Details, priority int)
	// FilterRequests retains only the queued requests for which keep returns true.
	// Returns the number of requests removed.
	FilterRequests(keep func(Request) bool) int
	// GetRequestPool returns a copy of the queued requests grouped by class and priority.
	GetRequestPool() map[types.RequestClass]map[int][]Request
	// ClearRequestStack removes all queued requests of one class.
	// Returns the number of requests removed.
	ClearRequestStack(class types.RequestClass) int
}

// DispatchCanceler is implemented by schedulers that can cancel requests
// already taken off their queues but not yet finished.
type DispatchCanceler interface {
	// CancelDispatched cancels the context passed to every matching
	// dispatched thunk. Returns the number of requests newly canceled.
	CancelDispatched(match func(Request) bool) int
}
