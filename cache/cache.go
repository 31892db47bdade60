// Package cache holds decoded frames and in-flight fetch handles by identifier.
//
// An entry is either a resolved frame or a pending handle for a fetch that
// has not resolved yet. The store itself never evicts; entries are removed
// only by explicit Delete.
package cache

import (
	"context"
	"sync"

	"github.com/justapithecus/framefetch/log"
	"github.com/justapithecus/framefetch/types"
)

// Pending is an in-flight fetch held in the cache until it resolves.
type Pending interface {
	// Wait blocks until the fetch resolves or ctx is done.
	Wait(ctx context.Context) (*types.Frame, error)
	// Done is closed once the fetch has resolved and the cache is settled.
	Done() <-chan struct{}
}

// Entry is a cached frame or a pending fetch. Exactly one field is set.
type Entry struct {
	Frame   *types.Frame
	Pending Pending
}

// Resolved reports whether the entry holds a frame.
func (e Entry) Resolved() bool {
	return e.Frame != nil
}

// Wait returns the frame, blocking on the pending fetch if needed.
func (e Entry) Wait(ctx context.Context) (*types.Frame, error) {
	if e.Frame != nil {
		return e.Frame, nil
	}
	return e.Pending.Wait(ctx)
}

// Store is the cache contract the coordinator depends on.
// Implementations must be safe for concurrent use.
//
// Get may consult slower backing storage. Peek, Put and Delete must not
// block on it, so callers can use them while holding their own locks.
type Store interface {
	Has(id types.Identifier) bool
	Get(id types.Identifier) (Entry, bool)
	Peek(id types.Identifier) (Entry, bool)
	Put(id types.Identifier, entry Entry)
	Delete(id types.Identifier)
}

// Tier is a persistent backing store for resolved frames.
// Pending handles never reach a tier.
type Tier interface {
	// Load returns the stored frame, or found=false on a miss.
	Load(id types.Identifier) (frame *types.Frame, found bool, err error)
	Save(frame *types.Frame) error
	Remove(id types.Identifier) error
}

// DefaultTierQueue is the number of tier writes buffered before Put and
// Delete block.
const DefaultTierQueue = 256

// Memory is an in-memory Store with an optional persistent tier.
// Misses consult the tier and promote hits. Resolved frames are written
// through and deletes are propagated by one background writer, in order.
type Memory struct {
	mu      sync.RWMutex
	entries map[types.Identifier]Entry
	// queued counts tier ops per id not yet applied by the writer.
	queued map[types.Identifier]int
	tier   Tier
	logger *log.Logger

	opsMu  sync.Mutex
	ops    chan tierOp
	closed bool
	done   chan struct{}
}

// tierOp is one queued tier write. A non-nil flushed marks a barrier.
type tierOp struct {
	id      types.Identifier
	frame   *types.Frame
	flushed chan struct{}
}

// Option configures a Memory store.
type Option func(*Memory)

// WithTier attaches a persistent tier.
func WithTier(t Tier) Option {
	return func(m *Memory) { m.tier = t }
}

// WithLogger attaches a logger for tier errors.
func WithLogger(l *log.Logger) Option {
	return func(m *Memory) { m.logger = l }
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		entries: make(map[types.Identifier]Entry),
		queued:  make(map[types.Identifier]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tier != nil {
		m.ops = make(chan tierOp, DefaultTierQueue)
		m.done = make(chan struct{})
		go m.writeBehind()
	}
	return m
}

// Has reports whether id has a resolved or pending entry.
func (m *Memory) Has(id types.Identifier) bool {
	_, ok := m.Get(id)
	return ok
}

// Peek returns the in-memory entry for id without consulting the tier.
func (m *Memory) Peek(id types.Identifier) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// Get returns the entry for id, reading through to the tier on a miss.
// An id with a tier write still queued is a miss: the latest write for an
// id absent from memory is a delete.
func (m *Memory) Get(id types.Identifier) (Entry, bool) {
	m.mu.RLock()
	e, ok := m.entries[id]
	queued := m.queued[id] > 0
	m.mu.RUnlock()
	if ok || m.tier == nil || queued {
		return e, ok
	}

	frame, found, err := m.tier.Load(id)
	if err != nil {
		m.logger.Warn("cache tier load failed", map[string]any{
			"frame_id": string(id),
			"error":    err.Error(),
		})
		return Entry{}, false
	}
	if !found {
		return Entry{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A concurrent Put wins over the promoted tier copy; a concurrent
	// Delete wins over the stale one.
	if cur, ok := m.entries[id]; ok {
		return cur, true
	}
	if m.queued[id] > 0 {
		return Entry{}, false
	}
	e = Entry{Frame: frame}
	m.entries[id] = e
	return e, true
}

// Put stores entry under id, replacing any existing entry.
// Resolved frames are queued for the tier.
func (m *Memory) Put(id types.Identifier, entry Entry) {
	m.mu.Lock()
	m.entries[id] = entry
	write := m.tier != nil && entry.Frame != nil
	if write {
		m.queued[id]++
	}
	m.mu.Unlock()

	if write {
		m.enqueue(tierOp{id: id, frame: entry.Frame})
	}
}

// Delete removes id from memory and queues its removal from the tier.
func (m *Memory) Delete(id types.Identifier) {
	m.mu.Lock()
	delete(m.entries, id)
	if m.tier != nil {
		m.queued[id]++
	}
	m.mu.Unlock()

	if m.tier != nil {
		m.enqueue(tierOp{id: id})
	}
}

// Flush blocks until every tier write queued before the call is applied.
func (m *Memory) Flush() {
	if m.tier == nil {
		return
	}
	flushed := make(chan struct{})
	m.enqueue(tierOp{flushed: flushed})
	<-flushed
}

// Close applies queued tier writes and stops the writer. Later writes go
// to the tier synchronously.
func (m *Memory) Close() error {
	if m.tier == nil {
		return nil
	}
	m.opsMu.Lock()
	if !m.closed {
		m.closed = true
		close(m.ops)
	}
	m.opsMu.Unlock()
	<-m.done
	return nil
}

func (m *Memory) enqueue(op tierOp) {
	m.opsMu.Lock()
	if !m.closed {
		m.ops <- op
		m.opsMu.Unlock()
		return
	}
	m.opsMu.Unlock()
	m.apply(op)
}

func (m *Memory) writeBehind() {
	defer close(m.done)
	for op := range m.ops {
		m.apply(op)
	}
}

func (m *Memory) apply(op tierOp) {
	if op.flushed != nil {
		close(op.flushed)
		return
	}

	var err error
	action := "save"
	if op.frame != nil {
		err = m.tier.Save(op.frame)
	} else {
		action = "remove"
		err = m.tier.Remove(op.id)
	}
	if err != nil {
		m.logger.Warn("cache tier "+action+" failed", map[string]any{
			"frame_id": string(op.id),
			"error":    err.Error(),
		})
	}

	m.mu.Lock()
	if m.queued[op.id]--; m.queued[op.id] <= 0 {
		delete(m.queued, op.id)
	}
	m.mu.Unlock()
}

// Len returns the number of in-memory entries (resolved and pending).
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// IDs returns the identifiers of all in-memory entries.
func (m *Memory) IDs() []types.Identifier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]types.Identifier, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

// Verify Memory implements Store.
var _ Store = (*Memory)(nil)
