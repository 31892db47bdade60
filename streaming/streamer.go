// Package streaming orders frame-group fetches around a movable time point.
//
// A Streamer owns the current index of one 4-D volume. Fetch order expands
// outward from the current group so frames temporally closest to the
// viewer load first.
package streaming

import (
	"errors"
	"fmt"
	"sync"

	"github.com/justapithecus/framefetch/events"
	"github.com/justapithecus/framefetch/log"
	"github.com/justapithecus/framefetch/metrics"
	"github.com/justapithecus/framefetch/types"
)

// Scheduler accepts load requests for dispatch.
// *imageloader.Coordinator implements it.
type Scheduler interface {
	Schedule(reqs []types.LoadRequest) error
}

// Config configures a Streamer.
type Config struct {
	// VolumeID names the volume in notifications.
	VolumeID string
	// Groups are the frame groups in temporal order. Required.
	Groups [][]types.Identifier
	// SplittingKey is the criterion the flat frame list was grouped by.
	SplittingKey string
	// InitialIndex is the starting time point.
	InitialIndex int
	// Class is the request class of built load requests (default prefetch).
	Class types.RequestClass
	// Options are attached to every built load request.
	Options types.LoadOptions
	// Scheduler receives the requests built by Prefetch. Optional.
	Scheduler Scheduler

	Events  events.Publisher
	Metrics *metrics.Collector
	Logger  *log.Logger
}

// Streamer tracks the current time point of one volume.
// Safe for concurrent use; SetIndex is the only write path.
type Streamer struct {
	volumeID     string
	groups       [][]types.Identifier
	splittingKey string
	class        types.RequestClass
	options      types.LoadOptions
	scheduler    Scheduler

	events  events.Publisher
	metrics *metrics.Collector
	logger  *log.Logger

	mu          sync.RWMutex
	index       int
	invalidated bool
}

// New creates a Streamer. The group list is copied.
func New(cfg Config) (*Streamer, error) {
	if len(cfg.Groups) == 0 {
		return nil, errors.New("streaming: at least one frame group is required")
	}
	if cfg.InitialIndex < 0 || cfg.InitialIndex >= len(cfg.Groups) {
		return nil, fmt.Errorf("streaming: initial index %d out of range [0, %d)", cfg.InitialIndex, len(cfg.Groups))
	}

	groups := make([][]types.Identifier, len(cfg.Groups))
	for i, g := range cfg.Groups {
		groups[i] = append([]types.Identifier(nil), g...)
	}

	class := cfg.Class
	if class == "" {
		class = types.ClassPrefetch
	}

	return &Streamer{
		volumeID:     cfg.VolumeID,
		groups:       groups,
		splittingKey: cfg.SplittingKey,
		class:        class,
		options:      cfg.Options,
		scheduler:    cfg.Scheduler,
		events:       cfg.Events,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.Named("streaming"),
		index:        cfg.InitialIndex,
	}, nil
}

// Index returns the current time point.
func (s *Streamer) Index() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index
}

// GroupCount returns the number of time points.
func (s *Streamer) GroupCount() int {
	return len(s.groups)
}

// SplittingKey returns the grouping criterion.
func (s *Streamer) SplittingKey() string {
	return s.splittingKey
}

// Groups returns a copy of the frame groups.
func (s *Streamer) Groups() [][]types.Identifier {
	out := make([][]types.Identifier, len(s.groups))
	for i, g := range s.groups {
		out[i] = append([]types.Identifier(nil), g...)
	}
	return out
}

// CurrentFrameIDs returns the identifiers of the current group.
func (s *Streamer) CurrentFrameIDs() []types.Identifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Identifier(nil), s.groups[s.index]...)
}

// Invalidated reports whether volume-level aggregates need recomputing.
func (s *Streamer) Invalidated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invalidated
}

// ClearInvalidated acknowledges that aggregates were recomputed.
func (s *Streamer) ClearInvalidated() {
	s.mu.Lock()
	s.invalidated = false
	s.mu.Unlock()
}

// SetIndex moves to index, marks aggregates invalid and emits
// TimePointChanged. Setting the current index is a no-op.
func (s *Streamer) SetIndex(index int) error {
	return s.move(func(int) int { return index })
}

// Scroll moves delta time points with a single corrective wrap: results
// below zero become the last index and results past the end become zero.
// Steps with |delta| greater than one do not wrap modulo the group count.
func (s *Streamer) Scroll(delta int) error {
	return s.move(func(current int) int {
		switch next, n := current+delta, len(s.groups); {
		case next < 0:
			return n - 1
		case next >= n:
			return 0
		default:
			return next
		}
	})
}

// move applies target to the current index under the lock. The notification
// is emitted after the lock is released.
func (s *Streamer) move(target func(current int) int) error {
	s.mu.Lock()
	prev := s.index
	index := target(prev)
	if index < 0 || index >= len(s.groups) {
		s.mu.Unlock()
		return fmt.Errorf("streaming: index %d out of range [0, %d)", index, len(s.groups))
	}
	if index == prev {
		s.mu.Unlock()
		return nil
	}
	s.index = index
	s.invalidated = true
	s.mu.Unlock()

	s.metrics.IncTimePointChange()
	s.logger.Debug("time point changed", map[string]any{
		"volume_id": s.volumeID,
		"from":      prev,
		"to":        index,
	})
	events.Publish(s.events, types.NewTimePointChanged(s.volumeID, index, len(s.groups), s.splittingKey))
	return nil
}

// BuildLoadOrder returns the current group's identifiers, then groups
// alternately left and right of it, expanding outward. Once one side is
// exhausted the rest of the other side follows in order.
func (s *Streamer) BuildLoadOrder() []types.Identifier {
	s.mu.RLock()
	current := s.index
	s.mu.RUnlock()

	order := make([]types.Identifier, 0, s.frameCount())
	for _, gi := range groupOrder(current, len(s.groups)) {
		order = append(order, s.groups[gi]...)
	}
	return order
}

// groupOrder returns group indices in expanding-ring order around current.
func groupOrder(current, count int) []int {
	order := make([]int, 0, count)
	order = append(order, current)
	for step := 1; len(order) < count; step++ {
		if left := current - step; left >= 0 {
			order = append(order, left)
		}
		if right := current + step; right < count {
			order = append(order, right)
		}
	}
	return order
}

// BuildLoadRequests maps BuildLoadOrder to load requests sharing priority.
// Relative order relies on the scheduler's FIFO tie-break.
func (s *Streamer) BuildLoadRequests(priority int) []types.LoadRequest {
	order := s.BuildLoadOrder()
	reqs := make([]types.LoadRequest, len(order))
	for i, id := range order {
		reqs[i] = types.LoadRequest{
			ID:       id,
			Class:    s.class,
			Priority: priority,
			Options:  s.options,
		}
	}
	return reqs
}

// Prefetch submits BuildLoadRequests(priority) to the configured scheduler.
// Frames already cached or in flight cost no second fetch.
func (s *Streamer) Prefetch(priority int) error {
	if s.scheduler == nil {
		return errors.New("streaming: no scheduler configured")
	}
	reqs := s.BuildLoadRequests(priority)
	if err := s.scheduler.Schedule(reqs); err != nil {
		return fmt.Errorf("streaming: schedule: %w", err)
	}
	s.logger.Debug("prefetch scheduled", map[string]any{
		"volume_id": s.volumeID,
		"index":     s.Index(),
		"requests":  len(reqs),
	})
	return nil
}

// IndexForFlatPosition maps a flattened frame position to its group index.
// Returns types.ErrNonUniformGroupSize if groups differ in length.
func (s *Streamer) IndexForFlatPosition(flat int) (int, error) {
	size, err := s.uniformSize(flat)
	if err != nil {
		return 0, err
	}
	return flat / size, nil
}

// PositionWithinGroup maps a flattened frame position to its position in
// its group. Returns types.ErrNonUniformGroupSize if groups differ in length.
func (s *Streamer) PositionWithinGroup(flat int) (int, error) {
	size, err := s.uniformSize(flat)
	if err != nil {
		return 0, err
	}
	return flat % size, nil
}

// uniformSize returns the size of group 0 after checking every group matches
// it and flat lies inside the volume.
func (s *Streamer) uniformSize(flat int) (int, error) {
	size := len(s.groups[0])
	for i, g := range s.groups {
		if len(g) != size {
			return 0, fmt.Errorf("%w: group %d has %d frames, group 0 has %d", types.ErrNonUniformGroupSize, i, len(g), size)
		}
	}
	if size == 0 {
		return 0, errors.New("streaming: frame groups are empty")
	}
	if flat < 0 || flat >= size*len(s.groups) {
		return 0, fmt.Errorf("streaming: flat position %d out of range [0, %d)", flat, size*len(s.groups))
	}
	return size, nil
}

func (s *Streamer) frameCount() int {
	n := 0
	for _, g := range s.groups {
		n += len(g)
	}
	return n
}
