package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/framefetch/cli/render"
	"github.com/justapithecus/framefetch/codec"
	"github.com/justapithecus/framefetch/metrics"
	"github.com/justapithecus/framefetch/types"
)

// Exit codes for fetch.
const (
	exitSuccess     = 0
	exitFetchFailed = 1
	exitConfigError = 2
	exitCanceled    = 3
)

// Fetch statuses.
const (
	statusLoaded   = "loaded"
	statusFailed   = "failed"
	statusCanceled = "canceled"
)

// FetchResult is one row of fetch output.
type FetchResult struct {
	ID         string `json:"id" yaml:"id"`
	Status     string `json:"status" yaml:"status"`
	Rows       int    `json:"rows" yaml:"rows"`
	Columns    int    `json:"columns" yaml:"columns"`
	BufferType string `json:"buffer_type" yaml:"buffer_type"`
	Bytes      int    `json:"bytes" yaml:"bytes"`
	Derived    bool   `json:"derived" yaml:"derived"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

// FetchCommand returns the fetch command.
func FetchCommand() *cli.Command {
	flags := append(OutputFlags(), sessionFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:  "class",
			Usage: "Request class: interactive, thumbnail, prefetch",
			Value: string(types.ClassInteractive),
		},
		&cli.IntFlag{
			Name:  "priority",
			Usage: "Request priority (lower is more urgent)",
		},
		&cli.StringFlag{
			Name:  "buffer",
			Usage: "Target buffer type (e.g. float32, uint16)",
		},
		&cli.BoolFlag{
			Name:  "ignore-cache",
			Usage: "Fetch without consulting or populating the cache",
		},
		&cli.BoolFlag{
			Name:  "derive",
			Usage: "Create a derived frame for every loaded frame",
		},
		&cli.StringFlag{
			Name:  "out",
			Usage: "Write loaded frames to a length-prefixed stream file",
		},
		&cli.StringFlag{
			Name:  "metrics-file",
			Usage: "Write session counters in Prometheus text format",
		},
	)

	return &cli.Command{
		Name:      "fetch",
		Usage:     "Fetch frames through the scheduler and cache",
		ArgsUsage: "<frame-id>...",
		Flags:     flags,
		Action:    fetchAction,
	}
}

func fetchAction(c *cli.Context) error {
	ids := uniqueIDs(c.Args().Slice())
	if len(ids) == 0 {
		return cli.Exit("at least one frame id is required", exitConfigError)
	}

	class, err := types.ParseRequestClass(c.String("class"))
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	opts := types.LoadOptions{IgnoreCache: c.Bool("ignore-cache")}
	if b := c.String("buffer"); b != "" {
		bt, err := types.ParseBufferType(b)
		if err != nil {
			return cli.Exit(err.Error(), exitConfigError)
		}
		opts.TargetBuffer = bt
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	choice, err := resolveSession(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	s, err := openSession(ctx, choice)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open session: %v", err), exitConfigError)
	}
	defer func() { _ = s.Close() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			res := s.cancel.CancelAll()
			s.logger.Info("interrupted", map[string]any{
				"dequeued":   res.Dequeued,
				"dispatched": res.Dispatched,
				"inflight":   res.Inflight,
			})
			cancel()
		case <-ctx.Done():
		}
	}()

	results, err := fetchFrames(ctx, s, ids, class, c.Int("priority"), opts)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	if c.Bool("derive") {
		results = append(results, deriveFrames(s, results, opts.TargetBuffer)...)
	}

	if path := c.String("out"); path != "" {
		if err := writeFrames(path, s, results); err != nil {
			return cli.Exit(fmt.Sprintf("failed to write frames: %v", err), exitFetchFailed)
		}
	}

	if path := c.String("metrics-file"); path != "" {
		if err := writeMetrics(path, s.metrics); err != nil {
			return cli.Exit(fmt.Sprintf("failed to write metrics: %v", err), exitFetchFailed)
		}
	}

	if err := r.Render(results); err != nil {
		return err
	}
	return cli.Exit("", resultsExitCode(results))
}

// fetchFrames schedules one request per id and collects the outcome of
// each from the event bus. Ids still pending when ctx ends are reported
// as canceled.
func fetchFrames(ctx context.Context, s *session, ids []types.Identifier, class types.RequestClass, priority int, opts types.LoadOptions) ([]FetchResult, error) {
	if opts.IgnoreCache {
		return fetchDirect(ctx, s, ids, opts), nil
	}
	return awaitOutcomes(ctx, s, ids, func(pending []types.Identifier) error {
		reqs := make([]types.LoadRequest, len(pending))
		for i, id := range pending {
			reqs[i] = types.LoadRequest{ID: id, Class: class, Priority: priority, Options: opts}
		}
		return s.coord.Schedule(reqs)
	})
}

// awaitOutcomes subscribes to load outcomes for ids, hands the ids not yet
// cached to submit, starts the session scheduler and waits. Frames already
// cached settle without an event.
func awaitOutcomes(ctx context.Context, s *session, ids []types.Identifier, submit func(pending []types.Identifier) error) ([]FetchResult, error) {
	w := newOutcomeWaiter(ids)
	loaded := s.bus.Subscribe(types.EventTypeFrameLoaded, w.observe)
	defer loaded.Unsubscribe()
	failed := s.bus.Subscribe(types.EventTypeFrameLoadFailed, w.observe)
	defer failed.Unsubscribe()

	var pending []types.Identifier
	for _, id := range ids {
		if entry, ok := s.cache.Get(id); ok && entry.Resolved() {
			w.settle(id, "")
			continue
		}
		pending = append(pending, id)
	}
	if err := submit(pending); err != nil {
		return nil, err
	}
	if err := s.start(); err != nil {
		return nil, err
	}

	outcomes := w.wait(ctx)
	results := make([]FetchResult, 0, len(ids))
	for _, id := range ids {
		msg, settled := outcomes[id]
		switch {
		case !settled:
			results = append(results, FetchResult{ID: string(id), Status: statusCanceled})
		case msg != "":
			results = append(results, FetchResult{ID: string(id), Status: statusFailed, Error: msg})
		default:
			frame, err := cachedFrame(ctx, s, id)
			if err != nil {
				results = append(results, errorResult(id, err))
				continue
			}
			results = append(results, loadedResult(frame))
		}
	}
	return results, nil
}

// fetchDirect loads each id without scheduling or caching.
func fetchDirect(ctx context.Context, s *session, ids []types.Identifier, opts types.LoadOptions) []FetchResult {
	results := make([]FetchResult, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			frame, err := s.coord.Load(ctx, id, opts)
			if err != nil {
				results[i] = errorResult(id, err)
				return
			}
			s.meta.AddImagePlane(frame.ID, frame.Geometry)
			results[i] = loadedResult(frame)
		}()
	}
	wg.Wait()
	return results
}

func cachedFrame(ctx context.Context, s *session, id types.Identifier) (*types.Frame, error) {
	entry, ok := s.cache.Get(id)
	if !ok {
		return nil, fmt.Errorf("frame %s evicted before read", id)
	}
	frame, err := entry.Wait(ctx)
	if err != nil {
		return nil, err
	}
	s.meta.AddImagePlane(frame.ID, frame.Geometry)
	return frame, nil
}

func deriveFrames(s *session, results []FetchResult, buffer types.BufferType) []FetchResult {
	var derived []FetchResult
	for _, res := range results {
		if res.Status != statusLoaded || res.Derived {
			continue
		}
		frame, err := s.coord.CreateDerivedFrame(types.Identifier(res.ID), types.DerivedOptions{TargetBuffer: buffer})
		if err != nil {
			derived = append(derived, errorResult(types.Identifier(res.ID), err))
			continue
		}
		derived = append(derived, loadedResult(frame))
	}
	return derived
}

func writeFrames(path string, s *session, results []FetchResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w := codec.NewStreamWriter(f)
	for _, res := range results {
		if res.Status != statusLoaded {
			continue
		}
		entry, ok := s.cache.Get(types.Identifier(res.ID))
		if !ok || !entry.Resolved() {
			continue
		}
		if err := w.WriteFrame(entry.Frame); err != nil {
			return err
		}
	}
	return f.Close()
}

func writeMetrics(path string, m *metrics.Collector) error {
	reg := prometheus.NewRegistry()
	if _, err := metrics.Export(reg, m); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, reg)
}

func loadedResult(frame *types.Frame) FetchResult {
	sum := frame.Summary()
	return FetchResult{
		ID:         sum.ID,
		Status:     statusLoaded,
		Rows:       sum.Rows,
		Columns:    sum.Columns,
		BufferType: sum.BufferType,
		Bytes:      sum.Bytes,
		Derived:    sum.Derived,
	}
}

func errorResult(id types.Identifier, err error) FetchResult {
	if types.IsCanceled(err) {
		return FetchResult{ID: string(id), Status: statusCanceled}
	}
	return FetchResult{ID: string(id), Status: statusFailed, Error: err.Error()}
}

func resultsExitCode(results []FetchResult) int {
	code := exitSuccess
	for _, res := range results {
		switch res.Status {
		case statusFailed:
			return exitFetchFailed
		case statusCanceled:
			code = exitCanceled
		}
	}
	return code
}

func uniqueIDs(args []string) []types.Identifier {
	seen := make(map[string]struct{}, len(args))
	var ids []types.Identifier
	for _, a := range args {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		ids = append(ids, types.Identifier(a))
	}
	return ids
}

// outcomeWaiter tracks terminal events for a fixed set of ids.
// An empty message means loaded.
type outcomeWaiter struct {
	mu       sync.Mutex
	pending  map[types.Identifier]struct{}
	outcomes map[types.Identifier]string
	done     chan struct{}
}

func newOutcomeWaiter(ids []types.Identifier) *outcomeWaiter {
	w := &outcomeWaiter{
		pending:  make(map[types.Identifier]struct{}, len(ids)),
		outcomes: make(map[types.Identifier]string, len(ids)),
		done:     make(chan struct{}),
	}
	for _, id := range ids {
		w.pending[id] = struct{}{}
	}
	if len(ids) == 0 {
		close(w.done)
	}
	return w
}

func (w *outcomeWaiter) observe(e types.Event) {
	msg := e.Error
	if e.Type == types.EventTypeFrameLoadFailed && msg == "" {
		msg = "load failed"
	}
	w.settle(e.FrameID, msg)
}

func (w *outcomeWaiter) settle(id types.Identifier, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[id]; !ok {
		return
	}
	delete(w.pending, id)
	w.outcomes[id] = msg
	if len(w.pending) == 0 {
		close(w.done)
	}
}

// wait blocks until every id settles or ctx ends, and returns a copy of
// the settled outcomes.
func (w *outcomeWaiter) wait(ctx context.Context) map[types.Identifier]string {
	select {
	case <-w.done:
	case <-ctx.Done():
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[types.Identifier]string, len(w.outcomes))
	for id, msg := range w.outcomes {
		out[id] = msg
	}
	return out
}
