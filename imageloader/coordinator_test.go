package imageloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/justapithecus/framefetch/cache"
	"github.com/justapithecus/framefetch/events"
	"github.com/justapithecus/framefetch/loader"
	"github.com/justapithecus/framefetch/metadata"
	"github.com/justapithecus/framefetch/metrics"
	"github.com/justapithecus/framefetch/scheduler"
	"github.com/justapithecus/framefetch/streaming"
	"github.com/justapithecus/framefetch/types"
)

var testGeometry = types.Geometry{Rows: 4, Columns: 3, RowSpacing: 0.5, ColumnSpacing: 0.5}

// gatedLoader counts fetch invocations and blocks each fetch until release.
type gatedLoader struct {
	calls   atomic.Int64
	release chan struct{}
	fail    map[types.Identifier]error
}

func newGatedLoader() *gatedLoader {
	return &gatedLoader{release: make(chan struct{}), fail: map[types.Identifier]error{}}
}

func (g *gatedLoader) fetch(ctx context.Context, id types.Identifier, _ types.LoadOptions) *loader.Task {
	g.calls.Add(1)
	return loader.Start(ctx, func(ctx context.Context) (*types.Frame, error) {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err, ok := g.fail[id]; ok {
			return nil, err
		}
		return &types.Frame{
			ID:         id,
			Geometry:   testGeometry,
			BufferType: types.BufferUint8,
			Payload:    make([]byte, testGeometry.PixelCount()),
		}, nil
	})
}

type harness struct {
	coord    *Coordinator
	cache    *cache.Memory
	loader   *gatedLoader
	bus      *events.Bus
	metrics  *metrics.Collector
	recorded *recorder
}

type recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recorder) handle(e types.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(t types.EventType) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()

	gl := newGatedLoader()
	reg := loader.NewRegistry()
	reg.Register("test", gl.fetch)

	store := cache.NewMemory()
	bus := events.NewBus(nil)
	rec := &recorder{}
	bus.SubscribeAll(rec.handle)
	m := metrics.NewCollector("test", "memory")

	cfg := Config{
		Registry: reg,
		Cache:    store,
		Events:   bus,
		Metrics:  m,
	}
	for _, o := range opts {
		o(&cfg)
	}

	coord, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(coord.Close)

	return &harness{coord: coord, cache: store, loader: gl, bus: bus, metrics: m, recorded: rec}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{Cache: cache.NewMemory()}); err == nil {
		t.Error("expected error without registry")
	}
	if _, err := New(Config{Registry: loader.NewRegistry()}); err == nil {
		t.Error("expected error without cache")
	}
}

func TestLoadAndCache_DedupConcurrent(t *testing.T) {
	h := newHarness(t)
	id := types.Identifier("test:frame-1")

	var wg sync.WaitGroup
	results := make([]*types.Frame, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.coord.LoadAndCache(t.Context(), id, types.LoadOptions{})
		}()
	}

	// Wait until the pending entry is registered before releasing.
	waitFor(t, func() bool { return h.cache.Has(id) })
	waitFor(t, func() bool { return h.metrics.Snapshot().DedupAttached == 1 })
	close(h.loader.release)
	wg.Wait()

	if got := h.loader.calls.Load(); got != 1 {
		t.Errorf("fetch invoked %d times, want 1", got)
	}
	for i := range 2 {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
	}
	if results[0] != results[1] {
		t.Error("callers received different frames")
	}

	entry, ok := h.cache.Get(id)
	if !ok || !entry.Resolved() || entry.Frame != results[0] {
		t.Error("cache should hold the resolved frame")
	}
	if n := len(h.recorded.ofType(types.EventTypeFrameLoaded)); n != 1 {
		t.Errorf("FrameLoaded emitted %d times, want 1", n)
	}
}

func TestLoadAndCache_CacheHit(t *testing.T) {
	h := newHarness(t)
	close(h.loader.release)
	id := types.Identifier("test:frame-1")

	first, err := h.coord.LoadAndCache(t.Context(), id, types.LoadOptions{})
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := h.coord.LoadAndCache(t.Context(), id, types.LoadOptions{})
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first != second {
		t.Error("expected the cached frame")
	}
	if got := h.loader.calls.Load(); got != 1 {
		t.Errorf("fetch invoked %d times, want 1", got)
	}
	if got := h.metrics.Snapshot().CacheHits; got != 1 {
		t.Errorf("CacheHits = %d, want 1", got)
	}
}

func TestLoadAndCache_FailureNotCached(t *testing.T) {
	h := newHarness(t)
	id := types.Identifier("test:broken")
	cause := errors.New("decode error")
	h.loader.fail[id] = cause
	close(h.loader.release)

	_, err := h.coord.LoadAndCache(t.Context(), id, types.LoadOptions{})
	if !errors.Is(err, types.ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause in chain, got %v", err)
	}
	var fe *types.FetchError
	if !errors.As(err, &fe) || fe.ID != id {
		t.Errorf("expected FetchError for %s, got %v", id, err)
	}
	if h.cache.Has(id) {
		t.Error("failed fetch must not be cached")
	}
	if len(h.coord.InflightIDs()) != 0 {
		t.Error("in-flight record should be cleared")
	}

	failed := h.recorded.ofType(types.EventTypeFrameLoadFailed)
	if len(failed) != 1 || failed[0].FrameID != id || failed[0].Error != cause.Error() {
		t.Errorf("unexpected FrameLoadFailed events: %+v", failed)
	}
}

func TestLoadAndCache_RetryAfterFailure(t *testing.T) {
	h := newHarness(t)
	id := types.Identifier("test:flaky")
	h.loader.fail[id] = errors.New("transient")
	close(h.loader.release)

	if _, err := h.coord.LoadAndCache(t.Context(), id, types.LoadOptions{}); err == nil {
		t.Fatal("expected first load to fail")
	}
	delete(h.loader.fail, id)
	if _, err := h.coord.LoadAndCache(t.Context(), id, types.LoadOptions{}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := h.loader.calls.Load(); got != 2 {
		t.Errorf("fetch invoked %d times, want 2", got)
	}
}

func TestLoadAndCache_NoLoader(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.LoadAndCache(t.Context(), "nope:1", types.LoadOptions{})
	if !errors.Is(err, types.ErrNoLoaderRegistered) {
		t.Fatalf("expected ErrNoLoaderRegistered, got %v", err)
	}
	if h.cache.Has("nope:1") {
		t.Error("unresolvable identifier must not be cached")
	}
	if n := len(h.recorded.ofType(types.EventTypeFrameLoadFailed)); n != 0 {
		t.Errorf("no event expected, got %d", n)
	}
}

func TestLoadAndCache_IgnoreCache(t *testing.T) {
	h := newHarness(t)
	close(h.loader.release)
	id := types.Identifier("test:frame-1")

	frame, err := h.coord.LoadAndCache(t.Context(), id, types.LoadOptions{IgnoreCache: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if frame == nil {
		t.Fatal("expected frame")
	}
	if h.cache.Has(id) {
		t.Error("IgnoreCache must not populate the cache")
	}
}

func TestLoadAndCache_CanceledNeverCached(t *testing.T) {
	h := newHarness(t)
	id := types.Identifier("test:slow")

	errCh := make(chan error, 1)
	go func() {
		_, err := h.coord.LoadAndCache(t.Context(), id, types.LoadOptions{})
		errCh <- err
	}()

	waitFor(t, func() bool { _, ok := h.coord.Inflight(id); return ok })
	task, _ := h.coord.Inflight(id)
	if !task.Cancel() {
		t.Fatal("expected cancel hook to run")
	}

	select {
	case err := <-errCh:
		if !types.IsCanceled(err) {
			t.Errorf("expected ErrCanceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for canceled load")
	}

	if h.cache.Has(id) {
		t.Error("canceled fetch must not populate the cache")
	}
	if n := len(h.recorded.ofType(types.EventTypeFrameLoadFailed)); n != 0 {
		t.Errorf("cancellation must not emit FrameLoadFailed, got %d", n)
	}
}

func TestLoadAndCache_CallerContextBoundsWaitOnly(t *testing.T) {
	h := newHarness(t)
	id := types.Identifier("test:frame-1")

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.coord.LoadAndCache(ctx, id, types.LoadOptions{})
		errCh <- err
	}()
	waitFor(t, func() bool { return h.cache.Has(id) })
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(h.loader.release)
	frame, err := h.coord.LoadAndCache(t.Context(), id, types.LoadOptions{})
	if err != nil || frame == nil {
		t.Fatalf("fetch should still complete: %v", err)
	}
	if got := h.loader.calls.Load(); got != 1 {
		t.Errorf("fetch invoked %d times, want 1", got)
	}
}

func TestLoad_BypassesCache(t *testing.T) {
	h := newHarness(t)
	close(h.loader.release)
	id := types.Identifier("test:frame-1")

	if _, err := h.coord.Load(t.Context(), id, types.LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := h.coord.Load(t.Context(), id, types.LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if h.cache.Has(id) {
		t.Error("Load must not touch the cache")
	}
	if got := h.loader.calls.Load(); got != 2 {
		t.Errorf("fetch invoked %d times, want 2", got)
	}
	if n := len(h.recorded.ofType(types.EventTypeFrameLoaded)); n != 2 {
		t.Errorf("FrameLoaded emitted %d times, want 2", n)
	}
}

func TestLoad_Failure(t *testing.T) {
	h := newHarness(t)
	id := types.Identifier("test:broken")
	h.loader.fail[id] = errors.New("boom")
	close(h.loader.release)

	_, err := h.coord.Load(t.Context(), id, types.LoadOptions{})
	if !errors.Is(err, types.ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if n := len(h.recorded.ofType(types.EventTypeFrameLoadFailed)); n != 1 {
		t.Errorf("FrameLoadFailed emitted %d times, want 1", n)
	}
}

func TestLoadAndCacheMany_PartialFailure(t *testing.T) {
	h := newHarness(t)
	bad := types.Identifier("test:bad")
	h.loader.fail[bad] = errors.New("corrupt")
	close(h.loader.release)

	ids := []types.Identifier{"test:a", bad, "test:b"}
	frames, err := h.coord.LoadAndCacheMany(t.Context(), ids, types.LoadOptions{})
	if !errors.Is(err, types.ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if frames[0] == nil || frames[2] == nil {
		t.Error("siblings should complete")
	}
	if frames[1] != nil {
		t.Error("failed slot should be nil")
	}
	if !h.cache.Has("test:a") || !h.cache.Has("test:b") {
		t.Error("siblings should populate the cache")
	}
	if h.cache.Has(bad) {
		t.Error("failed frame must not be cached")
	}
}

func TestCreateDerivedFrame_Independent(t *testing.T) {
	h := newHarness(t)
	close(h.loader.release)
	source := types.Identifier("test:source")

	src, err := h.coord.LoadAndCache(t.Context(), source, types.LoadOptions{})
	if err != nil {
		t.Fatalf("load source: %v", err)
	}

	derived, err := h.coord.CreateDerivedFrame(source, types.DerivedOptions{TargetBuffer: types.BufferUint8})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	if derived.Geometry.Rows != src.Geometry.Rows || derived.Geometry.Columns != src.Geometry.Columns {
		t.Errorf("geometry mismatch: %+v vs %+v", derived.Geometry, src.Geometry)
	}
	if !derived.ID.IsDerived() || derived.ID == source {
		t.Errorf("unexpected derived id %q", derived.ID)
	}
	if len(derived.Payload) != testGeometry.PixelCount() {
		t.Errorf("payload len = %d, want %d", len(derived.Payload), testGeometry.PixelCount())
	}

	derived.Payload[0] = 0xFF
	if src.Payload[0] == 0xFF {
		t.Error("derived payload shares storage with source")
	}

	entry, ok := h.cache.Get(derived.ID)
	if !ok || entry.Frame != derived {
		t.Error("derived frame should be cached synchronously")
	}
	if derived.SourceID != source || !derived.Derived {
		t.Errorf("unexpected provenance: %+v", derived)
	}
}

func TestCreateDerivedFrame_FromMetadata(t *testing.T) {
	md := metadata.NewMemory()
	md.AddImagePlane("test:remote", types.Geometry{Rows: 2, Columns: 2})
	h := newHarness(t, func(c *Config) { c.Metadata = md })

	frame, err := h.coord.CreateDerivedFrame("test:remote", types.DerivedOptions{})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if frame.BufferType != types.BufferFloat32 {
		t.Errorf("default buffer = %s, want float32", frame.BufferType)
	}
	if len(frame.Payload) != 2*2*4 {
		t.Errorf("payload len = %d, want 16", len(frame.Payload))
	}
	for _, b := range frame.Payload {
		if b != 0 {
			t.Fatal("payload should be zero-filled")
		}
	}
}

func TestCreateDerivedFrame_SkipBufferCreate(t *testing.T) {
	md := metadata.NewMemory()
	md.AddImagePlane("test:remote", types.Geometry{Rows: 512, Columns: 512})
	h := newHarness(t, func(c *Config) { c.Metadata = md })

	frame, err := h.coord.CreateDerivedFrame("test:remote", types.DerivedOptions{
		TargetBuffer:     types.BufferUint16,
		SkipBufferCreate: true,
	})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(frame.Payload) != 2 {
		t.Errorf("placeholder len = %d, want 2", len(frame.Payload))
	}
}

func TestCreateDerivedFrame_MissingMetadata(t *testing.T) {
	h := newHarness(t)
	before := h.cache.Len()

	_, err := h.coord.CreateDerivedFrame("test:unknown", types.DerivedOptions{})
	if !errors.Is(err, types.ErrSourceMetadataMissing) {
		t.Fatalf("expected ErrSourceMetadataMissing, got %v", err)
	}
	if h.cache.Len() != before {
		t.Error("no partial derived frame should be cached")
	}
}

func TestCreateDerivedFrames_Naming(t *testing.T) {
	md := metadata.NewMemory()
	md.AddImagePlane("test:a", testGeometry)
	md.AddImagePlane("test:b", testGeometry)
	h := newHarness(t, func(c *Config) { c.Metadata = md })

	sources := []types.Identifier{"test:a", "test:missing", "test:b"}
	frames, err := h.coord.CreateDerivedFrames(sources, types.DerivedOptions{}, func(i int, src types.Identifier) types.Identifier {
		if i == 2 {
			return "derived:mask-b"
		}
		return ""
	})
	if !errors.Is(err, types.ErrSourceMetadataMissing) {
		t.Fatalf("expected first failure, got %v", err)
	}
	if frames[0] == nil || frames[1] != nil || frames[2] == nil {
		t.Fatalf("unexpected slots: %v", frames)
	}
	if frames[2].ID != "derived:mask-b" {
		t.Errorf("named id = %q", frames[2].ID)
	}
	if frames[0].ID == frames[2].ID {
		t.Error("derived identifiers must be distinct")
	}
}

func TestSchedule_RunsThroughCache(t *testing.T) {
	pool := scheduler.NewPool(scheduler.PoolConfig{})
	h := newHarness(t, func(c *Config) { c.Scheduler = pool })
	close(h.loader.release)

	reqs := []types.LoadRequest{
		{ID: "test:a", Class: types.ClassPrefetch},
		{ID: "test:a", Class: types.ClassPrefetch},
		{ID: "test:b", Class: types.ClassInteractive},
	}
	if err := h.coord.Schedule(reqs); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := pool.Pending(); got != 3 {
		t.Fatalf("Pending() = %d, want 3", got)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, func() bool {
		a, okA := h.cache.Get("test:a")
		b, okB := h.cache.Get("test:b")
		return okA && okB && a.Resolved() && b.Resolved()
	})
	waitFor(t, func() bool { return pool.Pending() == 0 && pool.Running() == 0 })
	if got := h.loader.calls.Load(); got != 2 {
		t.Errorf("fetch invoked %d times, want 2", got)
	}

	cancel()
	pool.Wait()
}

func TestSchedule_StreamedVolumeDispatchesInRingOrder(t *testing.T) {
	var mu sync.Mutex
	var fetched []types.Identifier
	reg := loader.NewRegistry()
	reg.Register("vol", func(_ context.Context, id types.Identifier, _ types.LoadOptions) *loader.Task {
		mu.Lock()
		fetched = append(fetched, id)
		mu.Unlock()
		return loader.Resolved(&types.Frame{ID: id, Geometry: testGeometry, BufferType: types.BufferUint8})
	})

	pool := scheduler.NewPool(scheduler.PoolConfig{
		MaxConcurrent: map[types.RequestClass]int{types.ClassPrefetch: 1},
	})
	h := newHarness(t, func(c *Config) {
		c.Registry = reg
		c.Scheduler = pool
	})

	groups := make([][]types.Identifier, 5)
	for g := range groups {
		for f := range 2 {
			groups[g] = append(groups[g], types.Identifier(fmt.Sprintf("vol:%d-%d", g, f)))
		}
	}
	s, err := streaming.New(streaming.Config{Groups: groups, InitialIndex: 2, Scheduler: h.coord})
	if err != nil {
		t.Fatalf("streamer: %v", err)
	}
	if err := s.Prefetch(0); err != nil {
		t.Fatalf("prefetch: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	want := s.BuildLoadOrder()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fetched) == len(want)
	})

	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if fetched[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", fetched, want)
		}
	}

	cancel()
	pool.Wait()
}

func TestSchedule_NoScheduler(t *testing.T) {
	h := newHarness(t)
	if err := h.coord.Schedule([]types.LoadRequest{{ID: "test:a"}}); err == nil {
		t.Error("expected error without scheduler")
	}
}

func TestRemoveFrame(t *testing.T) {
	h := newHarness(t)
	close(h.loader.release)
	id := types.Identifier("test:frame-1")

	if _, err := h.coord.LoadAndCache(t.Context(), id, types.LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if h.coord.FrameCount() != 1 {
		t.Errorf("FrameCount() = %d, want 1", h.coord.FrameCount())
	}
	h.coord.RemoveFrame(id)
	if h.cache.Has(id) || h.coord.FrameCount() != 0 {
		t.Error("frame should be evicted")
	}
}

func TestLoadAndCache_ReadmitsEvictedFetch(t *testing.T) {
	h := newHarness(t)
	id := types.Identifier("test:frame-1")

	type result struct {
		frame *types.Frame
		err   error
	}
	first := make(chan result, 1)
	go func() {
		f, err := h.coord.LoadAndCache(t.Context(), id, types.LoadOptions{})
		first <- result{f, err}
	}()
	waitFor(t, func() bool { _, ok := h.coord.Inflight(id); return ok })

	h.coord.RemoveFrame(id)
	if h.cache.Has(id) {
		t.Fatal("frame should be evicted")
	}

	second := make(chan result, 1)
	go func() {
		f, err := h.coord.LoadAndCache(t.Context(), id, types.LoadOptions{})
		second <- result{f, err}
	}()
	waitFor(t, func() bool { return h.cache.Has(id) })

	close(h.loader.release)
	a, b := <-first, <-second
	if a.err != nil || b.err != nil {
		t.Fatalf("errors: %v, %v", a.err, b.err)
	}
	if a.frame != b.frame {
		t.Error("both callers should observe the same frame")
	}
	if got := h.loader.calls.Load(); got != 1 {
		t.Errorf("fetch invoked %d times, want 1", got)
	}
	waitFor(t, func() bool {
		entry, ok := h.cache.Get(id)
		return ok && entry.Resolved() && entry.Frame == a.frame
	})
}

func TestLoadAndCache_EvictedFetchStaysCancelable(t *testing.T) {
	h := newHarness(t)
	id := types.Identifier("test:frame-1")

	errCh := make(chan error, 1)
	go func() {
		_, err := h.coord.LoadAndCache(t.Context(), id, types.LoadOptions{})
		errCh <- err
	}()
	waitFor(t, func() bool { _, ok := h.coord.Inflight(id); return ok })

	h.coord.RemoveFrame(id)
	task, ok := h.coord.Inflight(id)
	if !ok {
		t.Fatal("evicted fetch should still be reachable")
	}
	task.Cancel()

	if err := <-errCh; !types.IsCanceled(err) {
		t.Errorf("expected canceled, got %v", err)
	}
	waitFor(t, func() bool { return len(h.coord.InflightIDs()) == 0 })
}

func TestLoadAndCache_DoneContextStartsNothing(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := h.coord.LoadAndCache(ctx, "test:frame-1", types.LoadOptions{})
	if !types.IsCanceled(err) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if got := h.loader.calls.Load(); got != 0 {
		t.Errorf("fetch invoked %d times, want 0", got)
	}
	if h.cache.Has("test:frame-1") {
		t.Error("nothing should be cached")
	}
}

func TestCreateDerivedFrames_RejectsIdentifierInUse(t *testing.T) {
	md := metadata.NewMemory()
	md.AddImagePlane("test:a", testGeometry)
	md.AddImagePlane("test:b", testGeometry)
	h := newHarness(t, func(c *Config) { c.Metadata = md })
	pending := types.Identifier("test:pending")

	loaded := make(chan *types.Frame, 1)
	go func() {
		f, _ := h.coord.LoadAndCache(t.Context(), pending, types.LoadOptions{})
		loaded <- f
	}()
	waitFor(t, func() bool { _, ok := h.coord.Inflight(pending); return ok })

	h.coord.RemoveFrame(pending)
	frames, err := h.coord.CreateDerivedFrames([]types.Identifier{"test:a", "test:b"}, types.DerivedOptions{},
		func(i int, _ types.Identifier) types.Identifier {
			if i == 0 {
				return pending
			}
			return ""
		})
	if !errors.Is(err, types.ErrIdentifierInUse) {
		t.Fatalf("expected ErrIdentifierInUse, got %v", err)
	}
	if frames[0] != nil || frames[1] == nil {
		t.Fatalf("unexpected slots: %v", frames)
	}

	_, err = h.coord.CreateDerivedFrame("test:a", types.DerivedOptions{ID: frames[1].ID})
	if !errors.Is(err, types.ErrIdentifierInUse) {
		t.Errorf("cached id: expected ErrIdentifierInUse, got %v", err)
	}

	close(h.loader.release)
	fetched := <-loaded
	if fetched == nil || fetched.Derived {
		t.Fatalf("fetch result replaced: %+v", fetched)
	}
	frame, err := h.coord.LoadAndCache(t.Context(), pending, types.LoadOptions{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if frame.Derived {
		t.Error("derived frame must not shadow the fetched identifier")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
