package cancellation

import (
	"context"
	"testing"
	"time"

	"github.com/justapithecus/framefetch/cache"
	"github.com/justapithecus/framefetch/imageloader"
	"github.com/justapithecus/framefetch/loader"
	"github.com/justapithecus/framefetch/scheduler"
	"github.com/justapithecus/framefetch/types"
)

func TestCancel_WithCoordinator(t *testing.T) {
	reg := loader.NewRegistry()
	reg.Register("slow", func(ctx context.Context, id types.Identifier, _ types.LoadOptions) *loader.Task {
		return blockingTask(ctx)
	})
	store := cache.NewMemory()
	pool := scheduler.NewPool(scheduler.PoolConfig{})

	coord, err := imageloader.New(imageloader.Config{Registry: reg, Cache: store, Scheduler: pool})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer coord.Close()

	// One queued request that never starts, one in-flight fetch.
	if err := coord.Schedule([]types.LoadRequest{{ID: "slow:queued", Class: types.ClassPrefetch}}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := coord.LoadAndCache(t.Context(), "slow:running", types.LoadOptions{})
		errCh <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := coord.Inflight("slow:running"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("fetch never started")
		}
		time.Sleep(2 * time.Millisecond)
	}

	c := New(pool, coord, nil, nil)
	res := c.CancelAll()
	if res.Dequeued != 1 || !res.HookInvoked {
		t.Errorf("unexpected result %+v", res)
	}

	select {
	case err := <-errCh:
		if !types.IsCanceled(err) {
			t.Errorf("expected ErrCanceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("canceled load never returned")
	}

	if store.Has("slow:running") {
		t.Error("canceled fetch must not populate the cache")
	}
	if len(pool.GetRequestPool()) != 0 {
		t.Error("scheduler should hold no queued requests")
	}
}
