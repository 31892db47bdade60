package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/justapithecus/framefetch/events"
	"github.com/justapithecus/framefetch/types"
)

func testEvent() *types.Event {
	e := types.NewFrameLoaded("lode:volumes/ct-1/slice-0004")
	return &e
}

// asyncReceive starts a goroutine that reads one message from the subscriber
// and sends it to the returned channel. Must be called BEFORE Forward to avoid
// deadlocking miniredis's synchronous pub/sub delivery.
func asyncReceive(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{} // unreachable
	}
}

func TestForward_Success(t *testing.T) {
	mr := miniredis.RunT(t)

	f, err := New(Config{URL: "redis://" + mr.Addr(), Retries: 0})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = f.Close() }()

	sub := mr.NewSubscriber()
	sub.Subscribe(DefaultChannel)
	ch := asyncReceive(sub)

	if err := f.Forward(t.Context(), testEvent()); err != nil {
		t.Fatalf("forward: %v", err)
	}

	msg := waitMessage(t, ch)

	var received types.Event
	if err := json.Unmarshal([]byte(msg.Message), &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if received.Type != types.EventTypeFrameLoaded {
		t.Errorf("expected frame_loaded, got %s", received.Type)
	}
	if received.FrameID != "lode:volumes/ct-1/slice-0004" {
		t.Errorf("unexpected frame id %s", received.FrameID)
	}
}

func TestForward_CustomChannel(t *testing.T) {
	mr := miniredis.RunT(t)

	customChannel := "viewer:notifications"
	f, err := New(Config{URL: "redis://" + mr.Addr(), Channel: customChannel})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = f.Close() }()

	sub := mr.NewSubscriber()
	sub.Subscribe(customChannel)
	ch := asyncReceive(sub)

	if err := f.Forward(t.Context(), testEvent()); err != nil {
		t.Fatalf("forward: %v", err)
	}

	msg := waitMessage(t, ch)
	if msg.Channel != customChannel {
		t.Errorf("expected channel %q, got %q", customChannel, msg.Channel)
	}
}

func TestForward_ChannelPerType(t *testing.T) {
	mr := miniredis.RunT(t)

	f, err := New(Config{URL: "redis://" + mr.Addr(), Channel: "viewer", ChannelPerType: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = f.Close() }()

	for _, tt := range []struct {
		event types.Event
		want  string
	}{
		{types.NewFrameLoaded("lode:a"), "viewer:frame_loaded"},
		{types.NewFrameLoadFailed("lode:b", nil), "viewer:frame_load_failed"},
		{types.NewTimePointChanged("vol-1", 1, 4, "temporalPosition"), "viewer:time_point_changed"},
	} {
		if got := f.Channel(tt.event.Type); got != tt.want {
			t.Errorf("Channel(%s) = %q, want %q", tt.event.Type, got, tt.want)
		}

		sub := mr.NewSubscriber()
		sub.Subscribe(tt.want)
		ch := asyncReceive(sub)
		if err := f.Forward(t.Context(), &tt.event); err != nil {
			t.Fatalf("forward %s: %v", tt.event.Type, err)
		}
		msg := waitMessage(t, ch)
		if msg.Channel != tt.want {
			t.Errorf("published to %q, want %q", msg.Channel, tt.want)
		}
	}
}

func TestForward_TypeFilter(t *testing.T) {
	mr := miniredis.RunT(t)

	f, err := New(Config{
		URL:   "redis://" + mr.Addr(),
		Types: []types.EventType{types.EventTypeFrameLoadFailed},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = f.Close() }()

	sub := mr.NewSubscriber()
	sub.Subscribe(DefaultChannel)
	ch := asyncReceive(sub)

	skipped := types.NewTimePointChanged("vol-1", 2, 4, "temporalPosition")
	if err := f.Forward(t.Context(), &skipped); err != nil {
		t.Fatalf("filtered forward: %v", err)
	}
	failed := types.NewFrameLoadFailed("lode:a", errors.New("boom"))
	if err := f.Forward(t.Context(), &failed); err != nil {
		t.Fatalf("forward: %v", err)
	}

	var received types.Event
	if err := json.Unmarshal([]byte(waitMessage(t, ch).Message), &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if received.Type != types.EventTypeFrameLoadFailed {
		t.Errorf("first delivered event = %s, want frame_load_failed", received.Type)
	}
}

func TestForward_ThroughRelay(t *testing.T) {
	mr := miniredis.RunT(t)

	f, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	sub := mr.NewSubscriber()
	sub.Subscribe(DefaultChannel)
	ch := asyncReceive(sub)

	bus := events.NewBus(nil)
	relay := events.NewRelay(bus, f, 8, time.Second, nil)
	bus.Publish(types.NewTimePointChanged("vol-1", 3, 10, "temporalPosition"))

	msg := waitMessage(t, ch)
	if err := relay.Close(); err != nil {
		t.Fatalf("close relay: %v", err)
	}

	var received types.Event
	if err := json.Unmarshal([]byte(msg.Message), &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if received.TimePointIndex != 3 || received.GroupCount != 10 {
		t.Errorf("unexpected time point payload: %+v", received)
	}
}

func TestForward_ExhaustsRetries(t *testing.T) {
	// Use an address that won't connect
	f, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 2, Timeout: 100 * time.Millisecond, Backoff: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = f.Close() }()

	if err := f.Forward(t.Context(), testEvent()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestForward_ContextCanceled(t *testing.T) {
	f, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 5, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = f.Close() }()

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	if err := f.Forward(ctx, testEvent()); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestNew_InvalidURL(t *testing.T) {
	if _, err := New(Config{URL: "not-a-redis-url"}); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestNew_RejectsNegativeRetries(t *testing.T) {
	if _, err := New(Config{URL: "redis://localhost:6379", Retries: -1}); err == nil {
		t.Fatal("expected error for negative retries")
	}
}

func TestNew_DefaultsApplied(t *testing.T) {
	mr := miniredis.RunT(t)

	f, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = f.Close() }()

	if f.config.Channel != DefaultChannel {
		t.Errorf("expected default channel %q, got %q", DefaultChannel, f.config.Channel)
	}
	if f.config.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultTimeout, f.config.Timeout)
	}
}
