package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensafety/kestrel/internal/domain"
)

func scoreEvent(touristID string, current int) *domain.Event {
	return &domain.Event{
		Kind:      domain.EventScoreChanged,
		Timestamp: time.Now().UTC(),
		Score: &domain.ScoreChangeEvent{
			TouristID: touristID,
			Previous:  100,
			Current:   current,
			Reason:    "sweep",
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for delivery")
}

func TestChannelFanout(t *testing.T) {
	hub := NewChannelFanout(100)
	defer hub.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var received atomic.Int32
		var mu sync.Mutex
		var last *domain.Event

		_, err := hub.Subscribe(ctx, domain.TopicTourist("T1"), func(ctx context.Context, ev *domain.Event) error {
			mu.Lock()
			last = ev
			mu.Unlock()
			received.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := hub.Publish(ctx, domain.TopicTourist("T1"), scoreEvent("T1", 75)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, func() bool { return received.Load() == 1 })

		mu.Lock()
		defer mu.Unlock()
		if last.Kind != domain.EventScoreChanged || last.Score == nil {
			t.Fatalf("unexpected event: %+v", last)
		}
		if last.Score.Current != 75 {
			t.Errorf("score = %d, want 75", last.Score.Current)
		}
		if last.ID == "" || last.Timestamp.IsZero() {
			t.Error("event ID/timestamp not stamped")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var t1Count, t2Count atomic.Int32

		hub.Subscribe(ctx, domain.TopicTourist("iso-1"), func(ctx context.Context, ev *domain.Event) error {
			t1Count.Add(1)
			return nil
		})
		hub.Subscribe(ctx, domain.TopicTourist("iso-2"), func(ctx context.Context, ev *domain.Event) error {
			t2Count.Add(1)
			return nil
		})

		hub.Publish(ctx, domain.TopicTourist("iso-1"), scoreEvent("iso-1", 80))
		waitFor(t, func() bool { return t1Count.Load() == 1 })

		time.Sleep(20 * time.Millisecond)
		if t2Count.Load() != 0 {
			t.Errorf("scoped publish leaked to another topic: %d deliveries", t2Count.Load())
		}
	})

	t.Run("AllTopicBroadcast", func(t *testing.T) {
		var scoped, admin, all atomic.Int32

		hub.Subscribe(ctx, domain.TopicTourist("bcast"), func(ctx context.Context, ev *domain.Event) error {
			scoped.Add(1)
			return nil
		})
		hub.Subscribe(ctx, domain.TopicAdmin, func(ctx context.Context, ev *domain.Event) error {
			admin.Add(1)
			return nil
		})
		hub.Subscribe(ctx, domain.TopicAll, func(ctx context.Context, ev *domain.Event) error {
			all.Add(1)
			return nil
		})

		// "all" reaches every connected subscriber regardless of topic.
		hub.Publish(ctx, domain.TopicAll, scoreEvent("bcast", 60))
		waitFor(t, func() bool {
			return scoped.Load() >= 1 && admin.Load() >= 1 && all.Load() >= 1
		})
	})

	t.Run("ZeroSubscribersIsNoop", func(t *testing.T) {
		if err := hub.Publish(ctx, "nobody:listening", scoreEvent("x", 1)); err != nil {
			t.Errorf("publish with zero subscribers errored: %v", err)
		}
	})

	t.Run("OrderingWithinTopic", func(t *testing.T) {
		var mu sync.Mutex
		var got []int

		hub.Subscribe(ctx, domain.TopicTourist("ordered"), func(ctx context.Context, ev *domain.Event) error {
			mu.Lock()
			got = append(got, ev.Score.Current)
			mu.Unlock()
			return nil
		})

		for i := 0; i < 50; i++ {
			hub.Publish(ctx, domain.TopicTourist("ordered"), scoreEvent("ordered", i))
		}

		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 50
		})

		mu.Lock()
		defer mu.Unlock()
		for i, v := range got {
			if v != i {
				t.Fatalf("delivery out of order at %d: got %d", i, v)
			}
		}
	})

	t.Run("SlowSubscriberDoesNotBlockPublisher", func(t *testing.T) {
		slow := NewChannelFanout(1)
		defer slow.Close()

		block := make(chan struct{})
		slow.Subscribe(ctx, "slow", func(ctx context.Context, ev *domain.Event) error {
			<-block
			return nil
		})

		done := make(chan struct{})
		go func() {
			for i := 0; i < 100; i++ {
				slow.Publish(ctx, "slow", scoreEvent("s", i))
			}
			close(done)
		}()

		select {
		case <-done:
			// Publisher completed despite the stuck subscriber.
		case <-time.After(time.Second):
			t.Fatal("publisher blocked by slow subscriber")
		}
		close(block)
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		sub, _ := hub.Subscribe(ctx, "unsub", func(ctx context.Context, ev *domain.Event) error {
			count.Add(1)
			return nil
		})

		hub.Publish(ctx, "unsub", scoreEvent("u", 1))
		waitFor(t, func() bool { return count.Load() == 1 })

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}
		before := hub.SubscriberCount()

		hub.Publish(ctx, "unsub", scoreEvent("u", 2))
		time.Sleep(20 * time.Millisecond)
		if count.Load() != 1 {
			t.Error("event delivered after unsubscribe")
		}
		if hub.SubscriberCount() != before {
			t.Error("subscriber count changed by publish")
		}
	})
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	hub := NewChannelFanout(10)
	defer hub.Close()
	ctx := context.Background()

	// Publishing must iterate a stable view of the subscriber list
	// while disconnects compact it; run under -race.
	subs := make([]domain.Subscription, 0, 50)
	for i := 0; i < 50; i++ {
		sub, err := hub.Subscribe(ctx, "churn", func(ctx context.Context, ev *domain.Event) error {
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		subs = append(subs, sub)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			hub.Publish(ctx, "churn", scoreEvent("c", i))
		}
	}()
	go func() {
		defer wg.Done()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()
	wg.Wait()

	if n := hub.SubscriberCount(); n != 0 {
		t.Errorf("subscribers left after full unsubscribe: %d", n)
	}
	if err := hub.Publish(ctx, "churn", scoreEvent("c", 0)); err != nil {
		t.Errorf("publish to emptied topic errored: %v", err)
	}
}

func TestChannelFanoutClose(t *testing.T) {
	hub := NewChannelFanout(10)
	ctx := context.Background()

	hub.Subscribe(ctx, "x", func(ctx context.Context, ev *domain.Event) error { return nil })

	if err := hub.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := hub.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if err := hub.Publish(ctx, "x", scoreEvent("x", 1)); err == nil {
		t.Error("publish after close should fail")
	}
	if _, err := hub.Subscribe(ctx, "x", nil); err == nil {
		t.Error("subscribe after close should fail")
	}
	if err := hub.Ping(ctx); err == nil {
		t.Error("ping after close should fail")
	}
}
