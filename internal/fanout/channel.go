package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensafety/kestrel/internal/domain"
)

// ChannelFanout implements domain.EventFanout using Go channels.
// Used as the Community tier fanout.
//
// Each subscriber owns a buffered channel drained by a single goroutine,
// which preserves per-topic delivery order from one publisher. A full
// buffer drops the event for that subscriber instead of blocking the
// publisher.
type ChannelFanout struct {
	mu            sync.RWMutex
	bufferSize    int
	byTopic       map[string][]*channelSubscription
	all           []*channelSubscription // every connected subscriber
	closed        bool
}

type channelSubscription struct {
	id      string
	topic   string
	handler domain.EventHandler
	evCh    chan *domain.Event
	ctx     context.Context
	cancel  context.CancelFunc
	hub     *ChannelFanout
}

// NewChannelFanout creates a new channel-based fanout.
func NewChannelFanout(bufferSize int) *ChannelFanout {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelFanout{
		bufferSize: bufferSize,
		byTopic:    make(map[string][]*channelSubscription),
	}
}

// Publish delivers an event to the topic's subscribers. Publishing to
// domain.TopicAll reaches every connected subscriber regardless of its
// subscription. Zero subscribers is a silent no-op.
func (f *ChannelFanout) Publish(ctx context.Context, topic string, ev *domain.Event) error {
	if topic == "" {
		return fmt.Errorf("%w: topic is required", domain.ErrInvalidInput)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return fmt.Errorf("fanout is closed")
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var targets []*channelSubscription
	if topic == domain.TopicAll {
		targets = f.all
	} else {
		targets = f.byTopic[topic]
	}

	// Deliver under the read lock so concurrent Unsubscribe cannot
	// shift the slice mid-iteration. Sends are best-effort: a slow
	// subscriber drops, never blocks the publisher, so holding the
	// lock here cannot stall.
	for _, sub := range targets {
		select {
		case sub.evCh <- ev:
		default:
		}
	}

	return nil
}

// Subscribe registers a handler for a topic.
func (f *ChannelFanout) Subscribe(ctx context.Context, topic string, handler domain.EventHandler) (domain.Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", domain.ErrInvalidInput)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, fmt.Errorf("fanout is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)

	sub := &channelSubscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		evCh:    make(chan *domain.Event, f.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		hub:     f,
	}

	go sub.drain()

	f.byTopic[topic] = append(f.byTopic[topic], sub)
	f.all = append(f.all, sub)

	return sub, nil
}

// drain delivers buffered events to the handler in order.
func (s *channelSubscription) drain() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.evCh:
			if ev != nil {
				_ = s.handler(s.ctx, ev)
			}
		}
	}
}

// Ping checks fanout health.
func (f *ChannelFanout) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return fmt.Errorf("fanout is closed")
	}
	return nil
}

// SubscriberCount returns the number of connected subscribers.
func (f *ChannelFanout) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.all)
}

// Close closes the fanout and cancels all subscriptions.
func (f *ChannelFanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	for _, sub := range f.all {
		sub.cancel()
	}
	f.byTopic = make(map[string][]*channelSubscription)
	f.all = nil
	return nil
}

func (f *ChannelFanout) remove(sub *channelSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs := f.byTopic[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			f.byTopic[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(f.byTopic[sub.topic]) == 0 {
		delete(f.byTopic, sub.topic)
	}
	for i, s := range f.all {
		if s.id == sub.id {
			f.all = append(f.all[:i], f.all[i+1:]...)
			break
		}
	}
}

// Unsubscribe stops delivery and detaches the subscriber.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.hub.remove(s)
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
