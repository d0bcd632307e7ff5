package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensafety/kestrel/internal/domain"
)

// NATSFanout implements domain.EventFanout using NATS.
// Used as the Pro tier fanout so several Kestrel nodes share one console
// event stream.
//
// The broadcast rule is implemented on the subscribe side: every
// subscription also listens on the "all" subject, so a publish to
// domain.TopicAll reaches every connected subscriber.
type NATSFanout struct {
	mu            sync.RWMutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
	config        domain.FanoutConfig
}

type natsSubscription struct {
	id    string
	topic string
	subs  []*nats.Subscription
	hub   *NATSFanout
}

// NewNATSFanout creates a new NATS-based fanout with resilience.
func NewNATSFanout(cfg domain.FanoutConfig) (*NATSFanout, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024), // 8MB buffer during reconnect
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected",
				"error", err,
				"will_reconnect", !nc.IsClosed(),
			)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected",
				"url", nc.ConnectedUrl(),
			)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			slog.Error("NATS error",
				"error", err,
				"subject", sub.Subject,
			)
		}),
	}

	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var conn *nats.Conn
	var err error
	for i := 0; i < cfg.NATSMaxReconnects; i++ {
		conn, err = nats.Connect(cfg.NATSUrl, opts...)
		if err == nil {
			break
		}
		slog.Warn("NATS connection attempt failed",
			"attempt", i+1,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		time.Sleep(time.Duration(cfg.NATSReconnectWait) * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", cfg.NATSMaxReconnects, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
	)

	return &NATSFanout{
		conn:          conn,
		subscriptions: make(map[string]*natsSubscription),
		config:        cfg,
	}, nil
}

// Publish sends an event to the topic's NATS subject.
func (f *NATSFanout) Publish(ctx context.Context, topic string, ev *domain.Event) error {
	if topic == "" {
		return fmt.Errorf("%w: topic is required", domain.ErrInvalidInput)
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return f.conn.Publish(makeSubject(topic), data)
}

// Subscribe registers a handler for a topic. Subscribers of any topic also
// receive broadcasts published to domain.TopicAll.
func (f *NATSFanout) Subscribe(ctx context.Context, topic string, handler domain.EventHandler) (domain.Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", domain.ErrInvalidInput)
	}

	subjects := []string{makeSubject(topic)}
	if topic != domain.TopicAll {
		subjects = append(subjects, makeSubject(domain.TopicAll))
	}

	cb := func(m *nats.Msg) {
		var ev domain.Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			slog.Error("failed to unmarshal NATS event",
				"subject", m.Subject,
				"error", err,
			)
			return
		}
		if err := handler(ctx, &ev); err != nil {
			slog.Error("fanout handler error",
				"subject", m.Subject,
				"event_id", ev.ID,
				"error", err,
			)
		}
	}

	sub := &natsSubscription{
		id:    uuid.New().String(),
		topic: topic,
		hub:   f,
	}
	for _, subject := range subjects {
		natsSub, err := f.conn.Subscribe(subject, cb)
		if err != nil {
			for _, s := range sub.subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("failed to subscribe: %w", err)
		}
		sub.subs = append(sub.subs, natsSub)
	}

	f.mu.Lock()
	f.subscriptions[sub.id] = sub
	f.mu.Unlock()

	return sub, nil
}

// Ping checks the NATS connection health.
func (f *NATSFanout) Ping(ctx context.Context) error {
	if f.conn == nil || !f.conn.IsConnected() {
		return fmt.Errorf("%w: NATS not connected", domain.ErrUnavailable)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (f *NATSFanout) Close() error {
	f.mu.Lock()
	for id, sub := range f.subscriptions {
		for _, s := range sub.subs {
			_ = s.Unsubscribe()
		}
		delete(f.subscriptions, id)
	}
	f.mu.Unlock()

	if f.conn != nil {
		if err := f.conn.Drain(); err != nil {
			f.conn.Close()
			return err
		}
	}
	return nil
}

// makeSubject maps a fanout topic to a NATS subject. Colons in scoped
// topics ("tourist:<id>") become subject token separators.
func makeSubject(topic string) string {
	return "kestrel.events." + strings.ReplaceAll(topic, ":", ".")
}

// Unsubscribe stops receiving events.
func (s *natsSubscription) Unsubscribe() error {
	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.hub.mu.Lock()
	delete(s.hub.subscriptions, s.id)
	s.hub.mu.Unlock()
	return firstErr
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
