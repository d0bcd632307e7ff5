package domain

import (
	"context"
	"time"
)

// EventKind tags the payload carried by an Event. Each kind has exactly
// one payload field set; consumers switch on the kind rather than probing
// an untyped bag.
type EventKind string

const (
	EventAlertCreated    EventKind = "alert.created"
	EventAlertTransition EventKind = "alert.transition"
	EventScoreChanged    EventKind = "score.changed"
	EventZonesExpired    EventKind = "zones.expired"
	EventLocationFix     EventKind = "location.fix"
)

// Event is the transient payload pushed through the fanout. Not stored;
// owned by the fanout for the duration of delivery only.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Alert    *AlertEvent       `json:"alert,omitempty"`
	Score    *ScoreChangeEvent `json:"score,omitempty"`
	Zones    *ZoneExpiryEvent  `json:"zones,omitempty"`
	Location *LocationUpdate   `json:"location,omitempty"`
}

// AlertEvent announces an alert creation or status transition.
type AlertEvent struct {
	Alert          Alert       `json:"alert"`
	PreviousStatus AlertStatus `json:"previousStatus,omitempty"`
}

// ScoreChangeEvent announces a safety score change for one tourist.
type ScoreChangeEvent struct {
	TouristID string `json:"touristId"`
	Previous  int    `json:"previous"`
	Current   int    `json:"current"`
	Reason    string `json:"reason"` // "zone-entry", "inactivity-decay", "sweep"
}

// ZoneExpiryEvent summarizes one zone-expiry sweep.
type ZoneExpiryEvent struct {
	ExpiredZoneIDs []string `json:"expiredZoneIds"`
}

// Fanout topics. TopicAll is the unconditional broadcast topic: publishing
// to it reaches every connected subscriber regardless of what the
// subscriber asked for.
const (
	TopicAll   = "all"
	TopicAdmin = "admin"

	// TopicLocationIngested carries EventLocationFix events into the
	// async evaluation path.
	TopicLocationIngested = "kestrel.location.ingested"
)

const touristTopicPrefix = "tourist:"

// TopicTourist returns the per-tourist scoped topic.
func TopicTourist(touristID string) string {
	return touristTopicPrefix + touristID
}

// EventHandler processes delivered events.
type EventHandler func(ctx context.Context, ev *Event) error

// Subscription is an active fanout subscription.
type Subscription interface {
	// Unsubscribe stops delivery.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventFanout pushes alert and score-change events to topic-scoped
// subscribers. Delivery is best-effort and fire-and-forget: a slow or
// disconnected subscriber never blocks the publisher, and a publish with
// zero subscribers is a silent no-op.
type EventFanout interface {
	Publish(ctx context.Context, topic string, ev *Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// FanoutConfig holds configuration for fanout initialization.
type FanoutConfig struct {
	// Type is the fanout type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}
