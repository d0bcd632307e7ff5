package domain

import (
	"context"
	"time"
)

// TouristStore is the narrow view of the store the core mutates tourists
// through. The store is the single source of truth; in-memory state derived
// from it may be rebuilt at any time.
type TouristStore interface {
	GetTourist(ctx context.Context, id string) (*Tourist, error)
	ListActiveTourists(ctx context.Context) ([]*Tourist, error)
	UpdateTouristPosition(ctx context.Context, id string, lat, lng float64, seenAt time.Time) error
	UpdateTouristScore(ctx context.Context, id string, score int) error
}

// ZoneCatalog supplies the current set of active danger zones as a
// point-in-time snapshot fetched per evaluation.
type ZoneCatalog interface {
	ListActiveZones(ctx context.Context) ([]*DangerZone, error)
}

// AlertSink receives every created or transitioned alert for persistence.
// The lifecycle does not persist alerts itself.
type AlertSink interface {
	SaveAlert(ctx context.Context, alert *Alert) error
}

// ResponderDirectory resolves the nearest responder to a point.
// ok is false when no responder is within maxDistanceMeters.
type ResponderDirectory interface {
	FindNearest(ctx context.Context, lat, lng, maxDistanceMeters float64) (responderID string, ok bool, err error)
}

// Repository defines the interface for data persistence. It subsumes the
// narrow store interfaces above so one SQL implementation serves all of
// them.
type Repository interface {
	TouristStore
	ZoneCatalog
	AlertSink

	// Tourist administration
	SaveTourist(ctx context.Context, t *Tourist) error

	// Zone administration
	SaveZone(ctx context.Context, z *DangerZone) error
	GetZone(ctx context.Context, id string) (*DangerZone, error)
	ListZones(ctx context.Context) ([]*DangerZone, error)
	DeactivateZone(ctx context.Context, id string) error

	// DeactivateExpiredZones deactivates zones whose expiry timestamp has
	// passed and returns their IDs.
	DeactivateExpiredZones(ctx context.Context, now time.Time) ([]string, error)

	// Alert retrieval (read-only projections; mutation goes through the
	// lifecycle)
	GetAlert(ctx context.Context, id int64) (*Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error)

	// MaxAlertID returns the highest persisted alert ID, 0 when none.
	// Used to restore the monotonic ID sequence on restart.
	MaxAlertID(ctx context.Context) (int64, error)

	// Responders
	SaveResponder(ctx context.Context, r *Responder) error
	ListResponders(ctx context.Context) ([]*Responder, error)

	// Anomaly rule configurations
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)
	DeleteRuleConfig(ctx context.Context, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AlertFilter narrows ListAlerts results. Zero values match everything.
type AlertFilter struct {
	TouristID string
	Status    AlertStatus
	Type      AlertType
	Limit     int
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
