package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	Fanout     FanoutConfig     `json:"fanout"`

	// Monitoring core tunables
	Monitor MonitorConfig `json:"monitor"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// MonitorConfig holds the safety-monitoring core tunables.
type MonitorConfig struct {
	// ScoreSweepInterval is the cadence of the periodic score
	// recomputation sweep.
	ScoreSweepInterval time.Duration `json:"scoreSweepInterval"`

	// ZoneSweepInterval is the cadence of the zone-expiry sweep.
	ZoneSweepInterval time.Duration `json:"zoneSweepInterval"`

	// InactivityThreshold is how long without a fix before an
	// INACTIVITY alert is raised.
	InactivityThreshold time.Duration `json:"inactivityThreshold"`

	// DeviationThresholdKm raises a DEVIATION alert when the estimated
	// route deviation exceeds it.
	DeviationThresholdKm float64 `json:"deviationThresholdKm"`

	// ResponderMaxDistanceMeters bounds the nearest-responder search.
	ResponderMaxDistanceMeters float64 `json:"responderMaxDistanceMeters"`

	// ResponderTimeout bounds the nearest-responder lookup during alert
	// creation. On timeout the alert proceeds without a responder.
	ResponderTimeout time.Duration `json:"responderTimeout"`

	// ZoneSnapshotTTL is how long the per-evaluation zone catalog
	// snapshot may be served from cache.
	ZoneSnapshotTTL time.Duration `json:"zoneSnapshotTTL"`

	// PreAlertEscalationWindow and PreAlertEscalationCount escalate an
	// alert when a tourist raises that many pre-alerts inside the window.
	PreAlertEscalationWindow time.Duration `json:"preAlertEscalationWindow"`
	PreAlertEscalationCount  int64         `json:"preAlertEscalationCount"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		Fanout: FanoutConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Monitor: MonitorConfig{
			ScoreSweepInterval:         5 * time.Minute,
			ZoneSweepInterval:          15 * time.Minute,
			InactivityThreshold:        30 * time.Minute,
			DeviationThresholdKm:       5.0,
			ResponderMaxDistanceMeters: 100_000,
			ResponderTimeout:           2 * time.Second,
			ZoneSnapshotTTL:            30 * time.Second,
			PreAlertEscalationWindow:   10 * time.Minute,
			PreAlertEscalationCount:    3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.Fanout = FanoutConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
