package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"meetup-location-backend/internal/movement"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT" validate:"gte=1,lte=65535"`
	IdentityHeader  string        `yaml:"identity_header" env:"SERVER_IDENTITY_HEADER"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec" env:"SERVER_RATE_LIMIT_PER_SEC" validate:"gt=0"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"SERVER_RATE_LIMIT_BURST" validate:"gt=0"`
	CacheTTLSeconds int           `yaml:"cache_ttl_seconds" env:"SERVER_CACHE_TTL_SECONDS"`
	CacheTTL        time.Duration `yaml:"-"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver" env:"DATABASE_DRIVER" validate:"oneof=postgres sqlite"`
	DSN                    string `yaml:"dsn" env:"DATABASE_DSN" validate:"required"`
	MaxOpenConns           int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns           int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes" env:"DATABASE_CONN_MAX_LIFETIME_MINUTES"`
	LogLevel               string `yaml:"log_level" env:"DATABASE_LOG_LEVEL" validate:"omitempty,oneof=silent error warn info"`
}

// RedisConfig holds the connection settings for the ephemeral store.
type RedisConfig struct {
	Address  string `yaml:"address" env:"REDIS_ADDRESS" validate:"required"`
	Username string `yaml:"username" env:"REDIS_USERNAME"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" validate:"gte=0"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key" env:"PUSH_VAPID_PUBLIC_KEY"`
	PrivateKey string `yaml:"vapid_private_key" env:"PUSH_VAPID_PRIVATE_KEY"`
	Subject    string `yaml:"subject" env:"PUSH_SUBJECT"`
	TTL        int    `yaml:"ttl" env:"PUSH_TTL"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size      int `yaml:"size" env:"WORKER_POOL_SIZE"`
	QueueSize int `yaml:"queue_size" env:"WORKER_POOL_QUEUE_SIZE"`
}

// LogConfig controls the zap logger built at start-up.
type LogConfig struct {
	Level       string `yaml:"level" env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `yaml:"development" env:"LOG_DEVELOPMENT"`
}

// TrackingConfig holds every tunable of live tracking and reconciliation.
type TrackingConfig struct {
	MinMoveDistanceMeters float64 `yaml:"min_move_distance_meters" env:"TRACKING_MIN_MOVE_DISTANCE_METERS" validate:"gt=0"`
	ArrivalRadiusMeters   float64 `yaml:"arrival_radius_meters" env:"TRACKING_ARRIVAL_RADIUS_METERS" validate:"gt=0"`
	BatchStatusCheck      *bool   `yaml:"batch_status_check" env:"TRACKING_BATCH_STATUS_CHECK"`

	PauseThresholdSeconds       int `yaml:"pause_threshold_seconds" env:"TRACKING_PAUSE_THRESHOLD_SECONDS"`
	ReconcileIntervalSeconds    int `yaml:"reconcile_interval_seconds" env:"TRACKING_RECONCILE_INTERVAL_SECONDS"`
	ReconcileSafetyMarginMillis int `yaml:"reconcile_safety_margin_millis" env:"TRACKING_RECONCILE_SAFETY_MARGIN_MILLIS"`
	LocationTTLSeconds          int `yaml:"location_ttl_seconds" env:"TRACKING_LOCATION_TTL_SECONDS"`
	GoalCacheTTLSeconds         int `yaml:"goal_cache_ttl_seconds" env:"TRACKING_GOAL_CACHE_TTL_SECONDS"`
	SessionTTLSeconds           int `yaml:"session_ttl_seconds" env:"TRACKING_SESSION_TTL_SECONDS"`

	PauseThreshold        time.Duration `yaml:"-"`
	ReconcileInterval     time.Duration `yaml:"-"`
	ReconcileSafetyMargin time.Duration `yaml:"-"`
	LocationTTL           time.Duration `yaml:"-"`
	GoalCacheTTL          time.Duration `yaml:"-"`
	SessionTTL            time.Duration `yaml:"-"`
}

// Movement returns the state machine thresholds.
func (t TrackingConfig) Movement() movement.Config {
	return movement.Config{
		MinMoveDistanceMeters: t.MinMoveDistanceMeters,
		ArrivalRadiusMeters:   t.ArrivalRadiusMeters,
		PauseThreshold:        t.PauseThreshold,
	}
}

// BatchStatusCheckEnabled reports whether the reconciler also evaluates
// arrival and idle timeouts.
func (t TrackingConfig) BatchStatusCheckEnabled() bool {
	return t.BatchStatusCheck == nil || *t.BatchStatusCheck
}

// Load reads the configuration from the given path, applies environment
// overrides and fills defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.ApplyDefaults()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset values and derives the duration fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.IdentityHeader == "" {
		c.Server.IdentityHeader = "X-Authenticated-User"
	}
	if c.Server.RateLimitPerSec <= 0 {
		c.Server.RateLimitPerSec = 10
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 5
	}
	if c.Server.CacheTTLSeconds <= 0 {
		c.Server.CacheTTLSeconds = 30
	}
	c.Server.CacheTTL = time.Duration(c.Server.CacheTTLSeconds) * time.Second

	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}

	if c.Push.TTL <= 0 {
		c.Push.TTL = 3600
	}

	if c.WorkerPool.Size <= 0 {
		c.WorkerPool.Size = 1
	}
	if c.WorkerPool.QueueSize <= 0 {
		c.WorkerPool.QueueSize = 64
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	// Distances left at 0 are unset; negative ones fail validation.
	t := &c.Tracking
	if t.MinMoveDistanceMeters == 0 {
		t.MinMoveDistanceMeters = 20
	}
	if t.ArrivalRadiusMeters == 0 {
		t.ArrivalRadiusMeters = 60
	}
	if t.PauseThresholdSeconds <= 0 {
		t.PauseThresholdSeconds = 600
	}
	if t.ReconcileIntervalSeconds <= 0 {
		t.ReconcileIntervalSeconds = 30
	}
	if t.ReconcileSafetyMarginMillis <= 0 {
		t.ReconcileSafetyMarginMillis = 1000
	}
	if t.LocationTTLSeconds <= 0 {
		t.LocationTTLSeconds = 180
	}
	if t.GoalCacheTTLSeconds <= 0 {
		t.GoalCacheTTLSeconds = 7200
	}
	if t.SessionTTLSeconds <= 0 {
		t.SessionTTLSeconds = 3600
	}
	t.PauseThreshold = time.Duration(t.PauseThresholdSeconds) * time.Second
	t.ReconcileInterval = time.Duration(t.ReconcileIntervalSeconds) * time.Second
	t.ReconcileSafetyMargin = time.Duration(t.ReconcileSafetyMarginMillis) * time.Millisecond
	t.LocationTTL = time.Duration(t.LocationTTLSeconds) * time.Second
	t.GoalCacheTTL = time.Duration(t.GoalCacheTTLSeconds) * time.Second
	t.SessionTTL = time.Duration(t.SessionTTLSeconds) * time.Second
}
