// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Notification drivers.
const (
	NotifyLog     = "log"
	NotifyWebhook = "webhook"
	NotifyRedis   = "redis"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	SLA           SLAConfig           `yaml:"sla"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes the actor directory and its role cache.
type IdentityConfig struct {
	DirectoryFile string        `yaml:"directory_file"`
	ActorHeader   string        `yaml:"actor_header"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	AdminRole     string        `yaml:"admin_role"` // gates configuration changes and manual sweeps
}

// DefinitionsConfig describes where to find stage and transition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	// Restore replays the configuration change log over the YAML baseline
	// at boot.
	Restore bool `yaml:"restore"`
}

// StoreConfig describes event store and work item persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
	RedisAddrEnv    string        `yaml:"redis_addr_env"`
	RedisDB         int           `yaml:"redis_db"`
	RedisPrefix     string        `yaml:"redis_prefix"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	InitialStage     string          `yaml:"initial_stage"`
	SnapshotInterval int             `yaml:"snapshot_interval"`
	SystemActorID    string          `yaml:"system_actor_id"`
	LockStripes      int             `yaml:"lock_stripes"`
	Scheduler        SchedulerConfig `yaml:"scheduler"`
}

// SchedulerConfig describes the sweep timers. Schedules use cron syntax,
// including descriptors such as "@every 1m".
type SchedulerConfig struct {
	Enabled                bool   `yaml:"enabled"`
	AutoTransitionSchedule string `yaml:"auto_transition_schedule"`
	SLASchedule            string `yaml:"sla_schedule"`
	Workers                int    `yaml:"workers"`
}

// SLAConfig describes escalation tiers keyed by priority score.
type SLAConfig struct {
	Tiers []EscalationTierConfig `yaml:"tiers"`
}

// EscalationTierConfig is one escalation tier. ThresholdHours wins over
// ThresholdFraction when both are set.
type EscalationTierConfig struct {
	MinPriorityScore  float64  `yaml:"min_priority_score"`
	ThresholdHours    float64  `yaml:"threshold_hours"`
	ThresholdFraction float64  `yaml:"threshold_fraction"`
	NotifyRoles       []string `yaml:"notify_roles"`
}

// NotificationsConfig describes notification dispatch.
type NotificationsConfig struct {
	Driver         string               `yaml:"driver"`
	WebhookURL     string               `yaml:"webhook_url"`
	WebhookTimeout time.Duration        `yaml:"webhook_timeout"`
	RedisChannel   string               `yaml:"redis_channel"`
	Workers        int                  `yaml:"workers"`
	QueueSize      int                  `yaml:"queue_size"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings for a sink.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// IdempotencyConfig describes replay of mutating requests that carry an
// Idempotency-Key header. Entries live in redis when the store driver is
// redis, in process otherwise.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Actor-Id", "X-Correlation-Id", "Idempotency-Key"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			DirectoryFile: "/etc/stageflow/actors.yaml",
			ActorHeader:   "X-Actor-Id",
			CacheTTL:      5 * time.Minute,
			AdminRole:     "workflow_admin",
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
			Restore:     true,
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "STAGEFLOW_DATABASE_URL",
			MaxConns:        25,
			ConnMaxLifetime: 5 * time.Minute,
			RedisAddrEnv:    "STAGEFLOW_REDIS_ADDR",
			RedisPrefix:     "stageflow",
		},
		Workflow: WorkflowConfig{
			InitialStage:     "Intake",
			SnapshotInterval: 50,
			SystemActorID:    "system",
			LockStripes:      64,
			Scheduler: SchedulerConfig{
				Enabled:                true,
				AutoTransitionSchedule: "@every 1m",
				SLASchedule:            "@every 5m",
				Workers:                8,
			},
		},
		SLA: SLAConfig{
			Tiers: []EscalationTierConfig{
				{MinPriorityScore: 0, ThresholdFraction: 0.8},
			},
		},
		Notifications: NotificationsConfig{
			Driver:         NotifyLog,
			WebhookTimeout: 5 * time.Second,
			RedisChannel:   "stageflow.notifications",
			Workers:        4,
			QueueSize:      1024,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:   5,
				SuccessThreshold:   2,
				Timeout:            30 * time.Second,
				ErrorRateThreshold: 0.5,
				ErrorRateWindow:    time.Minute,
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			TTL:     24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.DirectoryFile == "" {
		errs = append(errs, "identity.directory_file is required")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories is required")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	case DriverRedis:
		if c.Store.RedisAddrEnv == "" {
			errs = append(errs, "store.redis_addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres, redis", c.Store.Driver))
	}

	if c.Workflow.InitialStage == "" {
		errs = append(errs, "workflow.initial_stage is required")
	}
	if c.Workflow.SnapshotInterval < 0 {
		errs = append(errs, "workflow.snapshot_interval must not be negative")
	}
	if c.Workflow.Scheduler.Enabled {
		for name, spec := range map[string]string{
			"auto_transition_schedule": c.Workflow.Scheduler.AutoTransitionSchedule,
			"sla_schedule":             c.Workflow.Scheduler.SLASchedule,
		} {
			if _, err := cron.ParseStandard(spec); err != nil {
				errs = append(errs, fmt.Sprintf("workflow.scheduler.%s: %v", name, err))
			}
		}
	}

	for i, tier := range c.SLA.Tiers {
		if tier.ThresholdHours < 0 {
			errs = append(errs, fmt.Sprintf("sla.tiers[%d].threshold_hours must not be negative", i))
		}
		if tier.ThresholdFraction < 0 || tier.ThresholdFraction > 1 {
			errs = append(errs, fmt.Sprintf("sla.tiers[%d].threshold_fraction must be within [0, 1]", i))
		}
	}

	switch c.Notifications.Driver {
	case NotifyLog:
	case NotifyWebhook:
		if c.Notifications.WebhookURL == "" {
			errs = append(errs, "notifications.webhook_url is required for the webhook driver")
		}
	case NotifyRedis:
		if c.Notifications.RedisChannel == "" {
			errs = append(errs, "notifications.redis_channel is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("notifications.driver %q is not one of log, webhook, redis", c.Notifications.Driver))
	}

	if c.Idempotency.Enabled && c.Idempotency.TTL <= 0 {
		errs = append(errs, "idempotency.ttl must be positive when idempotency is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads STAGEFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STAGEFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STAGEFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STAGEFLOW_IDENTITY_DIRECTORY_FILE"); v != "" {
		cfg.Identity.DirectoryFile = v
	}
	if v := os.Getenv("STAGEFLOW_DEFINITIONS_DIRECTORIES"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("STAGEFLOW_WORKFLOW_INITIAL_STAGE"); v != "" {
		cfg.Workflow.InitialStage = v
	}
	if v := os.Getenv("STAGEFLOW_SCHEDULER_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Workflow.Scheduler.Enabled = enabled
		}
	}
	if v := os.Getenv("STAGEFLOW_NOTIFICATIONS_DRIVER"); v != "" {
		cfg.Notifications.Driver = v
	}
	if v := os.Getenv("STAGEFLOW_NOTIFICATIONS_WEBHOOK_URL"); v != "" {
		cfg.Notifications.WebhookURL = v
	}
	if v := os.Getenv("STAGEFLOW_IDEMPOTENCY_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Idempotency.Enabled = enabled
		}
	}
	if v := os.Getenv("STAGEFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
