// Package config loads Orchestra's YAML configuration: capability toggles,
// staffing limits, scheduler policy, integrations and the workflow catalog.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-orchestra/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Environments.
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Scheduler modes.
const (
	SchedulerSync  = "sync"
	SchedulerAsync = "async"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Features are the capability toggles injected into the lifecycle and
// staffing components in place of ambient settings lookups.
type Features struct {
	// Slack enables Slack delivery of staffing offers and notifications.
	Slack bool `yaml:"slack"`

	// Email enables email delivery.
	Email bool `yaml:"email"`

	// AutoStaff sends staffing requests automatically when a task becomes
	// staffable under the anyone_certified policy.
	AutoStaff bool `yaml:"auto_staff"`

	// EventStream publishes lifecycle events to the Redis stream.
	EventStream bool `yaml:"event_stream"`
}

// Staffing configures the staffing engine and gatekeeper.
type Staffing struct {
	// MaxActiveAssignments caps PROCESSING assignments per worker when the
	// worker has no override. 0 means unlimited.
	MaxActiveAssignments int `yaml:"max_active_assignments" validate:"gte=0"`
}

// Scheduler configures machine-step scheduling and the execution side's
// timeout and retry budget.
type Scheduler struct {
	Mode            string        `yaml:"mode" validate:"oneof=sync async"`
	ActivityTimeout time.Duration `yaml:"activity_timeout" validate:"gt=0"`
	MaxAttempts     int32         `yaml:"max_attempts" validate:"gte=1"`
}

// SMTP configures the email sender.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from" validate:"omitempty,email"`
}

// Slack configures the Slack sender.
type Slack struct {
	Token  string `yaml:"token"`
	APIURL string `yaml:"api_url" validate:"omitempty,url"`
}

// Notification configures outbound messaging.
type Notification struct {
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gt=0"`
	Burst         int     `yaml:"burst" validate:"gte=1"`
	SMTP          SMTP    `yaml:"smtp"`
	Slack         Slack   `yaml:"slack"`

	// FailureThreshold consecutive failed messages stop a channel for
	// OpenTimeout. Zero disables the breaker.
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=0"`
	OpenTimeout      time.Duration `yaml:"open_timeout" validate:"gte=0"`

	// QueueSize messages wait for Workers delivery goroutines; SendTimeout
	// bounds each message.
	QueueSize   int           `yaml:"queue_size" validate:"gte=1"`
	Workers     int           `yaml:"workers" validate:"gte=1"`
	SendTimeout time.Duration `yaml:"send_timeout" validate:"gt=0"`
}

// Store selects the persistence backend.
type Store struct {
	Driver      string `yaml:"driver" validate:"oneof=memory postgres"`
	PostgresDSN string `yaml:"postgres_dsn" validate:"required_if=Driver postgres"`
}

// Redis configures the event stream.
type Redis struct {
	Addr   string `yaml:"addr"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len" validate:"gte=0"`
}

// Temporal configures the async scheduler's client and worker.
type Temporal struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue" validate:"required"`
}

// HTTP configures the accept/reject endpoints.
type HTTP struct {
	Addr string `yaml:"addr" validate:"required"`
}

// Config is the root configuration.
type Config struct {
	Environment string `yaml:"environment" validate:"oneof=development test staging production"`

	// BaseURL prefixes the accept/reject links sent to workers.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	Features     Features     `yaml:"features"`
	Staffing     Staffing     `yaml:"staffing"`
	Scheduler    Scheduler    `yaml:"scheduler"`
	Notification Notification `yaml:"notification"`
	Store        Store        `yaml:"store"`
	Redis        Redis        `yaml:"redis"`
	Temporal     Temporal     `yaml:"temporal"`
	HTTP         HTTP         `yaml:"http"`

	Workflows []domain.WorkflowVersion `yaml:"workflows"`
}

// DefaultConfig returns a configuration suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		BaseURL:     "http://localhost:8080",
		Features: Features{
			Email:     true,
			AutoStaff: true,
		},
		Staffing: Staffing{
			MaxActiveAssignments: 0,
		},
		Scheduler: Scheduler{
			Mode:            SchedulerSync,
			ActivityTimeout: 5 * time.Minute,
			MaxAttempts:     3,
		},
		Notification: Notification{
			RatePerSecond: 10,
			Burst:         20,
			SMTP:          SMTP{Host: "localhost", Port: 25, From: "orchestra@example.com"},
			Slack:         Slack{APIURL: "https://slack.com/api"},

			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			QueueSize:        1024,
			Workers:          8,
			SendTimeout:      30 * time.Second,
		},
		Store:    Store{Driver: DriverMemory},
		Redis:    Redis{Addr: "localhost:6379", Stream: "orchestra:events", MaxLen: 100000},
		Temporal: Temporal{HostPort: "localhost:7233", Namespace: "default", TaskQueue: "orchestra-machine-steps"},
		HTTP:     HTTP{Addr: ":8080"},
	}
}

// Load reads path over DefaultConfig, applies environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets secrets and deployment-specific values come from the
// environment instead of the file.
func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"ORCHESTRA_ENV":           &c.Environment,
		"ORCHESTRA_BASE_URL":      &c.BaseURL,
		"ORCHESTRA_POSTGRES_DSN":  &c.Store.PostgresDSN,
		"ORCHESTRA_SMTP_PASSWORD": &c.Notification.SMTP.Password,
		"ORCHESTRA_SLACK_TOKEN":   &c.Notification.Slack.Token,
		"ORCHESTRA_REDIS_ADDR":    &c.Redis.Addr,
		"ORCHESTRA_TEMPORAL_HOST": &c.Temporal.HostPort,
	}
	for env, dst := range overrides {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
}

// Validate checks field constraints, capability prerequisites and the
// workflow catalog.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.Features.Slack && c.Notification.Slack.Token == "" {
		errs = append(errs, errors.New("features.slack requires notification.slack.token"))
	}
	if c.Features.Email && c.Notification.SMTP.Host == "" {
		errs = append(errs, errors.New("features.email requires notification.smtp.host"))
	}
	if c.Features.EventStream && (c.Redis.Addr == "" || c.Redis.Stream == "") {
		errs = append(errs, errors.New("features.event_stream requires redis.addr and redis.stream"))
	}
	if _, err := c.Catalog(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// IsProduction reports whether the async scheduler may hand work to the queue.
func (c *Config) IsProduction() bool { return c.Environment == EnvProduction }

// Catalog builds the validated workflow catalog.
func (c *Config) Catalog() (*domain.Catalog, error) {
	return domain.NewCatalog(c.Workflows...)
}
