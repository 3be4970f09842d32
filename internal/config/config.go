package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fieldvault/compactor/internal/job"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Documents DocumentsConfig `yaml:"documents"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the SQLite job store configuration
type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// DocumentsConfig holds the document storage root directory.
type DocumentsConfig struct {
	Root string `yaml:"root"`
}

// EventsConfig holds the optional outbound event publisher configuration.
// When disabled, terminal job outcomes are not published anywhere; the
// scheduler itself never depends on connectivity.
type EventsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
}

// RabbitMQConfig holds broker connection and exchange configuration
type RabbitMQConfig struct {
	Host     string         `yaml:"host"`
	Port     int            `yaml:"port"`
	User     string         `yaml:"user"`
	Password string         `yaml:"password"`
	VHost    string         `yaml:"vhost"`
	Exchange ExchangeConfig `yaml:"exchange"`
}

// ExchangeConfig holds exchange declaration settings
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds broker connection retry settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// SchedulerConfig holds the compression scheduler configuration. It is loaded
// at initialization and may be replaced atomically at runtime; workers read
// it at defined suspension points.
type SchedulerConfig struct {
	// MaxConcurrency is the number of worker slots in the foreground. The
	// slot count is fixed when the scheduler starts; a runtime replace can
	// lower the permitted concurrency but not raise it past this value.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
	// BackgroundConcurrencyCap limits worker slots while backgrounded.
	BackgroundConcurrencyCap int `yaml:"background_concurrency_cap" json:"background_concurrency_cap"`
	// MaxAttempts bounds execution attempts per job.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// BackoffBase and BackoffCap shape the retry delay:
	// min(backoff_base * 2^attempts, backoff_cap).
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap" json:"backoff_cap"`
	// StuckJobTimeout is both the per-attempt wall-clock ceiling and the
	// heartbeat age after which a processing job is presumed orphaned.
	StuckJobTimeout time.Duration `yaml:"stuck_job_timeout" json:"stuck_job_timeout"`
	// DetectorInterval is the period between stuck-job scans.
	DetectorInterval time.Duration `yaml:"detector_interval" json:"detector_interval"`
	// PollInterval is the periodic wake signal for idle worker slots.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// AgingThreshold is the queued wait after which a job is promoted one
	// priority tier. Zero disables aging.
	AgingThreshold time.Duration `yaml:"aging_threshold" json:"aging_threshold"`
	// BackgroundWindow is the OS-granted background execution window. When
	// it expires, in-flight jobs are checkpointed and workers suspend.
	BackgroundWindow time.Duration `yaml:"background_window" json:"background_window"`
	// PressureWarningStep is how many concurrency tiers a memory-pressure
	// warning removes. Critical always pauses selection entirely.
	PressureWarningStep int `yaml:"pressure_warning_step" json:"pressure_warning_step"`
	// RetryResetsAttempts controls whether a manual retry of a failed job
	// resets the attempt counter.
	RetryResetsAttempts bool `yaml:"retry_resets_attempts" json:"retry_resets_attempts"`
	// HeartbeatInterval is how often an executing worker refreshes the
	// job's heartbeat timestamp.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	// SupportedMethods narrows the accepted compression methods. Empty
	// means the default set.
	SupportedMethods []string `yaml:"supported_methods" json:"supported_methods"`
}

// DefaultScheduler returns the documented defaults: a single worker slot
// (mobile CPU and thermal constraints), three attempts, and attempt reset on
// manual retry.
func DefaultScheduler() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrency:           1,
		BackgroundConcurrencyCap: 1,
		MaxAttempts:              3,
		BackoffBase:              5 * time.Second,
		BackoffCap:               5 * time.Minute,
		StuckJobTimeout:          10 * time.Minute,
		DetectorInterval:         time.Minute,
		PollInterval:             5 * time.Second,
		AgingThreshold:           15 * time.Minute,
		BackgroundWindow:         25 * time.Second,
		PressureWarningStep:      1,
		RetryResetsAttempts:      true,
		HeartbeatInterval:        30 * time.Second,
		SupportedMethods:         job.DefaultMethods,
	}
}

// Load reads and parses the configuration file. Scheduler defaults are
// applied before unmarshalling so an absent section is fully usable.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{Scheduler: DefaultScheduler()}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Validate checks the full service configuration.
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Documents.Root == "" {
		return fmt.Errorf("documents root is required")
	}

	if c.Events.Enabled {
		if c.Events.RabbitMQ.Host == "" {
			return fmt.Errorf("events rabbitmq host is required")
		}
		if c.Events.RabbitMQ.Port < MinPort || c.Events.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid events rabbitmq port: %d", c.Events.RabbitMQ.Port)
		}
		if c.Events.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("events exchange name is required")
		}
	}

	return c.Scheduler.Validate()
}

// Validate checks the scheduler configuration. It is also applied to
// documents submitted through the runtime config-replace operation.
func (c *SchedulerConfig) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler max_concurrency must be greater than 0")
	}

	if c.BackgroundConcurrencyCap < 0 || c.BackgroundConcurrencyCap > c.MaxConcurrency {
		return fmt.Errorf("scheduler background_concurrency_cap must be between 0 and max_concurrency")
	}

	if c.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler max_attempts must be greater than 0")
	}

	if c.BackoffBase <= 0 {
		return fmt.Errorf("scheduler backoff_base must be greater than 0")
	}

	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("scheduler backoff_cap must be at least backoff_base")
	}

	if c.StuckJobTimeout <= 0 {
		return fmt.Errorf("scheduler stuck_job_timeout must be greater than 0")
	}

	if c.DetectorInterval <= 0 {
		return fmt.Errorf("scheduler detector_interval must be greater than 0")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("scheduler poll_interval must be greater than 0")
	}

	if c.AgingThreshold < 0 {
		return fmt.Errorf("scheduler aging_threshold must not be negative")
	}

	if c.BackgroundWindow <= 0 {
		return fmt.Errorf("scheduler background_window must be greater than 0")
	}

	if c.PressureWarningStep < 0 {
		return fmt.Errorf("scheduler pressure_warning_step must not be negative")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("scheduler heartbeat_interval must be greater than 0")
	}

	return nil
}

// Methods returns the effective supported method set.
func (c *SchedulerConfig) Methods() []string {
	if len(c.SupportedMethods) == 0 {
		return job.DefaultMethods
	}
	return c.SupportedMethods
}

// MethodSupported reports whether method is accepted at enqueue time.
func (c *SchedulerConfig) MethodSupported(method string) bool {
	for _, m := range c.Methods() {
		if m == method {
			return true
		}
	}
	return false
}
