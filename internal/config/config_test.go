package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvault/compactor/internal/job"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "data/compactor.db", cfg.Database.Path)
				assert.Equal(t, "data/documents", cfg.Documents.Root)
				assert.Equal(t, "compactor-scheduler", cfg.App.Name)
				assert.Equal(t, 2, cfg.Scheduler.MaxConcurrency)
				assert.Equal(t, 5, cfg.Scheduler.MaxAttempts)
				assert.Equal(t, 2*time.Second, cfg.Scheduler.BackoffBase)
				assert.False(t, cfg.Scheduler.RetryResetsAttempts)
			}
		})
	}
}

func TestLoad_SchedulerDefaults(t *testing.T) {
	// A config without a scheduler section gets the full defaults.
	cfg, err := Load("testdata/invalid_port.yaml")
	require.NoError(t, err)

	def := DefaultScheduler()
	assert.Equal(t, def.MaxConcurrency, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, def.MaxAttempts, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, def.BackoffBase, cfg.Scheduler.BackoffBase)
	assert.Equal(t, def.StuckJobTimeout, cfg.Scheduler.StuckJobTimeout)
	assert.Equal(t, def.RetryResetsAttempts, cfg.Scheduler.RetryResetsAttempts)
	assert.Equal(t, job.DefaultMethods, cfg.Scheduler.Methods())
}

func validConfig() *Config {
	return &Config{
		Server:    ServerConfig{Port: 8080},
		Database:  DatabaseConfig{Path: "data/compactor.db"},
		Documents: DocumentsConfig{Root: "data/documents"},
		Scheduler: DefaultScheduler(),
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database path",
			mutate:    func(c *Config) { c.Database.Path = "" },
			wantErr:   true,
			errString: "database path is required",
		},
		{
			name:      "empty documents root",
			mutate:    func(c *Config) { c.Documents.Root = "" },
			wantErr:   true,
			errString: "documents root is required",
		},
		{
			name: "events enabled without host",
			mutate: func(c *Config) {
				c.Events.Enabled = true
				c.Events.RabbitMQ.Port = 5672
				c.Events.RabbitMQ.Exchange.Name = "compactor.events"
			},
			wantErr:   true,
			errString: "events rabbitmq host is required",
		},
		{
			name: "events enabled without exchange",
			mutate: func(c *Config) {
				c.Events.Enabled = true
				c.Events.RabbitMQ.Host = "localhost"
				c.Events.RabbitMQ.Port = 5672
			},
			wantErr:   true,
			errString: "events exchange name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSchedulerConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*SchedulerConfig)
		errString string
	}{
		{
			name:      "zero max_concurrency",
			mutate:    func(c *SchedulerConfig) { c.MaxConcurrency = 0 },
			errString: "max_concurrency",
		},
		{
			name: "background cap above max_concurrency",
			mutate: func(c *SchedulerConfig) {
				c.MaxConcurrency = 1
				c.BackgroundConcurrencyCap = 3
			},
			errString: "background_concurrency_cap",
		},
		{
			name:      "zero max_attempts",
			mutate:    func(c *SchedulerConfig) { c.MaxAttempts = 0 },
			errString: "max_attempts",
		},
		{
			name:      "zero backoff_base",
			mutate:    func(c *SchedulerConfig) { c.BackoffBase = 0 },
			errString: "backoff_base",
		},
		{
			name: "cap below base",
			mutate: func(c *SchedulerConfig) {
				c.BackoffBase = time.Minute
				c.BackoffCap = time.Second
			},
			errString: "backoff_cap",
		},
		{
			name:      "zero stuck_job_timeout",
			mutate:    func(c *SchedulerConfig) { c.StuckJobTimeout = 0 },
			errString: "stuck_job_timeout",
		},
		{
			name:      "negative aging_threshold",
			mutate:    func(c *SchedulerConfig) { c.AgingThreshold = -time.Second },
			errString: "aging_threshold",
		},
		{
			name:      "zero heartbeat_interval",
			mutate:    func(c *SchedulerConfig) { c.HeartbeatInterval = 0 },
			errString: "heartbeat_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultScheduler()
			require.NoError(t, cfg.Validate())

			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestSchedulerConfig_Methods(t *testing.T) {
	cfg := DefaultScheduler()
	assert.True(t, cfg.MethodSupported("lossless"))
	assert.True(t, cfg.MethodSupported("none"))
	assert.False(t, cfg.MethodSupported("zap"))

	cfg.SupportedMethods = []string{"lossless"}
	assert.True(t, cfg.MethodSupported("lossless"))
	assert.False(t, cfg.MethodSupported("lossy"))
	assert.Equal(t, []string{"lossless"}, cfg.Methods())
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.NoError(t, err)
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing documents root", func(t *testing.T) {
		cfg, err := Load("testdata/missing_documents.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "documents root is required")
	})
}
