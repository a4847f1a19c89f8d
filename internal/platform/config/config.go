package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config holds all configuration for the pool service
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Pool       PoolDefaults     `mapstructure:"pool"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Version    string           `mapstructure:"version"`
}

// ServiceConfig holds service-specific configuration
type ServiceConfig struct {
	Name        string `mapstructure:"name" envconfig:"SERVICE_NAME"`
	Environment string `mapstructure:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port         int           `mapstructure:"port" envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
}

// RedisConfig holds Redis connection settings. RedisTaskQueue takes its
// own RedisTaskQueueConfig, and nothing in this module reads this section.
type RedisConfig struct {
	Host         string        `mapstructure:"host" envconfig:"REDIS_HOST" default:"localhost"`
	Port         int           `mapstructure:"port" envconfig:"REDIS_PORT" default:"6379"`
	Password     string        `mapstructure:"password" envconfig:"REDIS_PASSWORD"`
	DB           int           `mapstructure:"db" envconfig:"REDIS_DB" default:"0"`
	PoolSize     int           `mapstructure:"pool_size" envconfig:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `mapstructure:"min_idle_conns" envconfig:"REDIS_MIN_IDLE_CONNS" default:"5"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format     string `mapstructure:"format" envconfig:"LOG_FORMAT" default:"json"`
	OutputPath string `mapstructure:"output_path" envconfig:"LOG_OUTPUT_PATH" default:"stdout"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" envconfig:"METRICS_ENABLED" default:"true"`
	TracingEnabled bool   `mapstructure:"tracing_enabled" envconfig:"TRACING_ENABLED" default:"false"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint" envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
	ServiceName    string `mapstructure:"service_name" envconfig:"TELEMETRY_SERVICE_NAME"`
}

// PoolDefaults configures the floor/ceiling every capability-tagged
// WorkerPool starts with unless PoolFactory.RegisterCustomWorker overrides it.
type PoolDefaults struct {
	MinWorkers  int           `mapstructure:"min_workers" envconfig:"POOL_MIN_WORKERS" default:"1"`
	MaxWorkers  int           `mapstructure:"max_workers" envconfig:"POOL_MAX_WORKERS" default:"8"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" envconfig:"POOL_IDLE_TIMEOUT" default:"30s"`
	EvictEvery  time.Duration `mapstructure:"evict_every" envconfig:"POOL_EVICT_EVERY" default:"5s"`
}

// DispatcherConfig configures TaskDispatcher-wide defaults applied when a
// submitted Task doesn't set its own timeout or retry policy.
type DispatcherConfig struct {
	TaskTimeout    time.Duration `mapstructure:"task_timeout" envconfig:"DISPATCHER_TASK_TIMEOUT" default:"30s"`
	MaxAttempts    int           `mapstructure:"max_attempts" envconfig:"DISPATCHER_MAX_ATTEMPTS" default:"3"`
	BackoffBase    time.Duration `mapstructure:"backoff_base" envconfig:"DISPATCHER_BACKOFF_BASE" default:"200ms"`
	BackoffCeiling time.Duration `mapstructure:"backoff_ceiling" envconfig:"DISPATCHER_BACKOFF_CEILING" default:"10s"`
}

// MonitorConfig configures WorkerMonitor sampling cadence and alert
// thresholds.
type MonitorConfig struct {
	SampleInterval  time.Duration `mapstructure:"sample_interval" envconfig:"MONITOR_SAMPLE_INTERVAL" default:"10s"`
	MaxLogEntries   int           `mapstructure:"max_log_entries" envconfig:"MONITOR_MAX_LOG_ENTRIES" default:"1000"`
	MaxSamples      int           `mapstructure:"max_samples" envconfig:"MONITOR_MAX_SAMPLES" default:"120"`
	AutoRestart     bool          `mapstructure:"auto_restart" envconfig:"MONITOR_AUTO_RESTART" default:"true"`
	ThresholdQueued int           `mapstructure:"threshold_queued" envconfig:"MONITOR_THRESHOLD_QUEUED" default:"100"`
	ThresholdFailed int           `mapstructure:"threshold_failed" envconfig:"MONITOR_THRESHOLD_FAILED" default:"10"`
	ThresholdTime   time.Duration `mapstructure:"threshold_time" envconfig:"MONITOR_THRESHOLD_TIME" default:"5s"`
}

// Load loads configuration from files and environment
func Load(serviceName string) (*Config, error) {
	var cfg Config

	// Set default service name
	cfg.Service.Name = serviceName
	cfg.Telemetry.ServiceName = serviceName

	// Set config file paths
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("./configs/services/" + serviceName)
	viper.AddConfigPath(".")

	// Read config file if exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; ignore error and continue with env vars
	}

	// Unmarshal config file
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with environment variables
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	// Service-specific environment variables
	envPrefix := fmt.Sprintf("%s_", toEnvPrefix(serviceName))
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process service env vars: %w", err)
	}

	// Set version
	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	} else {
		cfg.Version = "dev"
	}

	return &cfg, nil
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// toEnvPrefix converts service name to environment variable prefix
func toEnvPrefix(name string) string {
	result := ""
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result += "_"
		}
		if r >= 'a' && r <= 'z' {
			result += string(r - 32) // Convert to uppercase
		} else {
			result += string(r)
		}
	}
	return result
}
