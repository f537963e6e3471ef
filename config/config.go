package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config represents the application configuration
type Config struct {
	Worker  WorkerConfig  `mapstructure:"worker"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
}

// WorkerConfig holds admission control and queue consumption settings
type WorkerConfig struct {
	ID                   string        `mapstructure:"id"`
	QueueKey             string        `mapstructure:"queue_key"`
	MaxConcurrent        int           `mapstructure:"max_concurrent"`
	Parallel             int           `mapstructure:"parallel"`
	PopTimeout           time.Duration `mapstructure:"pop_timeout"`
	BackpressureInterval time.Duration `mapstructure:"backpressure_interval"`
	RetryBackoff         time.Duration `mapstructure:"retry_backoff"`
	ErrorPause           time.Duration `mapstructure:"error_pause"`
	ReliableQueue        bool          `mapstructure:"reliable_queue"`
}

// SandboxConfig holds sandbox provisioning settings
type SandboxConfig struct {
	Backend           string   `mapstructure:"backend"`
	Image             string   `mapstructure:"image"`
	PullImage         bool     `mapstructure:"pull_image"`
	PodmanBinary      string   `mapstructure:"podman_binary"`
	TimeoutSec        int      `mapstructure:"timeout_sec"`
	MemoryMB          int      `mapstructure:"memory_mb"`
	CPUs              float64  `mapstructure:"cpus"`
	MaxOutputKB       int      `mapstructure:"max_output_kb"`
	MaxArtifactSizeMB int      `mapstructure:"max_artifact_size_mb"`
	WorkDir           string   `mapstructure:"work_dir"`
	UploadDir         string   `mapstructure:"upload_dir"`
	LabelKey          string   `mapstructure:"label_key"`
	LabelValue        string   `mapstructure:"label_value"`
	ArtifactPatterns  []string `mapstructure:"artifact_patterns"`
}

// RedisConfig holds the connection used for both the job queue and the result store
type RedisConfig struct {
	URL             string        `mapstructure:"url"`
	ResultKeyPrefix string        `mapstructure:"result_key_prefix"`
	PoolSize        int           `mapstructure:"pool_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// ServerConfig holds the optional MCP admin server settings
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// New loads and validates the application configuration from the default locations
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or from ./config.yaml and ./config/config.yaml
// when path is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	// Values from .env become regular environment variables
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvPrefix("CODERUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("redis.url", "CODERUNNER_REDIS_URL", "REDIS_URL"); err != nil {
		return nil, fmt.Errorf("error binding redis url: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.id", "worker-1")
	v.SetDefault("worker.queue_key", "submission_queue")
	v.SetDefault("worker.max_concurrent", 2)
	v.SetDefault("worker.parallel", 1)
	v.SetDefault("worker.pop_timeout", time.Second)
	v.SetDefault("worker.backpressure_interval", 500*time.Millisecond)
	v.SetDefault("worker.retry_backoff", 2*time.Second)
	v.SetDefault("worker.error_pause", time.Second)
	v.SetDefault("worker.reliable_queue", false)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.image", "python:3.12-slim")
	v.SetDefault("sandbox.pull_image", true)
	v.SetDefault("sandbox.podman_binary", "podman")
	v.SetDefault("sandbox.timeout_sec", 30)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.cpus", 1.0)
	v.SetDefault("sandbox.max_output_kb", 10)
	v.SetDefault("sandbox.max_artifact_size_mb", 20)
	v.SetDefault("sandbox.work_dir", "")
	v.SetDefault("sandbox.upload_dir", "./uploads")
	v.SetDefault("sandbox.label_key", "colab-worker")
	v.SetDefault("sandbox.label_value", "true")
	v.SetDefault("sandbox.artifact_patterns", []string{"*.png", "*.jpg", "*.jpeg", "*.svg"})

	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.result_key_prefix", "result:")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("server.transport", "none")
	v.SetDefault("server.http_port", 8080)
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Worker.QueueKey == "" {
		return fmt.Errorf("worker.queue_key must not be empty")
	}

	if c.Worker.MaxConcurrent <= 0 {
		return fmt.Errorf("worker.max_concurrent must be positive, got: %d", c.Worker.MaxConcurrent)
	}

	if c.Worker.Parallel <= 0 {
		return fmt.Errorf("worker.parallel must be positive, got: %d", c.Worker.Parallel)
	}

	if c.Worker.PopTimeout <= 0 {
		return fmt.Errorf("worker.pop_timeout must be positive, got: %s", c.Worker.PopTimeout)
	}

	if c.Worker.ReliableQueue && c.Worker.ID == "" {
		return fmt.Errorf("worker.id is required when worker.reliable_queue is enabled")
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox.cpus must be positive, got: %g", c.Sandbox.CPUs)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	if c.Sandbox.MaxArtifactSizeMB <= 0 {
		return fmt.Errorf("sandbox.max_artifact_size_mb must be positive, got: %d", c.Sandbox.MaxArtifactSizeMB)
	}

	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image must not be empty")
	}

	if c.Sandbox.LabelKey == "" {
		return fmt.Errorf("sandbox.label_key must not be empty")
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url must not be empty")
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Server.Transport {
	case "none", "stdio", "http":
	default:
		return fmt.Errorf("invalid server.transport: %s, must be 'none', 'stdio' or 'http'", c.Server.Transport)
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// MarkerLabel returns the label attached to every sandbox this worker creates
func (c *Config) MarkerLabel() map[string]string {
	return map[string]string{c.Sandbox.LabelKey: c.Sandbox.LabelValue}
}
