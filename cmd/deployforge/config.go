package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	apimw "github.com/artpar/deployforge/internal/shell/api/middleware"
	"github.com/artpar/deployforge/internal/shell/workers"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Stages    StagesConfig    `mapstructure:"stages"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Mode determines how the caller is identified.
	// "header" - trusted X-User-ID from a fronting proxy
	// "jwt" - HS256 bearer token, sub is the user id
	// "dev" - every request acts as the first user in the store
	Mode string `mapstructure:"mode"`

	// SharedSecret is checked against X-Proxy-Secret in header mode.
	SharedSecret string `mapstructure:"shared_secret"`

	JWTSecret string `mapstructure:"jwt_secret"`

	// AllowedOrigins enables CORS and websocket origin checks.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AdmissionConfig holds admission control settings.
type AdmissionConfig struct {
	MaxActivePerUser int `mapstructure:"max_active_per_user"`
}

// QueueConfig holds work queue settings.
type QueueConfig struct {
	// Capacity of 0 means unbounded.
	Capacity     int           `mapstructure:"capacity"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Consumers    int           `mapstructure:"consumers"`
}

// WorkerConfig holds lifecycle worker settings.
type WorkerConfig struct {
	StageTimeout   time.Duration `mapstructure:"stage_timeout"`
	RecoveryPolicy string        `mapstructure:"recovery_policy"`
	KeepWorkspace  bool          `mapstructure:"keep_workspace"`
}

// StagesConfig selects and configures the stage handlers.
type StagesConfig struct {
	// Mode is simulated, host or docker.
	Mode           string        `mapstructure:"mode"`
	SimulatedDelay time.Duration `mapstructure:"simulated_delay"`
	WorkspaceDir   string        `mapstructure:"workspace_dir"`
	GitToken       string        `mapstructure:"git_token"`
	GitSSHKey      string        `mapstructure:"git_ssh_key"`
	DockerHost     string        `mapstructure:"docker_host"`
	DockerImage    string        `mapstructure:"docker_image"`
}

// ArtifactsConfig selects where build output is published.
type ArtifactsConfig struct {
	// Backend is local, s3 or minio.
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Stage modes.
const (
	StagesSimulated = "simulated"
	StagesHost      = "host"
	StagesDocker    = "docker"
)

// Artifact backends.
const (
	ArtifactsLocal = "local"
	ArtifactsS3    = "s3"
	ArtifactsMinIO = "minio"
)

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/deployforge.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.mode", apimw.ModeDev)
	v.SetDefault("auth.shared_secret", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.allowed_origins", []string{})

	v.SetDefault("admission.max_active_per_user", 2)

	v.SetDefault("queue.capacity", 0)
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.consumers", 1)

	v.SetDefault("worker.stage_timeout", "10m")
	v.SetDefault("worker.recovery_policy", string(workers.RecoveryResume))
	v.SetDefault("worker.keep_workspace", false)

	v.SetDefault("stages.mode", StagesSimulated)
	v.SetDefault("stages.simulated_delay", "2s")
	v.SetDefault("stages.workspace_dir", "./data/workspaces")
	v.SetDefault("stages.git_token", "")
	v.SetDefault("stages.git_ssh_key", "")
	v.SetDefault("stages.docker_host", "")
	v.SetDefault("stages.docker_image", "node:20-alpine")

	v.SetDefault("artifacts.backend", ArtifactsLocal)
	v.SetDefault("artifacts.local_dir", "./data/artifacts")
	v.SetDefault("artifacts.bucket", "")
	v.SetDefault("artifacts.prefix", "")
	v.SetDefault("artifacts.region", "us-east-1")
	v.SetDefault("artifacts.endpoint", "")
	v.SetDefault("artifacts.access_key", "")
	v.SetDefault("artifacts.secret_key", "")
	v.SetDefault("artifacts.use_ssl", true)

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("DEPLOYFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects unknown enum values and non-positive limits.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be sqlite or postgres", c.Database.Driver))
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required for postgres"))
	}

	switch c.Auth.Mode {
	case apimw.ModeHeader, apimw.ModeDev:
	case apimw.ModeJWT:
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret is required in jwt mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q must be header, jwt or dev", c.Auth.Mode))
	}

	if c.Admission.MaxActivePerUser <= 0 {
		errs = append(errs, errors.New("admission.max_active_per_user must be positive"))
	}
	if c.Queue.Capacity < 0 {
		errs = append(errs, errors.New("queue.capacity must not be negative"))
	}
	if c.Queue.Consumers <= 0 {
		errs = append(errs, errors.New("queue.consumers must be positive"))
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, errors.New("queue.poll_interval must be positive"))
	}
	if c.Worker.StageTimeout <= 0 {
		errs = append(errs, errors.New("worker.stage_timeout must be positive"))
	}
	if _, err := workers.ParseRecoveryPolicy(c.Worker.RecoveryPolicy); err != nil {
		errs = append(errs, fmt.Errorf("worker.recovery_policy: %w", err))
	}

	switch c.Stages.Mode {
	case StagesSimulated, StagesHost:
	case StagesDocker:
		if c.Stages.DockerImage == "" {
			errs = append(errs, errors.New("stages.docker_image is required in docker mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("stages.mode %q must be simulated, host or docker", c.Stages.Mode))
	}
	if c.Stages.WorkspaceDir == "" {
		errs = append(errs, errors.New("stages.workspace_dir is required"))
	}

	switch c.Artifacts.Backend {
	case ArtifactsLocal:
		if c.Artifacts.LocalDir == "" {
			errs = append(errs, errors.New("artifacts.local_dir is required for the local backend"))
		}
	case ArtifactsS3:
		if c.Artifacts.Bucket == "" {
			errs = append(errs, errors.New("artifacts.bucket is required for s3"))
		}
	case ArtifactsMinIO:
		if c.Artifacts.Bucket == "" || c.Artifacts.Endpoint == "" {
			errs = append(errs, errors.New("artifacts.bucket and artifacts.endpoint are required for minio"))
		}
	default:
		errs = append(errs, fmt.Errorf("artifacts.backend %q must be local, s3 or minio", c.Artifacts.Backend))
	}

	return errors.Join(errs...)
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
