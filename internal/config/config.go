package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Upload    UploadConfig
	Storage   StorageConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Pipeline  PipelineConfig
}

type ServerConfig struct {
	Port     string `validate:"required"`
	Env      string `validate:"oneof=development production test"`
	LogLevel string `validate:"oneof=debug info warn error"`
	BaseURL  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int `validate:"gte=0"`
}

type AuthConfig struct {
	Enabled  bool
	Secret   string
	Issuer   string
	Audience string
}

type RateLimitConfig struct {
	SubmitPerHour int `validate:"gte=0"`
}

type UploadConfig struct {
	MaxSize int64 `validate:"gt=0"`
}

type StorageConfig struct {
	Backend  string `validate:"oneof=local s3"`
	LocalDir string
	S3       S3Config
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	SignedURLExpiry time.Duration
}

type QueueConfig struct {
	Backend      string `validate:"oneof=asynq polling memory"`
	Name         string `validate:"required"`
	MaxRetry     int    `validate:"gte=0"`
	PollInterval time.Duration
	ClaimTimeout time.Duration
	Retention    time.Duration
}

type WorkerConfig struct {
	Embedded     bool
	JobTimeout   time.Duration `validate:"gt=0"`
	LeaseTimeout time.Duration `validate:"gt=0"`
	HealthPort   string
}

type PipelineConfig struct {
	Backend     string `validate:"oneof=service mock"`
	ServiceURL  string
	Timeout     time.Duration
	Device      string `validate:"oneof=cpu cuda"`
	DemucsModel string
	Shifts      int     `validate:"gte=0"`
	Overlap     float64 `validate:"gte=0,lt=1"`
	UseDemucs   bool
	StageDelay  time.Duration
}

// Load reads configuration from config.yaml (optional) and the environment.
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom fills a Config using the given viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("AUTH_SECRET")
	readSecret("S3_ACCESS_KEY_ID")
	readSecret("S3_SECRET_ACCESS_KEY")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	bindings := map[string]string{
		"server.port":                  "PORT",
		"server.env":                   "SERVER_ENV",
		"server.log_level":             "LOG_LEVEL",
		"server.base_url":              "BASE_URL",
		"redis.addr":                   "REDIS_ADDR",
		"redis.password":               "REDIS_PASSWORD",
		"redis.db":                     "REDIS_DB",
		"auth.enabled":                 "AUTH_ENABLED",
		"auth.secret":                  "AUTH_SECRET",
		"auth.issuer":                  "AUTH_ISSUER",
		"auth.audience":                "AUTH_AUDIENCE",
		"ratelimit.submit_per_hour":    "RATELIMIT_SUBMIT_PER_HOUR",
		"upload.max_size":              "MAX_UPLOAD_SIZE",
		"storage.backend":              "STORAGE_BACKEND",
		"storage.local_dir":            "LOCAL_JOBS_DIR",
		"storage.s3.bucket":            "S3_BUCKET",
		"storage.s3.region":            "S3_REGION",
		"storage.s3.endpoint":          "S3_ENDPOINT",
		"storage.s3.access_key_id":     "S3_ACCESS_KEY_ID",
		"storage.s3.secret_access_key": "S3_SECRET_ACCESS_KEY",
		"storage.s3.use_path_style":    "S3_USE_PATH_STYLE",
		"storage.s3.signed_url_expiry": "S3_SIGNED_URL_EXPIRY",
		"queue.backend":                "QUEUE_BACKEND",
		"queue.name":                   "QUEUE_NAME",
		"queue.max_retry":              "QUEUE_MAX_RETRY",
		"queue.poll_interval":          "QUEUE_POLL_INTERVAL",
		"queue.claim_timeout":          "QUEUE_CLAIM_TIMEOUT",
		"queue.retention":              "QUEUE_RETENTION",
		"worker.embedded":              "WORKER_EMBEDDED",
		"worker.job_timeout":           "WORKER_JOB_TIMEOUT",
		"worker.lease_timeout":         "WORKER_LEASE_TIMEOUT",
		"worker.health_port":           "WORKER_HEALTH_PORT",
		"pipeline.backend":             "PIPELINE_BACKEND",
		"pipeline.service_url":         "PIPELINE_SERVICE_URL",
		"pipeline.timeout":             "PIPELINE_TIMEOUT",
		"pipeline.device":              "DEMUCS_DEVICE",
		"pipeline.demucs_model":        "DEMUCS_MODEL",
		"pipeline.shifts":              "DEMUCS_SHIFTS",
		"pipeline.overlap":             "DEMUCS_OVERLAP",
		"pipeline.use_demucs":          "USE_DEMUCS",
		"pipeline.stage_delay":         "PIPELINE_STAGE_DELAY",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("ratelimit.submit_per_hour", 20)
	v.SetDefault("upload.max_size", 100*1024*1024) // 100MB

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "./jobs")
	v.SetDefault("storage.s3.region", "auto")
	v.SetDefault("storage.s3.signed_url_expiry", 15*time.Minute)

	// Queue defaults
	v.SetDefault("queue.backend", "polling")
	v.SetDefault("queue.name", "transcription")
	v.SetDefault("queue.max_retry", 3)
	v.SetDefault("queue.poll_interval", 5*time.Second)
	v.SetDefault("queue.claim_timeout", 45*time.Minute)
	v.SetDefault("queue.retention", 24*time.Hour)

	// Worker defaults
	v.SetDefault("worker.embedded", true)
	v.SetDefault("worker.job_timeout", 30*time.Minute)
	v.SetDefault("worker.lease_timeout", 2*time.Minute)
	v.SetDefault("worker.health_port", "8080")

	// Pipeline defaults
	v.SetDefault("pipeline.backend", "mock")
	v.SetDefault("pipeline.service_url", "http://localhost:8090")
	v.SetDefault("pipeline.timeout", 10*time.Minute)
	v.SetDefault("pipeline.device", "cpu")
	v.SetDefault("pipeline.demucs_model", "htdemucs")
	v.SetDefault("pipeline.shifts", 1)
	v.SetDefault("pipeline.overlap", 0.25)
	v.SetDefault("pipeline.use_demucs", true)
	v.SetDefault("pipeline.stage_delay", 0)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: strings.ToLower(v.GetString("server.log_level")),
			BaseURL:  v.GetString("server.base_url"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Auth: AuthConfig{
			Enabled:  v.GetBool("auth.enabled"),
			Secret:   v.GetString("auth.secret"),
			Issuer:   v.GetString("auth.issuer"),
			Audience: v.GetString("auth.audience"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: v.GetInt("ratelimit.submit_per_hour"),
		},
		Upload: UploadConfig{
			MaxSize: v.GetInt64("upload.max_size"),
		},
		Storage: StorageConfig{
			Backend:  v.GetString("storage.backend"),
			LocalDir: v.GetString("storage.local_dir"),
			S3: S3Config{
				Bucket:          v.GetString("storage.s3.bucket"),
				Region:          v.GetString("storage.s3.region"),
				Endpoint:        v.GetString("storage.s3.endpoint"),
				AccessKeyID:     v.GetString("storage.s3.access_key_id"),
				SecretAccessKey: v.GetString("storage.s3.secret_access_key"),
				UsePathStyle:    v.GetBool("storage.s3.use_path_style"),
				SignedURLExpiry: v.GetDuration("storage.s3.signed_url_expiry"),
			},
		},
		Queue: QueueConfig{
			Backend:      v.GetString("queue.backend"),
			Name:         v.GetString("queue.name"),
			MaxRetry:     v.GetInt("queue.max_retry"),
			PollInterval: v.GetDuration("queue.poll_interval"),
			ClaimTimeout: v.GetDuration("queue.claim_timeout"),
			Retention:    v.GetDuration("queue.retention"),
		},
		Worker: WorkerConfig{
			Embedded:     v.GetBool("worker.embedded"),
			JobTimeout:   v.GetDuration("worker.job_timeout"),
			LeaseTimeout: v.GetDuration("worker.lease_timeout"),
			HealthPort:   v.GetString("worker.health_port"),
		},
		Pipeline: PipelineConfig{
			Backend:     v.GetString("pipeline.backend"),
			ServiceURL:  v.GetString("pipeline.service_url"),
			Timeout:     v.GetDuration("pipeline.timeout"),
			Device:      v.GetString("pipeline.device"),
			DemucsModel: v.GetString("pipeline.demucs_model"),
			Shifts:      v.GetInt("pipeline.shifts"),
			Overlap:     v.GetFloat64("pipeline.overlap"),
			UseDemucs:   v.GetBool("pipeline.use_demucs"),
			StageDelay:  v.GetDuration("pipeline.stage_delay"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Storage.Backend == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("invalid config: storage.s3.bucket is required for the s3 backend")
	}
	if c.Storage.Backend == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("invalid config: storage.local_dir is required for the local backend")
	}
	if c.Pipeline.Backend == "service" && c.Pipeline.ServiceURL == "" {
		return fmt.Errorf("invalid config: pipeline.service_url is required for the service backend")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" && c.Auth.Issuer == "" {
		return fmt.Errorf("invalid config: auth requires a secret or an issuer")
	}
	return nil
}

// UsesRedis reports whether any configured component needs a Redis
// connection. Standalone workers publish progress through Redis.
func (c *Config) UsesRedis() bool {
	return c.Queue.Backend == "asynq" || c.RateLimit.SubmitPerHour > 0 || !c.Worker.Embedded
}
