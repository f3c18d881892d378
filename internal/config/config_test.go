package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "local" {
		t.Errorf("expected local storage by default, got %s", cfg.Storage.Backend)
	}
	if cfg.Queue.Backend != "polling" {
		t.Errorf("expected polling queue by default, got %s", cfg.Queue.Backend)
	}
	if cfg.Upload.MaxSize != 100*1024*1024 {
		t.Errorf("unexpected default max upload size %d", cfg.Upload.MaxSize)
	}
	if cfg.Worker.JobTimeout != 30*time.Minute {
		t.Errorf("unexpected default job timeout %s", cfg.Worker.JobTimeout)
	}
	if cfg.Worker.LeaseTimeout != 2*time.Minute {
		t.Errorf("unexpected default lease timeout %s", cfg.Worker.LeaseTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9001")
	t.Setenv("QUEUE_BACKEND", "asynq")
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "groovesheet-jobs")
	t.Setenv("WORKER_JOB_TIMEOUT", "90s")
	t.Setenv("WORKER_LEASE_TIMEOUT", "45s")
	t.Setenv("DEMUCS_DEVICE", "cuda")

	cfg, err := LoadFrom(viper.New())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Port != "9001" {
		t.Errorf("expected port 9001, got %s", cfg.Server.Port)
	}
	if cfg.Queue.Backend != "asynq" {
		t.Errorf("expected asynq queue, got %s", cfg.Queue.Backend)
	}
	if cfg.Storage.S3.Bucket != "groovesheet-jobs" {
		t.Errorf("expected bucket from env, got %q", cfg.Storage.S3.Bucket)
	}
	if cfg.Worker.JobTimeout != 90*time.Second {
		t.Errorf("expected 90s job timeout, got %s", cfg.Worker.JobTimeout)
	}
	if cfg.Worker.LeaseTimeout != 45*time.Second {
		t.Errorf("expected 45s lease timeout, got %s", cfg.Worker.LeaseTimeout)
	}
	if cfg.Pipeline.Device != "cuda" {
		t.Errorf("expected cuda device, got %s", cfg.Pipeline.Device)
	}
	if !cfg.UsesRedis() {
		t.Error("asynq backend should require redis")
	}
}

func TestLoad_RejectsS3WithoutBucket(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "s3")

	if _, err := LoadFrom(viper.New()); err == nil {
		t.Fatal("expected error when s3 bucket is missing")
	}
}

func TestLoad_RejectsUnknownQueue(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "pubsub")

	if _, err := LoadFrom(viper.New()); err == nil {
		t.Fatal("expected error for unknown queue backend")
	}
}

func TestLoad_AuthNeedsCredentials(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")

	if _, err := LoadFrom(viper.New()); err == nil {
		t.Fatal("expected error when auth is enabled without secret or issuer")
	}
}

func TestReadSecret_FromFile(t *testing.T) {
	path := t.TempDir() + "/secret"
	if err := writeFile(path, "  s3cret\n"); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("AUTH_SECRET_FILE", path)

	readSecret("AUTH_SECRET")

	cfg, err := LoadFrom(viper.New())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Auth.Secret != "s3cret" {
		t.Errorf("expected trimmed secret from file, got %q", cfg.Auth.Secret)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
