package bootstrap

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/groovesheet/api/internal/config"
	"github.com/groovesheet/api/internal/pipeline"
	"github.com/groovesheet/api/internal/queue"
	"github.com/groovesheet/api/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Storage:  config.StorageConfig{Backend: "local", LocalDir: t.TempDir()},
		Queue:    config.QueueConfig{Backend: "memory", Name: "transcription"},
		Worker:   config.WorkerConfig{Embedded: true},
		Pipeline: config.PipelineConfig{Backend: "mock", Device: "cpu"},
	}
}

func TestNewStore(t *testing.T) {
	cfg := testConfig(t)
	store, err := NewStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	if _, ok := store.(*storage.LocalStore); !ok {
		t.Errorf("expected *storage.LocalStore, got %T", store)
	}

	cfg.Storage.Backend = "ftp"
	if _, err := NewStore(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestNewQueue(t *testing.T) {
	cfg := testConfig(t)
	store, _ := NewStore(context.Background(), cfg)
	logger := zap.NewNop()

	tests := []struct {
		backend string
		check   func(queue.Queue) bool
	}{
		{"memory", func(q queue.Queue) bool { _, ok := q.(*queue.MemoryQueue); return ok }},
		{"polling", func(q queue.Queue) bool { _, ok := q.(*queue.PollingQueue); return ok }},
		{"asynq", func(q queue.Queue) bool { _, ok := q.(*queue.AsynqQueue); return ok }},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg.Queue.Backend = tt.backend
			q, err := NewQueue(cfg, store, logger)
			if err != nil {
				t.Fatalf("new queue: %v", err)
			}
			defer q.Close()
			if !tt.check(q) {
				t.Errorf("unexpected queue type %T", q)
			}
		})
	}

	cfg.Queue.Backend = "kafka"
	if _, err := NewQueue(cfg, store, logger); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestNewPipeline(t *testing.T) {
	cfg := testConfig(t)
	p, err := NewPipeline(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("mock pipeline: %v", err)
	}
	if _, ok := p.(*pipeline.Staged); !ok {
		t.Errorf("expected *pipeline.Staged, got %T", p)
	}

	cfg.Pipeline.Backend = "service"
	cfg.Pipeline.ServiceURL = "http://127.0.0.1:1"
	if _, err := NewPipeline(cfg, zap.NewNop()); err != nil {
		t.Errorf("service pipeline: %v", err)
	}

	cfg.Pipeline.Backend = "onnx"
	if _, err := NewPipeline(cfg, zap.NewNop()); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestNewVerifiers(t *testing.T) {
	cfg := testConfig(t)
	v, err := NewVerifiers(context.Background(), cfg)
	if err != nil || len(v) != 0 {
		t.Fatalf("disabled auth should yield no verifiers: %v %d", err, len(v))
	}

	cfg.Auth = config.AuthConfig{Enabled: true, Secret: "s3cret"}
	v, err = NewVerifiers(context.Background(), cfg)
	if err != nil || len(v) != 1 {
		t.Fatalf("hmac auth: %v %d", err, len(v))
	}
}

func TestNewRedis_NotNeeded(t *testing.T) {
	cfg := testConfig(t)
	if c := NewRedis(context.Background(), cfg, zap.NewNop()); c != nil {
		t.Error("no component needs redis, expected nil client")
	}
}
