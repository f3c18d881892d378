package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ModelInfo describes the loaded models.
type ModelInfo struct {
	Separator   string    `json:"separator"`
	Transcriber string    `json:"transcriber"`
	Device      string    `json:"device"`
	LoadedAt    time.Time `json:"loadedAt"`
}

// LoadFunc loads (or warms up) the models once per process.
type LoadFunc func(ctx context.Context, opts Options) (*ModelInfo, error)

// Models is a process-scoped, lazily loaded, read-only model handle. A failed
// load is not cached, so the next job tries again.
type Models struct {
	opts Options
	load LoadFunc

	mu   sync.Mutex
	info *ModelInfo
}

func NewModels(opts Options, load LoadFunc) *Models {
	return &Models{opts: opts, load: load}
}

// Get returns the loaded models, loading them on first use.
func (m *Models) Get(ctx context.Context) (*ModelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.info != nil {
		return m.info, nil
	}
	info, err := m.load(ctx, m.opts)
	if err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}
	m.info = info
	return info, nil
}

// Loaded reports whether the models have been loaded.
func (m *Models) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info != nil
}

func (m *Models) Options() Options {
	return m.opts
}
