package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/groovesheet/api/internal/model"
)

// ServiceClient talks to the Python model service that hosts Demucs and the
// drum transcription network.
type ServiceClient struct {
	httpClient *http.Client
	baseURL    string
	maxRetries uint64
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
}

type SeparateRequest struct {
	JobID     string  `json:"job_id"`
	Filename  string  `json:"filename"`
	Audio     []byte  `json:"audio"`
	Model     string  `json:"model"`
	Device    string  `json:"device"`
	Shifts    int     `json:"shifts"`
	Overlap   float64 `json:"overlap"`
	UseDemucs bool    `json:"use_demucs"`
}

type SeparateResponse struct {
	Stem []byte `json:"stem"`
}

type AnalyzeRequest struct {
	JobID string `json:"job_id"`
	Audio []byte `json:"audio"`
}

type PredictRequest struct {
	JobID    string  `json:"job_id"`
	Audio    []byte  `json:"audio"`
	TempoBPM float64 `json:"tempo_bpm"`
	Device   string  `json:"device"`
}

type PredictResponse struct {
	Hits []Hit `json:"hits"`
}

type NotateRequest struct {
	JobID    string  `json:"job_id"`
	Title    string  `json:"title"`
	TempoBPM float64 `json:"tempo_bpm"`
	Hits     []Hit   `json:"hits"`
}

type NotateResponse struct {
	MusicXML []byte `json:"musicxml"`
}

// HealthResponse is the model service's readiness report.
type HealthResponse struct {
	Status string    `json:"status"`
	Models ModelInfo `json:"models"`
}

func NewServiceClient(baseURL string, timeout time.Duration, logger *zap.Logger) *ServiceClient {
	return &ServiceClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxRetries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
		logger: logger.With(zap.String("component", "model-service")),
	}
}

func (c *ServiceClient) Separate(ctx context.Context, req *SeparateRequest) (*SeparateResponse, error) {
	var result SeparateResponse
	if err := c.post(ctx, "/separate", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *ServiceClient) Analyze(ctx context.Context, req *AnalyzeRequest) (*Analysis, error) {
	var result Analysis
	if err := c.post(ctx, "/analyze", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *ServiceClient) Predict(ctx context.Context, req *PredictRequest) (*PredictResponse, error) {
	var result PredictResponse
	if err := c.post(ctx, "/predict", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *ServiceClient) Notate(ctx context.Context, req *NotateRequest) (*NotateResponse, error) {
	var result NotateResponse
	if err := c.post(ctx, "/notate", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health checks that the model service is up and reports its models.
func (c *ServiceClient) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: model service health check failed: %v", model.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: model service unhealthy: status %d", model.ErrUnavailable, resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("%w: malformed health response: %v", model.ErrUnavailable, err)
	}
	return &health, nil
}

// post sends a JSON request, retrying while the service is unreachable or
// overloaded. Other non-2xx answers and malformed bodies are pipeline errors.
func (c *ServiceClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	stage := strings.TrimPrefix(endpoint, "/")

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%w: %s: %v", model.ErrUnavailable, endpoint, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: read %s response: %v", model.ErrUnavailable, endpoint, err)
		}

		switch {
		case resp.StatusCode == http.StatusBadGateway ||
			resp.StatusCode == http.StatusServiceUnavailable ||
			resp.StatusCode == http.StatusGatewayTimeout:
			return fmt.Errorf("%w: model service %s returned %d", model.ErrUnavailable, endpoint, resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return backoff.Permanent(&model.PipelineError{
				Stage: stage,
				Err:   fmt.Errorf("model service error (status %d): %s", resp.StatusCode, errorDetail(respBody)),
			})
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return backoff.Permanent(&model.PipelineError{
				Stage: stage,
				Err:   fmt.Errorf("malformed response: %w", err),
			})
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("model service call failed, retrying",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	return backoff.RetryNotify(op, b, notify)
}

// errorDetail extracts a short message from an error body.
func errorDetail(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return model.Truncate(strings.TrimSpace(string(body)), 200)
}

// ServiceBackend runs the pipeline against the model service.
type ServiceBackend struct {
	*Staged
	client *ServiceClient
}

func NewServiceBackend(client *ServiceClient, opts Options) *ServiceBackend {
	models := NewModels(opts, func(ctx context.Context, opts Options) (*ModelInfo, error) {
		health, err := client.Health(ctx)
		if err != nil {
			return nil, err
		}
		info := health.Models
		if info.LoadedAt.IsZero() {
			info.LoadedAt = time.Now().UTC()
		}
		return &info, nil
	})

	return &ServiceBackend{
		Staged: NewStaged(models,
			Stage{
				Name:       "separate",
				Checkpoint: CheckpointSeparated,
				Step:       "drums separated",
				Run: func(ctx context.Context, st *State) error {
					if !opts.UseDemucs {
						st.Stem = st.Input.Audio
						return nil
					}
					resp, err := client.Separate(ctx, &SeparateRequest{
						JobID:     st.Input.JobID,
						Filename:  st.Input.Filename,
						Audio:     st.Input.Audio,
						Model:     opts.DemucsModel,
						Device:    opts.Device,
						Shifts:    opts.Shifts,
						Overlap:   opts.Overlap,
						UseDemucs: opts.UseDemucs,
					})
					if err != nil {
						return err
					}
					if len(resp.Stem) == 0 {
						return errors.New("separation produced an empty drum stem")
					}
					st.Stem = resp.Stem
					return nil
				},
			},
			Stage{
				Name:       "analyze",
				Checkpoint: CheckpointAnalysed,
				Step:       "audio analysed",
				Run: func(ctx context.Context, st *State) error {
					a, err := client.Analyze(ctx, &AnalyzeRequest{JobID: st.Input.JobID, Audio: st.Stem})
					if err != nil {
						return err
					}
					if a.TempoBPM <= 0 {
						return fmt.Errorf("no tempo detected")
					}
					st.Analysis = a
					return nil
				},
			},
			Stage{
				Name:       "predict",
				Checkpoint: CheckpointPredicted,
				Step:       "hits predicted",
				Run: func(ctx context.Context, st *State) error {
					resp, err := client.Predict(ctx, &PredictRequest{
						JobID:    st.Input.JobID,
						Audio:    st.Stem,
						TempoBPM: st.Analysis.TempoBPM,
						Device:   opts.Device,
					})
					if err != nil {
						return err
					}
					if len(resp.Hits) == 0 {
						return fmt.Errorf("no drum hits detected")
					}
					for _, h := range resp.Hits {
						if !h.Instrument.Valid() {
							return fmt.Errorf("unknown instrument %q", h.Instrument)
						}
					}
					st.Hits = resp.Hits
					return nil
				},
			},
			Stage{
				Name:       "notate",
				Checkpoint: CheckpointNotated,
				Step:       "notation built",
				Run: func(ctx context.Context, st *State) error {
					resp, err := client.Notate(ctx, &NotateRequest{
						JobID:    st.Input.JobID,
						Title:    titleFor(st.Input.Filename),
						TempoBPM: st.Analysis.TempoBPM,
						Hits:     st.Hits,
					})
					if err != nil {
						return err
					}
					if len(resp.MusicXML) == 0 {
						return fmt.Errorf("notation service returned an empty document")
					}
					st.MusicXML = resp.MusicXML
					return nil
				},
			},
			renderStage(),
		),
		client: client,
	}
}

// Health reports whether the model service is reachable.
func (b *ServiceBackend) Health(ctx context.Context) error {
	_, err := b.client.Health(ctx)
	return err
}
