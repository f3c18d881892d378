// Package client is a Go client for the transcription API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/groovesheet/api/internal/model"
	"github.com/groovesheet/api/pkg/response"
)

const (
	// DefaultPollInterval is the pause between status reads while a job is healthy.
	DefaultPollInterval = 2 * time.Second
	// MaxPollInterval caps the back-off after transient errors.
	MaxPollInterval = 30 * time.Second
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the request later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTransient reports whether err is worth retrying: network failures,
// rate limiting and server-side errors.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var decodeErr *json.SyntaxError
	return !errors.As(err, &decodeErr)
}

// Client talks to one API deployment.
type Client struct {
	baseURL      string
	token        string
	http         *http.Client
	pollInterval time.Duration
	newBackOff   func() backoff.BackOff
}

// Option customizes a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPollInterval sets the base interval used by Wait. The back-off after
// errors starts from the same value.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		http:         &http.Client{Timeout: 5 * time.Minute},
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.pollInterval
		b.MaxInterval = MaxPollInterval
		b.Multiplier = 2
		// no jitter, so a wait never exceeds MaxPollInterval
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
	return c
}

// Submit uploads the file at path.
func (c *Client) Submit(ctx context.Context, path string) (*model.SubmitResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return c.SubmitBytes(ctx, filepath.Base(path), data)
}

// SubmitBytes uploads audio held in memory under filename.
func (c *Client) SubmitBytes(ctx context.Context, filename string, data []byte) (*model.SubmitResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/transcribe", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var res model.SubmitResponse
	if err := c.doJSON(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Status(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/status/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	var res model.JobStatusResponse
	if err := c.doJSON(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Jobs lists jobs, optionally filtered by status.
func (c *Client) Jobs(ctx context.Context, statuses ...model.JobStatus) (*model.JobListResponse, error) {
	path := "/api/v1/jobs"
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		path += "?status=" + url.QueryEscape(strings.Join(parts, ","))
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var res model.JobListResponse
	if err := c.doJSON(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Download fetches an artifact. The returned filename comes from the
// Content-Disposition header when present.
func (c *Client) Download(ctx context.Context, jobID string, kind model.ArtifactKind) ([]byte, string, error) {
	path := "/api/v1/download/" + url.PathEscape(jobID) + "?format=" + url.QueryEscape(string(kind))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", decodeError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", jobID, err)
	}

	filename := jobID + kind.Extension()
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		filename = filepath.Base(params["filename"])
	}
	return data, filename, nil
}

// Wait polls the job until it reaches a terminal state. Healthy reads are
// spaced by the poll interval; transient errors back off exponentially up
// to MaxPollInterval and the back-off resets on the next successful read.
// onUpdate, if set, sees every successful read.
func (c *Client) Wait(ctx context.Context, jobID string, onUpdate func(*model.JobStatusResponse)) (*model.JobStatusResponse, error) {
	b := c.newBackOff()
	for {
		st, err := c.Status(ctx, jobID)
		var wait time.Duration
		switch {
		case err == nil:
			b.Reset()
			if onUpdate != nil {
				onUpdate(st)
			}
			if st.Status.IsTerminal() {
				return st, nil
			}
			wait = c.pollInterval
		case IsTransient(err):
			wait = b.NextBackOff()
			if wait == backoff.Stop {
				return nil, err
			}
		default:
			return nil, err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var e response.ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Error.Code != "" {
		apiErr.Code = e.Error.Code
		apiErr.Message = e.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
