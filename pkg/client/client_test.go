package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/groovesheet/api/internal/model"
	"github.com/groovesheet/api/pkg/response"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSubmitAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			writeJSON(w, 401, response.ErrorResponse{Error: response.ErrorDetail{Code: response.CodeUnauthorized, Message: "nope"}})
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/transcribe":
			file, header, err := r.FormFile("file")
			if err != nil {
				writeJSON(w, 400, response.ErrorResponse{Error: response.ErrorDetail{Code: response.CodeValidationError}})
				return
			}
			file.Close()
			writeJSON(w, 202, model.SubmitResponse{JobID: "job-1", Status: model.JobStatusQueued, Filename: header.Filename})
		case r.URL.Path == "/api/v1/status/job-1":
			writeJSON(w, 200, model.JobStatusResponse{JobID: "job-1", Status: model.JobStatusProcessing, Progress: 55})
		default:
			writeJSON(w, 404, response.ErrorResponse{Error: response.ErrorDetail{Code: response.CodeNotFound, Message: "Job not found"}})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken("tok"))
	ctx := context.Background()

	res, err := c.SubmitBytes(ctx, "groove.wav", []byte("RIFF"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.JobID != "job-1" || res.Filename != "groove.wav" {
		t.Errorf("unexpected response %+v", res)
	}

	st, err := c.Status(ctx, "job-1")
	if err != nil || st.Progress != 55 {
		t.Fatalf("status: %v %+v", err, st)
	}

	_, err = c.Status(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 || apiErr.Code != response.CodeNotFound {
		t.Fatalf("expected a 404 APIError, got %v", err)
	}
	if IsTransient(err) {
		t.Error("404 must not be transient")
	}
}

func TestWait_BacksOffAndResets(t *testing.T) {
	var calls atomic.Int32
	// processing, 503, 503, processing, completed
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 2, 3:
			writeJSON(w, 503, response.ErrorResponse{Error: response.ErrorDetail{Code: response.CodeServiceUnavailable}})
		case 5:
			writeJSON(w, 200, model.JobStatusResponse{JobID: "job-1", Status: model.JobStatusCompleted, Progress: 100})
		default:
			writeJSON(w, 200, model.JobStatusResponse{JobID: "job-1", Status: model.JobStatusProcessing, Progress: 55})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, WithPollInterval(time.Millisecond))
	var updates int
	st, err := c.Wait(context.Background(), "job-1", func(*model.JobStatusResponse) { updates++ })
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if st.Status != model.JobStatusCompleted {
		t.Errorf("unexpected final status %s", st.Status)
	}
	if calls.Load() != 5 || updates != 3 {
		t.Errorf("calls=%d updates=%d", calls.Load(), updates)
	}
}

func TestWait_StopsOnPermanentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 404, response.ErrorResponse{Error: response.ErrorDetail{Code: response.CodeNotFound}})
	}))
	defer srv.Close()

	_, err := New(srv.URL, WithPollInterval(time.Millisecond)).Wait(context.Background(), "job-1", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestWait_HonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, model.JobStatusResponse{JobID: "job-1", Status: model.JobStatusQueued})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, WithPollInterval(10*time.Millisecond)).Wait(ctx, "job-1", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBackOffGrowsToCap(t *testing.T) {
	c := New("http://example.invalid")
	b := c.newBackOff()

	want := DefaultPollInterval
	for i := 0; i < 50; i++ {
		wait := b.NextBackOff()
		if wait > MaxPollInterval {
			t.Fatalf("wait %d is %s, over the %s cap", i, wait, MaxPollInterval)
		}
		if wait != want {
			t.Errorf("wait %d = %s, want %s", i, wait, want)
		}
		if want *= 2; want > MaxPollInterval {
			want = MaxPollInterval
		}
	}

	b.Reset()
	if first := b.NextBackOff(); first != DefaultPollInterval {
		t.Errorf("back-off did not reset: %s", first)
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "midi" {
			writeJSON(w, 409, response.ErrorResponse{Error: response.ErrorDetail{Code: response.CodeConflict}})
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="groove.mid"`)
		_, _ = w.Write([]byte("MThd"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	data, name, err := c.Download(context.Background(), "job-1", model.ArtifactMIDI)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "MThd" || name != "groove.mid" {
		t.Errorf("unexpected download %q %q", data, name)
	}

	if _, _, err := c.Download(context.Background(), "job-1", model.ArtifactMusicXML); err == nil {
		t.Error("expected a conflict error")
	}
}
