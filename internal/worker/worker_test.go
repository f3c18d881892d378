package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/groovesheet/api/internal/events"
	"github.com/groovesheet/api/internal/model"
	"github.com/groovesheet/api/internal/pipeline"
	"github.com/groovesheet/api/internal/queue"
	"github.com/groovesheet/api/internal/storage"
)

// recordingStore records the progress of every successful update and can
// inject failures.
type recordingStore struct {
	storage.Store

	mu              sync.Mutex
	progress        []int
	failCheckpoints bool
	failWriteOutput error
}

func (s *recordingStore) UpdateStatus(ctx context.Context, jobID string, upd storage.Update) (*model.Job, error) {
	if s.failCheckpoints && upd.Status == nil {
		return nil, fmt.Errorf("%w: disk full", model.ErrStorage)
	}
	job, err := s.Store.UpdateStatus(ctx, jobID, upd)
	if err == nil {
		s.mu.Lock()
		s.progress = append(s.progress, job.Progress)
		s.mu.Unlock()
	}
	return job, err
}

func (s *recordingStore) WriteOutput(ctx context.Context, jobID string, attempt int, kind model.ArtifactKind, data []byte) error {
	if s.failWriteOutput != nil {
		return s.failWriteOutput
	}
	return s.Store.WriteOutput(ctx, jobID, attempt, kind, data)
}

func (s *recordingStore) recorded() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.progress...)
}

type capturePublisher struct {
	mu       sync.Mutex
	payloads []string
}

func (c *capturePublisher) Publish(ctx context.Context, jobID string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, string(payload))
	return nil
}

func (c *capturePublisher) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) == 0 {
		return ""
	}
	return c.payloads[len(c.payloads)-1]
}

type failingPipeline struct{ err error }

func (p failingPipeline) Run(ctx context.Context, in pipeline.Input, r pipeline.Reporter) (*pipeline.Output, error) {
	r.Checkpoint(ctx, pipeline.CheckpointModelsReady, "models ready")
	return nil, p.err
}

type fixture struct {
	store *recordingStore
	queue *queue.MemoryQueue
	pub   *capturePublisher
	w     *Worker
}

func newFixture(t *testing.T, p pipeline.Pipeline) *fixture {
	t.Helper()
	local, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	f := &fixture{
		store: &recordingStore{Store: local},
		queue: queue.NewMemoryQueue(),
		pub:   &capturePublisher{},
	}
	notifier := events.NewNotifier(f.pub, zap.NewNop())
	f.w = New(f.queue, f.store, p, notifier, zap.NewNop(), Options{JobTimeout: 5 * time.Second})
	return f
}

func testAudio(n int) []byte {
	audio := make([]byte, n)
	for i := range audio {
		audio[i] = byte(i*31 + 7)
	}
	return audio
}

func (f *fixture) submit(t *testing.T, id string, audio []byte) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.CreateJob(ctx, id, "groove.wav"); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := f.store.WriteInput(ctx, id, audio); err != nil {
		t.Fatalf("write input: %v", err)
	}
	if err := f.queue.Publish(ctx, model.Task{JobID: id, Locator: f.store.Locator(id)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func (f *fixture) next(t *testing.T) *queue.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := f.queue.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	return d
}

func TestHandle_CompletesJob(t *testing.T) {
	f := newFixture(t, pipeline.NewMock(pipeline.Options{Device: "cpu"}, 0))
	f.submit(t, "job-1", testAudio(64000))

	if got := f.w.Handle(context.Background(), f.next(t)); got != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", got)
	}

	job, err := f.store.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != model.JobStatusCompleted || job.Progress != 100 {
		t.Errorf("unexpected job state %s/%d", job.Status, job.Progress)
	}
	if job.Attempts != 1 || job.StartedAt == nil || job.CompletedAt == nil {
		t.Errorf("unexpected bookkeeping %+v", job)
	}
	if job.Result == nil || job.Result.Attempt != 1 || job.Result.Artifact != f.store.ArtifactLocator("job-1", 1, model.ArtifactMusicXML) {
		t.Fatalf("unexpected result %+v", job.Result)
	}
	for _, kind := range []model.ArtifactKind{model.ArtifactMIDI, model.ArtifactAudio} {
		if _, ok := job.Result.Artifacts[kind]; !ok {
			t.Errorf("%s artifact not recorded", kind)
		}
	}
	if job.LeaseExpiresAt != nil {
		t.Error("completed job still leased")
	}
	if job.Result.NoteCount == 0 || job.Result.TempoBPM == 0 {
		t.Errorf("summary not filled: %+v", job.Result)
	}

	xml, err := f.store.ReadOutput(context.Background(), "job-1", 1, model.ArtifactMusicXML)
	if err != nil || len(xml) == 0 {
		t.Fatalf("musicxml not stored: %v", err)
	}

	progress := f.store.recorded()
	want := []int{0, 30, 35, 55, 65, 80, 90, 95, 97, 100}
	if fmt.Sprint(progress) != fmt.Sprint(want) {
		t.Errorf("progress sequence = %v, want %v", progress, want)
	}
	if f.queue.Len() != 0 {
		t.Error("task should have been acked")
	}

	var msg model.WSCompleteMessage
	if err := json.Unmarshal([]byte(f.pub.last()), &msg); err != nil || msg.Type != model.WSMessageTypeComplete {
		t.Errorf("expected a complete event, got %q", f.pub.last())
	}
	if s := f.w.Stats(); s.Processed != 1 || s.CurrentJob != "" || s.LastJobAt == nil {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestHandle_PipelineFailureFailsJob(t *testing.T) {
	f := newFixture(t, pipeline.NewMock(pipeline.Options{}, 0))
	silence := make([]byte, 32000)
	f.submit(t, "job-1", silence)

	if got := f.w.Handle(context.Background(), f.next(t)); got != OutcomeFailed {
		t.Fatalf("expected failed, got %s", got)
	}

	job, _ := f.store.GetJob(context.Background(), "job-1")
	if job.Status != model.JobStatusFailed || job.Error == nil || job.Result != nil {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Error.Code != model.ErrorCodePipelineFailed || job.Error.Message == "" {
		t.Errorf("unexpected error %+v", job.Error)
	}
	if f.queue.Len() != 0 {
		t.Error("pipeline failures must be acked, not retried")
	}

	var msg model.WSErrorMessage
	if err := json.Unmarshal([]byte(f.pub.last()), &msg); err != nil || msg.Type != model.WSMessageTypeError {
		t.Errorf("expected an error event, got %q", f.pub.last())
	}
}

func TestHandle_DuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t, pipeline.NewMock(pipeline.Options{}, 0))
	f.submit(t, "job-1", testAudio(32000))
	if err := f.queue.Publish(context.Background(), model.Task{JobID: "job-1"}); err != nil {
		t.Fatal(err)
	}

	if got := f.w.Handle(context.Background(), f.next(t)); got != OutcomeCompleted {
		t.Fatalf("first delivery: %s", got)
	}
	before, _ := f.store.GetJob(context.Background(), "job-1")

	if got := f.w.Handle(context.Background(), f.next(t)); got != OutcomeSkipped {
		t.Fatalf("duplicate delivery: %s", got)
	}
	after, _ := f.store.GetJob(context.Background(), "job-1")
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Attempts != before.Attempts {
		t.Error("duplicate delivery modified the job")
	}
	if f.queue.Len() != 0 {
		t.Error("duplicate should be acked")
	}
}

// sequencePipeline returns a different score on every run, each after its
// own delay.
type sequencePipeline struct {
	scores []string
	delays []time.Duration

	mu   sync.Mutex
	runs int
}

func (p *sequencePipeline) Run(ctx context.Context, in pipeline.Input, r pipeline.Reporter) (*pipeline.Output, error) {
	p.mu.Lock()
	i := p.runs
	p.runs++
	p.mu.Unlock()
	if i >= len(p.scores) {
		return nil, fmt.Errorf("unexpected run %d", i+1)
	}

	select {
	case <-time.After(p.delays[i]):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &pipeline.Output{
		MusicXML: []byte(p.scores[i]),
		Summary:  pipeline.Summary{TempoBPM: 120, NoteCount: 1},
	}, nil
}

func (p *sequencePipeline) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

func TestHandle_ConcurrentDeliveryDefersToLeaseHolder(t *testing.T) {
	seq := &sequencePipeline{
		scores: []string{"<score>A</score>", "<score>B</score>"},
		delays: []time.Duration{200 * time.Millisecond, 400 * time.Millisecond},
	}
	f := newFixture(t, seq)
	f.submit(t, "job-1", testAudio(32000))
	_ = f.queue.Publish(context.Background(), model.Task{JobID: "job-1"})

	first, second := f.next(t), f.next(t)
	outcomes := make(chan Outcome, 2)
	go func() { outcomes <- f.w.Handle(context.Background(), first) }()
	time.Sleep(50 * time.Millisecond)
	go func() { outcomes <- f.w.Handle(context.Background(), second) }()

	got := map[Outcome]int{}
	for i := 0; i < 2; i++ {
		got[<-outcomes]++
	}
	if got[OutcomeCompleted] != 1 || got[OutcomeRetry] != 1 {
		t.Fatalf("expected one completion and one deferral, got %v", got)
	}

	// the deferred task comes back and finds the job done
	if outcome := f.w.Handle(context.Background(), f.next(t)); outcome != OutcomeSkipped {
		t.Fatalf("redelivery: %s", outcome)
	}
	if n := seq.count(); n != 1 {
		t.Errorf("pipeline ran %d times", n)
	}

	job, _ := f.store.GetJob(context.Background(), "job-1")
	if job.Status != model.JobStatusCompleted || job.Attempts != 1 || job.Result == nil {
		t.Fatalf("unexpected job %+v", job)
	}
	xml, err := f.store.ReadOutput(context.Background(), "job-1", job.Result.Attempt, model.ArtifactMusicXML)
	if err != nil || string(xml) != "<score>A</score>" {
		t.Errorf("stored artifact does not match the committed run: %q, %v", xml, err)
	}
}

func TestHandle_SupersededAttemptDiscardsOutput(t *testing.T) {
	seq := &sequencePipeline{
		scores: []string{"<score>A</score>", "<score>B</score>"},
		delays: []time.Duration{200 * time.Millisecond, 400 * time.Millisecond},
	}
	f := newFixture(t, seq)
	f.submit(t, "job-1", testAudio(32000))
	_ = f.queue.Publish(context.Background(), model.Task{JobID: "job-1"})

	// a worker whose heartbeats never land, so its short lease lapses mid-run
	stalled := New(f.queue, &recordingStore{Store: f.store.Store, failCheckpoints: true}, seq,
		events.NewNotifier(f.pub, zap.NewNop()), zap.NewNop(),
		Options{JobTimeout: 5 * time.Second, LeaseTimeout: 30 * time.Millisecond})

	first, second := f.next(t), f.next(t)
	stalledOutcome := make(chan Outcome, 1)
	go func() { stalledOutcome <- stalled.Handle(context.Background(), first) }()
	time.Sleep(100 * time.Millisecond)

	if got := f.w.Handle(context.Background(), second); got != OutcomeCompleted {
		t.Fatalf("takeover: %s", got)
	}
	if got := <-stalledOutcome; got != OutcomeSkipped {
		t.Fatalf("superseded worker: %s", got)
	}

	job, _ := f.store.GetJob(context.Background(), "job-1")
	if job.Status != model.JobStatusCompleted || job.Attempts != 2 || job.Result == nil || job.Result.Attempt != 2 {
		t.Fatalf("unexpected job %+v", job)
	}
	xml, err := f.store.ReadOutput(context.Background(), "job-1", job.Result.Attempt, model.ArtifactMusicXML)
	if err != nil || string(xml) != "<score>B</score>" {
		t.Errorf("stored artifact does not match the committed run: %q, %v", xml, err)
	}
	if _, err := f.store.ReadOutput(context.Background(), "job-1", 1, model.ArtifactMusicXML); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("superseded attempt wrote output: %v", err)
	}
}

func TestHandle_InfrastructureFailureNacks(t *testing.T) {
	f := newFixture(t, pipeline.NewMock(pipeline.Options{}, 0))
	f.store.failWriteOutput = fmt.Errorf("%w: bucket unreachable", model.ErrStorage)
	f.submit(t, "job-1", testAudio(32000))

	if got := f.w.Handle(context.Background(), f.next(t)); got != OutcomeRetry {
		t.Fatalf("expected retry, got %s", got)
	}
	job, _ := f.store.GetJob(context.Background(), "job-1")
	if job.Status.IsTerminal() {
		t.Errorf("job must stay non-terminal, got %s", job.Status)
	}
	if f.queue.Len() != 1 {
		t.Fatal("task should be back on the queue")
	}

	// the redelivery succeeds once storage recovers
	f.store.failWriteOutput = nil
	d := f.next(t)
	if d.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", d.Attempt)
	}
	if got := f.w.Handle(context.Background(), d); got != OutcomeCompleted {
		t.Fatalf("redelivery: %s", got)
	}
	job, _ = f.store.GetJob(context.Background(), "job-1")
	if job.Attempts != 2 {
		t.Errorf("expected two attempts, got %d", job.Attempts)
	}
}

func TestHandle_UnavailableDependencyNacks(t *testing.T) {
	f := newFixture(t, failingPipeline{err: fmt.Errorf("%w: connection refused", model.ErrUnavailable)})
	f.submit(t, "job-1", testAudio(32000))

	if got := f.w.Handle(context.Background(), f.next(t)); got != OutcomeRetry {
		t.Fatalf("expected retry, got %s", got)
	}
	job, _ := f.store.GetJob(context.Background(), "job-1")
	if job.Status != model.JobStatusProcessing {
		t.Errorf("unexpected status %s", job.Status)
	}
}

func TestHandle_LongFailureMessageKeepsRunesWhole(t *testing.T) {
	reason := &model.PipelineError{Stage: "predict", Err: errors.New(strings.Repeat("ü", 400))}
	f := newFixture(t, failingPipeline{err: reason})
	f.submit(t, "job-1", testAudio(32000))

	if got := f.w.Handle(context.Background(), f.next(t)); got != OutcomeFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	job, _ := f.store.GetJob(context.Background(), "job-1")
	if job.Error == nil || len(job.Error.Message) > maxErrorMessage || !utf8.ValidString(job.Error.Message) {
		t.Errorf("unexpected error message %+v", job.Error)
	}
}

func TestHandle_CheckpointFailureTolerated(t *testing.T) {
	f := newFixture(t, pipeline.NewMock(pipeline.Options{}, 0))
	f.store.failCheckpoints = true
	f.submit(t, "job-1", testAudio(32000))

	if got := f.w.Handle(context.Background(), f.next(t)); got != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	job, _ := f.store.GetJob(context.Background(), "job-1")
	if job.Status != model.JobStatusCompleted || job.Progress != 100 {
		t.Errorf("unexpected job %s/%d", job.Status, job.Progress)
	}
}

func TestHandle_UnknownJobDropped(t *testing.T) {
	f := newFixture(t, pipeline.NewMock(pipeline.Options{}, 0))
	_ = f.queue.Publish(context.Background(), model.Task{JobID: "ghost"})

	if got := f.w.Handle(context.Background(), f.next(t)); got != OutcomeSkipped {
		t.Fatalf("expected skipped, got %s", got)
	}
	if f.queue.Len() != 0 {
		t.Error("task for unknown job should be acked")
	}
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	f := newFixture(t, pipeline.NewMock(pipeline.Options{}, 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.w.Run(ctx) }()

	f.submit(t, "job-1", testAudio(32000))

	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err := f.store.GetJob(context.Background(), "job-1")
		if err == nil && job.Status == model.JobStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job was not processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

type unhealthyPipeline struct{ failingPipeline }

func (unhealthyPipeline) Health(ctx context.Context) error {
	return errors.New("model service unreachable")
}

func TestHealthApp(t *testing.T) {
	f := newFixture(t, pipeline.NewMock(pipeline.Options{}, 0))
	app := NewHealthApp(f.w, f.store, f.w.pipeline)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Models != "pending" {
		t.Errorf("unexpected body %+v", body)
	}

	sick := NewHealthApp(f.w, f.store, unhealthyPipeline{})
	resp, err = sick.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 503 {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}
