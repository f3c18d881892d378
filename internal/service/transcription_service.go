package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/groovesheet/api/internal/model"
	"github.com/groovesheet/api/internal/queue"
	"github.com/groovesheet/api/internal/storage"
)

// AllowedExtensions are the upload file extensions accepted by Submit.
var AllowedExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".flac": true,
	".ogg":  true,
	".m4a":  true,
	".aac":  true,
}

// containers that carry audio without an audio/* type
var audioContainers = map[string]bool{
	"application/ogg": true,
	"video/mp4":       true,
}

// signer is implemented by stores that can hand out direct download links.
type signer interface {
	SignedURL(ctx context.Context, jobID string, attempt int, kind model.ArtifactKind) (string, error)
}

// TranscriptionService accepts uploads, queues them and reports job state.
type TranscriptionService struct {
	store     storage.Store
	queue     queue.Queue
	validator *validator.Validate
	logger    *zap.Logger
	maxSize   int64
	baseURL   string
	newID     func() string
}

// Options configures a TranscriptionService.
type Options struct {
	// MaxUploadSize is the upload ceiling in bytes.
	MaxUploadSize int64
	// BaseURL prefixes download links; empty yields relative links.
	BaseURL string
}

func NewTranscriptionService(store storage.Store, q queue.Queue, v *validator.Validate, logger *zap.Logger, opts Options) *TranscriptionService {
	return &TranscriptionService{
		store:     store,
		queue:     q,
		validator: v,
		logger:    logger.With(zap.String("component", "transcription-service")),
		maxSize:   opts.MaxUploadSize,
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		newID:     func() string { return uuid.New().String() },
	}
}

// MaxUploadSize returns the configured upload ceiling.
func (s *TranscriptionService) MaxUploadSize() int64 {
	return s.maxSize
}

// Submit stores the upload as a new queued job and publishes its task. It
// never waits for processing.
func (s *TranscriptionService) Submit(ctx context.Context, req *model.SubmitRequest) (*model.SubmitResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	contentType, err := s.checkUpload(req)
	if err != nil {
		return nil, err
	}

	jobID := s.newID()
	log := s.logger.With(zap.String("job_id", jobID))

	job, err := s.store.CreateJob(ctx, jobID, req.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if err := s.store.WriteInput(ctx, jobID, req.Data); err != nil {
		s.abandon(ctx, jobID, "input could not be stored", log)
		return nil, fmt.Errorf("failed to store input: %w", err)
	}
	meta := &storage.InputMetadata{ContentType: contentType, Size: int64(len(req.Data))}
	if _, err := s.store.UpdateStatus(ctx, jobID, storage.Update{Metadata: meta}); err != nil {
		s.abandon(ctx, jobID, "input could not be stored", log)
		return nil, fmt.Errorf("failed to record input: %w", err)
	}

	task := model.Task{JobID: jobID, Locator: s.store.Locator(jobID)}
	if err := s.queue.Publish(ctx, task); err != nil {
		s.abandon(ctx, jobID, "job could not be queued", log)
		if !errors.Is(err, model.ErrQueue) {
			err = fmt.Errorf("%w: %v", model.ErrQueue, err)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Info("job submitted",
		zap.String("filename", req.Filename),
		zap.String("content_type", contentType),
		zap.Int("size", len(req.Data)))

	return &model.SubmitResponse{
		JobID:     job.ID,
		Status:    model.JobStatusQueued,
		Progress:  0,
		Filename:  job.Filename,
		CreatedAt: job.CreatedAt,
	}, nil
}

// checkUpload enforces size, extension and sniffed content type. It returns
// the detected MIME type.
func (s *TranscriptionService) checkUpload(req *model.SubmitRequest) (string, error) {
	if len(req.Data) == 0 {
		return "", fmt.Errorf("%w: file is empty", model.ErrValidation)
	}
	if s.maxSize > 0 && int64(len(req.Data)) > s.maxSize {
		return "", fmt.Errorf("%w: %d bytes exceeds the %d byte limit", model.ErrTooLarge, len(req.Data), s.maxSize)
	}

	ext := strings.ToLower(filepath.Ext(req.Filename))
	if !AllowedExtensions[ext] {
		return "", fmt.Errorf("%w: unsupported file extension %q", model.ErrValidation, ext)
	}

	detected := mimetype.Detect(req.Data)
	if !isAudio(detected) {
		return "", fmt.Errorf("%w: content is %s, not audio", model.ErrValidation, detected.String())
	}
	return detected.String(), nil
}

func isAudio(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "audio/") || audioContainers[m.String()] {
			return true
		}
	}
	return false
}

// abandon marks a job that never reached the queue as failed so it does not
// linger as queued. Best effort.
func (s *TranscriptionService) abandon(ctx context.Context, jobID, message string, log *zap.Logger) {
	status, step := model.JobStatusFailed, "failed"
	jobErr := model.JobError{Code: model.ErrorCodeEnqueueFailed, Message: message}
	if _, err := s.store.UpdateStatus(context.WithoutCancel(ctx), jobID, storage.Update{Status: &status, Step: &step, Error: &jobErr}); err != nil {
		log.Warn("failed to mark job as failed", zap.Error(err))
	}
}

// GetJob returns the raw job record.
func (s *TranscriptionService) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// GetStatus returns the current snapshot of a job, read straight from the store.
func (s *TranscriptionService) GetStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.toStatusResponse(job), nil
}

// Download returns an artifact of a completed job. Jobs that are not
// completed yield model.ErrConflict.
func (s *TranscriptionService) Download(ctx context.Context, jobID string, kind model.ArtifactKind) (*model.Artifact, error) {
	job, err := s.completedJob(ctx, jobID, kind)
	if err != nil {
		return nil, err
	}
	data, err := s.store.ReadOutput(ctx, jobID, job.Result.Attempt, kind)
	if err != nil {
		return nil, err
	}
	return &model.Artifact{
		Kind:        kind,
		Filename:    artifactFilename(job.Filename, kind),
		ContentType: kind.ContentType(),
		Data:        data,
	}, nil
}

// SignedDownloadURL returns a direct link to the artifact when the store
// supports it. ok is false for stores that can only stream.
func (s *TranscriptionService) SignedDownloadURL(ctx context.Context, jobID string, kind model.ArtifactKind) (url string, ok bool, err error) {
	sig, supported := s.store.(signer)
	if !supported {
		return "", false, nil
	}
	job, err := s.completedJob(ctx, jobID, kind)
	if err != nil {
		return "", false, err
	}
	url, err = sig.SignedURL(ctx, jobID, job.Result.Attempt, kind)
	if err != nil {
		return "", false, err
	}
	return url, true, nil
}

func (s *TranscriptionService) completedJob(ctx context.Context, jobID string, kind model.ArtifactKind) (*model.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", model.ErrConflict, jobID, job.Status)
	}
	if _, ok := job.Result.Artifacts[kind]; !ok && kind != model.ArtifactMusicXML {
		return nil, fmt.Errorf("%w: job %s has no %s artifact", model.ErrNotFound, jobID, kind)
	}
	return job, nil
}

// List returns jobs, optionally filtered by status, oldest first.
func (s *TranscriptionService) List(ctx context.Context, statuses []model.JobStatus) (*model.JobListResponse, error) {
	for _, st := range statuses {
		if !st.IsValid() {
			return nil, fmt.Errorf("%w: unknown status %q", model.ErrValidation, st)
		}
	}
	jobs, err := s.store.ListJobs(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	res := &model.JobListResponse{Jobs: make([]model.JobStatusResponse, 0, len(jobs))}
	for _, job := range jobs {
		res.Jobs = append(res.Jobs, *s.toStatusResponse(job))
	}
	res.Count = len(res.Jobs)
	return res, nil
}

func (s *TranscriptionService) toStatusResponse(job *model.Job) *model.JobStatusResponse {
	res := &model.JobStatusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		Filename:    job.Filename,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Attempts:    job.Attempts,
		Error:       job.Error,
	}
	if job.Result != nil {
		downloads := make(map[model.ArtifactKind]string, len(job.Result.Artifacts))
		for kind := range job.Result.Artifacts {
			downloads[kind] = s.downloadURL(job.ID, kind)
		}
		res.Result = &model.ResultResponse{
			DownloadURL:       s.downloadURL(job.ID, model.ArtifactMusicXML),
			Downloads:         downloads,
			TempoBPM:          job.Result.TempoBPM,
			NoteCount:         job.Result.NoteCount,
			DurationSeconds:   job.Result.DurationSeconds,
			ProcessingSeconds: job.Result.ProcessingSeconds,
		}
	}
	return res
}

func (s *TranscriptionService) downloadURL(jobID string, kind model.ArtifactKind) string {
	u := fmt.Sprintf("%s/api/v1/download/%s", s.baseURL, jobID)
	if kind != model.ArtifactMusicXML {
		u += "?format=" + string(kind)
	}
	return u
}

// artifactFilename derives the download name from the uploaded file name.
func artifactFilename(upload string, kind model.ArtifactKind) string {
	base := strings.TrimSuffix(filepath.Base(upload), filepath.Ext(upload))
	if base == "" || base == "." || base == "/" {
		base = "transcription"
	}
	return base + kind.Extension()
}
