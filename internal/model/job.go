package model

import (
	"fmt"
	"time"
)

// Job represents a transcription job in the system
type Job struct {
	ID             string     `json:"id"`
	Status         JobStatus  `json:"status"`
	Progress       int        `json:"progress"`
	CurrentStep    string     `json:"currentStep,omitempty"`
	Filename       string     `json:"filename"`
	ContentType    string     `json:"contentType,omitempty"`
	Size           int64      `json:"size,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Attempts       int        `json:"attempts"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"` // set while a worker holds the current attempt
	Result         *JobResult `json:"result,omitempty"`
	Error          *JobError  `json:"error,omitempty"`
}

// JobResult points at the generated artifacts and carries summary metrics.
// Attempt is the processing attempt whose artifacts were committed.
type JobResult struct {
	Attempt           int                     `json:"attempt"`
	Artifact          string                  `json:"artifact"`
	Artifacts         map[ArtifactKind]string `json:"artifacts,omitempty"`
	TempoBPM          float64                 `json:"tempoBpm"`
	NoteCount         int                     `json:"noteCount"`
	DurationSeconds   float64                 `json:"durationSeconds"`
	ProcessingSeconds float64                 `json:"processingSeconds"`
}

// JobError is the short human-readable cause of a failed job
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Task is the queue payload carried from ingress to worker
type Task struct {
	JobID   string `json:"jobId"`
	Locator string `json:"locator"`
}

// NewJob returns a freshly queued job.
func NewJob(id, filename string, now time.Time) *Job {
	return &Job{
		ID:        id,
		Status:    JobStatusQueued,
		Progress:  0,
		Filename:  filename,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the record invariants: result only when completed, error only when failed.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: job id is empty", ErrValidation)
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, j.Status)
	}
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrValidation, j.Progress)
	}
	switch j.Status {
	case JobStatusCompleted:
		if j.Result == nil || j.Error != nil {
			return fmt.Errorf("%w: completed job must carry a result and no error", ErrValidation)
		}
	case JobStatusFailed:
		if j.Error == nil || j.Result != nil {
			return fmt.Errorf("%w: failed job must carry an error and no result", ErrValidation)
		}
	default:
		if j.Result != nil || j.Error != nil {
			return fmt.Errorf("%w: %s job cannot carry a result or error", ErrValidation, j.Status)
		}
	}
	return nil
}

// Clone returns a deep copy, safe to hand to callers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		if j.Result.Artifacts != nil {
			r.Artifacts = make(map[ArtifactKind]string, len(j.Result.Artifacts))
			for k, v := range j.Result.Artifacts {
				r.Artifacts[k] = v
			}
		}
		c.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}
