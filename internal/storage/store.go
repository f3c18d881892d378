// Package storage holds job records and their binary artifacts behind one
// interface, backed by a local directory or S3-compatible object storage.
package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/groovesheet/api/internal/model"
)

// Store is durable key-value access to jobs and their input/output blobs.
type Store interface {
	CreateJob(ctx context.Context, jobID, filename string) (*model.Job, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	UpdateStatus(ctx context.Context, jobID string, upd Update) (*model.Job, error)
	ListJobs(ctx context.Context, statuses ...model.JobStatus) ([]*model.Job, error)

	WriteInput(ctx context.Context, jobID string, data []byte) error
	ReadInput(ctx context.Context, jobID string) ([]byte, error)
	// Outputs are keyed by processing attempt; the attempt recorded in the
	// job result is the one that was committed.
	WriteOutput(ctx context.Context, jobID string, attempt int, kind model.ArtifactKind, data []byte) error
	ReadOutput(ctx context.Context, jobID string, attempt int, kind model.ArtifactKind) ([]byte, error)

	// Locator identifies the job's namespace in the backend, e.g. s3://bucket/jobs/<id>.
	Locator(jobID string) string
	// ArtifactLocator identifies a single artifact of the job.
	ArtifactLocator(jobID string, attempt int, kind model.ArtifactKind) string
	Ping(ctx context.Context) error
}

// Claimer is implemented by stores that can hand out a best-effort exclusive
// claim on a job, used by the polling queue.
type Claimer interface {
	TryClaim(ctx context.Context, jobID string) (release func(), ok bool, err error)
}

// Update is a partial job update. Nil fields are left untouched.
type Update struct {
	Status   *model.JobStatus
	Progress *int
	Step     *string
	Metadata *InputMetadata
	Result   *model.JobResult
	Error    *model.JobError
	// Restart marks the start of a processing attempt: progress may go back
	// to its new value and the attempt counter is bumped. It fails with
	// model.ErrLeaseHeld while another worker's lease is live.
	Restart bool
	// Attempt fences the update to one processing attempt. A non-zero value
	// that no longer matches the job's attempt counter is a conflict.
	Attempt int
	// Lease extends the worker's lease to now+Lease.
	Lease time.Duration
	// ReleaseLease drops the lease so a redelivery can restart at once.
	ReleaseLease bool
}

// InputMetadata describes the uploaded audio.
type InputMetadata struct {
	ContentType string
	Size        int64
}

// StatusUpdate is shorthand for an Update that only moves status and progress.
func StatusUpdate(status model.JobStatus, progress int, step string) Update {
	return Update{Status: &status, Progress: &progress, Step: &step}
}

// applyUpdate mutates job according to upd. Terminal jobs reject every
// mutation with model.ErrConflict.
func applyUpdate(job *model.Job, upd Update, now time.Time) error {
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is already %s", model.ErrConflict, job.ID, job.Status)
	}

	if upd.Restart {
		if job.LeaseExpiresAt != nil && now.Before(*job.LeaseExpiresAt) {
			return fmt.Errorf("%w: job %s until %s", model.ErrLeaseHeld, job.ID, job.LeaseExpiresAt.Format(time.RFC3339))
		}
	} else if upd.Attempt > 0 && upd.Attempt != job.Attempts {
		return fmt.Errorf("%w: attempt %d of job %s was superseded by attempt %d", model.ErrConflict, upd.Attempt, job.ID, job.Attempts)
	}

	if upd.Metadata != nil {
		job.ContentType = upd.Metadata.ContentType
		job.Size = upd.Metadata.Size
	}

	if upd.Restart {
		job.Attempts++
		job.StartedAt = &now
		job.Progress = 0
	}
	if upd.ReleaseLease {
		job.LeaseExpiresAt = nil
	}
	if upd.Lease > 0 {
		until := now.Add(upd.Lease)
		job.LeaseExpiresAt = &until
	}

	if upd.Status != nil {
		if !upd.Status.IsValid() {
			return fmt.Errorf("%w: unknown status %q", model.ErrValidation, *upd.Status)
		}
		job.Status = *upd.Status
		switch job.Status {
		case model.JobStatusCompleted:
			job.Error = nil
			job.CompletedAt = &now
		case model.JobStatusFailed:
			job.Result = nil
			job.CompletedAt = &now
		default:
			job.Result = nil
			job.Error = nil
		}
	}

	if upd.Progress != nil {
		p := clamp(*upd.Progress)
		// progress never goes backwards within an attempt
		if p > job.Progress || upd.Restart || job.Status != model.JobStatusProcessing {
			job.Progress = p
		}
	}
	if upd.Step != nil {
		job.CurrentStep = *upd.Step
	}

	if job.Status == model.JobStatusCompleted {
		job.Result = upd.Result
		job.Progress = 100
	}
	if job.Status == model.JobStatusFailed {
		job.Error = upd.Error
	}
	if job.Status.IsTerminal() {
		job.LeaseExpiresAt = nil
	}

	job.UpdatedAt = now
	return job.Validate()
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func matchesStatus(job *model.Job, statuses []model.JobStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if job.Status == s {
			return true
		}
	}
	return false
}

func sortJobs(jobs []*model.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

// outputName is the blob name of an artifact. Attempt 0 is the unscoped
// name written before outputs were keyed by attempt.
func outputName(attempt int, kind model.ArtifactKind) string {
	if attempt <= 0 {
		return "output" + kind.Extension()
	}
	return fmt.Sprintf("output-%d%s", attempt, kind.Extension())
}
