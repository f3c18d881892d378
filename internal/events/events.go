// Package events pushes job progress to live subscribers. Workers publish
// through a Notifier; the API relays Redis messages to WebSocket clients.
package events

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/groovesheet/api/internal/model"
)

// Publisher delivers an encoded event for a job.
type Publisher interface {
	Publish(ctx context.Context, jobID string, payload []byte) error
}

// Notifier encodes job events and hands them to a Publisher. Delivery is
// best effort; a nil Notifier drops everything.
type Notifier struct {
	pub    Publisher
	logger *zap.Logger
}

func NewNotifier(pub Publisher, logger *zap.Logger) *Notifier {
	return &Notifier{pub: pub, logger: logger.With(zap.String("component", "events"))}
}

func (n *Notifier) Progress(ctx context.Context, jobID string, progress int, status model.JobStatus, step string) {
	n.send(ctx, jobID, model.WSProgressMessage{
		Type:        model.WSMessageTypeProgress,
		JobID:       jobID,
		Progress:    progress,
		Status:      status,
		CurrentStep: step,
	})
}

func (n *Notifier) Completed(ctx context.Context, jobID string, result *model.JobResult) {
	n.send(ctx, jobID, model.WSCompleteMessage{
		Type:   model.WSMessageTypeComplete,
		JobID:  jobID,
		Result: result,
	})
}

func (n *Notifier) Failed(ctx context.Context, jobID string, jobErr model.JobError) {
	n.send(ctx, jobID, model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: jobErr,
	})
}

func (n *Notifier) send(ctx context.Context, jobID string, msg interface{}) {
	if n == nil || n.pub == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("failed to marshal event", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if err := n.pub.Publish(ctx, jobID, data); err != nil {
		n.logger.Warn("failed to publish event", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Snapshot encodes the current state of a job as the event a new subscriber
// should see first.
func Snapshot(job *model.Job) ([]byte, error) {
	switch job.Status {
	case model.JobStatusCompleted:
		return json.Marshal(model.WSCompleteMessage{Type: model.WSMessageTypeComplete, JobID: job.ID, Result: job.Result})
	case model.JobStatusFailed:
		var jobErr model.JobError
		if job.Error != nil {
			jobErr = *job.Error
		}
		return json.Marshal(model.WSErrorMessage{Type: model.WSMessageTypeError, JobID: job.ID, Error: jobErr})
	default:
		return json.Marshal(model.WSProgressMessage{
			Type:        model.WSMessageTypeProgress,
			JobID:       job.ID,
			Progress:    job.Progress,
			Status:      job.Status,
			CurrentStep: job.CurrentStep,
		})
	}
}
