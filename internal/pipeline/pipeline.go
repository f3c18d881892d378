// Package pipeline runs the transcription of one audio file: drum source
// separation, analysis, hit prediction, notation and rendering. The models
// themselves live outside this process; the package only sequences them.
package pipeline

import (
	"context"
	"errors"

	"github.com/groovesheet/api/internal/model"
)

// Input is the audio handed to the pipeline for one job.
type Input struct {
	JobID    string
	Filename string
	Audio    []byte
}

// Output holds the rendered artifacts and summary metrics.
type Output struct {
	MusicXML []byte
	MIDI     []byte
	// DrumStem is the audio the notation was derived from.
	DrumStem []byte
	Summary  Summary
}

// Summary carries the metrics surfaced on the job result.
type Summary struct {
	TempoBPM        float64
	NoteCount       int
	DurationSeconds float64
}

// Artifacts returns every non-empty rendered artifact by kind.
func (o *Output) Artifacts() map[model.ArtifactKind][]byte {
	out := make(map[model.ArtifactKind][]byte, 3)
	if len(o.MusicXML) > 0 {
		out[model.ArtifactMusicXML] = o.MusicXML
	}
	if len(o.MIDI) > 0 {
		out[model.ArtifactMIDI] = o.MIDI
	}
	if len(o.DrumStem) > 0 {
		out[model.ArtifactAudio] = o.DrumStem
	}
	return out
}

// Reporter receives a checkpoint after each completed stage. Values are
// non-decreasing for a single run.
type Reporter interface {
	Checkpoint(ctx context.Context, progress int, step string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, progress int, step string)

func (f ReporterFunc) Checkpoint(ctx context.Context, progress int, step string) {
	f(ctx, progress, step)
}

type nopReporter struct{}

func (nopReporter) Checkpoint(context.Context, int, string) {}

// Pipeline transcribes audio. A failure caused by the input itself is
// returned as *model.PipelineError; anything else is infrastructure.
type Pipeline interface {
	Run(ctx context.Context, in Input, r Reporter) (*Output, error)
}

// HealthChecker is implemented by pipelines backed by a remote service.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Options tune the models. They are passed through to the model service.
type Options struct {
	Device      string
	DemucsModel string
	Shifts      int
	Overlap     float64
	UseDemucs   bool
}

// classify wraps a stage failure. Cancellation and unreachable dependencies
// stay infrastructure errors so the task is redelivered.
func classify(stage string, err error) error {
	if err == nil {
		return nil
	}
	var pe *model.PipelineError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || model.IsInfrastructure(err) {
		return err
	}
	return &model.PipelineError{Stage: stage, Err: err}
}
