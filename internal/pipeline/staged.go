package pipeline

import (
	"context"
	"fmt"
)

// Checkpoints reported by the staged pipeline.
const (
	CheckpointModelsReady = 35
	CheckpointSeparated   = 55
	CheckpointAnalysed    = 65
	CheckpointPredicted   = 80
	CheckpointNotated     = 90
	CheckpointRendered    = 95
)

// Hit is a single predicted drum onset.
type Hit struct {
	Time       float64    `json:"time"`
	Instrument Instrument `json:"instrument"`
	Velocity   int        `json:"velocity"`
}

// Analysis is the tempo and length detected on the drum stem.
type Analysis struct {
	TempoBPM        float64 `json:"tempo_bpm"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// State is threaded through the stages of one run.
type State struct {
	Input    Input
	Models   *ModelInfo
	Stem     []byte
	Analysis *Analysis
	Hits     []Hit
	Score    *Score
	// MusicXML is set by a notation stage that renders the document itself.
	MusicXML []byte
	Output   *Output
}

// Stage is one step of the pipeline, followed by a checkpoint.
type Stage struct {
	Name       string
	Checkpoint int
	Step       string
	Run        func(ctx context.Context, st *State) error
}

// Staged runs an ordered list of stages against loaded models.
type Staged struct {
	models *Models
	stages []Stage
}

func NewStaged(models *Models, stages ...Stage) *Staged {
	return &Staged{models: models, stages: stages}
}

// ModelsLoaded reports whether the first job has loaded the models yet.
func (p *Staged) ModelsLoaded() bool {
	return p.models.Loaded()
}

func (p *Staged) Run(ctx context.Context, in Input, r Reporter) (*Output, error) {
	if r == nil {
		r = nopReporter{}
	}

	info, err := p.models.Get(ctx)
	if err != nil {
		return nil, classify("models", err)
	}
	r.Checkpoint(ctx, CheckpointModelsReady, "models ready")

	st := &State{Input: in, Models: info}
	last := CheckpointModelsReady
	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := stage.Run(ctx, st); err != nil {
			return nil, classify(stage.Name, err)
		}
		if stage.Checkpoint > last {
			last = stage.Checkpoint
			r.Checkpoint(ctx, stage.Checkpoint, stage.Step)
		}
	}

	if st.Output == nil {
		return nil, classify("render", fmt.Errorf("pipeline produced no output"))
	}
	return st.Output, nil
}

// notateStage quantizes predicted hits into a score.
func notateStage() Stage {
	return Stage{
		Name:       "notate",
		Checkpoint: CheckpointNotated,
		Step:       "notation built",
		Run: func(ctx context.Context, st *State) error {
			if st.Analysis == nil {
				return fmt.Errorf("no analysis available")
			}
			score, err := Quantize(titleFor(st.Input.Filename), st.Analysis.TempoBPM, st.Hits)
			if err != nil {
				return err
			}
			st.Score = score
			return nil
		},
	}
}

// renderStage writes MusicXML (unless a previous stage produced it) and MIDI,
// and keeps the drum stem as a downloadable artifact.
func renderStage() Stage {
	return Stage{
		Name:       "render",
		Checkpoint: CheckpointRendered,
		Step:       "artifacts rendered",
		Run: func(ctx context.Context, st *State) error {
			if st.Analysis == nil {
				return fmt.Errorf("no analysis available")
			}
			xml := st.MusicXML
			if len(xml) == 0 {
				if st.Score == nil {
					return fmt.Errorf("no score to render")
				}
				var err error
				if xml, err = RenderMusicXML(st.Score); err != nil {
					return err
				}
			}
			mid, err := RenderMIDI(st.Analysis.TempoBPM, st.Hits)
			if err != nil {
				return err
			}
			st.Output = &Output{
				MusicXML: xml,
				MIDI:     mid,
				DrumStem: st.Stem,
				Summary: Summary{
					TempoBPM:        st.Analysis.TempoBPM,
					NoteCount:       len(st.Hits),
					DurationSeconds: st.Analysis.DurationSeconds,
				},
			}
			return nil
		},
	}
}
