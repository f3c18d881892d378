package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"time"
)

// mockBytesPerSecond approximates a 128 kbps encoded stream.
const mockBytesPerSecond = 16000

// ErrSilentInput is reported when the audio carries no signal.
var ErrSilentInput = errors.New("no audio signal detected")

// NewMock returns an offline pipeline that derives a deterministic groove
// from the input bytes. delay is slept before each stage to mimic model
// latency in development.
func NewMock(opts Options, delay time.Duration) *Staged {
	models := NewModels(opts, func(ctx context.Context, opts Options) (*ModelInfo, error) {
		separator := "none"
		if opts.UseDemucs {
			separator = opts.DemucsModel
		}
		return &ModelInfo{
			Separator:   separator,
			Transcriber: "mock",
			Device:      opts.Device,
			LoadedAt:    time.Now().UTC(),
		}, nil
	})

	wait := func(ctx context.Context) error {
		if delay <= 0 {
			return ctx.Err()
		}
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}

	return NewStaged(models,
		Stage{
			Name:       "separate",
			Checkpoint: CheckpointSeparated,
			Step:       "drums separated",
			Run: func(ctx context.Context, st *State) error {
				if err := wait(ctx); err != nil {
					return err
				}
				if silent(st.Input.Audio) {
					return ErrSilentInput
				}
				st.Stem = st.Input.Audio
				return nil
			},
		},
		Stage{
			Name:       "analyze",
			Checkpoint: CheckpointAnalysed,
			Step:       "audio analysed",
			Run: func(ctx context.Context, st *State) error {
				if err := wait(ctx); err != nil {
					return err
				}
				st.Analysis = mockAnalysis(st.Stem)
				return nil
			},
		},
		Stage{
			Name:       "predict",
			Checkpoint: CheckpointPredicted,
			Step:       "hits predicted",
			Run: func(ctx context.Context, st *State) error {
				if err := wait(ctx); err != nil {
					return err
				}
				st.Hits = mockHits(st.Stem, st.Analysis)
				return nil
			},
		},
		notateStage(),
		renderStage(),
	)
}

func silent(audio []byte) bool {
	if len(audio) == 0 {
		return true
	}
	for _, b := range audio[1:] {
		if b != audio[0] {
			return false
		}
	}
	return true
}

func fingerprint(audio []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(audio)
	return h.Sum32()
}

func mockAnalysis(stem []byte) *Analysis {
	duration := float64(len(stem)) / mockBytesPerSecond
	duration = math.Max(2, math.Min(duration, 600))
	return &Analysis{
		TempoBPM:        float64(80 + fingerprint(stem)%80),
		DurationSeconds: math.Round(duration*100) / 100,
	}
}

// mockHits lays a basic rock beat over the detected length: kick on beats
// 1 and 3, snare on 2 and 4, closed hi-hat on every eighth.
func mockHits(stem []byte, a *Analysis) []Hit {
	seed := fingerprint(stem)
	beat := 60 / a.TempoBPM
	beats := int(a.DurationSeconds / beat)
	if beats < 1 {
		beats = 1
	}

	hits := make([]Hit, 0, beats*3)
	for b := 0; b < beats; b++ {
		t := float64(b) * beat
		accent := int(seed>>(uint(b)%24)) & 0x1f
		if b%2 == 0 {
			hits = append(hits, Hit{Time: t, Instrument: Kick, Velocity: 90 + accent})
		} else {
			hits = append(hits, Hit{Time: t, Instrument: Snare, Velocity: 85 + accent})
		}
		hits = append(hits,
			Hit{Time: t, Instrument: HiHat, Velocity: 70 + accent/2},
			Hit{Time: t + beat/2, Instrument: HiHat, Velocity: 60 + accent/2},
		)
	}
	return hits
}
