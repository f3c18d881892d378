package pipeline

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
)

// Instrument is a drum kit piece.
type Instrument string

const (
	Kick      Instrument = "kick"
	Snare     Instrument = "snare"
	HiHat     Instrument = "hihat"
	HiHatOpen Instrument = "hihat_open"
	TomHigh   Instrument = "tom_high"
	TomLow    Instrument = "tom_low"
	Crash     Instrument = "crash"
	Ride      Instrument = "ride"
)

type kitPiece struct {
	name     string
	midiNote byte
	step     string
	octave   int
	notehead string
}

var kit = map[Instrument]kitPiece{
	Kick:      {"Bass Drum", 36, "F", 4, ""},
	Snare:     {"Snare", 38, "C", 5, ""},
	HiHat:     {"Closed Hi-Hat", 42, "G", 5, "x"},
	HiHatOpen: {"Open Hi-Hat", 46, "G", 5, "circle-x"},
	TomHigh:   {"High Tom", 50, "E", 5, ""},
	TomLow:    {"Floor Tom", 43, "A", 4, ""},
	Crash:     {"Crash Cymbal", 49, "A", 5, "x"},
	Ride:      {"Ride Cymbal", 51, "F", 5, "x"},
}

// kitOrder fixes instrument ids in the rendered part list.
var kitOrder = []Instrument{Kick, Snare, HiHat, HiHatOpen, TomHigh, TomLow, Crash, Ride}

// Valid reports whether the instrument is part of the kit.
func (i Instrument) Valid() bool {
	_, ok := kit[i]
	return ok
}

const (
	slotsPerMeasure = 8 // eighth notes in 4/4
	beatsPerMeasure = 4
)

// Score is a quantized drum part on an eighth-note grid.
type Score struct {
	Title    string
	TempoBPM float64
	Measures []Measure
}

// Measure holds the instruments struck on each eighth-note slot.
type Measure struct {
	Slots [slotsPerMeasure][]Instrument
}

// Quantize snaps hits to the nearest eighth note at the given tempo.
func Quantize(title string, tempo float64, hits []Hit) (*Score, error) {
	if tempo <= 0 || math.IsNaN(tempo) || math.IsInf(tempo, 0) {
		return nil, fmt.Errorf("invalid tempo %.2f", tempo)
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("no drum hits detected")
	}

	grid := 60 / tempo / 2
	maxSlot := 0
	slots := make(map[int]map[Instrument]struct{})
	for _, h := range hits {
		if !h.Instrument.Valid() {
			return nil, fmt.Errorf("unknown instrument %q", h.Instrument)
		}
		if h.Time < 0 {
			return nil, fmt.Errorf("negative hit time %.3f", h.Time)
		}
		slot := int(math.Round(h.Time / grid))
		if slots[slot] == nil {
			slots[slot] = make(map[Instrument]struct{})
		}
		slots[slot][h.Instrument] = struct{}{}
		if slot > maxSlot {
			maxSlot = slot
		}
	}

	score := &Score{
		Title:    title,
		TempoBPM: tempo,
		Measures: make([]Measure, maxSlot/slotsPerMeasure+1),
	}
	for slot, set := range slots {
		m := &score.Measures[slot/slotsPerMeasure]
		m.Slots[slot%slotsPerMeasure] = sortedInstruments(set)
	}
	return score, nil
}

func sortedInstruments(set map[Instrument]struct{}) []Instrument {
	out := make([]Instrument, 0, len(set))
	for _, inst := range kitOrder {
		if _, ok := set[inst]; ok {
			out = append(out, inst)
		}
	}
	return out
}

func sortHits(hits []Hit) []Hit {
	sorted := make([]Hit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })
	return sorted
}

// titleFor derives a display title from the uploaded file name.
func titleFor(filename string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if base == "" || base == "." || base == "/" {
		return "Drum Transcription"
	}
	return base
}
