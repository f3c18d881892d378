package pipeline

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

const (
	ticksPerQuarter = 480
	noteLength      = ticksPerQuarter / 8
	drumChannel     = 9
)

type midiEvent struct {
	tick   uint32
	status byte
	note   byte
	vel    byte
}

// RenderMIDI writes the hits as a format 0 Standard MIDI File on the GM
// percussion channel.
func RenderMIDI(tempo float64, hits []Hit) ([]byte, error) {
	if tempo <= 0 || math.IsNaN(tempo) || math.IsInf(tempo, 0) {
		return nil, fmt.Errorf("invalid tempo %.2f", tempo)
	}

	events := make([]midiEvent, 0, len(hits)*2)
	for _, h := range sortHits(hits) {
		piece, ok := kit[h.Instrument]
		if !ok {
			return nil, fmt.Errorf("unknown instrument %q", h.Instrument)
		}
		tick := uint32(math.Round(h.Time * tempo / 60 * ticksPerQuarter))
		vel := byte(clampVelocity(h.Velocity))
		events = append(events,
			midiEvent{tick: tick, status: 0x90 | drumChannel, note: piece.midiNote, vel: vel},
			midiEvent{tick: tick + noteLength, status: 0x80 | drumChannel, note: piece.midiNote},
		)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].tick < events[j].tick })

	var track bytes.Buffer
	// tempo meta event, microseconds per quarter note
	usPerQuarter := uint32(math.Round(60_000_000 / tempo))
	track.Write([]byte{0x00, 0xFF, 0x51, 0x03, byte(usPerQuarter >> 16), byte(usPerQuarter >> 8), byte(usPerQuarter)})
	// 4/4 time signature
	track.Write([]byte{0x00, 0xFF, 0x58, 0x04, 0x04, 0x02, 0x18, 0x08})

	var last uint32
	for _, ev := range events {
		writeVarLen(&track, ev.tick-last)
		track.Write([]byte{ev.status, ev.note, ev.vel})
		last = ev.tick
	}
	track.Write([]byte{0x00, 0xFF, 0x2F, 0x00})

	var out bytes.Buffer
	out.WriteString("MThd")
	_ = binary.Write(&out, binary.BigEndian, uint32(6))
	_ = binary.Write(&out, binary.BigEndian, uint16(0)) // format
	_ = binary.Write(&out, binary.BigEndian, uint16(1)) // tracks
	_ = binary.Write(&out, binary.BigEndian, uint16(ticksPerQuarter))
	out.WriteString("MTrk")
	_ = binary.Write(&out, binary.BigEndian, uint32(track.Len()))
	out.Write(track.Bytes())
	return out.Bytes(), nil
}

func clampVelocity(v int) int {
	switch {
	case v <= 0:
		return 96
	case v > 127:
		return 127
	}
	return v
}

// writeVarLen encodes v as a MIDI variable-length quantity.
func writeVarLen(buf *bytes.Buffer, v uint32) {
	var tmp [5]byte
	i := len(tmp) - 1
	tmp[i] = byte(v & 0x7F)
	for v >>= 7; v > 0; v >>= 7 {
		i--
		tmp[i] = byte(v&0x7F) | 0x80
	}
	buf.Write(tmp[i:])
}
