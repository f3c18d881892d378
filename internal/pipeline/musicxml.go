package pipeline

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"math"
)

const musicXMLDoctype = `<!DOCTYPE score-partwise PUBLIC "-//Recordare//DTD MusicXML 4.0 Partwise//EN" "http://www.musicxml.org/dtds/partwise.dtd">` + "\n"

type xmlScore struct {
	XMLName  xml.Name    `xml:"score-partwise"`
	Version  string      `xml:"version,attr"`
	Work     xmlWork     `xml:"work"`
	PartList xmlPartList `xml:"part-list"`
	Parts    []xmlPart   `xml:"part"`
}

type xmlWork struct {
	Title string `xml:"work-title"`
}

type xmlPartList struct {
	ScoreParts []xmlScorePart `xml:"score-part"`
}

type xmlScorePart struct {
	ID          string               `xml:"id,attr"`
	Name        string               `xml:"part-name"`
	Instruments []xmlScoreInstrument `xml:"score-instrument"`
}

type xmlScoreInstrument struct {
	ID   string `xml:"id,attr"`
	Name string `xml:"instrument-name"`
}

type xmlPart struct {
	ID       string       `xml:"id,attr"`
	Measures []xmlMeasure `xml:"measure"`
}

type xmlMeasure struct {
	Number     int            `xml:"number,attr"`
	Attributes *xmlAttributes `xml:"attributes,omitempty"`
	Direction  *xmlDirection  `xml:"direction,omitempty"`
	Notes      []xmlNote      `xml:"note"`
}

type xmlAttributes struct {
	Divisions int     `xml:"divisions"`
	Time      xmlTime `xml:"time"`
	Clef      xmlClef `xml:"clef"`
}

type xmlTime struct {
	Beats    int `xml:"beats"`
	BeatType int `xml:"beat-type"`
}

type xmlClef struct {
	Sign string `xml:"sign"`
}

type xmlDirection struct {
	Placement string           `xml:"placement,attr"`
	Type      xmlDirectionType `xml:"direction-type"`
	Sound     xmlSound         `xml:"sound"`
}

type xmlDirectionType struct {
	Metronome xmlMetronome `xml:"metronome"`
}

type xmlMetronome struct {
	BeatUnit  string `xml:"beat-unit"`
	PerMinute int    `xml:"per-minute"`
}

type xmlSound struct {
	Tempo float64 `xml:"tempo,attr"`
}

type xmlNote struct {
	Chord      *struct{}         `xml:"chord,omitempty"`
	Rest       *struct{}         `xml:"rest,omitempty"`
	Unpitched  *xmlUnpitched     `xml:"unpitched,omitempty"`
	Duration   int               `xml:"duration"`
	Instrument *xmlInstrumentRef `xml:"instrument,omitempty"`
	Voice      int               `xml:"voice"`
	Type       string            `xml:"type"`
	Stem       string            `xml:"stem,omitempty"`
	Notehead   string            `xml:"notehead,omitempty"`
}

type xmlUnpitched struct {
	Step   string `xml:"display-step"`
	Octave int    `xml:"display-octave"`
}

type xmlInstrumentRef struct {
	ID string `xml:"id,attr"`
}

func instrumentID(i Instrument) string {
	return "P1-" + string(i)
}

// RenderMusicXML writes the score as a single-part percussion MusicXML document.
func RenderMusicXML(score *Score) ([]byte, error) {
	if score == nil || len(score.Measures) == 0 {
		return nil, fmt.Errorf("empty score")
	}

	sp := xmlScorePart{ID: "P1", Name: "Drum Set"}
	for _, inst := range kitOrder {
		sp.Instruments = append(sp.Instruments, xmlScoreInstrument{ID: instrumentID(inst), Name: kit[inst].name})
	}

	p := xmlPart{ID: "P1"}
	for i, m := range score.Measures {
		xm := xmlMeasure{Number: i + 1}
		if i == 0 {
			xm.Attributes = &xmlAttributes{
				Divisions: 2,
				Time:      xmlTime{Beats: beatsPerMeasure, BeatType: 4},
				Clef:      xmlClef{Sign: "percussion"},
			}
			xm.Direction = &xmlDirection{
				Placement: "above",
				Type:      xmlDirectionType{Metronome: xmlMetronome{BeatUnit: "quarter", PerMinute: int(math.Round(score.TempoBPM))}},
				Sound:     xmlSound{Tempo: math.Round(score.TempoBPM*100) / 100},
			}
		}
		for _, slot := range m.Slots {
			if len(slot) == 0 {
				xm.Notes = append(xm.Notes, xmlNote{Rest: &struct{}{}, Duration: 1, Voice: 1, Type: "eighth"})
				continue
			}
			for j, inst := range slot {
				piece := kit[inst]
				n := xmlNote{
					Unpitched:  &xmlUnpitched{Step: piece.step, Octave: piece.octave},
					Duration:   1,
					Instrument: &xmlInstrumentRef{ID: instrumentID(inst)},
					Voice:      1,
					Type:       "eighth",
					Stem:       "up",
					Notehead:   piece.notehead,
				}
				if j > 0 {
					n.Chord = &struct{}{}
				}
				xm.Notes = append(xm.Notes, n)
			}
		}
		p.Measures = append(p.Measures, xm)
	}

	doc := xmlScore{
		Version:  "4.0",
		Work:     xmlWork{Title: score.Title},
		PartList: xmlPartList{ScoreParts: []xmlScorePart{sp}},
		Parts:    []xmlPart{p},
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode musicxml: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(musicXMLDoctype)
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
