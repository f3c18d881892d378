package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/groovesheet/api/internal/model"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func statusColor(status model.JobStatus) string {
	switch status {
	case model.JobStatusCompleted:
		return ansiGreen
	case model.JobStatusFailed:
		return ansiRed
	case model.JobStatusProcessing:
		return ansiYellow
	default:
		return ansiBlue
	}
}

func statusLabel(status model.JobStatus, colorize bool) string {
	label := strings.ToUpper(string(status))
	if colorize {
		return statusColor(status) + label + ansiReset
	}
	return label
}

func progressBar(progress, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	filled := progress * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

// progressPrinter writes one line per change, or redraws a single line when
// attached to a terminal.
type progressPrinter struct {
	out     io.Writer
	tty     bool
	last    string
	redrawn bool
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out, tty: shouldColorize(out)}
}

func (p *progressPrinter) update(st *model.JobStatusResponse) {
	step := st.CurrentStep
	if step == "" {
		step = string(st.Status)
	}
	line := fmt.Sprintf("%s %3d%% %s", progressBar(st.Progress, 30), st.Progress, step)
	if line == p.last {
		return
	}
	p.last = line
	if p.tty {
		fmt.Fprintf(p.out, "\r\x1b[2K%s", line)
		p.redrawn = true
		return
	}
	fmt.Fprintln(p.out, line)
}

func (p *progressPrinter) done() {
	if p.redrawn {
		fmt.Fprintln(p.out)
	}
}

func printStatus(out io.Writer, st *model.JobStatusResponse) {
	colorize := shouldColorize(out)
	fmt.Fprintf(out, "Job:       %s\n", st.JobID)
	fmt.Fprintf(out, "File:      %s\n", st.Filename)
	fmt.Fprintf(out, "Status:    %s\n", statusLabel(st.Status, colorize))
	fmt.Fprintf(out, "Progress:  %s %d%%\n", progressBar(st.Progress, 30), st.Progress)
	if st.CurrentStep != "" {
		fmt.Fprintf(out, "Step:      %s\n", st.CurrentStep)
	}
	if st.Attempts > 1 {
		fmt.Fprintf(out, "Attempts:  %d\n", st.Attempts)
	}
	if st.Error != nil {
		fmt.Fprintf(out, "Error:     %s (%s)\n", st.Error.Message, st.Error.Code)
	}
	if r := st.Result; r != nil {
		fmt.Fprintf(out, "Tempo:     %.1f bpm\n", r.TempoBPM)
		fmt.Fprintf(out, "Notes:     %d\n", r.NoteCount)
		fmt.Fprintf(out, "Duration:  %.1fs (processed in %.1fs)\n", r.DurationSeconds, r.ProcessingSeconds)
		fmt.Fprintf(out, "Download:  %s\n", r.DownloadURL)
	}
}
