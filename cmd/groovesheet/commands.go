package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/groovesheet/api/internal/model"
	"github.com/groovesheet/api/pkg/client"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var wait bool
	var output string

	cmd := &cobra.Command{
		Use:   "submit <audio-file>",
		Short: "Upload an audio file for transcription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := ctx.client()
			res, err := c.Submit(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("submit %s: %w", args[0], err)
			}
			if !wait {
				if ctx.jsonOutput() {
					return writeJSON(cmd, res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s as job %s\n", res.Filename, res.JobID)
				return nil
			}
			if !ctx.jsonOutput() {
				fmt.Fprintf(cmd.ErrOrStderr(), "Submitted %s as job %s\n", res.Filename, res.JobID)
			}
			st, err := waitForJob(cmd, ctx, c, res.JobID)
			if err != nil {
				return err
			}
			if output != "" {
				return saveArtifact(cmd, c, st.JobID, model.ArtifactMusicXML, output)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the job to finish")
	cmd.Flags().StringVarP(&output, "output", "o", "", "With --wait, save the MusicXML to this path or directory")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newWaitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Poll a job until it completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := waitForJob(cmd, ctx, ctx.client(), args[0])
			return err
		},
	}
}

// waitForJob polls until the job is terminal. A failed job is reported as an
// error so scripts can rely on the exit code.
func waitForJob(cmd *cobra.Command, ctx *commandContext, c *client.Client, jobID string) (*model.JobStatusResponse, error) {
	var onUpdate func(*model.JobStatusResponse)
	var printer *progressPrinter
	if !ctx.jsonOutput() {
		printer = newProgressPrinter(cmd.ErrOrStderr())
		onUpdate = printer.update
	}

	st, err := c.Wait(cmd.Context(), jobID, onUpdate)
	if printer != nil {
		printer.done()
	}
	if err != nil {
		return nil, err
	}

	if ctx.jsonOutput() {
		if err := writeJSON(cmd, st); err != nil {
			return nil, err
		}
	} else {
		printStatus(cmd.OutOrStdout(), st)
	}
	if st.Status == model.JobStatusFailed {
		msg := "job failed"
		if st.Error != nil {
			msg = fmt.Sprintf("job failed: %s", st.Error.Message)
		}
		return st, errors.New(msg)
	}
	return st, nil
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "download <job-id>",
		Short: "Download the transcription of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := model.ParseArtifactKind(strings.ToLower(strings.TrimSpace(format)))
			if !ok {
				return fmt.Errorf("unsupported format %q (use musicxml, midi or audio)", format)
			}
			return saveArtifact(cmd, ctx.client(), args[0], kind, output)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "musicxml", "Artifact format: musicxml, midi or audio")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file or directory (default: server filename in the current directory)")
	return cmd
}

func saveArtifact(cmd *cobra.Command, c *client.Client, jobID string, kind model.ArtifactKind, output string) error {
	data, filename, err := c.Download(cmd.Context(), jobID, kind)
	if err != nil {
		return err
	}
	if filename == "" {
		filename = jobID + kind.Extension()
	}

	dest := output
	switch {
	case dest == "":
		dest = filename
	case isDir(dest):
		dest = filepath.Join(dest, filename)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes)\n", dest, len(data))
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]model.JobStatus, 0, len(statuses))
			for _, s := range statuses {
				filter = append(filter, model.JobStatus(strings.ToLower(strings.TrimSpace(s))))
			}
			list, err := ctx.client().Jobs(cmd.Context(), filter...)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, list)
			}
			if len(list.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}
			table := renderTable(
				[]string{"Job", "File", "Status", "Progress", "Created"},
				buildJobRows(list.Jobs, shouldColorize(cmd.OutOrStdout())),
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			)
			fmt.Fprint(cmd.OutOrStdout(), table)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Only show jobs with these statuses (queued, processing, completed, failed)")
	return cmd
}

func buildJobRows(jobs []model.JobStatusResponse, colorize bool) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.JobID,
			job.Filename,
			statusLabel(job.Status, colorize),
			strconv.Itoa(job.Progress) + "%",
			job.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return rows
}
