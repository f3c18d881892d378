package main

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/groovesheet/api/pkg/client"
)

const defaultServer = "http://localhost:8000"

type commandContext struct {
	serverFlag *string
	tokenFlag  *string
	jsonFlag   *bool
	interval   *time.Duration
}

func (c *commandContext) serverURL() string {
	if s := strings.TrimSpace(*c.serverFlag); s != "" {
		return s
	}
	if s := strings.TrimSpace(os.Getenv("GROOVESHEET_SERVER")); s != "" {
		return s
	}
	return defaultServer
}

func (c *commandContext) token() string {
	if t := strings.TrimSpace(*c.tokenFlag); t != "" {
		return t
	}
	return strings.TrimSpace(os.Getenv("GROOVESHEET_TOKEN"))
}

func (c *commandContext) client() *client.Client {
	return client.New(c.serverURL(), client.WithToken(c.token()), client.WithPollInterval(*c.interval))
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func newRootCommand() *cobra.Command {
	var serverFlag, tokenFlag string
	var jsonFlag bool
	var interval time.Duration

	ctx := &commandContext{serverFlag: &serverFlag, tokenFlag: &tokenFlag, jsonFlag: &jsonFlag, interval: &interval}

	rootCmd := &cobra.Command{
		Use:           "groovesheet",
		Short:         "Transcribe drum recordings to sheet music",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "API base URL (default $GROOVESHEET_SERVER or "+defaultServer+")")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Bearer token (default $GROOVESHEET_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print machine-readable JSON")
	rootCmd.PersistentFlags().DurationVar(&interval, "interval", client.DefaultPollInterval, "Initial polling interval while waiting")

	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newWaitCommand(ctx))
	rootCmd.AddCommand(newDownloadCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))

	return rootCmd
}
