package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version   = "0.3.0"
	commit    = ""
	buildDate = ""
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "botfleet",
		Short: "botfleet: provision and command a fleet of disposable bot machines",
		Long:  "botfleet boots numbered bot machines on a cloud provider and fans commands out to all of them over SSH.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/botfleet/config.yaml)")
	cmd.PersistentFlags().StringP("provider", "p", "", "provider name (overrides providers.default)")
	cmd.PersistentFlags().Float64("pause", -1, "seconds to wait after each host; 0 runs all hosts at once (default from config)")
	cmd.PersistentFlags().Bool("strict", false, "exit non-zero when any host or instance fails")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil || levelStr == "" {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newBootupCmd())
	cmd.AddCommand(newDestroyCmd())
	cmd.AddCommand(newIPsCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newImagesCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newDeployCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newRecordCmd())
	cmd.AddCommand(newStopRecordCmd())
	cmd.AddCommand(newCombineRecordCmd())
	cmd.AddCommand(newCountRecordingsCmd())
	cmd.AddCommand(newDownloadCmd())
	cmd.AddCommand(newFixHostnamesCmd())
	cmd.AddCommand(newVNCCmd())
	cmd.AddCommand(newHistoryCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "botfleet %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// Setup the logger
func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Main entry point
func main() {
	setupLogger()
	root := newRootCmd()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		// After the first signal a second one kills the process.
		<-ctx.Done()
		cancel()
	}()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
