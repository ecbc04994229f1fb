package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chute-io/chute/internal/config"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		verbose     bool
		quiet       bool
		jsonLog     bool
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:           "chute",
		Short:         "Zero-copy file serving over TCP, TLS, and QUIC",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
			}
			setupLogging(cmd, cfg.Log, verbose, quiet, jsonLog)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "chute %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json", false, "write structured JSON logs")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(probeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// setupLogging installs the default slog logger. Flags win over the
// config file.
func setupLogging(cmd *cobra.Command, cfg config.LogConfig, verbose, quiet, jsonLog bool) {
	level := slog.LevelInfo
	if cfg.Level != nil {
		switch *cfg.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	if verbose {
		level = slog.LevelDebug
	} else if quiet {
		level = slog.LevelWarn
	}

	useJSON := jsonLog
	if !cmd.Flags().Changed("json") && cfg.JSON != nil {
		useJSON = *cfg.JSON
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if useJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
