package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/scribe/internal/app"
	"github.com/GriffinCanCode/scribe/internal/config"
)

var (
	configFile   string
	outputFormat string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "Turn long multi-speaker recordings into classified transcripts",
	Long: `scribe runs the transcript pipeline on a local recording.

Each stage checkpoints its output, so an interrupted or failed run resumes
from the last completed stage. Settings come from the environment (a .env
file is loaded when present) and an optional YAML file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		if configFile != "" {
			if err := os.Setenv("SCRIBE_CONFIG", configFile); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "yaml", "output format: yaml or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline internals to stderr")

	rootCmd.AddCommand(processCmd, resumeCmd, auditCmd, cleanupCmd, stagesCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadApp loads configuration and wires the pipeline. Logs go to stderr so
// stdout stays parseable.
func loadApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	slog.SetDefault(app.NewLogger(cmd.ErrOrStderr(), level, cfg.LogFormat))
	return app.New(cmd.Context(), cfg)
}
