package commands

import (
	"encoding/json"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"transcription-engine/internal/bootstrap"
	"transcription-engine/internal/config"
	"transcription-engine/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "transcriber",
		Short:         "Queue and run local speech-to-text transcription jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ./transcriber.yaml or ~/.transcription-engine/transcriber.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format override (text, json)")

	rootCmd.AddCommand(
		newRunCommand(opts),
		newServeCommand(opts),
		newDoctorCommand(opts),
		newModelsCommand(opts),
		newHistoryCommand(opts),
		newConfigCommand(opts),
	)
	return rootCmd
}

// loadConfig reads configuration and builds the logger it describes.
func loadConfig(opts *rootOptions, stderr io.Writer) (*config.Provider, *logrus.Logger, error) {
	cfg, err := config.Load(opts.configPath, nil)
	if err != nil {
		return nil, nil, err
	}
	settings := cfg.Settings()
	level, format := settings.LogLevel, settings.LogFormat
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	if opts.logFormat != "" {
		format = opts.logFormat
	}
	return cfg, logging.New(level, format, stderr), nil
}

// newApp builds the engine for commands that need it.
func newApp(cmd *cobra.Command, opts *rootOptions) (*bootstrap.App, *logrus.Logger, error) {
	cfg, logger, err := loadConfig(opts, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	app, err := bootstrap.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return app, logger, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
