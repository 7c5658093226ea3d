// Package commands implements the stumbler CLI commands.
package commands

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/illmade-knight/go-stumbler/pkg/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	logOutput  io.Writer
}

// NewRootCommand builds the stumbler command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{logOutput: os.Stderr}

	rootCmd := &cobra.Command{
		Use:   "stumbler",
		Short: "Queue wireless observations on disk and upload them to a collector",
		Long: `stumbler accepts location observations, keeps them in compressed batch
files under a strict disk budget and uploads them when the network allows.

Commands:
  run       Ingest observations and upload on a schedule
  upload    Run a single upload pass
  status    Show delivery statistics and pending batches
  simulate  Generate synthetic observations`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: stumbler.yaml in . or $HOME)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (trace, debug, info, warn, error, disabled)")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newUploadCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newSimulateCommand(opts))
	return rootCmd
}

// load reads the configuration and builds the logger it asks for.
func (o *rootOptions) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	level := cfg.Log.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	logger, err := newLogger(level, o.logOutput)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func newLogger(level string, out io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger(), nil
}
