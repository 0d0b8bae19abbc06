package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tturner/mbmap/internal/config"
	"github.com/tturner/mbmap/internal/logging"
)

// commonFlags are shared by every command that loads a config.
type commonFlags struct {
	config  string
	logFile string
	verbose bool
	debug   bool
	quiet   bool
}

func addCommonFlags(cmd *cobra.Command, flags *commonFlags) {
	cmd.Flags().StringVar(&flags.config, "config", "", "YAML config file (default: built-in weather-station layout)")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "Rotating log file (overrides log.file)")
	cmd.Flags().BoolVar(&flags.verbose, "verbose", false, "Enable verbose output")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "Enable debug output")
	cmd.Flags().BoolVar(&flags.quiet, "quiet", false, "Only print errors")
}

// setup loads the config and builds the logger it describes, with the
// command-line flags taking precedence.
func setup(flags *commonFlags) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(flags.config)
	if err != nil {
		return nil, nil, err
	}
	if flags.logFile != "" {
		cfg.Log.File = flags.logFile
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 10
		}
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case flags.debug:
		level = logging.LogLevelDebug
	case flags.verbose:
		level = logging.LogLevelVerbose
	case flags.quiet:
		level = logging.LogLevelError
	}

	logger, err := logging.NewLogger(level, cfg.LogOptions())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// colorEnabled reports whether stdout is a terminal and color was not
// turned off.
func colorEnabled(noColor bool) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}
