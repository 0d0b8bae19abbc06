package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tturner/mbmap/internal/config"
)

type configFlags struct {
	path     string
	write    string
	defaults bool
}

func newConfigCmd() *cobra.Command {
	flags := &configFlags{}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate a config file or print the defaults",
		Long: `With --config, load and validate a config file and print it with every
default filled in. With --default, print the built-in configuration.
With --write, save the built-in configuration to a file as a starting point.`,
		Example: `  # Start a new config
  mbmap config --write mbmap.yaml

  # Check a config
  mbmap config --config mbmap.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if flags.path == "" && flags.write == "" && !flags.defaults {
				return missingFlagError(cmd, "--config, --default or --write")
			}
			return runConfig(flags)
		},
	}

	cmd.Flags().StringVar(&flags.path, "config", "", "Config file to validate")
	cmd.Flags().BoolVar(&flags.defaults, "default", false, "Print the built-in configuration")
	cmd.Flags().StringVar(&flags.write, "write", "", "Write the built-in configuration to this file")

	return cmd
}

func runConfig(flags *configFlags) error {
	if flags.write != "" {
		if err := config.WriteDefault(flags.write); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote default config to %s\n", flags.write)
		if flags.path == "" && !flags.defaults {
			return nil
		}
	}

	cfg := config.Default()
	if flags.path != "" {
		loaded, err := config.Load(flags.path)
		if err != nil {
			return err
		}
		cfg = loaded
		fmt.Fprintf(os.Stderr, "%s: OK\n", flags.path)
	}
	data, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
