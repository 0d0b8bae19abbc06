package main

import (
	"github.com/spf13/cobra"

	"github.com/tturner/mbmap/internal/app"
)

type analyzeFlags struct {
	common      commonFlags
	inputs      []string
	json        bool
	out         string
	csv         string
	allPorts    bool
	serverPorts []uint
	workers     int
	dump        int
	noColor     bool
	noProgress  bool
	rewrite     string
	clientIP    string
	serverIP    string
}

func newAnalyzeCmd() *cobra.Command {
	flags := &analyzeFlags{}

	cmd := &cobra.Command{
		Use:   "analyze [capture...]",
		Short: "Build a register map from pcap/pcapng captures",
		Long: `Read one or more pcap or pcapng captures, decode the Modbus TCP traffic
they contain and derive a register map: every register that was read or
written, its inferred width, type and access, plus decoded sample values
for registers documented in the config.

Directories are searched for .pcap, .pcapng and .cap files. Files that
fail part way still contribute what was read before the failure; the
command fails only when every file fails.`,
		Example: `  # Print the register map of a capture
  mbmap analyze --input plant.pcapng

  # Analyze a directory of captures and save JSON and CSV
  mbmap analyze captures/ --out map.json --csv map.csv

  # Scan every TCP port and dump the first 10 decoded frames per file
  mbmap analyze --input odd.pcap --all-ports --dump 10

  # Write the Modbus frames of a capture with anonymized addresses
  mbmap analyze --input plant.pcap --rewrite clean.pcap --client-ip 10.0.0.1 --server-ip 10.0.0.2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			flags.inputs = append(flags.inputs, args...)
			if len(flags.inputs) == 0 {
				return missingFlagError(cmd, "--input")
			}
			return runAnalyze(flags)
		},
	}

	cmd.Flags().StringSliceVar(&flags.inputs, "input", nil, "Capture file or directory (repeatable, or pass as arguments)")
	cmd.Flags().BoolVar(&flags.json, "json", false, "Print the report as JSON")
	cmd.Flags().StringVar(&flags.out, "out", "", "Write the JSON report to this file")
	cmd.Flags().StringVar(&flags.csv, "csv", "", "Write the register map as CSV to this file")
	cmd.Flags().BoolVar(&flags.allPorts, "all-ports", false, "Look for Modbus on every TCP port")
	cmd.Flags().UintSliceVar(&flags.serverPorts, "server-port", nil, "Modbus server TCP port (repeatable; default 502,505)")
	cmd.Flags().IntVar(&flags.workers, "workers", 4, "Files analyzed in parallel")
	cmd.Flags().IntVar(&flags.dump, "dump", 0, "Print the first N decoded frames of each file as hex")
	cmd.Flags().BoolVar(&flags.noColor, "no-color", false, "Disable colored output")
	cmd.Flags().BoolVar(&flags.noProgress, "no-progress", false, "Disable the progress bar")
	cmd.Flags().StringVar(&flags.rewrite, "rewrite", "", "Write the Modbus frames of a single input to this pcap")
	cmd.Flags().StringVar(&flags.clientIP, "client-ip", "", "Client IPv4 address for --rewrite")
	cmd.Flags().StringVar(&flags.serverIP, "server-ip", "", "Server IPv4 address for --rewrite")
	addCommonFlags(cmd, &flags.common)

	return cmd
}

func runAnalyze(flags *analyzeFlags) error {
	cfg, logger, err := setup(&flags.common)
	if err != nil {
		return err
	}
	defer logger.Close()

	if flags.allPorts {
		cfg.Capture.AllPorts = true
	}
	if len(flags.serverPorts) > 0 {
		cfg.Capture.ServerPorts = cfg.Capture.ServerPorts[:0]
		for _, p := range flags.serverPorts {
			cfg.Capture.ServerPorts = append(cfg.Capture.ServerPorts, uint16(p))
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	return app.RunAnalyze(ctx, app.AnalyzeOptions{
		Inputs:          flags.inputs,
		Config:          cfg,
		Logger:          logger,
		JSON:            flags.json,
		OutPath:         flags.out,
		CSVPath:         flags.csv,
		Color:           !flags.json && colorEnabled(flags.noColor),
		Progress:        !flags.noProgress && !flags.common.quiet,
		Workers:         flags.workers,
		Dump:            flags.dump,
		RewritePath:     flags.rewrite,
		RewriteClientIP: flags.clientIP,
		RewriteServerIP: flags.serverIP,
	})
}
