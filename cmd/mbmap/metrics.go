package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tturner/mbmap/internal/metrics"
)

type metricsFlags struct {
	inputFile string
}

func newMetricsCmd() *cobra.Command {
	flags := &metricsFlags{}

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Summarize a poll metrics CSV file",
		Long: `Reads a metrics CSV file written by "watch --metrics-csv" and prints the
same poll summary (RTT percentiles, timeouts, exceptions, per-block counts)
that was shown at the end of the run.

If --input is omitted, the first positional argument is used.`,
		Example: `  # Summarize a previous watch run
  mbmap metrics --input polls.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if flags.inputFile == "" && len(args) > 0 {
				flags.inputFile = args[0]
			}
			if flags.inputFile == "" {
				return missingFlagError(cmd, "--input")
			}
			return runMetrics(flags)
		},
	}

	cmd.Flags().StringVar(&flags.inputFile, "input", "", "Input metrics CSV file (required)")

	return cmd
}

func runMetrics(flags *metricsFlags) error {
	polls, first, last, err := metrics.ReadMetricsCSV(flags.inputFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "File: %s\n", flags.inputFile)
	if len(polls) > 0 {
		fmt.Fprintf(os.Stdout, "Span: %s to %s (%s)\n\n",
			first.Format("2006-01-02 15:04:05"), last.Format("2006-01-02 15:04:05"), last.Sub(first).Round(time.Millisecond))
	}
	fmt.Fprint(os.Stdout, metrics.FormatSummary(metrics.Summarize(polls)))
	return nil
}
