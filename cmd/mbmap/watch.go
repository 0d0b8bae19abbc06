package main

import (
	"github.com/spf13/cobra"

	"github.com/tturner/mbmap/internal/app"
)

type watchFlags struct {
	common      commonFlags
	host        string
	port        int
	intervalMs  int
	rounds      int
	metricsCSV  string
	metricsJSON string
	out         string
	outputDir   string
	api         bool
	apiListen   string
	natsURL     string
	natsSubject string
	noColor     bool
}

func newWatchCmd() *cobra.Command {
	flags := &watchFlags{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll a live device and build its register map",
		Long: `Poll the register blocks in client.blocks on every interval and fold the
replies into a register map. Each poll is measured; on exit the map and a
poll summary (RTT percentiles, timeouts, exceptions) are printed.

A failed connection is retried on the next interval. With --api the live
map is served over HTTP; with --nats-url every round's map is published.`,
		Example: `  # Poll the default weather-station block every 5 seconds
  mbmap watch --host 192.168.1.50

  # Ten rounds, with per-poll metrics and the final map saved
  mbmap watch --config site.yaml --rounds 10 --metrics-csv polls.csv --out map.json

  # Serve the live map and publish it to NATS
  mbmap watch --host 192.168.1.50 --api --nats-url nats://127.0.0.1:4222`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if flags.host == "" && flags.common.config == "" {
				return missingFlagError(cmd, "--host")
			}
			return runWatch(flags)
		},
	}

	cmd.Flags().StringVar(&flags.host, "host", "", "Device address (required unless client.host is configured)")
	cmd.Flags().IntVar(&flags.port, "port", 0, "TCP port (default client.port, 505)")
	cmd.Flags().IntVar(&flags.intervalMs, "interval-ms", 0, "Poll interval (default client.poll_interval_ms)")
	cmd.Flags().IntVar(&flags.rounds, "rounds", 0, "Stop after N rounds (default: until interrupted)")
	cmd.Flags().StringVar(&flags.metricsCSV, "metrics-csv", "", "Write per-poll metrics as CSV")
	cmd.Flags().StringVar(&flags.metricsJSON, "metrics-json", "", "Write per-poll metrics as JSON")
	cmd.Flags().StringVar(&flags.out, "out", "", "Write the final register map as JSON")
	cmd.Flags().StringVar(&flags.outputDir, "output-dir", "", "Write run.json, metrics, map and summary to this directory")
	cmd.Flags().BoolVar(&flags.api, "api", false, "Serve the live map over HTTP")
	cmd.Flags().StringVar(&flags.apiListen, "api-listen", "", "HTTP listen address (default api.listen)")
	cmd.Flags().StringVar(&flags.natsURL, "nats-url", "", "Publish every round's map to this NATS server")
	cmd.Flags().StringVar(&flags.natsSubject, "nats-subject", "", "NATS subject (default nats.subject)")
	cmd.Flags().BoolVar(&flags.noColor, "no-color", false, "Disable colored output")
	addCommonFlags(cmd, &flags.common)

	return cmd
}

func runWatch(flags *watchFlags) error {
	cfg, logger, err := setup(&flags.common)
	if err != nil {
		return err
	}
	defer logger.Close()

	if flags.host != "" {
		cfg.Client.Host = flags.host
	}
	if flags.port > 0 {
		cfg.Client.Port = flags.port
	}
	if flags.intervalMs > 0 {
		cfg.Client.PollIntervalMs = flags.intervalMs
	}
	if flags.apiListen != "" {
		cfg.API.Listen = flags.apiListen
	}
	if flags.natsURL != "" {
		cfg.NATS.URL = flags.natsURL
	}
	if flags.natsSubject != "" {
		cfg.NATS.Subject = flags.natsSubject
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	return app.RunWatch(ctx, app.WatchOptions{
		Config:      cfg,
		Logger:      logger,
		Rounds:      flags.rounds,
		MetricsCSV:  flags.metricsCSV,
		MetricsJSON: flags.metricsJSON,
		OutPath:     flags.out,
		OutputDir:   flags.outputDir,
		ServeAPI:    flags.api,
		Color:       colorEnabled(flags.noColor),
	})
}
