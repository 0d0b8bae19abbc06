package main

import (
	"github.com/spf13/cobra"

	"github.com/tturner/mbmap/internal/app"
)

type serveFlags struct {
	common    commonFlags
	modbus    bool
	listen    string
	mapPath   string
	apiListen string
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve static registers over Modbus or a saved map over HTTP",
		Long: `With --modbus, answer Modbus TCP reads and writes from the register
blocks in the server section of the config. Requests for unit ids not in
server.unit_ids get no reply, like a gateway with nothing at that address.

With --map, serve a register map saved by "analyze --out" or "watch --out"
on the HTTP API:

  GET /healthz
  GET /api/v1/map
  GET /api/v1/units
  GET /api/v1/units/{unit}
  GET /api/v1/units/{unit}/registers/{address}`,
		Example: `  # Run a test device on 127.0.0.1:505
  mbmap serve --modbus --config device.yaml

  # Serve a saved map
  mbmap serve --map map.json --api-listen 0.0.0.0:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if !flags.modbus && flags.mapPath == "" {
				return missingFlagError(cmd, "--modbus or --map")
			}
			return runServe(flags)
		},
	}

	cmd.Flags().BoolVar(&flags.modbus, "modbus", false, "Serve the configured registers over Modbus TCP")
	cmd.Flags().StringVar(&flags.listen, "listen", "", "Modbus listen address (default server.listen)")
	cmd.Flags().StringVar(&flags.mapPath, "map", "", "Register map JSON to serve over HTTP")
	cmd.Flags().StringVar(&flags.apiListen, "api-listen", "", "HTTP listen address (default api.listen)")
	addCommonFlags(cmd, &flags.common)

	return cmd
}

func runServe(flags *serveFlags) error {
	cfg, logger, err := setup(&flags.common)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := signalContext()
	defer cancel()
	return app.RunServe(ctx, app.ServeOptions{
		Config:    cfg,
		Logger:    logger,
		Modbus:    flags.modbus,
		Listen:    flags.listen,
		MapPath:   flags.mapPath,
		APIListen: flags.apiListen,
	})
}
