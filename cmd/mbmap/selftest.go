package main

import (
	"github.com/spf13/cobra"

	"github.com/tturner/mbmap/internal/app"
)

type selfTestFlags struct {
	common commonFlags
}

func newSelfTestCmd() *cobra.Command {
	flags := &selfTestFlags{}

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run a loopback client+server validation",
		Long: `Start an in-process Modbus server on localhost with the default
weather-station registers, poll it once and check that every documented
register decodes to the served value.`,
		Example: `  # Run loopback validation
  mbmap selftest`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelfTest(flags)
		},
	}
	addCommonFlags(cmd, &flags.common)

	return cmd
}

func runSelfTest(flags *selfTestFlags) error {
	_, logger, err := setup(&flags.common)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := signalContext()
	defer cancel()
	return app.RunSelfTest(ctx, app.SelfTestOptions{Logger: logger})
}
