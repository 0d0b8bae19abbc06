package app

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/tturner/mbmap/internal/api"
	"github.com/tturner/mbmap/internal/config"
	"github.com/tturner/mbmap/internal/logging"
	"github.com/tturner/mbmap/internal/modbus"
	"github.com/tturner/mbmap/internal/report"
)

// ServeOptions configures RunServe. At least one of Modbus and MapPath
// must be set.
type ServeOptions struct {
	Config *config.Config
	Logger *logging.Logger

	// Modbus answers register reads from the server section of Config.
	Modbus bool
	Listen string // overrides server.listen

	// MapPath serves a saved register map JSON on the API.
	MapPath   string
	APIListen string // overrides api.listen
}

// NewDataStore seeds a register store from the server section of cfg.
func NewDataStore(cfg config.ServerConfig) (*modbus.DataStore, error) {
	ds := modbus.NewDataStore()
	for i, b := range cfg.Holding {
		if err := ds.SetHoldingRegisters(b.Address, b.Values...); err != nil {
			return nil, fmt.Errorf("server.holding[%d]: %w", i, err)
		}
	}
	for i, b := range cfg.Input {
		if err := ds.SetInputRegisters(b.Address, b.Values...); err != nil {
			return nil, fmt.Errorf("server.input[%d]: %w", i, err)
		}
	}
	return ds, nil
}

// RunServe runs the static Modbus responder, the register map API, or
// both, until ctx is cancelled.
func RunServe(ctx context.Context, opts ServeOptions) error {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if !opts.Modbus && opts.MapPath == "" {
		return fmt.Errorf("nothing to serve: enable --modbus or pass --map")
	}

	g, ctx := errgroup.WithContext(ctx)

	if opts.Modbus {
		ds, err := NewDataStore(cfg.Server)
		if err != nil {
			return err
		}
		listen := opts.Listen
		if listen == "" {
			listen = cfg.Server.Listen
		}
		ln, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", listen, err)
		}
		units := make([]uint8, 0, len(cfg.Server.UnitIDs))
		for _, u := range cfg.Server.UnitIDs {
			units = append(units, uint8(u))
		}
		logger.Info("Modbus server listening on %s (units %v)", ln.Addr(), cfg.Server.UnitIDs)
		g.Go(func() error {
			return modbus.Serve(ctx, ln, ds, units...)
		})
	}

	if opts.MapPath != "" {
		rep, err := report.ReadJSONFile(opts.MapPath)
		if err != nil {
			return err
		}
		store := api.NewStore()
		store.Set(rep)
		listen := opts.APIListen
		if listen == "" {
			listen = cfg.API.Listen
		}
		g.Go(func() error {
			return api.ListenAndServe(ctx, listen, api.NewRouter(store), logger)
		})
	}

	return g.Wait()
}
