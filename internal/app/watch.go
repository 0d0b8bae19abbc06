package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tturner/mbmap/internal/analysis"
	"github.com/tturner/mbmap/internal/api"
	"github.com/tturner/mbmap/internal/artifact"
	"github.com/tturner/mbmap/internal/config"
	"github.com/tturner/mbmap/internal/errors"
	"github.com/tturner/mbmap/internal/logging"
	"github.com/tturner/mbmap/internal/metrics"
	"github.com/tturner/mbmap/internal/modbus"
	"github.com/tturner/mbmap/internal/publish"
	"github.com/tturner/mbmap/internal/report"
)

// Snapshotter receives the register map after every poll round.
type Snapshotter interface {
	Publish(rep *report.RegisterReport) error
}

// pollTarget is a config block resolved to wire values.
type pollTarget struct {
	name     string
	unit     uint8
	function modbus.FunctionCode
	address  uint16
	count    uint16
}

// Poller reads the configured blocks from one device and folds every
// reply into a register map. It is not safe for concurrent use.
type Poller struct {
	target   string
	host     string
	port     int
	timeout  time.Duration
	blocks   []pollTarget
	hints    []analysis.Hint
	analyzer *analysis.Analyzer
	sink     *metrics.Sink
	writer   *metrics.Writer
	store    *api.Store
	publish  Snapshotter
	logger   *logging.Logger
	client   *modbus.Client
	rounds   int
}

// PollerOptions wires the optional outputs of a Poller.
type PollerOptions struct {
	Logger    *logging.Logger
	Sink      *metrics.Sink
	Writer    *metrics.Writer
	Store     *api.Store
	Publisher Snapshotter
}

// NewPoller builds a poller for the client section of cfg.
func NewPoller(cfg *config.Config, opts PollerOptions) (*Poller, error) {
	c := cfg.Client
	if c.Host == "" {
		return nil, fmt.Errorf("no target host: set --host or client.host")
	}
	if len(c.Blocks) == 0 {
		return nil, fmt.Errorf("no poll blocks configured")
	}
	blocks := make([]pollTarget, 0, len(c.Blocks))
	for i, b := range c.Blocks {
		fc, err := b.FunctionCode()
		if err != nil {
			return nil, fmt.Errorf("client.blocks[%d]: %w", i, err)
		}
		name := b.Name
		if name == "" {
			name = fmt.Sprintf("%s@%d", fc, b.Address)
		}
		blocks = append(blocks, pollTarget{
			name:     name,
			unit:     b.UnitID(c.UnitID),
			function: fc,
			address:  b.Address,
			count:    b.Count,
		})
	}
	aopts, err := cfg.AnalyzerOptions()
	if err != nil {
		return nil, err
	}
	hints, err := cfg.Hints()
	if err != nil {
		return nil, err
	}

	p := &Poller{
		target:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		host:     c.Host,
		port:     c.Port,
		timeout:  c.Timeout(),
		blocks:   blocks,
		hints:    hints,
		analyzer: analysis.New(aopts),
		sink:     opts.Sink,
		writer:   opts.Writer,
		store:    opts.Store,
		publish:  opts.Publisher,
		logger:   opts.Logger,
	}
	if p.sink == nil {
		p.sink = metrics.NewSink()
	}
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	return p, nil
}

// Sink returns the poll metrics sink.
func (p *Poller) Sink() *metrics.Sink {
	return p.sink
}

// Snapshot returns the current register map as a report.
func (p *Poller) Snapshot() *report.RegisterReport {
	return report.BuildRegisterReport(p.analyzer.Snapshot(), nil, p.hints, []string{p.target})
}

// PollOnce reads every block once. A block that fails is recorded and the
// round continues; an I/O or protocol failure drops the connection so the
// next round reconnects. The error returned is the first failure of the round.
func (p *Poller) PollOnce(ctx context.Context) error {
	var first error
	for _, b := range p.blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.pollBlock(ctx, b); err != nil && first == nil {
			first = err
		}
	}
	p.rounds++

	rep := p.Snapshot()
	if p.store != nil {
		p.store.Set(rep)
	}
	if p.publish != nil {
		if err := p.publish.Publish(rep); err != nil {
			p.logger.Error("publish snapshot: %v", err)
		}
	}
	return first
}

func (p *Poller) pollBlock(ctx context.Context, b pollTarget) error {
	m := metrics.Metric{
		Timestamp: time.Now(),
		Target:    p.target,
		Block:     b.name,
		Operation: metrics.OperationRead,
		Unit:      b.unit,
		Function:  uint8(b.function),
		Address:   b.address,
		Quantity:  b.count,
	}

	if err := p.connect(ctx); err != nil {
		p.record(m, 0, err)
		return err
	}

	start := time.Now()
	data, err := p.client.ReadRegisters(ctx, b.unit, b.function, b.address, b.count)
	rtt := float64(time.Since(start).Microseconds()) / 1000
	p.record(m, rtt, err)
	p.logger.LogPoll(p.target, b.unit, b.address, b.count, rtt, err)
	if err != nil {
		// A broken or misframed stream cannot be trusted for the next round.
		if outcome, _ := metrics.Classify(err); outcome == metrics.OutcomeIO || outcome == metrics.OutcomeProtocol {
			p.disconnect()
		}
		return err
	}

	if err := p.analyzer.Observe(b.unit, b.address, b.count, b.function, true); err != nil {
		p.logger.Debug("observe: %v", err)
	}
	if err := p.analyzer.ObserveValues(b.unit, b.address, b.function, data); err != nil {
		p.logger.Debug("observe values: %v", err)
	}
	return nil
}

func (p *Poller) record(m metrics.Metric, rtt float64, err error) {
	m.RTTMs = rtt
	m.Success = err == nil
	m.Outcome, m.ExceptionCode = metrics.Classify(err)
	if err != nil {
		m.Error = err.Error()
	}
	m = p.sink.Record(m)
	if p.writer != nil {
		if werr := p.writer.WriteMetric(m); werr != nil {
			p.logger.Error("write metric: %v", werr)
		}
	}
}

func (p *Poller) connect(ctx context.Context) error {
	if p.client != nil {
		return nil
	}
	client, err := modbus.Dial(ctx, p.target, modbus.ClientOptions{Timeout: p.timeout})
	if err != nil {
		return errors.WrapNetworkError(err, p.host, p.port)
	}
	p.logger.Verbose("Connected to %s", p.target)
	p.client = client
	return nil
}

func (p *Poller) disconnect() {
	if p.client == nil {
		return
	}
	p.client.Close()
	p.client = nil
}

// Close releases the connection.
func (p *Poller) Close() error {
	p.disconnect()
	return nil
}

// WatchOptions configures RunWatch.
type WatchOptions struct {
	Config *config.Config
	Logger *logging.Logger
	Stdout io.Writer

	Rounds      int    // stop after this many rounds; 0 polls until cancelled
	MetricsCSV  string // per-poll metrics as CSV
	MetricsJSON string // per-poll metrics as a JSON array
	OutPath     string // final register map as JSON
	OutputDir   string // run.json, metrics, map and summary of the run
	ServeAPI    bool   // serve the live map on cfg.API.Listen
	Color       bool
}

// RunWatch polls the configured device on the poll interval until ctx is
// cancelled or Rounds is reached, then prints the register map and the
// poll summary.
func RunWatch(ctx context.Context, opts WatchOptions) error {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	stdout := stdoutOr(opts.Stdout)

	var artifacts *artifact.OutputManager
	if opts.OutputDir != "" {
		m, err := artifact.NewOutputManager(opts.OutputDir)
		if err != nil {
			return err
		}
		if opts.MetricsCSV == "" {
			opts.MetricsCSV = m.MetricsPath()
			m.SetMetricsFile(filepath.Base(opts.MetricsCSV))
		}
		m.SetTarget(cfg.Client.Host, cfg.Client.Port, cfg.Client.UnitID)
		artifacts = m
	}

	var writer *metrics.Writer
	if opts.MetricsCSV != "" || opts.MetricsJSON != "" {
		w, err := metrics.NewWriter(opts.MetricsCSV, opts.MetricsJSON)
		if err != nil {
			return err
		}
		defer w.Close()
		writer = w
	}

	var pub *publish.Publisher
	if cfg.NATS.URL != "" {
		p, err := publish.NewPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			return err
		}
		defer p.Close()
		pub = p
	}

	store := api.NewStore()
	pollerOpts := PollerOptions{Logger: logger, Writer: writer, Store: store}
	if pub != nil {
		pollerOpts.Publisher = pub
	}
	poller, err := NewPoller(cfg, pollerOpts)
	if err != nil {
		return err
	}
	defer poller.Close()
	if artifacts != nil {
		names := make([]string, 0, len(poller.blocks))
		for _, b := range poller.blocks {
			names = append(names, b.name)
		}
		artifacts.SetPolling(cfg.Client.PollIntervalMs, names)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	apiErr := make(chan error, 1)
	if opts.ServeAPI {
		go func() {
			apiErr <- api.ListenAndServe(ctx, cfg.API.Listen, api.NewRouter(store), logger)
		}()
	}

	logger.Info("Polling %s every %s (%d blocks)", poller.target, cfg.Client.PollInterval(), len(poller.blocks))
	ticker := time.NewTicker(cfg.Client.PollInterval())
	defer ticker.Stop()

	var runErr error
loop:
	for {
		if err := poller.PollOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Verbose("poll round %d: %v", poller.rounds, err)
		}
		if opts.Rounds > 0 && poller.rounds >= opts.Rounds {
			break
		}
		select {
		case <-ctx.Done():
			break loop
		case err := <-apiErr:
			runErr = err
			break loop
		case <-ticker.C:
		}
	}
	cancel()
	if opts.ServeAPI && runErr == nil {
		runErr = <-apiErr
	}

	rep := poller.Snapshot()
	summary := poller.sink.GetSummary()
	if runErr == nil && summary.TotalOperations > 0 && summary.SuccessfulOps == 0 {
		runErr = fmt.Errorf("all %d polls of %s failed", summary.TotalOperations, poller.target)
	}
	if artifacts != nil {
		if err := artifacts.Finalize(summary, rep, runErr); err != nil {
			return err
		}
		logger.Info("Run artifacts written to %s", artifacts.OutputDir())
	}
	if opts.OutPath != "" {
		if err := report.WriteJSONFile(opts.OutPath, rep); err != nil {
			return err
		}
	}
	if err := report.WriteRegisterText(stdout, rep, opts.Color); err != nil {
		return err
	}
	fmt.Fprintln(stdout)
	fmt.Fprint(stdout, metrics.FormatSummary(summary))
	return runErr
}
