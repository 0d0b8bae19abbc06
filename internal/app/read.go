package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/tturner/mbmap/internal/analysis"
	"github.com/tturner/mbmap/internal/config"
	"github.com/tturner/mbmap/internal/errors"
	"github.com/tturner/mbmap/internal/logging"
	"github.com/tturner/mbmap/internal/modbus"
	"github.com/tturner/mbmap/internal/pcap"
	"github.com/tturner/mbmap/internal/value"
)

// ReadOptions configures RunRead. Zero Host/Port/Unit fall back to the
// client section of Config.
type ReadOptions struct {
	Config   *config.Config
	Logger   *logging.Logger
	Stdout   io.Writer
	Host     string
	Port     int
	Unit     int // -1 uses the configured unit
	Function string
	Address  uint16
	Count    uint16
	Timeout  time.Duration

	// Type decodes the block from Address as one typed value.
	Type   string
	Scale  float64
	Offset float64

	Hex bool // dump every frame sent and received
}

// ReadResult is one completed register read.
type ReadResult struct {
	Target   string
	Unit     uint8
	Function modbus.FunctionCode
	Address  uint16
	Values   []uint16
	RTT      time.Duration
}

// ReadBlock connects, reads one register block and closes the connection.
func ReadBlock(ctx context.Context, opts ReadOptions) (*ReadResult, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	host, port, unit := resolveTarget(cfg.Client, opts)
	if host == "" {
		return nil, fmt.Errorf("no target host: set --host or client.host")
	}
	if opts.Count == 0 || opts.Count > modbus.MaxReadRegisters {
		return nil, fmt.Errorf("count must be between 1 and %d", modbus.MaxReadRegisters)
	}
	if int(opts.Address)+int(opts.Count) > 65536 {
		return nil, fmt.Errorf("read of %d registers at %d overruns the address space", opts.Count, opts.Address)
	}
	fc, err := config.PollBlock{Function: opts.Function}.FunctionCode()
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = cfg.Client.Timeout()
	}

	clientOpts := modbus.ClientOptions{Timeout: timeout}
	if opts.Hex {
		out := stdoutOr(opts.Stdout)
		clientOpts.Trace = func(sent bool, frame []byte) {
			label := "<<"
			if sent {
				label = ">>"
			}
			fmt.Fprintf(out, "%s %s\n", label, pcap.FormatPacketHex(frame, true))
		}
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	client, err := modbus.Dial(ctx, target, clientOpts)
	if err != nil {
		return nil, errors.WrapNetworkError(err, host, port)
	}
	defer client.Close()

	start := time.Now()
	values, err := client.ReadRegisterValues(ctx, unit, fc, opts.Address, opts.Count)
	rtt := time.Since(start)
	logger.LogPoll(target, unit, opts.Address, opts.Count, float64(rtt.Microseconds())/1000, err)
	if err != nil {
		return nil, errors.WrapNetworkError(err, host, port)
	}
	return &ReadResult{
		Target:   target,
		Unit:     unit,
		Function: fc,
		Address:  opts.Address,
		Values:   values,
		RTT:      rtt,
	}, nil
}

// RunRead reads one block and prints it as a register table.
func RunRead(ctx context.Context, opts ReadOptions) error {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	res, err := ReadBlock(ctx, opts)
	if err != nil {
		return err
	}
	hints, err := cfg.Hints()
	if err != nil {
		return err
	}

	var typed *value.Type
	if opts.Type != "" {
		t, err := value.ParseType(opts.Type)
		if err != nil {
			return err
		}
		typed = &t
	}
	return writeReadResult(stdoutOr(opts.Stdout), res, hints, typed, opts.Scale, opts.Offset)
}

func writeReadResult(w io.Writer, res *ReadResult, hints []analysis.Hint, typed *value.Type, scale, offset float64) error {
	byAddr := hintsFor(hints, res.Unit)
	raw := value.RegistersToBytes(res.Values)

	fmt.Fprintf(w, "%s unit %d %s %d+%d (RTT %.1fms)\n",
		res.Target, res.Unit, res.Function, res.Address, len(res.Values),
		float64(res.RTT.Microseconds())/1000)
	fmt.Fprintf(w, "%-8s %-7s %-6s %-22s %s\n", "Address", "Raw", "Hex", "Name", "Value")
	for i, v := range res.Values {
		addr := res.Address + uint16(i)
		name, decoded := "", ""
		if h, ok := byAddr[addr]; ok {
			name = h.Name
			n := h.Type.Registers()
			if n > 0 && i+n <= len(res.Values) {
				if f, err := h.Decode(raw[i*2 : (i+n)*2]); err == nil {
					decoded = strconv.FormatFloat(f, 'f', 3, 64)
					if h.UnitLabel != "" {
						decoded += " " + h.UnitLabel
					}
				}
			}
		}
		fmt.Fprintf(w, "%-8d %-7d 0x%04X %-22s %s\n", addr, v, v, name, decoded)
	}

	if typed != nil {
		if scale == 0 {
			scale = 1
		}
		switch {
		case *typed == value.TypeString:
			fmt.Fprintf(w, "\nAs STRING: %q\n", trimText(raw))
		case typed.Numeric():
			n := typed.Size()
			if n > len(raw) {
				return fmt.Errorf("%s needs %d registers, read %d", *typed, typed.Registers(), len(res.Values))
			}
			f, err := value.DecodeWithOffset(raw[:n], *typed, scale, offset)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "\nAs %s: %g\n", *typed, f)
		}
	}
	return nil
}

// hintsFor indexes the hints that apply to unit; unit-specific hints win
// over unit 0 wildcards.
func hintsFor(hints []analysis.Hint, unit uint8) map[uint16]analysis.Hint {
	out := make(map[uint16]analysis.Hint)
	for _, h := range hints {
		if h.Unit == 0 {
			if _, ok := out[h.Address]; !ok {
				out[h.Address] = h
			}
		}
	}
	for _, h := range hints {
		if h.Unit == unit && unit != 0 {
			out[h.Address] = h
		}
	}
	return out
}

func trimText(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == 0 || b[end-1] == ' ') {
		end--
	}
	return string(b[:end])
}

func resolveTarget(c config.ClientConfig, opts ReadOptions) (string, int, uint8) {
	host, port, unit := c.Host, c.Port, c.UnitID
	if opts.Host != "" {
		host = opts.Host
	}
	if opts.Port > 0 {
		port = opts.Port
	}
	if opts.Unit >= 0 && opts.Unit <= 255 {
		unit = opts.Unit
	}
	return host, port, uint8(unit)
}
