package app

import (
	"bytes"
	"context"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tturner/mbmap/internal/api"
	"github.com/tturner/mbmap/internal/config"
	"github.com/tturner/mbmap/internal/metrics"
	"github.com/tturner/mbmap/internal/modbus"
	"github.com/tturner/mbmap/internal/report"
)

// startServer serves ds for unit 247 on a loopback port and returns a
// config pointed at it.
func startServer(t *testing.T, ds *modbus.DataStore) *config.Config {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		modbus.Serve(ctx, ln, ds, 247)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cfg := config.Default()
	cfg.Client.Host = "127.0.0.1"
	cfg.Client.Port = ln.Addr().(*net.TCPAddr).Port
	cfg.Client.TimeoutMs = 300
	cfg.Client.PollIntervalMs = 10
	return cfg
}

func seededStore(t *testing.T) *modbus.DataStore {
	t.Helper()
	ds, err := NewDataStore(config.ServerConfig{Holding: selfTestRegisters})
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

type capturePublisher struct {
	reports []*report.RegisterReport
}

func (c *capturePublisher) Publish(rep *report.RegisterReport) error {
	c.reports = append(c.reports, rep)
	return nil
}

func TestPollerPollOnce(t *testing.T) {
	cfg := startServer(t, seededStore(t))
	store := api.NewStore()
	pub := &capturePublisher{}
	p, err := NewPoller(cfg, PollerOptions{Store: store, Publisher: pub})
	if err != nil {
		t.Fatalf("NewPoller() error = %v", err)
	}
	defer p.Close()

	for i := 0; i < 2; i++ {
		if err := p.PollOnce(context.Background()); err != nil {
			t.Fatalf("PollOnce() round %d error = %v", i, err)
		}
	}

	if store.Updates() != 2 || len(pub.reports) != 2 {
		t.Errorf("updates = %d, published = %d, want 2 each", store.Updates(), len(pub.reports))
	}
	rep := store.Get()
	e, ok := rep.Units.Lookup(247, 8061)
	if !ok || e.AccessCount != 2 || e.Width != 25 {
		t.Errorf("8061 entry = %+v", e)
	}
	temp, ok := rep.Units.Lookup(247, 8063)
	if !ok || temp.SampleValue == nil || math.Abs(*temp.SampleValue-25) > 1e-9 {
		t.Errorf("8063 entry = %+v", temp)
	}
	if rep.Coverage.Documented != 5 {
		t.Errorf("coverage = %+v", rep.Coverage)
	}

	summary := p.Sink().GetSummary()
	if summary.TotalOperations != 2 || summary.SuccessfulOps != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.ByBlock["weather_station"] == nil {
		t.Errorf("by block = %v", summary.ByBlock)
	}
}

func TestPollerRecordsFailures(t *testing.T) {
	cfg := startServer(t, seededStore(t))
	cfg.Client.Blocks = []config.PollBlock{
		{Name: "ok", Function: "holding", Address: 8061, Count: 1},
		{Name: "silent_unit", Function: "holding", Unit: 9, Address: 0, Count: 1},
	}
	p, err := NewPoller(cfg, PollerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.PollOnce(context.Background()); err == nil {
		t.Fatal("PollOnce() succeeded, want timeout from unit 9")
	}
	got := p.Sink().GetMetrics()
	if len(got) != 2 {
		t.Fatalf("metrics = %d, want 2", len(got))
	}
	if !got[0].Success || got[1].Outcome != metrics.OutcomeTimeout {
		t.Errorf("metrics = %+v", got)
	}
	if p.client == nil {
		t.Error("timeout must not drop the connection")
	}
}

func TestPollerDropsConnectionOnProtocolError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		request := make([]byte, 12)
		if _, err := io.ReadFull(conn, request); err != nil {
			return
		}
		// MBAP header declaring an impossible length.
		_, _ = conn.Write([]byte{request[0], request[1], 0, 0, 0xFF, 0xFF, request[6]})
		_, _ = io.Copy(io.Discard, conn)
	}()

	cfg := config.Default()
	cfg.Client.Host = "127.0.0.1"
	cfg.Client.Port = ln.Addr().(*net.TCPAddr).Port
	cfg.Client.TimeoutMs = 300
	cfg.Client.Blocks = []config.PollBlock{{Name: "garbled", Function: "holding", Address: 0, Count: 1}}
	p, err := NewPoller(cfg, PollerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.PollOnce(context.Background()); err == nil {
		t.Fatal("PollOnce() succeeded, want a decode error")
	}
	m := p.Sink().GetMetrics()
	if len(m) != 1 || m[0].Outcome != metrics.OutcomeProtocol {
		t.Errorf("metrics = %+v", m)
	}
	if p.client != nil {
		t.Error("protocol error must drop the connection")
	}
}

func TestPollerConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := config.Default()
	cfg.Client.Host = "127.0.0.1"
	cfg.Client.Port = port
	store := api.NewStore()
	p, err := NewPoller(cfg, PollerOptions{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.PollOnce(context.Background()); err == nil {
		t.Fatal("PollOnce() succeeded against a closed port")
	}
	m := p.Sink().GetMetrics()
	if len(m) != 1 || m[0].Outcome != metrics.OutcomeIO {
		t.Errorf("metrics = %+v", m)
	}
	if store.Get() == nil || store.Get().Units.Len() != 0 {
		t.Error("store should hold an empty map after a failed round")
	}
}

func TestNewPollerErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
		want   string
	}{
		{"no host", func(cfg *config.Config) {}, "no target host"},
		{"no blocks", func(cfg *config.Config) {
			cfg.Client.Host = "h"
			cfg.Client.Blocks = nil
		}, "no poll blocks"},
		{"bad function", func(cfg *config.Config) {
			cfg.Client.Host = "h"
			cfg.Client.Blocks = []config.PollBlock{{Function: "coils", Count: 1}}
		}, "client.blocks[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			_, err := NewPoller(cfg, PollerOptions{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRunWatchRounds(t *testing.T) {
	cfg := startServer(t, seededStore(t))
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "polls.csv")
	mapPath := filepath.Join(dir, "map.json")

	var stdout bytes.Buffer
	err := RunWatch(context.Background(), WatchOptions{
		Config:     cfg,
		Stdout:     &stdout,
		Rounds:     3,
		MetricsCSV: csvPath,
		OutPath:    mapPath,
	})
	if err != nil {
		t.Fatalf("RunWatch() error = %v", err)
	}
	if !strings.Contains(stdout.String(), "Total Polls: 3") || !strings.Contains(stdout.String(), "air_temperature") {
		t.Errorf("output:\n%s", stdout.String())
	}

	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 4 {
		t.Errorf("csv lines = %d, want header + 3", lines)
	}
	rep, err := report.ReadJSONFile(mapPath)
	if err != nil {
		t.Fatal(err)
	}
	if e, ok := rep.Units.Lookup(247, 8061); !ok || e.AccessCount != 3 {
		t.Errorf("8061 = %+v", e)
	}
}

func TestRunWatchOutputDir(t *testing.T) {
	cfg := startServer(t, seededStore(t))
	dir := filepath.Join(t.TempDir(), "run")

	err := RunWatch(context.Background(), WatchOptions{
		Config:    cfg,
		Stdout:    &bytes.Buffer{},
		Rounds:    1,
		OutputDir: dir,
	})
	if err != nil {
		t.Fatalf("RunWatch() error = %v", err)
	}
	for _, pattern := range []string{"run.json", "metrics_*.csv", "map_*.json", "summary_*.txt"} {
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		if len(matches) != 1 {
			t.Errorf("%s: found %v", pattern, matches)
		}
	}
}
