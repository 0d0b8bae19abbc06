package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tturner/mbmap/internal/metrics"
	"github.com/tturner/mbmap/internal/report"
)

func TestNewOutputManager(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "output")

	m, err := NewOutputManager(outDir)
	if err != nil {
		t.Fatalf("NewOutputManager() error = %v", err)
	}
	if m.OutputDir() != outDir {
		t.Errorf("OutputDir() = %q, want %q", m.OutputDir(), outDir)
	}
	if m.RunID() == "" {
		t.Error("RunID() should not be empty")
	}
	info, err := os.Stat(outDir)
	if err != nil {
		t.Fatalf("output dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("output path should be a directory")
	}
}

func TestNewOutputManager_InvalidPath(t *testing.T) {
	if _, err := NewOutputManager("/dev/null/impossible"); err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestOutputManager_Setters(t *testing.T) {
	m, _ := NewOutputManager(t.TempDir())
	m.SetTarget("10.0.0.50", 505, 247)
	m.SetPolling(5000, []string{"weather_station"})
	m.SetMetricsFile("metrics.csv")

	md := m.metadata
	if md.TargetHost != "10.0.0.50" || md.TargetPort != 505 || md.UnitID != 247 {
		t.Errorf("target = %s:%d unit %d", md.TargetHost, md.TargetPort, md.UnitID)
	}
	if md.PollIntervalMs != 5000 || len(md.Blocks) != 1 {
		t.Errorf("polling = %d %v", md.PollIntervalMs, md.Blocks)
	}
	if md.Artifacts.MetricsCSV != "metrics.csv" {
		t.Errorf("MetricsCSV = %q", md.Artifacts.MetricsCSV)
	}
}

func TestOutputManager_Paths(t *testing.T) {
	dir := t.TempDir()
	m, _ := NewOutputManager(dir)

	tests := []struct {
		name   string
		path   string
		suffix string
	}{
		{"metrics", m.MetricsPath(), ".csv"},
		{"map", m.MapPath(), ".json"},
		{"summary", m.SummaryPath(), ".txt"},
	}
	for _, tt := range tests {
		if !strings.HasPrefix(tt.path, dir) || !strings.HasSuffix(tt.path, tt.suffix) {
			t.Errorf("%s path = %q", tt.name, tt.path)
		}
	}
	if m.RunJSONPath() != filepath.Join(dir, "run.json") {
		t.Errorf("RunJSONPath() = %q, want %q", m.RunJSONPath(), filepath.Join(dir, "run.json"))
	}
}

func TestOutputManager_Finalize(t *testing.T) {
	dir := t.TempDir()
	m, _ := NewOutputManager(dir)
	m.SetTarget("10.0.0.50", 505, 247)
	m.SetMetricsFile("metrics.csv")

	summary := &metrics.Summary{
		TotalOperations: 100,
		SuccessfulOps:   95,
		FailedOps:       5,
		TimeoutCount:    2,
		AvgRTT:          1.5,
		P50RTT:          1.2,
		P95RTT:          3.0,
		P99RTT:          5.0,
		MaxRTT:          8.0,
	}
	rep := report.BuildRegisterReport(nil, nil, nil, []string{"10.0.0.50:505"})

	if err := m.Finalize(summary, rep, nil); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	runJSON, err := os.ReadFile(m.RunJSONPath())
	if err != nil {
		t.Fatalf("read run.json: %v", err)
	}
	var meta RunMetadata
	if err := json.Unmarshal(runJSON, &meta); err != nil {
		t.Fatalf("unmarshal run.json: %v", err)
	}
	if meta.RunID == "" || meta.Duration == "" {
		t.Errorf("run_id = %q, duration = %q", meta.RunID, meta.Duration)
	}
	if meta.Stats.TotalPolls != 100 || meta.Stats.SuccessfulOps != 95 || meta.Stats.AvgRTTMs != 1.5 {
		t.Errorf("stats = %+v", meta.Stats)
	}
	if meta.Artifacts.MapJSON == "" || meta.ExitCode != 0 {
		t.Errorf("artifacts = %+v, exit = %d", meta.Artifacts, meta.ExitCode)
	}
	if _, err := report.ReadJSONFile(m.MapPath()); err != nil {
		t.Errorf("map not readable: %v", err)
	}

	summaryData, err := os.ReadFile(m.SummaryPath())
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	for _, want := range []string{"mbmap Watch Summary", "10.0.0.50:505 unit 247", "Total Polls: 100", "Metrics:  metrics.csv"} {
		if !strings.Contains(string(summaryData), want) {
			t.Errorf("summary missing %q", want)
		}
	}
}

func TestOutputManager_Finalize_WithError(t *testing.T) {
	m, _ := NewOutputManager(t.TempDir())
	m.SetTarget("10.0.0.50", 505, 247)

	if err := m.Finalize(nil, nil, os.ErrPermission); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	runJSON, err := os.ReadFile(m.RunJSONPath())
	if err != nil {
		t.Fatalf("read run.json: %v", err)
	}
	var meta RunMetadata
	if err := json.Unmarshal(runJSON, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.ExitCode != 1 || meta.Error == "" {
		t.Errorf("exit_code = %d, error = %q", meta.ExitCode, meta.Error)
	}
	if meta.Artifacts.MapJSON != "" {
		t.Error("no map was given, map_json should be empty")
	}
	if _, err := os.Stat(m.SummaryPath()); err != nil {
		t.Errorf("summary not written: %v", err)
	}
}
