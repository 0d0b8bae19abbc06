// Package artifact writes the output directory of a watch run.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tturner/mbmap/internal/metrics"
	"github.com/tturner/mbmap/internal/report"
)

// RunMetadata describes one watch run.
type RunMetadata struct {
	RunID     string    `json:"run_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  string    `json:"duration"`

	TargetHost string `json:"target_host"`
	TargetPort int    `json:"target_port"`
	UnitID     int    `json:"unit_id"`

	PollIntervalMs int      `json:"poll_interval_ms,omitempty"`
	Blocks         []string `json:"blocks,omitempty"`

	Stats    RunStats `json:"stats"`
	ExitCode int      `json:"exit_code"`
	Error    string   `json:"error,omitempty"`

	// Artifact paths, relative to the output directory.
	Artifacts ArtifactPaths `json:"artifacts"`
}

// RunStats summarizes the polls and the resulting map.
type RunStats struct {
	TotalPolls     int     `json:"total_polls"`
	SuccessfulOps  int     `json:"successful_polls"`
	FailedOps      int     `json:"failed_polls"`
	TimeoutCount   int     `json:"timeouts"`
	ExceptionCount int     `json:"exceptions"`
	AvgRTTMs       float64 `json:"avg_rtt_ms"`
	P50RTTMs       float64 `json:"p50_rtt_ms"`
	P95RTTMs       float64 `json:"p95_rtt_ms"`
	P99RTTMs       float64 `json:"p99_rtt_ms"`
	MaxRTTMs       float64 `json:"max_rtt_ms"`
	Registers      int     `json:"registers"`
	Documented     int     `json:"documented"`
}

// ArtifactPaths lists the files of a run.
type ArtifactPaths struct {
	RunJSON    string `json:"run_json"`
	MetricsCSV string `json:"metrics_csv,omitempty"`
	MapJSON    string `json:"map_json,omitempty"`
	SummaryTxt string `json:"summary_txt,omitempty"`
}

// OutputManager manages artifact output for a run.
type OutputManager struct {
	outputDir string
	runID     string
	metadata  *RunMetadata
}

// NewOutputManager creates the output directory and starts the run clock.
func NewOutputManager(outputDir string) (*OutputManager, error) {
	runID := time.Now().Format("20060102-150405")
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	return &OutputManager{
		outputDir: outputDir,
		runID:     runID,
		metadata: &RunMetadata{
			RunID:     runID,
			StartTime: time.Now(),
			Artifacts: ArtifactPaths{
				RunJSON: "run.json",
			},
		},
	}, nil
}

// OutputDir returns the output directory path.
func (m *OutputManager) OutputDir() string {
	return m.outputDir
}

// RunID returns the run identifier.
func (m *OutputManager) RunID() string {
	return m.runID
}

// SetTarget records the polled device.
func (m *OutputManager) SetTarget(host string, port, unit int) {
	m.metadata.TargetHost = host
	m.metadata.TargetPort = port
	m.metadata.UnitID = unit
}

// SetPolling records the poll interval and block names.
func (m *OutputManager) SetPolling(intervalMs int, blocks []string) {
	m.metadata.PollIntervalMs = intervalMs
	m.metadata.Blocks = blocks
}

// SetMetricsFile records the metrics file, relative to the output directory.
func (m *OutputManager) SetMetricsFile(filename string) {
	m.metadata.Artifacts.MetricsCSV = filename
}

// MetricsPath returns the full path for the metrics file.
func (m *OutputManager) MetricsPath() string {
	return filepath.Join(m.outputDir, fmt.Sprintf("metrics_%s.csv", m.runID))
}

// MapPath returns the full path for the register map.
func (m *OutputManager) MapPath() string {
	return filepath.Join(m.outputDir, fmt.Sprintf("map_%s.json", m.runID))
}

// SummaryPath returns the full path for the summary file.
func (m *OutputManager) SummaryPath() string {
	return filepath.Join(m.outputDir, fmt.Sprintf("summary_%s.txt", m.runID))
}

// RunJSONPath returns the full path for the run.json file.
func (m *OutputManager) RunJSONPath() string {
	return filepath.Join(m.outputDir, "run.json")
}

// Finalize writes the register map, the summary and run.json.
func (m *OutputManager) Finalize(summary *metrics.Summary, rep *report.RegisterReport, runErr error) error {
	m.metadata.EndTime = time.Now()
	m.metadata.Duration = m.metadata.EndTime.Sub(m.metadata.StartTime).Round(time.Millisecond).String()
	if runErr != nil {
		m.metadata.ExitCode = 1
		m.metadata.Error = runErr.Error()
	}

	if summary != nil {
		m.metadata.Stats = RunStats{
			TotalPolls:     summary.TotalOperations,
			SuccessfulOps:  summary.SuccessfulOps,
			FailedOps:      summary.FailedOps,
			TimeoutCount:   summary.TimeoutCount,
			ExceptionCount: summary.ExceptionCount,
			AvgRTTMs:       summary.AvgRTT,
			P50RTTMs:       summary.P50RTT,
			P95RTTMs:       summary.P95RTT,
			P99RTTMs:       summary.P99RTT,
			MaxRTTMs:       summary.MaxRTT,
		}
	}

	if rep != nil {
		m.metadata.Stats.Registers = rep.Coverage.Registers
		m.metadata.Stats.Documented = rep.Coverage.Documented
		if err := report.WriteJSONFile(m.MapPath(), rep); err != nil {
			return err
		}
		m.metadata.Artifacts.MapJSON = filepath.Base(m.MapPath())
	}

	m.metadata.Artifacts.SummaryTxt = filepath.Base(m.SummaryPath())
	if err := m.writeSummary(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	if err := m.writeRunJSON(); err != nil {
		return fmt.Errorf("write run.json: %w", err)
	}
	return nil
}

// writeSummary writes a human-readable summary file.
func (m *OutputManager) writeSummary(summary *metrics.Summary) error {
	f, err := os.Create(m.SummaryPath())
	if err != nil {
		return err
	}
	defer f.Close()

	md := m.metadata
	fmt.Fprintf(f, "mbmap Watch Summary\n")
	fmt.Fprintf(f, "===================\n\n")

	fmt.Fprintf(f, "Run ID:     %s\n", md.RunID)
	fmt.Fprintf(f, "Start Time: %s\n", md.StartTime.Format(time.RFC3339))
	fmt.Fprintf(f, "End Time:   %s\n", md.EndTime.Format(time.RFC3339))
	fmt.Fprintf(f, "Duration:   %s\n\n", md.Duration)

	fmt.Fprintf(f, "Target: %s:%d unit %d\n", md.TargetHost, md.TargetPort, md.UnitID)
	if len(md.Blocks) > 0 {
		fmt.Fprintf(f, "Blocks: %v every %dms\n", md.Blocks, md.PollIntervalMs)
	}
	fmt.Fprintln(f)

	if summary != nil {
		fmt.Fprintf(f, "Polls\n")
		fmt.Fprintf(f, "-----\n")
		fmt.Fprint(f, metrics.FormatSummary(summary))
		fmt.Fprintln(f)
	}

	fmt.Fprintf(f, "Register Map\n")
	fmt.Fprintf(f, "------------\n")
	fmt.Fprintf(f, "Registers:  %d\n", md.Stats.Registers)
	fmt.Fprintf(f, "Documented: %d\n\n", md.Stats.Documented)

	if md.Error != "" {
		fmt.Fprintf(f, "Error: %s\n\n", md.Error)
	}

	fmt.Fprintf(f, "Artifacts\n")
	fmt.Fprintf(f, "---------\n")
	if md.Artifacts.MetricsCSV != "" {
		fmt.Fprintf(f, "Metrics:  %s\n", md.Artifacts.MetricsCSV)
	}
	if md.Artifacts.MapJSON != "" {
		fmt.Fprintf(f, "Map:      %s\n", md.Artifacts.MapJSON)
	}
	fmt.Fprintf(f, "Summary:  %s\n", md.Artifacts.SummaryTxt)
	fmt.Fprintf(f, "Run JSON: %s\n", md.Artifacts.RunJSON)

	return nil
}

// writeRunJSON writes the run metadata as JSON.
func (m *OutputManager) writeRunJSON() error {
	data, err := json.MarshalIndent(m.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.RunJSONPath(), data, 0644)
}
