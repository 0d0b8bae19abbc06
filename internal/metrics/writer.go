package metrics

// Metrics output (CSV/JSON) and summary formatting

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

var csvHeader = []string{
	"timestamp",
	"target",
	"block",
	"operation",
	"unit",
	"function",
	"address",
	"quantity",
	"success",
	"rtt_ms",
	"jitter_ms",
	"outcome",
	"exception_code",
	"error",
}

// Writer handles writing metrics to files
type Writer struct {
	csvFile   *os.File
	csvWriter *csv.Writer
	jsonFile  *os.File
	jsonCount int
}

// NewWriter creates a new metrics writer. Either path may be empty.
func NewWriter(csvPath, jsonPath string) (*Writer, error) {
	w := &Writer{}

	if csvPath != "" {
		file, err := os.Create(csvPath)
		if err != nil {
			return nil, fmt.Errorf("create CSV file: %w", err)
		}
		w.csvFile = file
		w.csvWriter = csv.NewWriter(file)
		if err := w.csvWriter.Write(csvHeader); err != nil {
			file.Close()
			return nil, fmt.Errorf("write CSV header: %w", err)
		}
		w.csvWriter.Flush()
	}

	if jsonPath != "" {
		file, err := os.Create(jsonPath)
		if err != nil {
			if w.csvFile != nil {
				w.csvFile.Close()
			}
			return nil, fmt.Errorf("create JSON file: %w", err)
		}
		w.jsonFile = file
		if _, err := file.WriteString("[\n"); err != nil {
			file.Close()
			if w.csvFile != nil {
				w.csvFile.Close()
			}
			return nil, fmt.Errorf("write JSON start: %w", err)
		}
	}

	return w, nil
}

// WriteMetric writes a single metric
func (w *Writer) WriteMetric(m Metric) error {
	if w.csvWriter != nil {
		record := []string{
			m.Timestamp.Format(time.RFC3339Nano),
			m.Target,
			m.Block,
			string(m.Operation),
			strconv.Itoa(int(m.Unit)),
			fmt.Sprintf("0x%02X", m.Function),
			strconv.Itoa(int(m.Address)),
			strconv.Itoa(int(m.Quantity)),
			strconv.FormatBool(m.Success),
			formatRTT(m.RTTMs),
			formatRTT(m.JitterMs),
			string(m.Outcome),
			formatException(m.ExceptionCode),
			m.Error,
		}
		if err := w.csvWriter.Write(record); err != nil {
			return fmt.Errorf("write CSV record: %w", err)
		}
		w.csvWriter.Flush()
		if err := w.csvWriter.Error(); err != nil {
			return fmt.Errorf("flush CSV: %w", err)
		}
	}

	if w.jsonFile != nil {
		data, err := json.MarshalIndent(m, "  ", "  ")
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		if w.jsonCount > 0 {
			if _, err := w.jsonFile.WriteString(",\n"); err != nil {
				return fmt.Errorf("write JSON comma: %w", err)
			}
		}
		if _, err := w.jsonFile.WriteString("  "); err != nil {
			return fmt.Errorf("write JSON: %w", err)
		}
		if _, err := w.jsonFile.Write(data); err != nil {
			return fmt.Errorf("write JSON: %w", err)
		}
		w.jsonCount++
	}

	return nil
}

// Close closes the writer and flushes all data
func (w *Writer) Close() error {
	var errs []error

	if w.csvWriter != nil {
		w.csvWriter.Flush()
	}
	if w.csvFile != nil {
		if err := w.csvFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if w.jsonFile != nil {
		if _, err := w.jsonFile.WriteString("\n]\n"); err != nil {
			errs = append(errs, err)
		}
		if err := w.jsonFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close writer: %v", errs)
	}
	return nil
}

// formatRTT formats RTT value for CSV (empty string if 0)
func formatRTT(rtt float64) string {
	if rtt == 0 {
		return ""
	}
	return fmt.Sprintf("%.3f", rtt)
}

func formatException(code uint8) string {
	if code == 0 {
		return ""
	}
	return fmt.Sprintf("0x%02X", code)
}

// FormatSummary formats a summary for human-readable output
func FormatSummary(summary *Summary) string {
	var b strings.Builder
	if summary.TotalOperations == 0 {
		return "Total Polls: 0\n"
	}

	fmt.Fprintf(&b, "Total Polls: %d\n", summary.TotalOperations)
	fmt.Fprintf(&b, "Successful: %d (%.1f%%)\n",
		summary.SuccessfulOps,
		float64(summary.SuccessfulOps)/float64(summary.TotalOperations)*100)
	fmt.Fprintf(&b, "Failed: %d (%.1f%%)\n",
		summary.FailedOps,
		float64(summary.FailedOps)/float64(summary.TotalOperations)*100)
	if summary.TimeoutCount > 0 {
		fmt.Fprintf(&b, "Timeouts: %d\n", summary.TimeoutCount)
	}
	if summary.ExceptionCount > 0 {
		fmt.Fprintf(&b, "Exceptions: %d\n", summary.ExceptionCount)
	}

	if summary.SuccessfulOps > 0 {
		b.WriteString("\nRTT Statistics:\n")
		fmt.Fprintf(&b, "  Min: %.3f ms\n", summary.MinRTT)
		fmt.Fprintf(&b, "  Max: %.3f ms\n", summary.MaxRTT)
		fmt.Fprintf(&b, "  Avg: %.3f ms\n", summary.AvgRTT)
		fmt.Fprintf(&b, "  P50: %.3f ms\n", summary.P50RTT)
		fmt.Fprintf(&b, "  P90: %.3f ms\n", summary.P90RTT)
		fmt.Fprintf(&b, "  P95: %.3f ms\n", summary.P95RTT)
		fmt.Fprintf(&b, "  P99: %.3f ms\n", summary.P99RTT)
		if summary.AvgJitter > 0 {
			fmt.Fprintf(&b, "  Jitter avg: %.3f ms\n", summary.AvgJitter)
		}
		fmt.Fprintf(&b, "  Buckets: <1ms=%d 1-5ms=%d 5-10ms=%d 10-50ms=%d 50-100ms=%d 100-500ms=%d >500ms=%d\n",
			summary.RTTBuckets["lt_1ms"],
			summary.RTTBuckets["1_5ms"],
			summary.RTTBuckets["5_10ms"],
			summary.RTTBuckets["10_50ms"],
			summary.RTTBuckets["50_100ms"],
			summary.RTTBuckets["100_500ms"],
			summary.RTTBuckets["gt_500ms"],
		)
	}

	if len(summary.ByBlock) > 0 {
		b.WriteString("\nPer-Block Statistics:\n")
		names := make([]string, 0, len(summary.ByBlock))
		for name := range summary.ByBlock {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			stats := summary.ByBlock[name]
			fmt.Fprintf(&b, "  %s: %d polls (%d success, %d failed)", name, stats.Count, stats.Success, stats.Failed)
			if stats.Success > 0 {
				fmt.Fprintf(&b, " - RTT: min=%.3fms, max=%.3fms, avg=%.3fms", stats.MinRTT, stats.MaxRTT, stats.AvgRTT)
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}
