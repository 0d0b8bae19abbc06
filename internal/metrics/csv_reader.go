package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// ReadMetricsCSV reads a metrics CSV file and returns the parsed metrics along
// with the first and last timestamps found in the data.
func ReadMetricsCSV(path string) ([]Metric, time.Time, time.Time, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("open metrics CSV: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("read CSV header: %w", err)
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[col] = i
	}

	requiredCols := []string{"timestamp", "block", "success", "rtt_ms"}
	for _, col := range requiredCols {
		if _, ok := colIndex[col]; !ok {
			return nil, time.Time{}, time.Time{}, fmt.Errorf("CSV missing required column: %s", col)
		}
	}

	var metrics []Metric
	var firstTime, lastTime time.Time
	rowCount := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, time.Time{}, time.Time{}, fmt.Errorf("read CSV row %d: %w", rowCount+2, err)
		}

		field := func(name string) string {
			if idx, ok := colIndex[name]; ok && idx < len(record) {
				return record[idx]
			}
			return ""
		}

		m := Metric{
			Target:    field("target"),
			Block:     field("block"),
			Operation: Operation(field("operation")),
			Success:   field("success") == "true",
			Outcome:   Outcome(field("outcome")),
			Error:     field("error"),
		}
		if t, err := time.Parse(time.RFC3339Nano, field("timestamp")); err == nil {
			m.Timestamp = t
			if rowCount == 0 {
				firstTime = t
			}
			lastTime = t
		}
		if v, err := strconv.ParseUint(field("unit"), 10, 8); err == nil {
			m.Unit = uint8(v)
		}
		if v, ok := parseHexByte(field("function")); ok {
			m.Function = v
		}
		if v, err := strconv.ParseUint(field("address"), 10, 16); err == nil {
			m.Address = uint16(v)
		}
		if v, err := strconv.ParseUint(field("quantity"), 10, 16); err == nil {
			m.Quantity = uint16(v)
		}
		if v, err := strconv.ParseFloat(field("rtt_ms"), 64); err == nil {
			m.RTTMs = v
		}
		if v, err := strconv.ParseFloat(field("jitter_ms"), 64); err == nil {
			m.JitterMs = v
		}
		if v, ok := parseHexByte(field("exception_code")); ok {
			m.ExceptionCode = v
		}

		metrics = append(metrics, m)
		rowCount++
	}

	if rowCount == 0 {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("no data rows in CSV file")
	}

	return metrics, firstTime, lastTime, nil
}

func parseHexByte(s string) (uint8, bool) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, false
	}
	return uint8(v), true
}
