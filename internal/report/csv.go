package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tturner/mbmap/internal/analysis"
)

var csvHeader = []string{
	"Unit", "Address", "Name", "Width", "WidthKind", "Type", "Access",
	"Category", "AccessCount", "SampleRaw", "SampleValue", "UnitLabel", "Documented",
}

// WriteRegisterCSV writes one row per register, ordered by unit and address.
func WriteRegisterCSV(w io.Writer, m analysis.RegisterMap) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, unit := range sortedUnits(m) {
		regs := m[unit]
		for _, addr := range sortedAddresses(regs) {
			e := regs[addr]
			sample := ""
			if e.SampleValue != nil {
				sample = strconv.FormatFloat(*e.SampleValue, 'f', -1, 64)
			}
			record := []string{
				strconv.Itoa(int(unit)),
				strconv.Itoa(int(addr)),
				e.Name,
				strconv.Itoa(e.Width),
				string(e.WidthKind),
				string(e.Type),
				string(e.Access),
				e.Category,
				strconv.Itoa(e.AccessCount),
				e.SampleRaw,
				sample,
				e.UnitLabel,
				strconv.FormatBool(e.Documented),
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("write csv row: %w", err)
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

// WriteRegisterCSVFile writes the CSV form to path, creating its directory.
func WriteRegisterCSVFile(path string, m analysis.RegisterMap) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create csv directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv file: %w", err)
	}
	defer f.Close()
	return WriteRegisterCSV(f, m)
}
