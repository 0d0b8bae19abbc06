package report

import (
	"slices"

	"github.com/tturner/mbmap/internal/analysis"
	"github.com/tturner/mbmap/internal/pcap"
)

// RegisterReport is the serialized form of a register map.
type RegisterReport struct {
	GeneratedAt string               `json:"generated_at"`
	Version     string               `json:"mbmap_version,omitempty"`
	Sources     []string             `json:"sources,omitempty"`
	Units       analysis.RegisterMap `json:"units"`
	Coverage    Coverage             `json:"coverage"`
	Stats       *pcap.Stats          `json:"stats,omitempty"`
}

// Coverage compares observed registers with the documented ones.
type Coverage struct {
	Registers    int      `json:"registers"`
	Documented   int      `json:"documented"`
	Undocumented int      `json:"undocumented"`
	Percent      float64  `json:"documented_percent"`
	Unobserved   []string `json:"unobserved_hints,omitempty"`
}

// BuildRegisterReport assembles a report. stats may be nil for live maps.
func BuildRegisterReport(m analysis.RegisterMap, stats *pcap.Stats, hints []analysis.Hint, sources []string) *RegisterReport {
	if m == nil {
		m = analysis.RegisterMap{}
	}
	return &RegisterReport{
		GeneratedAt: FormatTimestamp(),
		Sources:     slices.Clone(sources),
		Units:       m,
		Coverage:    BuildCoverage(m, hints),
		Stats:       stats,
	}
}

// BuildCoverage counts documented entries and lists hints no traffic touched.
func BuildCoverage(m analysis.RegisterMap, hints []analysis.Hint) Coverage {
	var cov Coverage
	for _, regs := range m {
		for _, e := range regs {
			cov.Registers++
			if e.Documented {
				cov.Documented++
			}
		}
	}
	cov.Undocumented = cov.Registers - cov.Documented
	if cov.Registers > 0 {
		cov.Percent = float64(cov.Documented) * 100 / float64(cov.Registers)
	}

	for _, h := range hints {
		if !hintObserved(m, h) {
			cov.Unobserved = append(cov.Unobserved, h.Name)
		}
	}
	slices.Sort(cov.Unobserved)
	return cov
}

func hintObserved(m analysis.RegisterMap, h analysis.Hint) bool {
	if h.Unit != 0 {
		_, ok := m.Lookup(h.Unit, h.Address)
		return ok
	}
	for unit := range m {
		if _, ok := m.Lookup(unit, h.Address); ok {
			return true
		}
	}
	return false
}

// sortedUnits returns the unit ids of m in ascending order.
func sortedUnits(m analysis.RegisterMap) []uint8 {
	units := make([]uint8, 0, len(m))
	for unit := range m {
		units = append(units, unit)
	}
	slices.Sort(units)
	return units
}

// sortedAddresses returns the addresses of one unit in ascending order.
func sortedAddresses(regs map[uint16]analysis.Entry) []uint16 {
	addrs := make([]uint16, 0, len(regs))
	for addr := range regs {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)
	return addrs
}
