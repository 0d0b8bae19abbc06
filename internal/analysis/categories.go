package analysis

import (
	"fmt"

	"github.com/tturner/mbmap/internal/value"
)

// Uncategorized is the label for addresses outside every category range.
const Uncategorized = "uncategorized"

// Category labels the half-open address range [Start, End).
type Category struct {
	Name  string
	Start uint32
	End   uint32
}

// Contains reports whether addr falls inside the range.
func (c Category) Contains(addr uint16) bool {
	return uint32(addr) >= c.Start && uint32(addr) < c.End
}

// CategoryTable is an ordered list of ranges; the first match wins.
type CategoryTable []Category

// Lookup returns the label of the first range containing addr.
func (t CategoryTable) Lookup(addr uint16) string {
	for _, c := range t {
		if c.Contains(addr) {
			return c.Name
		}
	}
	return Uncategorized
}

// Validate checks every range is non-empty and inside the address space.
func (t CategoryTable) Validate() error {
	for i, c := range t {
		if c.Name == "" {
			return fmt.Errorf("category %d has no name", i)
		}
		if c.Start >= c.End {
			return fmt.Errorf("category %q: empty range [%d, %d)", c.Name, c.Start, c.End)
		}
		if c.End > 1<<16 {
			return fmt.Errorf("category %q: end %d beyond address space", c.Name, c.End)
		}
	}
	return nil
}

// DefaultCategories is the address map of the inverter/weather-station
// gateway the tool was first used against.
func DefaultCategories() CategoryTable {
	return CategoryTable{
		{Name: "Inverter_Info", Start: 0, End: 51},
		{Name: "Grid_AC", Start: 100, End: 200},
		{Name: "DC_PV", Start: 200, End: 300},
		{Name: "Weather", Start: 300, End: 400},
		{Name: "Energy_Counter", Start: 500, End: 600},
		{Name: "Faults_Alarms", Start: 1000, End: 1101},
		{Name: "Weather_Station", Start: 8000, End: 8100},
	}
}

// Hint documents one register: its name, type and scaling. A hint with
// Unit 0 applies to every unit.
type Hint struct {
	Unit      uint8
	Address   uint16
	Name      string
	Type      value.Type
	Scale     float64
	Offset    float64
	UnitLabel string
}

// Decode converts raw register bytes with the hint's type and scaling.
func (h Hint) Decode(raw []byte) (float64, error) {
	scale := h.Scale
	if scale == 0 {
		scale = 1
	}
	return value.DecodeWithOffset(raw, h.Type, scale, h.Offset)
}

// DefaultHints documents the weather-station block at 8061-8085.
func DefaultHints() []Hint {
	return []Hint{
		{Address: 8061, Name: "relative_humidity", Type: value.TypeUint16, Scale: 100.0 / 65535.0, UnitLabel: "%"},
		{Address: 8063, Name: "air_temperature", Type: value.TypeUint16, Scale: 0.01, Offset: -40, UnitLabel: "°C"},
		{Address: 8073, Name: "air_pressure", Type: value.TypeUint16, Scale: 0.1, Offset: 850, UnitLabel: "hPa"},
		{Address: 8082, Name: "wind_speed", Type: value.TypeUint16, Scale: 0.001, UnitLabel: "m/s"},
		{Address: 8085, Name: "solar_irradiance", Type: value.TypeUint16, Scale: 0.1, UnitLabel: "W/m²"},
	}
}

// hintIndex finds the hint for a key, preferring a unit-specific one.
type hintIndex map[Key]Hint

func newHintIndex(hints []Hint) hintIndex {
	idx := make(hintIndex, len(hints))
	for _, h := range hints {
		idx[Key{Unit: h.Unit, Address: h.Address}] = h
	}
	return idx
}

func (idx hintIndex) lookup(unit uint8, addr uint16) (Hint, bool) {
	if h, ok := idx[Key{Unit: unit, Address: addr}]; ok {
		return h, true
	}
	h, ok := idx[Key{Address: addr}]
	return h, ok
}
