package analysis

// Register pattern analysis.
//
// The Analyzer accumulates register accesses keyed by (unit, start address)
// and derives a register map from them on demand. Accumulation is not safe
// for concurrent use; snapshots are independent values.

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/tturner/mbmap/internal/modbus"
	"github.com/tturner/mbmap/internal/value"
)

// DefaultMaxSamples bounds the distinct raw value samples kept per key.
const DefaultMaxSamples = 16

// Key identifies a register access by unit and starting address.
type Key struct {
	Unit    uint8
	Address uint16
}

// WidthKind classifies the inferred register width.
type WidthKind string

const (
	WidthSingle   WidthKind = "single"
	WidthDouble   WidthKind = "double"
	WidthVariable WidthKind = "variable"
)

// Access is the inferred access mode.
type Access string

const (
	AccessRead      Access = "read"
	AccessWrite     Access = "write"
	AccessReadWrite Access = "read-write"
)

// Entry is the derived description of one register.
type Entry struct {
	Width       int            `json:"width"`
	WidthKind   WidthKind      `json:"width_kind"`
	Type        value.Type     `json:"type"`
	Access      Access         `json:"access"`
	Category    string         `json:"category"`
	AccessCount int            `json:"access_count"`
	Requests    int            `json:"requests"`
	Covered     int            `json:"covered,omitempty"`
	Quantities  map[uint16]int `json:"quantities,omitempty"`
	Functions   []int          `json:"function_codes,omitempty"`
	Units       []int          `json:"seen_on_units,omitempty"`
	SampleRaw   string         `json:"sample_raw,omitempty"`
	SampleValue *float64       `json:"sample_value,omitempty"`
	SampleText  string         `json:"sample_text,omitempty"`
	UnitLabel   string         `json:"unit,omitempty"`
	Name        string         `json:"name,omitempty"`
	Documented  bool           `json:"documented"`
}

// RegisterMap maps unit id to address to entry.
type RegisterMap map[uint8]map[uint16]Entry

// Len returns the number of entries across all units.
func (m RegisterMap) Len() int {
	n := 0
	for _, regs := range m {
		n += len(regs)
	}
	return n
}

// Lookup returns the entry for unit/address.
func (m RegisterMap) Lookup(unit uint8, addr uint16) (Entry, bool) {
	e, ok := m[unit][addr]
	return e, ok
}

// registerAccess is the accumulated state of one key.
type registerAccess struct {
	count      int
	requests   int
	covered    int
	quantities map[uint16]int
	functions  map[modbus.FunctionCode]int
	shape      sampleShape

	// samples holds the smallest distinct values seen, in byte order,
	// with exact occurrence counts.
	samples []sample
}

type sample struct {
	data  []byte
	count int
}

// Options configures an Analyzer.
type Options struct {
	Categories CategoryTable
	Hints      []Hint
	MaxSamples int
}

// Analyzer accumulates observations and produces register maps.
type Analyzer struct {
	categories CategoryTable
	hints      hintIndex
	hintList   []Hint
	maxSamples int
	accesses   map[Key]*registerAccess
	rejected   int
}

// New creates an Analyzer. A nil category table uses DefaultCategories.
func New(opts Options) *Analyzer {
	cats := opts.Categories
	if cats == nil {
		cats = DefaultCategories()
	}
	maxSamples := opts.MaxSamples
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Analyzer{
		categories: cats,
		hints:      newHintIndex(opts.Hints),
		hintList:   slices.Clone(opts.Hints),
		maxSamples: maxSamples,
		accesses:   make(map[Key]*registerAccess),
	}
}

// Observe records one access. Quantities outside [1,125] and unknown
// function codes are rejected and leave no trace besides the rejection
// counter.
func (a *Analyzer) Observe(unit uint8, addr, qty uint16, fc modbus.FunctionCode, isRequest bool) error {
	fc = fc.Base()
	if !modbus.IsKnownFunction(fc) {
		a.rejected++
		return fmt.Errorf("observe %d/%d: unsupported function %s", unit, addr, fc)
	}
	if qty < 1 || qty > modbus.MaxReadRegisters {
		a.rejected++
		return fmt.Errorf("observe %d/%d: %w: %d", unit, addr, modbus.ErrQuantityRange, qty)
	}

	acc := a.access(Key{Unit: unit, Address: addr})
	acc.count++
	if isRequest {
		acc.requests++
	}
	acc.quantities[qty]++
	acc.functions[fc]++
	return nil
}

// ObserveValues attaches register bytes that start at addr, for example
// the data of a read response matched to its request. Documented registers
// that fall inside the span also receive their slice of the data.
func (a *Analyzer) ObserveValues(unit uint8, addr uint16, fc modbus.FunctionCode, data []byte) error {
	if !fc.Base().IsRegister() {
		return nil
	}
	if len(data) == 0 || len(data)%2 != 0 {
		return fmt.Errorf("observe values %d/%d: %d bytes is not a register multiple", unit, addr, len(data))
	}

	a.addSample(a.access(Key{Unit: unit, Address: addr}), data)

	n := len(data) / 2
	for _, h := range a.hintList {
		if h.Unit != 0 && h.Unit != unit {
			continue
		}
		off := int(h.Address) - int(addr)
		if off <= 0 || off >= n {
			continue
		}
		end := off + max(h.Type.Registers(), 1)
		if end > n {
			continue
		}
		acc := a.access(Key{Unit: unit, Address: h.Address})
		acc.covered++
		acc.functions[fc.Base()]++
		a.addSample(acc, data[off*2:end*2])
	}
	return nil
}

// Rejected returns the number of observations refused by Observe.
func (a *Analyzer) Rejected() int {
	return a.rejected
}

// Keys returns the number of distinct keys observed.
func (a *Analyzer) Keys() int {
	return len(a.accesses)
}

// Merge adds the observations of other into a.
func (a *Analyzer) Merge(other *Analyzer) {
	for key, src := range other.accesses {
		dst := a.access(key)
		dst.count += src.count
		dst.requests += src.requests
		dst.covered += src.covered
		for q, n := range src.quantities {
			dst.quantities[q] += n
		}
		for fc, n := range src.functions {
			dst.functions[fc] += n
		}
		dst.shape.merge(src.shape)
		for _, s := range src.samples {
			a.keepSample(dst, s.data, s.count)
		}
	}
	a.rejected += other.rejected
}

func (a *Analyzer) access(key Key) *registerAccess {
	acc, ok := a.accesses[key]
	if !ok {
		acc = &registerAccess{
			quantities: make(map[uint16]int),
			functions:  make(map[modbus.FunctionCode]int),
		}
		a.accesses[key] = acc
	}
	return acc
}

func (a *Analyzer) addSample(acc *registerAccess, data []byte) {
	acc.shape.add(data)
	a.keepSample(acc, data, 1)
}

// keepSample counts data into the retained set. When the set is full the
// largest value gives way, so the set ends up as the smallest distinct
// values regardless of arrival order.
func (a *Analyzer) keepSample(acc *registerAccess, data []byte, n int) {
	i, found := slices.BinarySearchFunc(acc.samples, data, func(s sample, d []byte) int {
		return bytes.Compare(s.data, d)
	})
	if found {
		acc.samples[i].count += n
		return
	}
	if len(acc.samples) >= a.maxSamples {
		if i == len(acc.samples) {
			return
		}
		acc.samples = acc.samples[:len(acc.samples)-1]
	}
	acc.samples = slices.Insert(acc.samples, i, sample{data: slices.Clone(data), count: n})
}

// representative returns the most frequent retained sample, the smallest
// on ties.
func (acc *registerAccess) representative() []byte {
	var best sample
	for _, s := range acc.samples {
		if s.count > best.count {
			best = s
		}
	}
	return best.data
}

// Snapshot derives the register map from the accumulated state. The
// result shares nothing with the analyzer.
func (a *Analyzer) Snapshot() RegisterMap {
	unitsByAddr := make(map[uint16][]int)
	for key, acc := range a.accesses {
		if acc.count > 0 {
			unitsByAddr[key.Address] = append(unitsByAddr[key.Address], int(key.Unit))
		}
	}

	out := make(RegisterMap)
	for key, acc := range a.accesses {
		if acc.count == 0 && acc.covered == 0 {
			continue
		}
		entry := a.entry(key, acc)
		if units := unitsByAddr[key.Address]; len(units) > 1 {
			entry.Units = slices.Sorted(slices.Values(units))
		}
		if out[key.Unit] == nil {
			out[key.Unit] = make(map[uint16]Entry)
		}
		out[key.Unit][key.Address] = entry
	}
	return out
}

func (a *Analyzer) entry(key Key, acc *registerAccess) Entry {
	hint, documented := a.hints.lookup(key.Unit, key.Address)

	e := Entry{
		Access:      inferAccess(acc.functions),
		Category:    a.categories.Lookup(key.Address),
		AccessCount: acc.count,
		Requests:    acc.requests,
		Covered:     acc.covered,
		Documented:  documented,
	}
	if len(acc.quantities) > 0 {
		e.Quantities = make(map[uint16]int, len(acc.quantities))
		for q, n := range acc.quantities {
			e.Quantities[q] = n
		}
	}
	for fc := range acc.functions {
		e.Functions = append(e.Functions, int(fc))
	}
	slices.Sort(e.Functions)

	e.Width, e.WidthKind = inferWidth(acc.quantities)
	e.Type = inferType(e.WidthKind, acc.shape)
	if documented {
		e.Name = hint.Name
		e.UnitLabel = hint.UnitLabel
		if hint.Type != value.TypeUnknown && hint.Type != "" {
			e.Type = hint.Type
		}
		if e.Width == 0 {
			e.Width = max(hint.Type.Registers(), 1)
			e.WidthKind = widthKindOf(e.Width)
		}
	}

	if len(acc.samples) == 0 {
		return e
	}
	rep := acc.representative()
	e.SampleRaw = hex.EncodeToString(rep)
	switch {
	case e.Type.Numeric() && len(rep) >= e.Type.Size():
		raw := rep[:e.Type.Size()]
		var (
			v   float64
			err error
		)
		if documented {
			v, err = hint.Decode(raw)
		} else {
			v, err = value.Decode(raw, e.Type, 1)
		}
		if err == nil {
			e.SampleValue = &v
		}
	case e.Type == value.TypeString:
		e.SampleText = printable(rep)
	}
	return e
}
