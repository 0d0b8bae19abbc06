package report

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tturner/mbmap/internal/analysis"
	"github.com/tturner/mbmap/internal/pcap"
)

// Palette shared with the terminal output of the other commands.
var (
	colorAccent  = lipgloss.Color("#7aa2f7")
	colorSuccess = lipgloss.Color("#9ece6a")
	colorWarning = lipgloss.Color("#e0af68")
	colorInfo    = lipgloss.Color("#7dcfff")
	colorDim     = lipgloss.Color("#565f89")
)

type textStyles struct {
	title      lipgloss.Style
	header     lipgloss.Style
	documented lipgloss.Style
	plain      lipgloss.Style
	category   lipgloss.Style
	dim        lipgloss.Style
	warning    lipgloss.Style
}

func newTextStyles(w io.Writer, color bool) textStyles {
	r := lipgloss.NewRenderer(w)
	if !color {
		base := r.NewStyle()
		return textStyles{base, base, base, base, base, base, base}
	}
	return textStyles{
		title:      r.NewStyle().Bold(true).Foreground(colorAccent),
		header:     r.NewStyle().Bold(true),
		documented: r.NewStyle().Foreground(colorSuccess),
		plain:      r.NewStyle(),
		category:   r.NewStyle().Foreground(colorInfo),
		dim:        r.NewStyle().Foreground(colorDim),
		warning:    r.NewStyle().Foreground(colorWarning),
	}
}

// WriteRegisterText renders the register map as a table per unit. Styling is
// applied only when color is set.
func WriteRegisterText(w io.Writer, rep *RegisterReport, color bool) error {
	st := newTextStyles(w, color)
	var b strings.Builder

	b.WriteString(st.title.Render("Modbus Register Map") + "\n")
	if len(rep.Sources) > 0 {
		fmt.Fprintf(&b, "Sources: %s\n", strings.Join(rep.Sources, ", "))
	}
	if rep.GeneratedAt != "" {
		fmt.Fprintf(&b, "Generated: %s\n", rep.GeneratedAt)
	}

	if rep.Units.Len() == 0 {
		b.WriteString("\n" + st.warning.Render("No register accesses observed.") + "\n")
	}
	for _, unit := range sortedUnits(rep.Units) {
		regs := rep.Units[unit]
		fmt.Fprintf(&b, "\n%s\n", st.header.Render(fmt.Sprintf("Unit %d (%d registers)", unit, len(regs))))
		b.WriteString(st.dim.Render(fmt.Sprintf("  %-7s %-22s %-5s %-8s %-10s %-16s %6s  %s",
			"Address", "Name", "Width", "Type", "Access", "Category", "Count", "Sample")) + "\n")
		for _, addr := range sortedAddresses(regs) {
			e := regs[addr]
			name := e.Name
			nameStyle := st.documented
			if name == "" {
				name = "-"
				nameStyle = st.plain
			}
			fmt.Fprintf(&b, "  %-7d %s %-5s %-8s %-10s %s %6d  %s\n",
				addr,
				nameStyle.Render(fmt.Sprintf("%-22s", name)),
				widthLabel(e),
				e.Type,
				e.Access,
				st.category.Render(fmt.Sprintf("%-16s", e.Category)),
				e.AccessCount,
				sampleLabel(e),
			)
		}
	}

	cov := rep.Coverage
	fmt.Fprintf(&b, "\n%s\n", st.header.Render("Coverage"))
	fmt.Fprintf(&b, "  Registers: %d (documented %d, undocumented %d, %.1f%%)\n",
		cov.Registers, cov.Documented, cov.Undocumented, cov.Percent)
	if len(cov.Unobserved) > 0 {
		fmt.Fprintf(&b, "  %s %s\n", st.warning.Render("Not seen:"), strings.Join(cov.Unobserved, ", "))
	}

	if rep.Stats != nil {
		writeStats(&b, st, rep.Stats)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeStats(b *strings.Builder, st textStyles, s *pcap.Stats) {
	fmt.Fprintf(b, "\n%s\n", st.header.Render("Capture Statistics"))
	fmt.Fprintf(b, "  Format: %s\n", s.ContainerFormat)
	fmt.Fprintf(b, "  Frames: %d (reader skipped %d)\n", s.Frames, s.ReaderSkipped)
	fmt.Fprintf(b, "  TCP payloads: %d (non-Modbus %d, streams %d)\n", s.TCPPayloads, s.NonModbus, s.Streams)
	fmt.Fprintf(b, "  ADUs: %d (requests %d, responses %d, exceptions %d)\n",
		s.Scan.ADUs, s.Requests, s.Responses, s.Exceptions)
	fmt.Fprintf(b, "  Matched: %d of %d requests (unmatched responses %d, expired %d)\n",
		s.Match.TotalMatched, s.Match.TotalRequests, s.Match.TotalUnmatched, s.Match.TotalExpired)
	fmt.Fprintf(b, "  Skipped bytes: %d (abandoned windows %d, ambiguous %d)\n",
		s.Scan.SkippedBytes, s.Scan.Abandoned, s.Scan.Ambiguous)
	if len(s.Units) > 0 {
		ids := make([]string, len(s.Units))
		for i, u := range s.Units {
			ids[i] = strconv.Itoa(u)
		}
		fmt.Fprintf(b, "  Units: %s\n", strings.Join(ids, ", "))
	}
	writeCounts(b, "Function codes", s.FunctionCounts)
	writeCounts(b, "Decode errors", s.DecodeErrors)
	writeCounts(b, "Unwrap skips", s.UnwrapSkipped)
}

func writeCounts(b *strings.Builder, label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	fmt.Fprintf(b, "  %s:\n", label)
	for _, k := range keys {
		fmt.Fprintf(b, "    %s: %d\n", k, counts[k])
	}
}

func widthLabel(e analysis.Entry) string {
	if e.WidthKind == analysis.WidthVariable {
		return strconv.Itoa(e.Width) + "+"
	}
	return strconv.Itoa(e.Width)
}

func sampleLabel(e analysis.Entry) string {
	switch {
	case e.SampleValue != nil:
		s := strconv.FormatFloat(*e.SampleValue, 'f', 3, 64)
		if e.UnitLabel != "" {
			s += " " + e.UnitLabel
		}
		return s
	case e.SampleText != "":
		return strconv.Quote(e.SampleText)
	case e.SampleRaw != "":
		return "0x" + e.SampleRaw
	default:
		return "-"
	}
}
