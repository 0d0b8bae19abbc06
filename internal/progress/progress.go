package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ProgressBar is a single-line progress indicator for batch work such as
// analyzing many capture files. It is safe for concurrent use.
type ProgressBar struct {
	mu          sync.Mutex
	total       int64
	current     int64
	startTime   time.Time
	lastUpdate  time.Time
	output      io.Writer
	enabled     bool
	description string
	item        string
}

// NewProgressBar creates a progress bar writing to stderr.
func NewProgressBar(total int64, description string) *ProgressBar {
	return NewProgressBarTo(os.Stderr, total, description)
}

// NewProgressBarTo creates a progress bar writing to w.
func NewProgressBarTo(w io.Writer, total int64, description string) *ProgressBar {
	now := time.Now()
	return &ProgressBar{
		total:       total,
		startTime:   now,
		lastUpdate:  now,
		output:      w,
		enabled:     true,
		description: description,
	}
}

// Disable disables the progress bar
func (p *ProgressBar) Disable() {
	p.mu.Lock()
	p.enabled = false
	p.mu.Unlock()
}

// Enable enables the progress bar
func (p *ProgressBar) Enable() {
	p.mu.Lock()
	p.enabled = true
	p.mu.Unlock()
}

// Update advances the progress by n.
func (p *ProgressBar) Update(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current += n
	p.render()
}

// Set sets the current progress
func (p *ProgressBar) Set(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = n
	p.render()
}

// Increment increments the progress by 1
func (p *ProgressBar) Increment() {
	p.Update(1)
}

// Done marks one item finished and shows its label.
func (p *ProgressBar) Done(item string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current++
	p.item = item
	p.render()
}

// render must be called with mu held.
func (p *ProgressBar) render() {
	if !p.enabled {
		return
	}

	now := time.Now()
	if now.Sub(p.lastUpdate) < 100*time.Millisecond && p.current < p.total {
		return
	}
	p.lastUpdate = now

	var percent float64
	if p.total > 0 {
		percent = float64(p.current) / float64(p.total) * 100
	}

	elapsed := time.Since(p.startTime)

	var eta time.Duration
	if p.current > 0 && p.total > 0 {
		rate := float64(p.current) / elapsed.Seconds()
		if rate > 0 {
			remaining := float64(p.total-p.current) / rate
			eta = time.Duration(remaining) * time.Second
		}
	}

	const barWidth = 30
	filled := int(float64(barWidth) * percent / 100)
	if filled > barWidth {
		filled = barWidth
	}
	bar := make([]byte, barWidth)
	for i := range bar {
		switch {
		case i < filled:
			bar[i] = '='
		case i == filled:
			bar[i] = '>'
		default:
			bar[i] = '-'
		}
	}

	output := fmt.Sprintf("\r[%s] %d/%d (%.1f%%) | Elapsed: %s", string(bar), p.current, p.total, percent, formatDuration(elapsed))
	if p.description != "" {
		output = fmt.Sprintf("\r%s %s", p.description, output[1:])
	}
	if eta > 0 && p.current < p.total {
		output += fmt.Sprintf(" | ETA: %s", formatDuration(eta))
	}
	if p.item != "" {
		output += " | " + p.item
	}

	fmt.Fprint(p.output, output)
}

// Finish renders the final state and ends the line.
func (p *ProgressBar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}

	p.current = p.total
	p.lastUpdate = time.Time{}
	p.render()
	fmt.Fprint(p.output, "\n")
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", minutes, seconds)
}
