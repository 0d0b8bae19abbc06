package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/tturner/mbmap/internal/analysis"
	"github.com/tturner/mbmap/internal/config"
	"github.com/tturner/mbmap/internal/errors"
	"github.com/tturner/mbmap/internal/logging"
	"github.com/tturner/mbmap/internal/pcap"
	"github.com/tturner/mbmap/internal/progress"
	"github.com/tturner/mbmap/internal/report"
)

// AnalyzeOptions configures RunAnalyze.
type AnalyzeOptions struct {
	Inputs   []string // capture files or directories
	Config   *config.Config
	Logger   *logging.Logger
	Stdout   io.Writer
	Stderr   io.Writer
	JSON     bool   // print JSON instead of the text table
	OutPath  string // also write the JSON report here
	CSVPath  string // also write a CSV register listing here
	Color    bool
	Progress bool
	Workers  int

	// Dump prints the first N decoded ADUs of each file as annotated hex.
	Dump int

	// RewritePath writes the Modbus frames of a single input to a new pcap.
	RewritePath     string
	RewriteClientIP string
	RewriteServerIP string
}

// FileResult is the outcome of analyzing one capture.
type FileResult struct {
	Path       string
	Analyzer   *analysis.Analyzer
	Extraction *pcap.Extraction
	Err        error
}

// AnalyzeResult is the merged outcome of an analyze run.
type AnalyzeResult struct {
	Files    []FileResult
	Analyzer *analysis.Analyzer
	Stats    pcap.Stats
	Report   *report.RegisterReport
}

// AnalyzeCaptures runs the extraction pipeline over every input, one
// analyzer per file, and merges the results in input order. Files that
// fail part way still contribute what was read before the failure.
func AnalyzeCaptures(ctx context.Context, opts AnalyzeOptions) (*AnalyzeResult, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	files, err := pcap.ExpandInputs(opts.Inputs)
	if err != nil {
		return nil, errors.WrapCaptureError(err, firstOr(opts.Inputs, ""))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no capture files found in %v", opts.Inputs)
	}

	aopts, err := cfg.AnalyzerOptions()
	if err != nil {
		return nil, err
	}
	hints, err := cfg.Hints()
	if err != nil {
		return nil, err
	}
	xopts := pcap.ExtractOptions{
		ServerPorts:    cfg.Capture.ServerPorts,
		AllPorts:       cfg.Capture.AllPorts,
		MaxResync:      cfg.Capture.MaxResync,
		MatchTimeout:   cfg.Capture.MatchTimeout(),
		MaxOutstanding: cfg.Capture.MaxOutstanding,
		Logger:         logger,
		KeepRecords:    opts.Dump > 0,
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	var bar *progress.ProgressBar
	if opts.Progress && len(files) > 1 {
		bar = progress.NewProgressBarTo(stderrOr(opts.Stderr), int64(len(files)), "Analyzing")
	}

	results := make([]FileResult, len(files))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, path := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = FileResult{Path: path, Err: err}
				return nil
			}
			logger.Verbose("Analyzing %s", path)
			an := analysis.New(aopts)
			x, err := pcap.AnalyzeFile(path, an, xopts)
			results[i] = FileResult{Path: path, Analyzer: an, Extraction: x, Err: err}
			if bar != nil {
				bar.Done(filepath.Base(path))
			}
			return nil
		})
	}
	g.Wait()
	if bar != nil {
		bar.Finish()
	}

	out := &AnalyzeResult{Files: results, Analyzer: analysis.New(aopts)}
	var failed []error
	sources := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			logger.Error("%v", errors.WrapCaptureError(r.Err, r.Path))
			failed = append(failed, r.Err)
		}
		if r.Analyzer != nil {
			out.Analyzer.Merge(r.Analyzer)
		}
		if r.Extraction != nil {
			out.Stats.Add(r.Extraction.Stats)
			sources = append(sources, r.Path)
		}
	}
	if len(failed) == len(results) {
		return out, errors.WrapCaptureError(stderrors.Join(failed...), results[0].Path)
	}

	stats := out.Stats
	out.Report = report.BuildRegisterReport(out.Analyzer.Snapshot(), &stats, hints, sources)
	logger.Info("Analyzed %d file(s): %d ADUs, %d registers", len(sources), stats.Scan.ADUs, out.Report.Units.Len())
	return out, nil
}

// RunAnalyze analyzes captures and renders the register map.
func RunAnalyze(ctx context.Context, opts AnalyzeOptions) error {
	stdout := stdoutOr(opts.Stdout)
	res, err := AnalyzeCaptures(ctx, opts)
	if err != nil {
		return err
	}

	if opts.Dump > 0 {
		for _, f := range res.Files {
			writeDump(stdout, f, opts.Dump)
		}
	}

	if opts.RewritePath != "" {
		if err := rewriteCapture(res.Files, opts); err != nil {
			return err
		}
	}

	if opts.OutPath != "" {
		if err := report.WriteJSONFile(opts.OutPath, res.Report); err != nil {
			return err
		}
	}
	if opts.CSVPath != "" {
		if err := report.WriteRegisterCSVFile(opts.CSVPath, res.Report.Units); err != nil {
			return err
		}
	}

	if opts.JSON {
		return report.WriteJSON(stdout, res.Report)
	}
	return report.WriteRegisterText(stdout, res.Report, opts.Color)
}

func writeDump(w io.Writer, f FileResult, limit int) {
	if f.Extraction == nil {
		return
	}
	fmt.Fprintf(w, "== %s ==\n", f.Path)
	for i, rec := range f.Extraction.Records {
		if i >= limit {
			fmt.Fprintf(w, "... %d more\n", len(f.Extraction.Records)-limit)
			break
		}
		fmt.Fprintf(w, "%s %s -> %s %s %s\n",
			rec.Timestamp.UTC().Format("15:04:05.000000"), rec.Src, rec.Dst,
			rec.ADU.Direction, rec.ADU.Function)
		fmt.Fprintln(w, pcap.FormatPacketHex(rec.Segment, true))
	}
	fmt.Fprintln(w)
}

func rewriteCapture(files []FileResult, opts AnalyzeOptions) error {
	if len(files) != 1 {
		return fmt.Errorf("--rewrite needs exactly one input file, got %d", len(files))
	}
	clientIP, err := pcap.ParseIP(opts.RewriteClientIP)
	if err != nil {
		return err
	}
	serverIP, err := pcap.ParseIP(opts.RewriteServerIP)
	if err != nil {
		return err
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	stats, err := pcap.RewritePCAP(files[0].Path, opts.RewritePath, pcap.RewriteOptions{
		ServerPorts:        cfg.Capture.ServerPorts,
		ClientIP:           clientIP,
		ServerIP:           serverIP,
		RecomputeChecksums: true,
	})
	if err != nil {
		return errors.WrapCaptureError(err, files[0].Path)
	}
	fmt.Fprintf(stderrOr(opts.Stderr), "Wrote %d of %d frames to %s (%d rewritten, %d skipped, %d errors)\n",
		stats.Written, stats.Total, opts.RewritePath, stats.Rewritten, stats.Skipped, stats.Errors)
	return nil
}

func stdoutOr(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}

func stderrOr(w io.Writer) io.Writer {
	if w == nil {
		return os.Stderr
	}
	return w
}

func firstOr(values []string, def string) string {
	if len(values) == 0 {
		return def
	}
	return values[0]
}
