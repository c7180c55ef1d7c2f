// Package export runs the allocation export pipeline: query, normalize
// and validate, sort, chunked file writes, manifest. Output files
// become visible only through the .part → fsync → rename sequence, so
// a crashed run never leaves a partially written final file.
package export

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/peyvand-edu/sabt-core/pkg/clock"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
	"github.com/peyvand-edu/sabt-core/pkg/obslog"
	"github.com/peyvand-edu/sabt-core/pkg/retry"
	"github.com/peyvand-edu/sabt-core/pkg/rowsource"
)

// Exporter owns the pipeline dependencies. Construct once, run many.
type Exporter struct {
	src    rowsource.DataSource
	roster rowsource.Roster
	clk    clock.Clock
	slp    clock.Sleeper
	log    *slog.Logger
	m      *metrics.Registry
	pol    retry.Policy
	tracer trace.Tracer
}

// New wires an exporter. roster may be nil when no special-school
// roster exists; every row then exports student_type=0.
func New(src rowsource.DataSource, roster rowsource.Roster, clk clock.Clock, slp clock.Sleeper, log *slog.Logger, m *metrics.Registry) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{
		src:    src,
		roster: roster,
		clk:    clk,
		slp:    slp,
		log:    obslog.Named(log, "exporter"),
		m:      m,
		pol:    retry.DefaultPolicy(),
		tracer: otel.Tracer("sabt.export"),
	}
}

// SetRetryPolicy replaces the default transient-error policy.
func (e *Exporter) SetRetryPolicy(pol retry.Policy) { e.pol = pol }

// Result points at the finalized run.
type Result struct {
	Dir          string
	ManifestPath string
	Manifest     *Manifest
}

// Run executes one export. correlationID seeds the deterministic retry
// backoff and tags every log line of the run.
func (e *Exporter) Run(ctx context.Context, dir string, f rowsource.Filters, opts Options, snap Snapshot, correlationID string) (*Result, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		e.countError(err)
		return nil, err
	}
	ctx = obslog.WithCorrelation(ctx, correlationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.countError(&Error{Code: CodeIOError})
		return nil, &Error{Code: CodeIOError, Err: err}
	}
	e.cleanupStaleParts(ctx, dir)

	rows, err := e.queryPhase(ctx, f, opts, correlationID)
	if err != nil {
		e.countError(err)
		return nil, err
	}

	files, stamp, err := e.writePhase(ctx, dir, rows, f, opts, correlationID)
	if err != nil {
		e.countError(err)
		return nil, err
	}

	res, err := e.finalizePhase(ctx, dir, files, stamp, len(rows), f, opts, snap, correlationID)
	if err != nil {
		e.countError(err)
		return nil, err
	}
	e.log.InfoContext(ctx, "export complete",
		"rows", len(rows),
		"files", len(files),
		"format", opts.Format,
		"manifest", res.ManifestPath,
	)
	return res, nil
}

// queryPhase fetches, normalizes, validates and sorts. Fetch failures
// classified transient are retried; validation failures are terminal.
func (e *Exporter) queryPhase(ctx context.Context, f rowsource.Filters, opts Options, correlationID string) ([]Row, error) {
	ctx, span := e.tracer.Start(ctx, "export.query")
	defer span.End()
	start := e.clk.Monotonic()
	defer func() { e.m.ExporterDuration.WithLabelValues("query").Observe(e.clk.Monotonic() - start) }()

	fetched, err := retry.Do(ctx, "export_query", correlationID, e.pol, e.slp, transientIO, e.m,
		func(ctx context.Context) ([]rowsource.Row, error) {
			return e.src.Rows(ctx, f)
		})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(fetched) == 0 {
		err := &Error{Code: CodeEmpty, Err: fmt.Errorf("no rows for year %d", f.Year)}
		span.RecordError(err)
		return nil, err
	}

	rows := make([]Row, 0, len(fetched))
	for _, src := range fetched {
		r, err := buildRow(src, f.Year, e.roster, opts.ExcelMode)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		rows = append(rows, r)
	}
	sort.SliceStable(rows, func(i, j int) bool { return less(rows[i], rows[j]) })
	span.SetAttributes(attribute.Int("rows", len(rows)))
	return rows, nil
}

// writePhase chunks the sorted rows into numbered files, each published
// by rename only after a successful fsync.
func (e *Exporter) writePhase(ctx context.Context, dir string, rows []Row, f rowsource.Filters, opts Options, correlationID string) ([]FileInfo, string, error) {
	ctx, span := e.tracer.Start(ctx, "export.write")
	defer span.End()
	start := e.clk.Monotonic()
	defer func() { e.m.ExporterDuration.WithLabelValues("write").Observe(e.clk.Monotonic() - start) }()

	stamp := e.clk.Now().UTC().Format("20060102150405")
	chunks := chunkRows(rows, opts.ChunkSize)
	files := make([]FileInfo, 0, len(chunks))
	for i, chunk := range chunks {
		seq := i + 1
		name := fileName(opts.Profile, f, stamp, seq, opts.Format)
		info, err := retry.Do(ctx, "export_write", correlationID, e.pol, e.slp, transientIO, e.m,
			func(ctx context.Context) (FileInfo, error) {
				return e.writeChunk(dir, name, seq, chunk, opts)
			})
		if err != nil {
			span.RecordError(err)
			return nil, "", wrapIO(err)
		}
		files = append(files, info)
		e.m.ExporterBytes.WithLabelValues(opts.Format).Add(float64(info.ByteSize))
		e.m.ExportRows.WithLabelValues(opts.Format).Add(float64(info.RowCount))
		e.log.DebugContext(ctx, "chunk written", "file", name, "rows", info.RowCount, "bytes", info.ByteSize)
	}
	span.SetAttributes(attribute.Int("files", len(files)))
	return files, stamp, nil
}

// finalizePhase writes the canonical manifest last, after every data
// file is already visible.
func (e *Exporter) finalizePhase(ctx context.Context, dir string, files []FileInfo, stamp string, totalRows int, f rowsource.Filters, opts Options, snap Snapshot, correlationID string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "export.finalize")
	defer span.End()
	start := e.clk.Monotonic()
	defer func() { e.m.ExporterDuration.WithLabelValues("finalize").Observe(e.clk.Monotonic() - start) }()

	order := make([]string, len(files))
	for i, fi := range files {
		order[i] = fi.Name
	}
	m := &Manifest{
		Profile:     opts.Profile,
		Filters:     f,
		Snapshot:    snap,
		GeneratedAt: e.clk.Now().UTC().Format(time.RFC3339),
		TotalRows:   totalRows,
		Files:       files,
		DeltaWindow: f.Delta,
		Metadata: Metadata{
			Timestamp:     stamp,
			FilesOrder:    order,
			ChunkSize:     opts.ChunkSize,
			SortKeys:      SortKeys,
			FormatVersion: ManifestFormatVersion,
			Config: FormatConfig{
				Format: opts.Format,
				CSVBOM: opts.IncludeBOM,
				CRLF:   opts.Newline == "\r\n",
			},
		},
		Format:      opts.Format,
		ExcelSafety: opts.ExcelMode,
	}
	data, err := m.CanonicalBytes()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	names := []string{ManifestName}
	if opts.LegacyManifest {
		names = append(names, legacyManifestName(opts.Profile, stamp))
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		_, err := retry.Do(ctx, "export_finalize", correlationID, e.pol, e.slp, transientIO, e.m,
			func(ctx context.Context) (struct{}, error) {
				_, _, werr := writeFileAtomic(path, func(w io.Writer) error {
					_, werr := w.Write(data)
					return werr
				})
				return struct{}{}, werr
			})
		if err != nil {
			span.RecordError(err)
			return nil, wrapIO(err)
		}
	}
	return &Result{
		Dir:          dir,
		ManifestPath: filepath.Join(dir, ManifestName),
		Manifest:     m,
	}, nil
}

func (e *Exporter) writeChunk(dir, name string, seq int, rows []Row, opts Options) (FileInfo, error) {
	var sheets []SheetInfo
	write := func(w io.Writer) error {
		if opts.Format == FormatXLSX {
			sheet := SheetName(seq)
			sheets = []SheetInfo{{Name: sheet, Rows: len(rows)}}
			return writeXLSX(w, rows, sheet)
		}
		return writeCSV(w, rows, opts)
	}
	size, sum, err := writeFileAtomic(filepath.Join(dir, name), write)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Name: name, SHA256: sum, RowCount: len(rows), ByteSize: size, Sheets: sheets}, nil
}

func (e *Exporter) cleanupStaleParts(ctx context.Context, dir string) {
	stale, err := filepath.Glob(filepath.Join(dir, "*.part"))
	if err != nil {
		return
	}
	for _, p := range stale {
		if err := os.Remove(p); err == nil {
			e.log.WarnContext(ctx, "removed stale partial file", "path", p)
		}
	}
}

func (e *Exporter) countError(err error) {
	e.m.ExportErrors.WithLabelValues(errorType(err)).Inc()
}

// errorType folds an error into the export_errors_total label set.
func errorType(err error) string {
	switch code := CodeOf(err); {
	case code == CodeEmpty:
		return "empty"
	case code == CodeIOError:
		return "io"
	case code == CodeProfileUnknown:
		return "profile_unknown"
	case code == CodeRetryExhausted:
		return "retry_exhausted"
	case code != "":
		return "validation"
	default:
		return "internal"
	}
}

// transientIO classifies retryability for the pipeline: filesystem and
// network-class failures retry, validation never does.
func transientIO(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return true
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return true
	}
	return retry.Transient(err)
}

// wrapIO keeps exhaustion errors intact and codes everything else as an
// I/O failure.
func wrapIO(err error) error {
	if retry.IsExhausted(err) {
		return err
	}
	var coded *Error
	if errors.As(err, &coded) {
		return err
	}
	return &Error{Code: CodeIOError, Err: err}
}

func fileName(profile string, f rowsource.Filters, stamp string, seq int, format string) string {
	center := "ALL"
	if f.Center != nil {
		center = strconv.Itoa(*f.Center)
	}
	return fmt.Sprintf("export_%s_%d-%s_%s_%03d.%s", profile, f.Year, center, stamp, seq, format)
}

func chunkRows(rows []Row, size int) [][]Row {
	var out [][]Row
	for len(rows) > size {
		out = append(out, rows[:size])
		rows = rows[size:]
	}
	return append(out, rows)
}

// writeFileAtomic writes through <path>.part, fsyncs, then renames.
// Returns the byte count and hex SHA-256 of the written content.
func writeFileAtomic(path string, write func(io.Writer) error) (int64, string, error) {
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, "", err
	}
	h := sha256.New()
	cw := &countWriter{w: io.MultiWriter(f, h)}
	bw := bufio.NewWriter(cw)
	if err := write(bw); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, "", err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, "", err
	}
	return cw.n, hex.EncodeToString(h.Sum(nil)), nil
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
