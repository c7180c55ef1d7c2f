package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/peyvand-edu/sabt-core/pkg/clock"
	"github.com/peyvand-edu/sabt-core/pkg/config"
	"github.com/peyvand-edu/sabt-core/pkg/export"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
	"github.com/peyvand-edu/sabt-core/pkg/obslog"
	"github.com/peyvand-edu/sabt-core/pkg/rowsource"
)

// runExportCmd implements `sabt export`: one synchronous export run
// against the configured row source, no HTTP service involved.
//
// Exit codes:
//
//	0 = export finalized
//	2 = configuration error
//	3 = runtime error (an empty population included)
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		year       int
		center     int
		format     string
		chunkSize  int
		outDir     string
		bom        bool
		lf         bool
		excelSafe  bool
		legacy     bool
		jsonOutput bool
	)

	cmd.IntVar(&year, "year", 0, "Education year to export (REQUIRED)")
	cmd.IntVar(&center, "center", 0, "Restrict to one registration center")
	cmd.StringVar(&format, "format", "csv", "Output format: csv or xlsx")
	cmd.IntVar(&chunkSize, "chunk-size", 0, "Rows per output file (default 50000)")
	cmd.StringVar(&outDir, "out", "", "Output directory (REQUIRED)")
	cmd.BoolVar(&bom, "bom", false, "Prefix CSV files with a UTF-8 BOM")
	cmd.BoolVar(&lf, "lf", false, "Use LF row endings instead of CRLF")
	cmd.BoolVar(&excelSafe, "excel-safe", false, "Guard digit-heavy cells against Excel coercion")
	cmd.BoolVar(&legacy, "legacy-manifest", false, "Also write the legacy manifest file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the run summary as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if year == 0 || outDir == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --year and --out are required")
		return 2
	}
	if format != export.FormatCSV && format != export.FormatXLSX {
		_, _ = fmt.Fprintln(stderr, "Error: --format must be csv or xlsx")
		return 2
	}
	if chunkSize < 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --chunk-size must be positive")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}
	loc, err := cfg.Location()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}
	level, err := obslog.ParseLevel(cfg.LogLevel)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}

	clk := clock.System(loc)
	logger := obslog.New(stderr, obslog.Options{Service: "sabt-export", Level: level})
	m := metrics.New(cfg.Namespace)

	ctx := context.Background()
	db, dialect, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Runtime error: %v\n", err)
		return 3
	}
	defer func() { _ = db.Close() }()

	src := rowsource.NewSQLSource(db, dialect)
	roster, err := rowsource.LoadRoster(ctx, db)
	if err != nil {
		logger.Warn("special-school roster unavailable, all rows export student_type=0", "error", err)
		roster = nil
	}

	exp := export.New(src, roster, clk, clock.SystemSleeper{}, logger, m)

	filters := rowsource.Filters{Year: year}
	if center != 0 {
		filters.Center = &center
	}
	newline := "\r\n"
	if lf {
		newline = "\n"
	}
	opts := export.Options{
		ChunkSize:      chunkSize,
		IncludeBOM:     bom,
		Newline:        newline,
		ExcelMode:      excelSafe,
		Format:         format,
		LegacyManifest: legacy,
	}
	snap := export.Snapshot{Marker: "cli-" + uuid.NewString(), CreatedAt: clk.Now()}

	res, err := exp.Run(ctx, outDir, filters, opts, snap, uuid.NewString())
	if err != nil {
		code := export.CodeOf(err)
		if code == "" {
			code = "INTERNAL_SERVER_ERROR"
		}
		_, _ = fmt.Fprintf(stderr, "❌ Export failed [%s]: %v\n", code, err)
		return 3
	}

	if jsonOutput {
		summary := map[string]any{
			"output_dir": res.Dir,
			"manifest":   res.ManifestPath,
			"total_rows": res.Manifest.TotalRows,
			"files":      res.Manifest.Metadata.FilesOrder,
			"snapshot":   res.Manifest.Snapshot.Marker,
		}
		data, _ := json.MarshalIndent(summary, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "✅ Export finalized: %d rows in %d file(s)\n", res.Manifest.TotalRows, len(res.Manifest.Files))
		for _, fi := range res.Manifest.Files {
			_, _ = fmt.Fprintf(stdout, "   %s  (%d rows, %d bytes)\n", fi.Name, fi.RowCount, fi.ByteSize)
		}
		_, _ = fmt.Fprintf(stdout, "   %s\n", res.ManifestPath)
	}
	return 0
}
