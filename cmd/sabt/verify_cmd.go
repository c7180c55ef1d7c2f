package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/peyvand-edu/sabt-core/pkg/export"
)

// runVerifyCmd implements `sabt verify`.
//
// Reads a finalized export directory back: manifest schema and format
// version, then per-file hashes, sizes, row counts and, for XLSX, the
// sheet inventory.
//
// Exit codes:
//
//	0 = verification passed
//	2 = configuration error
//	3 = verification failed
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir        string
		jsonOutput bool
	)
	cmd.StringVar(&dir, "dir", "", "Path to the export directory (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the verification result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dir == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --dir is required")
		return 2
	}

	m, err := export.Verify(dir)
	if err != nil {
		if jsonOutput {
			result := map[string]any{"dir": dir, "valid": false, "error": err.Error()}
			data, _ := json.MarshalIndent(result, "", "  ")
			_, _ = fmt.Fprintln(stdout, string(data))
		} else {
			_, _ = fmt.Fprintf(stderr, "❌ Verification failed: %v\n", err)
		}
		return 3
	}

	if jsonOutput {
		result := map[string]any{
			"dir":            dir,
			"valid":          true,
			"profile":        m.Profile,
			"format_version": m.Metadata.FormatVersion,
			"total_rows":     m.TotalRows,
			"file_count":     len(m.Files),
			"snapshot":       m.Snapshot.Marker,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "✅ Export verified: %s\n", dir)
		_, _ = fmt.Fprintf(stdout, "   Profile:  %s (format %s)\n", m.Profile, m.Metadata.FormatVersion)
		_, _ = fmt.Fprintf(stdout, "   Snapshot: %s\n", m.Snapshot.Marker)
		_, _ = fmt.Fprintf(stdout, "   Rows:     %d across %d file(s)\n", m.TotalRows, len(m.Files))
	}
	return 0
}
