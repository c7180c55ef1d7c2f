package export

import (
	"fmt"
	"time"
)

// ProfileSabtV1 is the only export profile this service speaks.
const ProfileSabtV1 = "SABT_V1"

// Output formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// DefaultChunkSize bounds rows per output file when the caller does not
// choose one.
const DefaultChunkSize = 50000

// Options shape one export run. The zero value normalizes to a CSV
// export with CRLF rows and the default chunk size.
type Options struct {
	Profile        string `json:"profile,omitempty"`
	ChunkSize      int    `json:"chunk_size,omitempty"`
	IncludeBOM     bool   `json:"include_bom,omitempty"`
	Newline        string `json:"newline,omitempty"`
	ExcelMode      bool   `json:"excel_mode,omitempty"`
	Format         string `json:"output_format,omitempty"`
	LegacyManifest bool   `json:"legacy_manifest,omitempty"`
}

// withDefaults validates the caller-facing fields and fills defaults.
func (o Options) withDefaults() (Options, error) {
	if o.Profile == "" {
		o.Profile = ProfileSabtV1
	}
	if o.Profile != ProfileSabtV1 {
		return o, &Error{Code: CodeProfileUnknown, Err: fmt.Errorf("profile %q", o.Profile)}
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	switch o.Newline {
	case "":
		o.Newline = "\r\n"
	case "\r\n", "\n":
	default:
		return o, &ValidationError{Field: "newline", Value: o.Newline, Reason: "must be CRLF or LF"}
	}
	switch o.Format {
	case "":
		o.Format = FormatCSV
	case FormatCSV, FormatXLSX:
	default:
		return o, &ValidationError{Field: "output_format", Value: o.Format, Reason: "must be csv or xlsx"}
	}
	return o, nil
}

// Snapshot pins an export run to a point-in-time marker minted by the
// job runner. It is echoed into the manifest untouched.
type Snapshot struct {
	Marker    string    `json:"marker"`
	CreatedAt time.Time `json:"created_at"`
}
