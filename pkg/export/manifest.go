package export

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/peyvand-edu/sabt-core/pkg/rowsource"
)

// ManifestName is the canonical manifest filename, written last.
const ManifestName = "export_manifest.json"

// ManifestFormatVersion versions the manifest layout. Readers accept
// the 1.x window; a major bump means a breaking layout change.
const ManifestFormatVersion = "1.0.0"

//go:embed schema/manifest.schema.json
var manifestSchemaJSON string

var manifestSchema = mustCompileManifestSchema()

func mustCompileManifestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://sabt.schemas.local/export/manifest.schema.json"
	if err := c.AddResource(url, strings.NewReader(manifestSchemaJSON)); err != nil {
		panic(fmt.Sprintf("manifest schema resource: %v", err))
	}
	return c.MustCompile(url)
}

// Manifest describes one finalized export run. files[] order matches
// the on-disk sequence.
type Manifest struct {
	Profile     string                  `json:"profile"`
	Filters     rowsource.Filters       `json:"filters"`
	Snapshot    Snapshot                `json:"snapshot"`
	GeneratedAt string                  `json:"generated_at"`
	TotalRows   int                     `json:"total_rows"`
	Files       []FileInfo              `json:"files"`
	DeltaWindow *rowsource.DeltaWindow  `json:"delta_window,omitempty"`
	Metadata    Metadata                `json:"metadata"`
	Format      string                  `json:"format"`
	ExcelSafety bool                    `json:"excel_safety"`
}

// FileInfo is the per-file inventory entry. Sheets is present for XLSX
// only.
type FileInfo struct {
	Name     string      `json:"name"`
	SHA256   string      `json:"sha256"`
	RowCount int         `json:"row_count"`
	ByteSize int64       `json:"byte_size"`
	Sheets   []SheetInfo `json:"sheets,omitempty"`
}

// SheetInfo names one workbook sheet and its data row count.
type SheetInfo struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
}

// Metadata carries reproduction parameters: how the files were chunked,
// sorted and encoded.
type Metadata struct {
	Timestamp     string       `json:"timestamp"`
	FilesOrder    []string     `json:"files_order"`
	ChunkSize     int          `json:"chunk_size"`
	SortKeys      []string     `json:"sort_keys"`
	FormatVersion string       `json:"format_version"`
	Config        FormatConfig `json:"config"`
}

// FormatConfig records the encoding switches the run used.
type FormatConfig struct {
	Format string `json:"format"`
	CSVBOM bool   `json:"csv_bom"`
	CRLF   bool   `json:"crlf"`
}

// CanonicalBytes renders the manifest as RFC 8785 canonical JSON so the
// written bytes are reproducible and hash-stable.
func (m *Manifest) CanonicalBytes() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	return canon, nil
}

// ParseManifest decodes and schema-validates manifest bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := manifestSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("manifest schema: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := CheckFormatVersion(m.Metadata.FormatVersion); err != nil {
		return nil, err
	}
	return &m, nil
}

// manifestVersionWindow is the accepted format-version range.
var manifestVersionWindow = mustConstraint("^1")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// CheckFormatVersion confirms a manifest format version falls inside
// the window this reader understands.
func CheckFormatVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("manifest format_version %q: %w", v, err)
	}
	if !manifestVersionWindow.Check(ver) {
		return fmt.Errorf("manifest format_version %s outside supported window %s", v, manifestVersionWindow)
	}
	return nil
}

// legacyManifestName is the compatibility filename some downstream jobs
// still poll for.
func legacyManifestName(profile, timestamp string) string {
	return fmt.Sprintf("manifest_%s_%s.json", profile, timestamp)
}
