package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peyvand-edu/sabt-core/pkg/clock"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
	"github.com/peyvand-edu/sabt-core/pkg/retry"
	"github.com/peyvand-edu/sabt-core/pkg/rowsource"
)

var testStart = time.Date(2024, 5, 10, 8, 30, 0, 0, time.UTC)

func testExporter(t *testing.T, src rowsource.DataSource, roster rowsource.Roster) (*Exporter, *clock.Frozen, *metrics.Registry) {
	t.Helper()
	frozen := clock.MustFrozen(testStart)
	m := metrics.New("test")
	e := New(src, roster, frozen, frozen, nil, m)
	return e, frozen, m
}

func sampleRow(i int) rowsource.Row {
	return rowsource.Row{
		NationalID:     fmt.Sprintf("00123456%02d", i),
		Counter:        fmt.Sprintf("99373%04d", i),
		FirstName:      "Sara",
		LastName:       "Ahmadi",
		Gender:         0,
		Mobile:         fmt.Sprintf("0912345%04d", i),
		RegCenter:      1,
		RegStatus:      0,
		GroupCode:      "A",
		SchoolCode:     "",
		MentorID:       "150",
		MentorName:     "Karimi",
		MentorMobile:   "09351234567",
		AllocationDate: time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC),
		YearCode:       "1403",
	}
}

func sampleRows(n int) rowsource.SliceSource {
	rows := make(rowsource.SliceSource, n)
	for i := range rows {
		rows[i] = sampleRow(i)
	}
	return rows
}

func snap() Snapshot {
	return Snapshot{Marker: "snapshot-abc123", CreatedAt: testStart}
}

func TestRunGuardsAndNormalizes(t *testing.T) {
	src := rowsource.SliceSource{{
		NationalID:     "۰۰۱۲۳۴۵۶۷۸",
		Counter:        "993730001",
		FirstName:      "=SUM(A1:A2)",
		LastName:       "Ahmadi",
		Gender:         0,
		Mobile:         "۰۹۱۲۳۴۵۶۷۸۹",
		RegCenter:      1,
		RegStatus:      3,
		GroupCode:      "A",
		SchoolCode:     "654321",
		MentorID:       "150",
		MentorName:     "Karimi",
		MentorMobile:   "09351234567",
		AllocationDate: time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC),
		YearCode:       "1403",
	}}
	roster := rowsource.NewStaticRoster(map[int][]int{1403: {654321}})
	e, _, _ := testExporter(t, src, roster)

	dir := t.TempDir()
	res, err := e.Run(context.Background(), dir, rowsource.Filters{Year: 1403}, Options{}, snap(), "corr-1")
	require.NoError(t, err)
	require.Len(t, res.Manifest.Files, 1)

	raw, err := os.ReadFile(filepath.Join(dir, res.Manifest.Files[0].Name))
	require.NoError(t, err)
	lines := strings.Split(string(raw), "\r\n")
	require.GreaterOrEqual(t, len(lines), 2)

	want := `"0012345678","993730001",'=SUM(A1:A2),Ahmadi,0,"09123456789",1,3,A,1,"654321","150",Karimi,09351234567,2024-04-02T10:00:00Z,1403`
	assert.Equal(t, want, lines[1])
}

func TestRunDeterministicBytes(t *testing.T) {
	for _, format := range []string{FormatCSV, FormatXLSX} {
		t.Run(format, func(t *testing.T) {
			opts := Options{Format: format, ChunkSize: 2}
			f := rowsource.Filters{Year: 1403}
			src := sampleRows(5)

			read := func() (map[string][]byte, *Manifest) {
				e, _, _ := testExporter(t, src, nil)
				dir := t.TempDir()
				res, err := e.Run(context.Background(), dir, f, opts, snap(), "corr-2")
				require.NoError(t, err)
				out := map[string][]byte{}
				for _, fi := range res.Manifest.Files {
					raw, err := os.ReadFile(filepath.Join(dir, fi.Name))
					require.NoError(t, err)
					out[fi.Name] = raw
				}
				raw, err := os.ReadFile(res.ManifestPath)
				require.NoError(t, err)
				out[ManifestName] = raw
				return out, res.Manifest
			}

			first, m1 := read()
			second, m2 := read()
			assert.Equal(t, first, second)
			assert.Equal(t, m1, m2)
		})
	}
}

func TestRunChunking(t *testing.T) {
	tests := []struct {
		name     string
		rows     int
		chunk    int
		wantRows []int
	}{
		{"remainder", 5, 2, []int{2, 2, 1}},
		{"exact multiple", 4, 2, []int{2, 2}},
		{"single", 3, 10, []int{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := testExporter(t, sampleRows(tt.rows), nil)
			dir := t.TempDir()
			res, err := e.Run(context.Background(), dir, rowsource.Filters{Year: 1403}, Options{ChunkSize: tt.chunk}, snap(), "corr-3")
			require.NoError(t, err)
			require.Len(t, res.Manifest.Files, len(tt.wantRows))
			for i, fi := range res.Manifest.Files {
				assert.Equal(t, tt.wantRows[i], fi.RowCount)
				assert.Equal(t, fmt.Sprintf("export_SABT_V1_1403-ALL_20240510083000_%03d.csv", i+1), fi.Name)
				assert.Equal(t, fi.Name, res.Manifest.Metadata.FilesOrder[i])
			}
			assert.Equal(t, tt.rows, res.Manifest.TotalRows)
		})
	}
}

func TestRunCenterInFilename(t *testing.T) {
	center := 2
	rows := sampleRows(1)
	rows[0].RegCenter = 2
	e, _, _ := testExporter(t, rows, nil)
	res, err := e.Run(context.Background(), t.TempDir(), rowsource.Filters{Year: 1403, Center: &center}, Options{}, snap(), "corr-4")
	require.NoError(t, err)
	assert.Equal(t, "export_SABT_V1_1403-2_20240510083000_001.csv", res.Manifest.Files[0].Name)
}

func TestRunEmpty(t *testing.T) {
	e, _, m := testExporter(t, rowsource.SliceSource{}, nil)
	_, err := e.Run(context.Background(), t.TempDir(), rowsource.Filters{Year: 1403}, Options{}, snap(), "corr-5")
	require.Error(t, err)
	assert.Equal(t, CodeEmpty, CodeOf(err))
	assert.Equal(t, float64(1), testCounter(t, m.ExportErrors, "empty"))
}

func TestRunValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*rowsource.Row)
		wantCode string
	}{
		{"bad mobile", func(r *rowsource.Row) { r.Mobile = "12345" }, "EXPORT_VALIDATION_ERROR:mobile"},
		{"counter gender mismatch", func(r *rowsource.Row) { r.Counter = "993570001" }, "EXPORT_VALIDATION_ERROR:counter"},
		{"counter malformed", func(r *rowsource.Row) { r.Counter = "990000001" }, "EXPORT_VALIDATION_ERROR:counter"},
		{"bad reg_center", func(r *rowsource.Row) { r.RegCenter = 7 }, "EXPORT_VALIDATION_ERROR:reg_center"},
		{"bad reg_status", func(r *rowsource.Row) { r.RegStatus = 2 }, "EXPORT_VALIDATION_ERROR:reg_status"},
		{"bad school code", func(r *rowsource.Row) { r.SchoolCode = "abc" }, "EXPORT_VALIDATION_ERROR:school_code"},
		{"school code too long", func(r *rowsource.Row) { r.SchoolCode = "1234567" }, "EXPORT_VALIDATION_ERROR:school_code"},
		{"bad gender", func(r *rowsource.Row) { r.Gender = 9 }, "EXPORT_VALIDATION_ERROR:gender"},
		{"missing allocation date", func(r *rowsource.Row) { r.AllocationDate = time.Time{} }, "EXPORT_VALIDATION_ERROR:allocation_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := sampleRow(0)
			tt.mutate(&row)
			e, _, m := testExporter(t, rowsource.SliceSource{row}, nil)
			_, err := e.Run(context.Background(), t.TempDir(), rowsource.Filters{Year: 1403}, Options{}, snap(), "corr-6")
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, CodeOf(err))
			assert.Equal(t, float64(1), testCounter(t, m.ExportErrors, "validation"))
		})
	}
}

func TestRunBOMAndNewline(t *testing.T) {
	e, _, _ := testExporter(t, sampleRows(2), nil)
	dir := t.TempDir()
	res, err := e.Run(context.Background(), dir, rowsource.Filters{Year: 1403},
		Options{IncludeBOM: true, Newline: "\n"}, snap(), "corr-7")
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, res.Manifest.Files[0].Name))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xEF, 0xBB, 0xBF}, raw[:3])
	assert.NotContains(t, string(raw), "\r")
	assert.True(t, res.Manifest.Metadata.Config.CSVBOM)
	assert.False(t, res.Manifest.Metadata.Config.CRLF)
}

func TestRunXLSXSheets(t *testing.T) {
	e, _, _ := testExporter(t, sampleRows(3), nil)
	dir := t.TempDir()
	res, err := e.Run(context.Background(), dir, rowsource.Filters{Year: 1403},
		Options{Format: FormatXLSX, ChunkSize: 2}, snap(), "corr-8")
	require.NoError(t, err)
	require.Len(t, res.Manifest.Files, 2)

	wantSheets := []SheetInfo{{Name: "Sheet_001", Rows: 2}, {Name: "Sheet_002", Rows: 1}}
	for i, fi := range res.Manifest.Files {
		require.Len(t, fi.Sheets, 1)
		assert.Equal(t, wantSheets[i], fi.Sheets[0])

		raw, err := os.ReadFile(filepath.Join(dir, fi.Name))
		require.NoError(t, err)
		rows, sheet, err := readWorkbook(raw)
		require.NoError(t, err)
		assert.Equal(t, wantSheets[i].Name, sheet)
		assert.Equal(t, wantSheets[i].Rows, rows)
	}
}

func TestRunCleansStaleParts(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "export_SABT_V1_old_000.csv.part")
	require.NoError(t, os.WriteFile(stale, []byte("half"), 0o644))

	e, _, _ := testExporter(t, sampleRows(1), nil)
	_, err := e.Run(context.Background(), dir, rowsource.Filters{Year: 1403}, Options{}, snap(), "corr-9")
	require.NoError(t, err)

	_, statErr := os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr))
	leftovers, err := filepath.Glob(filepath.Join(dir, "*.part"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

// flakySource fails transiently a fixed number of times before serving.
type flakySource struct {
	fails int
	rows  rowsource.SliceSource
}

func (f *flakySource) Rows(ctx context.Context, flt rowsource.Filters) ([]rowsource.Row, error) {
	if f.fails > 0 {
		f.fails--
		return nil, retry.MarkTransient(errors.New("connection reset"))
	}
	return f.rows.Rows(ctx, flt)
}

func TestRunRetriesTransientQuery(t *testing.T) {
	src := &flakySource{fails: 2, rows: sampleRows(1)}
	e, frozen, m := testExporter(t, src, nil)

	res, err := e.Run(context.Background(), t.TempDir(), rowsource.Filters{Year: 1403}, Options{}, snap(), "corr-10")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Manifest.TotalRows)
	assert.Len(t, frozen.Slept(), 2)
	assert.Equal(t, float64(2), testCounter(t, m.RetryAttempts, "export_query", "retry"))
}

func TestRunProfileUnknown(t *testing.T) {
	e, _, _ := testExporter(t, sampleRows(1), nil)
	_, err := e.Run(context.Background(), t.TempDir(), rowsource.Filters{Year: 1403},
		Options{Profile: "SABT_V2"}, snap(), "corr-11")
	require.Error(t, err)
	assert.Equal(t, CodeProfileUnknown, CodeOf(err))
}

func TestRunLegacyManifest(t *testing.T) {
	e, _, _ := testExporter(t, sampleRows(1), nil)
	dir := t.TempDir()
	res, err := e.Run(context.Background(), dir, rowsource.Filters{Year: 1403},
		Options{LegacyManifest: true}, snap(), "corr-12")
	require.NoError(t, err)

	legacy, err := os.ReadFile(filepath.Join(dir, "manifest_SABT_V1_20240510083000.json"))
	require.NoError(t, err)
	canonical, err := os.ReadFile(res.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, canonical, legacy)
}

func TestVerifyRoundTrip(t *testing.T) {
	for _, format := range []string{FormatCSV, FormatXLSX} {
		t.Run(format, func(t *testing.T) {
			e, _, _ := testExporter(t, sampleRows(5), nil)
			dir := t.TempDir()
			res, err := e.Run(context.Background(), dir, rowsource.Filters{Year: 1403},
				Options{Format: format, ChunkSize: 2}, snap(), "corr-13")
			require.NoError(t, err)

			m, err := Verify(dir)
			require.NoError(t, err)
			assert.Equal(t, res.Manifest.TotalRows, m.TotalRows)

			// Any byte flip must fail the hash re-check.
			victim := filepath.Join(dir, m.Files[0].Name)
			raw, err := os.ReadFile(victim)
			require.NoError(t, err)
			raw[len(raw)-1] ^= 0xFF
			require.NoError(t, os.WriteFile(victim, raw, 0o644))
			_, err = Verify(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "hash mismatch")
		})
	}
}

func TestVerifyRejectsSizeMismatch(t *testing.T) {
	e, _, _ := testExporter(t, sampleRows(1), nil)
	dir := t.TempDir()
	res, err := e.Run(context.Background(), dir, rowsource.Filters{Year: 1403}, Options{}, snap(), "corr-14")
	require.NoError(t, err)

	victim := filepath.Join(dir, res.Manifest.Files[0].Name)
	raw, err := os.ReadFile(victim)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(victim, append(raw, '\n'), 0o644))

	_, err = Verify(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size mismatch")
}

func TestManifestCanonicalAndSorted(t *testing.T) {
	e, _, _ := testExporter(t, sampleRows(3), nil)
	dir := t.TempDir()
	res, err := e.Run(context.Background(), dir, rowsource.Filters{Year: 1403}, Options{}, snap(), "corr-15")
	require.NoError(t, err)

	raw, err := os.ReadFile(res.ManifestPath)
	require.NoError(t, err)
	parsed, err := ParseManifest(raw)
	require.NoError(t, err)
	again, err := parsed.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, raw, again)
	assert.Equal(t, ManifestFormatVersion, parsed.Metadata.FormatVersion)
	assert.Equal(t, SortKeys, parsed.Metadata.SortKeys)
}

func TestRunSortsRows(t *testing.T) {
	rows := rowsource.SliceSource{
		sampleRow(0), sampleRow(1), sampleRow(2),
	}
	rows[0].RegCenter = 2
	rows[1].RegCenter = 0
	rows[1].SchoolCode = "000200"
	rows[2].RegCenter = 0
	rows[2].SchoolCode = "" // absent sorts after any real code

	e, _, _ := testExporter(t, rows, nil)
	dir := t.TempDir()
	res, err := e.Run(context.Background(), dir, rowsource.Filters{Year: 1403}, Options{}, snap(), "corr-16")
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, res.Manifest.Files[0].Name))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\r\n"), "\r\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], `"000200"`)                 // center 0, real school first
	assert.Contains(t, lines[2], fmt.Sprintf("00123456%02d", 2)) // center 0, absent school
	assert.Contains(t, lines[3], fmt.Sprintf("00123456%02d", 0)) // center 2 last
}

func TestCheckFormatVersion(t *testing.T) {
	assert.NoError(t, CheckFormatVersion("1.0.0"))
	assert.NoError(t, CheckFormatVersion("1.4.2"))
	assert.Error(t, CheckFormatVersion("2.0.0"))
	assert.Error(t, CheckFormatVersion("0.9.0"))
	assert.Error(t, CheckFormatVersion("not-a-version"))
}

func testCounter(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	return testutil.ToFloat64(c)
}
