package export

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

// Verify reads a finalized export directory back: schema-validates the
// manifest, then re-checks every listed file's hash, size, row count
// and, for XLSX, the sheet inventory.
func Verify(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if len(m.Metadata.FilesOrder) != len(m.Files) {
		return nil, fmt.Errorf("files_order lists %d names, manifest has %d files", len(m.Metadata.FilesOrder), len(m.Files))
	}

	total := 0
	for i, fi := range m.Files {
		if m.Metadata.FilesOrder[i] != fi.Name {
			return nil, fmt.Errorf("files_order[%d] is %q, files[%d] is %q", i, m.Metadata.FilesOrder[i], i, fi.Name)
		}
		raw, err := os.ReadFile(filepath.Join(dir, fi.Name))
		if err != nil {
			return nil, fmt.Errorf("file %s listed in manifest but unreadable: %w", fi.Name, err)
		}
		if int64(len(raw)) != fi.ByteSize {
			return nil, fmt.Errorf("size mismatch for %s: expected %d, got %d", fi.Name, fi.ByteSize, len(raw))
		}
		sum := sha256.Sum256(raw)
		if got := hex.EncodeToString(sum[:]); got != fi.SHA256 {
			return nil, fmt.Errorf("hash mismatch for %s: expected %s, got %s", fi.Name, fi.SHA256, got)
		}
		switch m.Format {
		case FormatCSV:
			rows, err := countCSVRows(raw)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", fi.Name, err)
			}
			if rows != fi.RowCount {
				return nil, fmt.Errorf("row count mismatch for %s: expected %d, got %d", fi.Name, fi.RowCount, rows)
			}
		case FormatXLSX:
			rows, sheet, err := readWorkbook(raw)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", fi.Name, err)
			}
			if rows != fi.RowCount {
				return nil, fmt.Errorf("row count mismatch for %s: expected %d, got %d", fi.Name, fi.RowCount, rows)
			}
			if len(fi.Sheets) != 1 || fi.Sheets[0].Name != sheet || fi.Sheets[0].Rows != rows {
				return nil, fmt.Errorf("sheet inventory mismatch for %s: manifest %v, workbook %s/%d", fi.Name, fi.Sheets, sheet, rows)
			}
		}
		total += fi.RowCount
	}
	if total != m.TotalRows {
		return nil, fmt.Errorf("total_rows is %d, files sum to %d", m.TotalRows, total)
	}
	return m, nil
}

func countCSVRows(raw []byte) (int, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = len(Header)
	n := -1
	for {
		_, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		n++
	}
	if n < 0 {
		return 0, fmt.Errorf("missing header row")
	}
	return n, nil
}

var sheetNameRe = regexp.MustCompile(`<sheet name="([^"]+)"`)

// readWorkbook counts data rows and extracts the sheet name from a
// single-sheet workbook.
func readWorkbook(raw []byte) (rows int, sheet string, err error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return 0, "", err
	}
	for _, f := range zr.File {
		switch f.Name {
		case "xl/worksheets/sheet1.xml", "xl/workbook.xml":
		default:
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return 0, "", err
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return 0, "", err
		}
		if f.Name == "xl/workbook.xml" {
			m := sheetNameRe.FindSubmatch(body)
			if m == nil {
				return 0, "", fmt.Errorf("workbook has no sheet entry")
			}
			sheet = string(m[1])
			continue
		}
		rows = bytes.Count(body, []byte("<row ")) - 1
	}
	if sheet == "" {
		return 0, "", fmt.Errorf("xl/workbook.xml missing")
	}
	if rows < 0 {
		return 0, "", fmt.Errorf("worksheet has no header row")
	}
	return rows, sheet, nil
}
