package export

import (
	"archive/zip"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// zipEpoch fixes every archive member's mtime so identical inputs yield
// identical workbook bytes.
var zipEpoch = time.Unix(0, 0).UTC()

const (
	contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" +
		`<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"><Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/><Default Extension="xml" ContentType="application/xml"/><Override PartName="/xl/workbook.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.sheet.main+xml"/><Override PartName="/xl/worksheets/sheet1.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.worksheet+xml"/></Types>`

	packageRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" +
		`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"><Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="xl/workbook.xml"/></Relationships>`

	workbookRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" +
		`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"><Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/worksheet" Target="worksheets/sheet1.xml"/></Relationships>`
)

// writeXLSX writes one chunk as a single-sheet workbook. The sheet name
// carries the global chunk sequence (Sheet_001, Sheet_002, ...) so a
// multi-file export reads as one continuous inventory. Every cell is an
// inline string: no shared-string table, and Excel never coerces the
// zero-padded codes into numbers.
func writeXLSX(w io.Writer, rows []Row, sheet string) error {
	zw := zip.NewWriter(w)
	entries := []struct {
		name string
		body string
	}{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", packageRelsXML},
		{"xl/workbook.xml", workbookXML(sheet)},
		{"xl/_rels/workbook.xml.rels", workbookRelsXML},
		{"xl/worksheets/sheet1.xml", sheetXML(rows)},
	}
	for _, e := range entries {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.name,
			Method:   zip.Deflate,
			Modified: zipEpoch,
		})
		if err != nil {
			return fmt.Errorf("xlsx entry %s: %w", e.name, err)
		}
		if _, err := io.WriteString(fw, e.body); err != nil {
			return fmt.Errorf("xlsx entry %s: %w", e.name, err)
		}
	}
	return zw.Close()
}

// SheetName formats the workbook sheet for the given 1-based chunk
// sequence.
func SheetName(seq int) string {
	return fmt.Sprintf("Sheet_%03d", seq)
}

func workbookXML(sheet string) string {
	return `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" +
		`<workbook xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships"><sheets><sheet name="` +
		xmlEscape(sheet) + `" sheetId="1" r:id="rId1"/></sheets></workbook>`
}

func sheetXML(rows []Row) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n")
	sb.WriteString(`<worksheet xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main">`)
	sb.WriteString(`<dimension ref="A1:P` + strconv.Itoa(len(rows)+1) + `"/>`)
	sb.WriteString(`<sheetData>`)
	writeSheetRow(&sb, 1, Header)
	for i, r := range rows {
		writeSheetRow(&sb, i+2, r.cells())
	}
	sb.WriteString(`</sheetData></worksheet>`)
	return sb.String()
}

func writeSheetRow(sb *strings.Builder, num int, cells [16]string) {
	n := strconv.Itoa(num)
	sb.WriteString(`<row r="` + n + `">`)
	for i, cell := range cells {
		sb.WriteString(`<c r="`)
		sb.WriteByte(byte('A' + i))
		sb.WriteString(n)
		sb.WriteString(`" t="inlineStr"><is>`)
		sb.WriteString(inlineText(cell))
		sb.WriteString(`</is></c>`)
	}
	sb.WriteString(`</row>`)
}

func inlineText(cell string) string {
	if cell != strings.TrimSpace(cell) {
		return `<t xml:space="preserve">` + xmlEscape(cell) + `</t>`
	}
	return `<t>` + xmlEscape(cell) + `</t>`
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func xmlEscape(s string) string { return xmlEscaper.Replace(s) }
