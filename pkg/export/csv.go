package export

import (
	"io"
	"strings"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// writeCSV writes one chunk: header plus data rows, each terminated by
// the configured newline. Sensitive columns are quoted unconditionally;
// everything else only when the content demands it. encoding/csv cannot
// express per-column forced quoting, hence the hand-rolled writer.
func writeCSV(w io.Writer, rows []Row, opts Options) error {
	if opts.IncludeBOM {
		if _, err := w.Write(utf8BOM); err != nil {
			return err
		}
	}
	var sb strings.Builder
	record := func(cells [16]string) error {
		sb.Reset()
		for i, cell := range cells {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCell(&sb, cell, sensitiveCols[i])
		}
		sb.WriteString(opts.Newline)
		_, err := io.WriteString(w, sb.String())
		return err
	}
	if err := record(Header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := record(r.cells()); err != nil {
			return err
		}
	}
	return nil
}

func writeCell(sb *strings.Builder, cell string, forceQuote bool) {
	if forceQuote || strings.ContainsAny(cell, ",\"\r\n") {
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(cell, `"`, `""`))
		sb.WriteByte('"')
		return
	}
	sb.WriteString(cell)
}
