package export

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(overrides func(*Row)) Row {
	r := Row{
		NationalID:     "0012345600",
		Counter:        "993730001",
		FirstName:      "Sara",
		LastName:       "Ahmadi",
		Gender:         "0",
		Mobile:         "09123450000",
		RegCenter:      "1",
		RegStatus:      "0",
		GroupCode:      "A",
		StudentType:    "0",
		SchoolCode:     "",
		MentorID:       "150",
		MentorName:     "Karimi",
		MentorMobile:   "09351234567",
		AllocationDate: "2024-04-02T10:00:00Z",
		YearCode:       "1403",
	}
	if overrides != nil {
		overrides(&r)
	}
	return r
}

func TestWriteCSVQuoting(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Row)
		want   string
	}{
		{
			name:   "comma forces quotes",
			mutate: func(r *Row) { r.LastName = "Ahmadi, Jr" },
			want:   `"Ahmadi, Jr"`,
		},
		{
			name:   "embedded quote doubles",
			mutate: func(r *Row) { r.FirstName = `Sa"ra` },
			want:   `"Sa""ra"`,
		},
		{
			name:   "embedded newline stays quoted",
			mutate: func(r *Row) { r.GroupCode = "A\nB" },
			want:   "\"A\nB\"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sb strings.Builder
			err := writeCSV(&sb, []Row{row(tt.mutate)}, Options{Newline: "\r\n"})
			require.NoError(t, err)
			assert.Contains(t, sb.String(), tt.want)
		})
	}
}

func TestWriteCSVSensitiveAlwaysQuoted(t *testing.T) {
	var sb strings.Builder
	err := writeCSV(&sb, []Row{row(nil)}, Options{Newline: "\r\n"})
	require.NoError(t, err)

	lines := strings.Split(sb.String(), "\r\n")
	require.GreaterOrEqual(t, len(lines), 2)
	// Header cells obey the same per-column rule.
	assert.True(t, strings.HasPrefix(lines[0], `"national_id","counter",first_name`))
	// Empty school_code still renders as a quoted empty cell.
	assert.Contains(t, lines[1], `,0,"","150",`)
	assert.Contains(t, lines[1], `"09123450000"`)
}

func TestWriteCSVTerminatesEveryRecord(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, writeCSV(&sb, []Row{row(nil)}, Options{Newline: "\n"}))
	out := sb.String()
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestSheetXMLInlineStrings(t *testing.T) {
	r := row(func(r *Row) {
		r.FirstName = "O'Neil <x> & \"y\""
		r.LastName = " padded "
	})
	body := sheetXML([]Row{r})

	assert.Contains(t, body, `t="inlineStr"`)
	assert.NotContains(t, body, "sharedStrings")
	assert.Contains(t, body, "O&apos;Neil &lt;x&gt; &amp; &quot;y&quot;")
	assert.Contains(t, body, `<t xml:space="preserve"> padded </t>`)
	assert.Contains(t, body, `<dimension ref="A1:P2"/>`)
	// 16 columns end at P.
	assert.Contains(t, body, `<c r="P2"`)
	assert.NotContains(t, body, `<c r="Q`)
}

func TestSheetName(t *testing.T) {
	assert.Equal(t, "Sheet_001", SheetName(1))
	assert.Equal(t, "Sheet_042", SheetName(42))
}

func TestSortKeyAbsentSchoolSortsLast(t *testing.T) {
	withSchool := row(func(r *Row) { r.SchoolCode = "999998" })
	without := row(nil)
	assert.True(t, less(withSchool, without))
	assert.False(t, less(without, withSchool))
}
