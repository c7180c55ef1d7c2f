package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peyvand-edu/sabt-core/pkg/rowsource"
)

func TestBuildRowFoldsDigitsAndFormats(t *testing.T) {
	src := rowsource.Row{
		NationalID:     "۰۰۱۲۳۴۵۶۷۸",
		Counter:        "۹۹۳۷۳۰۰۰۱",
		FirstName:      "سارا",
		LastName:       "احمدی",
		Gender:         0,
		Mobile:         "۰۹۱۲۳۴۵۶۷۸۹",
		RegCenter:      2,
		RegStatus:      1,
		GroupCode:      "B",
		SchoolCode:     "۶۵۴۳۲۱",
		MentorID:       "۱۵۰",
		MentorName:     "کریمی",
		MentorMobile:   "0935 123 4567",
		AllocationDate: time.Date(2024, 4, 2, 13, 30, 0, 0, time.FixedZone("IRST", 3*3600+1800)),
		YearCode:       "1403",
	}
	r, err := buildRow(src, 1403, nil, false)
	require.NoError(t, err)

	assert.Equal(t, "0012345678", r.NationalID)
	assert.Equal(t, "993730001", r.Counter)
	assert.Equal(t, "09123456789", r.Mobile)
	assert.Equal(t, "654321", r.SchoolCode)
	assert.Equal(t, "150", r.MentorID)
	assert.Equal(t, "09351234567", r.MentorMobile)
	// +03:30 local renders back as UTC.
	assert.Equal(t, "2024-04-02T10:00:00Z", r.AllocationDate)
	assert.Equal(t, "0", r.StudentType)
}

func TestBuildRowStudentType(t *testing.T) {
	roster := rowsource.NewStaticRoster(map[int][]int{1403: {654321}})

	src := sampleRow(0)
	src.SchoolCode = "654321"
	r, err := buildRow(src, 1403, roster, false)
	require.NoError(t, err)
	assert.Equal(t, "1", r.StudentType)

	// Same school under a different year is not special.
	r, err = buildRow(src, 1402, roster, false)
	require.NoError(t, err)
	assert.Equal(t, "0", r.StudentType)

	src.SchoolCode = "111111"
	r, err = buildRow(src, 1403, roster, false)
	require.NoError(t, err)
	assert.Equal(t, "0", r.StudentType)
}

func TestBuildRowExcelModeGuardsEveryCell(t *testing.T) {
	src := sampleRow(0)
	src.FirstName = "+curse"
	src.GroupCode = "=A1"
	src.MentorName = "@handle"

	r, err := buildRow(src, 1403, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "'+curse", r.FirstName)
	assert.Equal(t, "'=A1", r.GroupCode)
	assert.Equal(t, "'@handle", r.MentorName)
	// Digit-leading cells stay untouched even in excel mode.
	assert.Equal(t, "0012345600", r.NationalID)
}

func TestBuildRowGuardsNamesWithoutExcelMode(t *testing.T) {
	src := sampleRow(0)
	src.GroupCode = "=A1"
	src.LastName = "-lead"

	r, err := buildRow(src, 1403, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "'-lead", r.LastName)
	// Non-name columns are only guarded in excel mode.
	assert.Equal(t, "=A1", r.GroupCode)
}

func TestBuildRowCounterInfixByGender(t *testing.T) {
	src := sampleRow(0)
	src.Gender = 1
	src.Counter = "993570001"
	r, err := buildRow(src, 1403, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "993570001", r.Counter)

	src.Counter = "993730001"
	_, err = buildRow(src, 1403, nil, false)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "counter", ve.Field)
}

func TestNormalizeSchool(t *testing.T) {
	tests := []struct {
		in       string
		wantCell string
		wantNum  int
		wantErr  bool
	}{
		{"", "", 0, false},
		{"0", "", 0, false},
		{"200", "000200", 200, false},
		{"654321", "654321", 654321, false},
		{"۶۵۴۳۲۱", "654321", 654321, false},
		{"abc", "", 0, true},
		{"1234567", "", 0, true},
		{"-5", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cell, num, err := normalizeSchool(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCell, cell)
			assert.Equal(t, tt.wantNum, num)
		})
	}
}
