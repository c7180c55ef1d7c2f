package export

import "strings"

// Header is the exact column order of every export file. Downstream
// consumers key on position, not name; never reorder.
var Header = [16]string{
	"national_id",
	"counter",
	"first_name",
	"last_name",
	"gender",
	"mobile",
	"reg_center",
	"reg_status",
	"group_code",
	"student_type",
	"school_code",
	"mentor_id",
	"mentor_name",
	"mentor_mobile",
	"allocation_date",
	"year_code",
}

// sensitiveCols are always quoted in CSV and always written as inline
// strings in XLSX: national_id, counter, mobile, school_code, mentor_id.
var sensitiveCols = [16]bool{
	0: true, 1: true, 5: true, 10: true, 11: true,
}

// Row is one fully normalized, validated, formula-guarded output row.
// Every field is the final cell text.
type Row struct {
	NationalID     string
	Counter        string
	FirstName      string
	LastName       string
	Gender         string
	Mobile         string
	RegCenter      string
	RegStatus      string
	GroupCode      string
	StudentType    string
	SchoolCode     string
	MentorID       string
	MentorName     string
	MentorMobile   string
	AllocationDate string
	YearCode       string
}

func (r Row) cells() [16]string {
	return [16]string{
		r.NationalID,
		r.Counter,
		r.FirstName,
		r.LastName,
		r.Gender,
		r.Mobile,
		r.RegCenter,
		r.RegStatus,
		r.GroupCode,
		r.StudentType,
		r.SchoolCode,
		r.MentorID,
		r.MentorName,
		r.MentorMobile,
		r.AllocationDate,
		r.YearCode,
	}
}

// SortKeys is recorded in the manifest metadata so consumers can
// reproduce the ordering.
var SortKeys = []string{"year_code", "reg_center", "group_code", "school_code", "national_id"}

// sortKey returns the lexicographic ordering key. Absent school codes
// sort after every real 6-digit code.
func (r Row) sortKey() string {
	school := r.SchoolCode
	if school == "" {
		school = "999999"
	}
	return strings.Join([]string{r.YearCode, r.RegCenter, r.GroupCode, school, r.NationalID}, "\x00")
}

func less(a, b Row) bool {
	return a.sortKey() < b.sortKey()
}
