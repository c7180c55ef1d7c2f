package export

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/peyvand-edu/sabt-core/pkg/rowsource"
	"github.com/peyvand-edu/sabt-core/pkg/textnorm"
)

var (
	mobileRe  = regexp.MustCompile(`^09\d{9}$`)
	counterRe = regexp.MustCompile(`^\d{2}(357|373)\d{4}$`)
)

// counterInfix is the gender marker embedded in the student counter:
// 373 for gender 0, 357 for gender 1.
func counterInfix(gender int) string {
	if gender == 1 {
		return "357"
	}
	return "373"
}

const dateLayout = "2006-01-02T15:04:05Z"

// buildRow normalizes one fetched row, validates the format rules and
// produces the final cell values. Formula guarding happens here so CSV
// and XLSX emit identical text: the risky name columns are always
// guarded, every cell is guarded under excelMode.
func buildRow(src rowsource.Row, year int, roster rowsource.Roster, excelMode bool) (Row, error) {
	if src.Gender != 0 && src.Gender != 1 {
		return Row{}, &ValidationError{Field: "gender", Value: strconv.Itoa(src.Gender), Reason: "must be 0 or 1"}
	}
	if src.RegCenter < 0 || src.RegCenter > 2 {
		return Row{}, &ValidationError{Field: "reg_center", Value: strconv.Itoa(src.RegCenter), Reason: "must be 0, 1 or 2"}
	}
	if src.RegStatus != 0 && src.RegStatus != 1 && src.RegStatus != 3 {
		return Row{}, &ValidationError{Field: "reg_status", Value: strconv.Itoa(src.RegStatus), Reason: "must be 0, 1 or 3"}
	}

	mobile := textnorm.NormalizePhone(src.Mobile)
	if !mobileRe.MatchString(mobile) {
		return Row{}, &ValidationError{Field: "mobile", Value: src.Mobile, Reason: "must match ^09\\d{9}$"}
	}

	counter := textnorm.Normalize(src.Counter)
	m := counterRe.FindStringSubmatch(counter)
	if m == nil {
		return Row{}, &ValidationError{Field: "counter", Value: src.Counter, Reason: "must match ^\\d{2}(357|373)\\d{4}$"}
	}
	if m[1] != counterInfix(src.Gender) {
		return Row{}, &ValidationError{
			Field:  "counter",
			Value:  src.Counter,
			Reason: fmt.Sprintf("gender %d requires infix %s", src.Gender, counterInfix(src.Gender)),
		}
	}

	schoolCell, schoolNum, err := normalizeSchool(src.SchoolCode)
	if err != nil {
		return Row{}, err
	}

	if src.AllocationDate.IsZero() {
		return Row{}, &ValidationError{Field: "allocation_date", Value: "", Reason: "missing"}
	}

	studentType := "0"
	if schoolNum > 0 && roster != nil && roster.IsSpecial(year, schoolNum) {
		studentType = "1"
	}

	yearCode := textnorm.Normalize(src.YearCode)
	if yearCode == "" {
		yearCode = strconv.Itoa(year)
	}

	r := Row{
		NationalID:     textnorm.Normalize(src.NationalID),
		Counter:        counter,
		FirstName:      textnorm.Normalize(src.FirstName),
		LastName:       textnorm.Normalize(src.LastName),
		Gender:         strconv.Itoa(src.Gender),
		Mobile:         mobile,
		RegCenter:      strconv.Itoa(src.RegCenter),
		RegStatus:      strconv.Itoa(src.RegStatus),
		GroupCode:      textnorm.Normalize(src.GroupCode),
		StudentType:    studentType,
		SchoolCode:     schoolCell,
		MentorID:       textnorm.Normalize(src.MentorID),
		MentorName:     textnorm.Normalize(src.MentorName),
		MentorMobile:   textnorm.NormalizePhone(src.MentorMobile),
		AllocationDate: src.AllocationDate.UTC().Format(dateLayout),
		YearCode:       yearCode,
	}

	r.FirstName = textnorm.GuardFormula(r.FirstName)
	r.LastName = textnorm.GuardFormula(r.LastName)
	r.MentorName = textnorm.GuardFormula(r.MentorName)
	if excelMode {
		guardAll(&r)
	}
	return r, nil
}

// normalizeSchool folds digits and zero-pads to six. Empty and zero both
// mean "no school"; the cell stays empty and the sort key substitutes
// 999999.
func normalizeSchool(raw string) (cell string, num int, err error) {
	folded := textnorm.Normalize(raw)
	if folded == "" {
		return "", 0, nil
	}
	n, convErr := strconv.Atoi(folded)
	if convErr != nil || n < 0 || n > 999999 {
		return "", 0, &ValidationError{Field: "school_code", Value: raw, Reason: "must be a code of at most 6 digits"}
	}
	if n == 0 {
		return "", 0, nil
	}
	return fmt.Sprintf("%06d", n), n, nil
}

func guardAll(r *Row) {
	r.NationalID = textnorm.GuardFormula(r.NationalID)
	r.Counter = textnorm.GuardFormula(r.Counter)
	r.FirstName = textnorm.GuardFormula(r.FirstName)
	r.LastName = textnorm.GuardFormula(r.LastName)
	r.Gender = textnorm.GuardFormula(r.Gender)
	r.Mobile = textnorm.GuardFormula(r.Mobile)
	r.RegCenter = textnorm.GuardFormula(r.RegCenter)
	r.RegStatus = textnorm.GuardFormula(r.RegStatus)
	r.GroupCode = textnorm.GuardFormula(r.GroupCode)
	r.StudentType = textnorm.GuardFormula(r.StudentType)
	r.SchoolCode = textnorm.GuardFormula(r.SchoolCode)
	r.MentorID = textnorm.GuardFormula(r.MentorID)
	r.MentorName = textnorm.GuardFormula(r.MentorName)
	r.MentorMobile = textnorm.GuardFormula(r.MentorMobile)
	r.AllocationDate = textnorm.GuardFormula(r.AllocationDate)
	r.YearCode = textnorm.GuardFormula(r.YearCode)
}
