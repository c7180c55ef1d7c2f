package allocation

import (
	"strconv"
	"strings"

	"github.com/peyvand-edu/sabt-core/pkg/textnorm"
)

// RawStudent carries the unvalidated text fields upstream systems hand
// us. Enum-shaped fields stay strings until normalization; purely
// numeric fields arrive typed from the row source.
type RawStudent struct {
	Gender      string `json:"gender"`
	GroupCode   string `json:"group_code"`
	RegCenter   string `json:"reg_center"`
	RegStatus   string `json:"reg_status"`
	EduStatus   string `json:"edu_status"`
	StudentType string `json:"student_type"`
	SchoolCode  string `json:"school_code,omitempty"`
	RosterYear  string `json:"roster_year,omitempty"`
}

// Normalize folds, validates and types a raw student. Invalid enums
// return a *textnorm.NormalizationError whose RuleCode names the rule
// the offending field belongs to.
func (r RawStudent) Normalize() (Student, error) {
	var s Student
	var err error

	if s.Gender, err = textnorm.Enum(string(RuleGenderMatch), r.Gender, 0, 1); err != nil {
		return Student{}, err
	}

	s.GroupCode = textnorm.Normalize(r.GroupCode)
	if s.GroupCode == "" {
		return Student{}, &textnorm.NormalizationError{
			RuleCode: string(RuleGroupAllowed),
			Details:  map[string]any{"group_code": r.GroupCode, "reason": "empty"},
		}
	}

	if s.RegCenter, err = textnorm.Enum(string(RuleCenterAllowed), r.RegCenter, 0, 1, 2); err != nil {
		return Student{}, err
	}
	if s.RegStatus, err = textnorm.Enum(string(RuleRegStatusAllowed), r.RegStatus, 0, 1, 3); err != nil {
		return Student{}, err
	}
	if s.EduStatus, err = textnorm.Enum(string(RuleGraduateNotToSchool), r.EduStatus, 0, 1); err != nil {
		return Student{}, err
	}
	if s.StudentType, err = textnorm.Enum(string(RuleSchoolTypeCompatible), r.StudentType, 0, 1); err != nil {
		return Student{}, err
	}

	if s.SchoolCode, err = optionalCode(RuleSchoolTypeCompatible, "school_code", r.SchoolCode); err != nil {
		return Student{}, err
	}
	if s.RosterYear, err = optionalCode(RuleSchoolTypeCompatible, "roster_year", r.RosterYear); err != nil {
		return Student{}, err
	}

	if s.StudentType == 1 && s.SchoolCode == 0 {
		s.Warnings = append(s.Warnings, "school_code_missing")
	}
	return s, nil
}

// optionalCode parses an optional positive integer; empty means absent.
func optionalCode(code RuleCode, field, value string) (int, error) {
	folded := textnorm.Normalize(value)
	if folded == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(folded)
	if err != nil || n < 0 {
		return 0, &textnorm.NormalizationError{
			RuleCode: string(code),
			Details:  map[string]any{field: value, "reason": "not_an_integer"},
		}
	}
	return n, nil
}

// RawMentor is the mentor shape before validation. Numeric identity and
// load fields arrive typed; gender and kind arrive as text.
type RawMentor struct {
	ID             int      `json:"mentor_id"`
	Gender         string   `json:"gender"`
	AllowedGroups  []string `json:"allowed_groups"`
	AllowedCenters []int    `json:"allowed_centers"`
	Capacity       int      `json:"capacity"`
	CurrentLoad    int      `json:"current_load"`
	IsActive       bool     `json:"is_active"`
	Kind           string   `json:"mentor_type"`
	SpecialSchools []int    `json:"special_schools,omitempty"`
	ManagerID      int      `json:"manager_id,omitempty"`
}

// Normalize folds and validates a raw mentor.
func (r RawMentor) Normalize() (Mentor, error) {
	m := Mentor{
		ID:             r.ID,
		Capacity:       r.Capacity,
		CurrentLoad:    r.CurrentLoad,
		IsActive:       r.IsActive,
		ManagerID:      r.ManagerID,
		AllowedCenters: append([]int(nil), r.AllowedCenters...),
		SpecialSchools: append([]int(nil), r.SpecialSchools...),
	}

	var err error
	if m.Gender, err = textnorm.Enum(string(RuleGenderMatch), r.Gender, 0, 1); err != nil {
		return Mentor{}, err
	}

	switch MentorKind(strings.ToUpper(textnorm.Normalize(r.Kind))) {
	case MentorNormal:
		m.Kind = MentorNormal
	case MentorSchool:
		m.Kind = MentorSchool
	default:
		return Mentor{}, &textnorm.NormalizationError{
			RuleCode: string(RuleSchoolTypeCompatible),
			Details:  map[string]any{"mentor_type": r.Kind, "reason": "unknown_kind"},
		}
	}

	if r.Capacity < 0 || r.CurrentLoad < 0 {
		return Mentor{}, &textnorm.NormalizationError{
			RuleCode: string(RuleCapacityAvailable),
			Details:  map[string]any{"capacity": r.Capacity, "current_load": r.CurrentLoad, "reason": "negative"},
		}
	}

	for _, g := range r.AllowedGroups {
		if folded := textnorm.Normalize(g); folded != "" {
			m.AllowedGroups = append(m.AllowedGroups, folded)
		}
	}
	return m, nil
}
