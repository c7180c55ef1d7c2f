package allocation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peyvand-edu/sabt-core/pkg/textnorm"
)

func TestRawStudentNormalizeHappyPath(t *testing.T) {
	raw := RawStudent{
		Gender:      "۰",
		GroupCode:   " A‌1 ",
		RegCenter:   "1",
		RegStatus:   "٣",
		EduStatus:   "1",
		StudentType: "1",
		SchoolCode:  "۶۵۴۳۲۱",
		RosterYear:  "1403",
	}

	s, err := raw.Normalize()
	require.NoError(t, err)
	assert.Equal(t, 0, s.Gender)
	assert.Equal(t, "A1", s.GroupCode)
	assert.Equal(t, 1, s.RegCenter)
	assert.Equal(t, 3, s.RegStatus)
	assert.Equal(t, 1, s.EduStatus)
	assert.Equal(t, 1, s.StudentType)
	assert.Equal(t, 654321, s.SchoolCode)
	assert.Equal(t, 1403, s.RosterYear)
	assert.Empty(t, s.Warnings)
}

func TestRawStudentNormalizeFieldErrors(t *testing.T) {
	base := RawStudent{
		Gender: "0", GroupCode: "A", RegCenter: "0", RegStatus: "0",
		EduStatus: "1", StudentType: "0",
	}

	cases := []struct {
		name  string
		tweak func(*RawStudent)
		code  RuleCode
	}{
		{"bad gender", func(r *RawStudent) { r.Gender = "5" }, RuleGenderMatch},
		{"empty group", func(r *RawStudent) { r.GroupCode = " ​ " }, RuleGroupAllowed},
		{"bad center", func(r *RawStudent) { r.RegCenter = "9" }, RuleCenterAllowed},
		{"bad status", func(r *RawStudent) { r.RegStatus = "2" }, RuleRegStatusAllowed},
		{"bad edu", func(r *RawStudent) { r.EduStatus = "x" }, RuleGraduateNotToSchool},
		{"bad type", func(r *RawStudent) { r.StudentType = "3" }, RuleSchoolTypeCompatible},
		{"bad school code", func(r *RawStudent) { r.SchoolCode = "abc" }, RuleSchoolTypeCompatible},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := base
			tc.tweak(&raw)

			_, err := raw.Normalize()
			require.Error(t, err)
			var ne *textnorm.NormalizationError
			require.True(t, errors.As(err, &ne))
			assert.Equal(t, string(tc.code), ne.RuleCode)
		})
	}
}

func TestRawStudentSchoolCodeMissingWarning(t *testing.T) {
	raw := RawStudent{
		Gender: "0", GroupCode: "A", RegCenter: "0", RegStatus: "0",
		EduStatus: "1", StudentType: "1",
	}
	s, err := raw.Normalize()
	require.NoError(t, err)
	assert.Contains(t, s.Warnings, "school_code_missing")
}

func TestRawMentorNormalize(t *testing.T) {
	raw := RawMentor{
		ID: 7, Gender: "۱", Capacity: 5, CurrentLoad: 2, IsActive: true,
		Kind:           " school ",
		AllowedGroups:  []string{" A ", "", "B‍"},
		AllowedCenters: []int{0, 2},
		SpecialSchools: []int{654321},
		ManagerID:      3,
	}

	m, err := raw.Normalize()
	require.NoError(t, err)
	assert.Equal(t, 7, m.ID)
	assert.Equal(t, 1, m.Gender)
	assert.Equal(t, MentorSchool, m.Kind)
	assert.Equal(t, []string{"A", "B"}, m.AllowedGroups)
	assert.Equal(t, []int{0, 2}, m.AllowedCenters)
	assert.Equal(t, 3, m.ManagerID)
}

func TestRawMentorNormalizeErrors(t *testing.T) {
	base := RawMentor{ID: 1, Gender: "0", Capacity: 1, CurrentLoad: 0, IsActive: true, Kind: "NORMAL"}

	badGender := base
	badGender.Gender = "x"
	_, err := badGender.Normalize()
	var ne *textnorm.NormalizationError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, string(RuleGenderMatch), ne.RuleCode)

	badKind := base
	badKind.Kind = "HYBRID"
	_, err = badKind.Normalize()
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, string(RuleSchoolTypeCompatible), ne.RuleCode)

	negative := base
	negative.CurrentLoad = -1
	_, err = negative.Normalize()
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, string(RuleCapacityAvailable), ne.RuleCode)
}
