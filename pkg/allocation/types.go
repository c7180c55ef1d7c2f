// Package allocation evaluates students against mentors through a fixed,
// ordered rule list and ranks the passing mentors deterministically.
package allocation

// RuleCode identifies one rule in the fixed evaluation order.
type RuleCode string

const (
	RuleGenderMatch          RuleCode = "GENDER_MATCH"
	RuleGroupAllowed         RuleCode = "GROUP_ALLOWED"
	RuleCenterAllowed        RuleCode = "CENTER_ALLOWED"
	RuleRegStatusAllowed     RuleCode = "REG_STATUS_ALLOWED"
	RuleCapacityAvailable    RuleCode = "CAPACITY_AVAILABLE"
	RuleSchoolTypeCompatible RuleCode = "SCHOOL_TYPE_COMPATIBLE"
	RuleGraduateNotToSchool  RuleCode = "GRADUATE_NOT_TO_SCHOOL"
	RuleManagerCenterGate    RuleCode = "MANAGER_CENTER_GATE"
)

// MentorKind distinguishes school-bound mentors from the general pool.
type MentorKind string

const (
	MentorNormal MentorKind = "NORMAL"
	MentorSchool MentorKind = "SCHOOL"
)

// Student is the normalized, immutable shape the engine consumes.
// SchoolCode and RosterYear use 0 for absent; real school codes and
// years are always positive.
type Student struct {
	Gender      int      `json:"gender"`
	GroupCode   string   `json:"group_code"`
	RegCenter   int      `json:"reg_center"`
	RegStatus   int      `json:"reg_status"`
	EduStatus   int      `json:"edu_status"`
	StudentType int      `json:"student_type"`
	SchoolCode  int      `json:"school_code,omitempty"`
	RosterYear  int      `json:"roster_year,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Mentor is the normalized mentor shape. ManagerID 0 means the mentor
// reports to no manager and skips the manager gate.
type Mentor struct {
	ID             int        `json:"mentor_id"`
	Gender         int        `json:"gender"`
	AllowedGroups  []string   `json:"allowed_groups"`
	AllowedCenters []int      `json:"allowed_centers"`
	Capacity       int        `json:"capacity"`
	CurrentLoad    int        `json:"current_load"`
	IsActive       bool       `json:"is_active"`
	Kind           MentorKind `json:"mentor_type"`
	SpecialSchools []int      `json:"special_schools,omitempty"`
	ManagerID      int        `json:"manager_id,omitempty"`
}

// OccupancyRatio is current_load/capacity, pinned to 1.0 when the
// capacity is not positive.
func (m Mentor) OccupancyRatio() float64 {
	if m.Capacity <= 0 {
		return 1.0
	}
	return float64(m.CurrentLoad) / float64(m.Capacity)
}

// RuleResult is the outcome of one rule against one mentor.
type RuleResult struct {
	Code    RuleCode       `json:"code"`
	Passed  bool           `json:"passed"`
	Details map[string]any `json:"details,omitempty"`
}

// RankingKey orders passing mentors; winners minimize it
// lexicographically.
type RankingKey struct {
	OccupancyRatio float64 `json:"occupancy_ratio"`
	CurrentLoad    int     `json:"current_load"`
	MentorID       int     `json:"mentor_id"`
}

// Less reports whether k ranks strictly better than other.
func (k RankingKey) Less(other RankingKey) bool {
	if k.OccupancyRatio != other.OccupancyRatio {
		return k.OccupancyRatio < other.OccupancyRatio
	}
	if k.CurrentLoad != other.CurrentLoad {
		return k.CurrentLoad < other.CurrentLoad
	}
	return k.MentorID < other.MentorID
}

// Trace is the ordered rule evaluation for one mentor, plus the ranking
// key when every rule passed.
type Trace struct {
	MentorID   int          `json:"mentor_id"`
	Results    []RuleResult `json:"results"`
	Passed     bool         `json:"passed"`
	RankingKey *RankingKey  `json:"ranking_key,omitempty"`
}

// Selection is the engine output for one student: the winning mentor
// (nil when nobody passed) and the evaluation trace per mentor, in
// input order.
type Selection struct {
	Mentor *Mentor `json:"mentor,omitempty"`
	Traces []Trace `json:"traces"`
}
