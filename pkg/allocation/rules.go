package allocation

import "slices"

// ManagerCentersProvider resolves the centers a manager may take
// students from. found=false means the manager is unknown to the
// provider, which fails the gate outright.
type ManagerCentersProvider interface {
	AllowedCenters(managerID int) (centers []int, found bool)
}

// ManagerCentersFunc adapts a lookup function to the provider interface.
type ManagerCentersFunc func(managerID int) ([]int, bool)

func (f ManagerCentersFunc) AllowedCenters(managerID int) ([]int, bool) {
	return f(managerID)
}

type ruleFn func(e *Engine, s Student, m Mentor) RuleResult

// orderedRules is the fixed left-to-right evaluation order.
var orderedRules = []ruleFn{
	ruleGenderMatch,
	ruleGroupAllowed,
	ruleCenterAllowed,
	ruleRegStatusAllowed,
	ruleCapacityAvailable,
	ruleSchoolTypeCompatible,
	ruleGraduateNotToSchool,
	ruleManagerCenterGate,
}

func pass(code RuleCode) RuleResult {
	return RuleResult{Code: code, Passed: true}
}

func fail(code RuleCode, details map[string]any) RuleResult {
	return RuleResult{Code: code, Passed: false, Details: details}
}

func ruleGenderMatch(_ *Engine, s Student, m Mentor) RuleResult {
	if s.Gender == m.Gender {
		return pass(RuleGenderMatch)
	}
	return fail(RuleGenderMatch, map[string]any{
		"student_gender": s.Gender,
		"mentor_gender":  m.Gender,
	})
}

func ruleGroupAllowed(_ *Engine, s Student, m Mentor) RuleResult {
	if slices.Contains(m.AllowedGroups, s.GroupCode) {
		return pass(RuleGroupAllowed)
	}
	return fail(RuleGroupAllowed, map[string]any{"group_code": s.GroupCode})
}

func ruleCenterAllowed(_ *Engine, s Student, m Mentor) RuleResult {
	if slices.Contains(m.AllowedCenters, s.RegCenter) {
		return pass(RuleCenterAllowed)
	}
	return fail(RuleCenterAllowed, map[string]any{"reg_center": s.RegCenter})
}

func ruleRegStatusAllowed(_ *Engine, s Student, _ Mentor) RuleResult {
	switch s.RegStatus {
	case 0, 1, 3:
		return pass(RuleRegStatusAllowed)
	}
	return fail(RuleRegStatusAllowed, map[string]any{"reg_status": s.RegStatus})
}

func ruleCapacityAvailable(_ *Engine, _ Student, m Mentor) RuleResult {
	switch {
	case !m.IsActive:
		return fail(RuleCapacityAvailable, map[string]any{"reason": "inactive"})
	case m.Capacity <= 0:
		return fail(RuleCapacityAvailable, map[string]any{"capacity": m.Capacity})
	case m.CurrentLoad < 0:
		return fail(RuleCapacityAvailable, map[string]any{"current_load": m.CurrentLoad})
	case m.CurrentLoad >= m.Capacity:
		return fail(RuleCapacityAvailable, map[string]any{
			"capacity":     m.Capacity,
			"current_load": m.CurrentLoad,
		})
	}
	return pass(RuleCapacityAvailable)
}

func ruleSchoolTypeCompatible(_ *Engine, s Student, m Mentor) RuleResult {
	switch s.StudentType {
	case 1:
		if m.Kind != MentorSchool {
			return fail(RuleSchoolTypeCompatible, map[string]any{"mentor_type": string(m.Kind)})
		}
		if !slices.Contains(m.SpecialSchools, s.SchoolCode) {
			return fail(RuleSchoolTypeCompatible, map[string]any{"school_code": s.SchoolCode})
		}
		return pass(RuleSchoolTypeCompatible)
	default:
		if m.Kind != MentorNormal {
			return fail(RuleSchoolTypeCompatible, map[string]any{"mentor_type": string(m.Kind)})
		}
		return pass(RuleSchoolTypeCompatible)
	}
}

func ruleGraduateNotToSchool(_ *Engine, s Student, m Mentor) RuleResult {
	if s.EduStatus == 0 && m.Kind == MentorSchool {
		return fail(RuleGraduateNotToSchool, map[string]any{"mentor_type": string(m.Kind)})
	}
	return pass(RuleGraduateNotToSchool)
}

func ruleManagerCenterGate(e *Engine, s Student, m Mentor) RuleResult {
	if m.ManagerID == 0 {
		return pass(RuleManagerCenterGate)
	}

	centers, found := e.managers.AllowedCenters(m.ManagerID)
	if !found {
		return fail(RuleManagerCenterGate, map[string]any{"reason": "manager_centers_not_found"})
	}
	if slices.Contains(centers, s.RegCenter) {
		return pass(RuleManagerCenterGate)
	}
	return fail(RuleManagerCenterGate, map[string]any{"reg_center": s.RegCenter})
}
