//go:build property
// +build property

package allocation

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestWinnerMinimizesRankingTuple verifies that for any pool of passing
// mentors the winner carries the lexicographically smallest
// (occupancy_ratio, current_load, mentor_id).
func TestWinnerMinimizesRankingTuple(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	student := Student{Gender: 0, GroupCode: "A", RegCenter: 0, RegStatus: 0, EduStatus: 1}
	engine := NewEngine(Config{}, nil, nil)

	properties.Property("winner has the minimal tuple", prop.ForAll(
		func(caps []int, loads []int) bool {
			n := len(caps)
			if len(loads) < n {
				n = len(loads)
			}
			pool := make([]Mentor, 0, n)
			for i := 0; i < n; i++ {
				capacity := caps[i]
				load := loads[i] % capacity
				pool = append(pool, Mentor{
					ID:             100 + i,
					Gender:         0,
					AllowedGroups:  []string{"A"},
					AllowedCenters: []int{0},
					Capacity:       capacity,
					CurrentLoad:    load,
					IsActive:       true,
					Kind:           MentorNormal,
				})
			}

			sel := engine.Select(student, pool)
			if sel.Mentor == nil {
				return len(pool) == 0
			}
			winnerKey := RankingKey{
				OccupancyRatio: sel.Mentor.OccupancyRatio(),
				CurrentLoad:    sel.Mentor.CurrentLoad,
				MentorID:       sel.Mentor.ID,
			}
			for _, m := range pool {
				key := RankingKey{
					OccupancyRatio: m.OccupancyRatio(),
					CurrentLoad:    m.CurrentLoad,
					MentorID:       m.ID,
				}
				if key.Less(winnerKey) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 10)),
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}

// TestEvaluationIsPure verifies evaluating the same pair twice yields
// identical traces.
func TestEvaluationIsPure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	engine := NewEngine(Config{}, nil, nil)

	properties.Property("same inputs, same trace", prop.ForAll(
		func(gender, center, status, capacity, load int) bool {
			s := Student{Gender: gender % 2, GroupCode: "A", RegCenter: center % 3, RegStatus: status % 4, EduStatus: 1}
			m := Mentor{
				ID: 1, Gender: 0, AllowedGroups: []string{"A"},
				AllowedCenters: []int{0, 1}, Capacity: capacity, CurrentLoad: load,
				IsActive: true, Kind: MentorNormal,
			}
			a := engine.Evaluate(s, m)
			b := engine.Evaluate(s, m)
			if a.Passed != b.Passed || len(a.Results) != len(b.Results) {
				return false
			}
			for i := range a.Results {
				if a.Results[i].Code != b.Results[i].Code || a.Results[i].Passed != b.Results[i].Passed {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 1),
		gen.IntRange(0, 2),
		gen.IntRange(0, 3),
		gen.IntRange(0, 5),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
