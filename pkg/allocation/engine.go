package allocation

import (
	"errors"

	"github.com/peyvand-edu/sabt-core/pkg/metrics"
	"github.com/peyvand-edu/sabt-core/pkg/textnorm"
)

// Config tunes engine behavior without changing rule semantics.
type Config struct {
	// FastFail stops a mentor's evaluation at the first failed rule.
	FastFail bool
	// TraceLimitRejected truncates rejected mentors' traces to at most
	// N results. 0 keeps them whole. Passing traces are never cut.
	TraceLimitRejected int
}

// Engine evaluates students against mentors. Construct once, share
// freely: it holds no per-request state.
type Engine struct {
	cfg      Config
	managers ManagerCentersProvider
	m        *metrics.Registry
}

// NewEngine wires the rule list to its manager-centers provider.
// A nil provider fails every managed mentor at the gate.
func NewEngine(cfg Config, managers ManagerCentersProvider, m *metrics.Registry) *Engine {
	if managers == nil {
		managers = ManagerCentersFunc(func(int) ([]int, bool) { return nil, false })
	}
	return &Engine{cfg: cfg, managers: managers, m: m}
}

// Evaluate runs the ordered rules for one mentor and returns its trace.
func (e *Engine) Evaluate(s Student, m Mentor) Trace {
	tr := Trace{MentorID: m.ID, Results: make([]RuleResult, 0, len(orderedRules))}
	tr.Passed = true

	for _, rule := range orderedRules {
		res := rule(e, s, m)
		tr.Results = append(tr.Results, res)
		if !res.Passed {
			tr.Passed = false
			if e.cfg.FastFail {
				break
			}
		}
	}

	if tr.Passed {
		key := RankingKey{
			OccupancyRatio: m.OccupancyRatio(),
			CurrentLoad:    m.CurrentLoad,
			MentorID:       m.ID,
		}
		tr.RankingKey = &key
	} else if e.cfg.TraceLimitRejected > 0 && len(tr.Results) > e.cfg.TraceLimitRejected {
		tr.Results = tr.Results[:e.cfg.TraceLimitRejected]
	}
	return tr
}

// normalizationTrace attributes a failed mentor normalization to the
// rule its offending field belongs to.
func normalizationTrace(mentorID int, err error) Trace {
	var ne *textnorm.NormalizationError
	if !errors.As(err, &ne) {
		ne = &textnorm.NormalizationError{
			RuleCode: string(RuleCapacityAvailable),
			Details:  map[string]any{"reason": err.Error()},
		}
	}
	return Trace{
		MentorID: mentorID,
		Results:  []RuleResult{fail(RuleCode(ne.RuleCode), ne.Details)},
	}
}

// EvaluateRaw normalizes the mentor first. A normalization failure
// becomes a single-entry failed trace attributed to the offending rule.
func (e *Engine) EvaluateRaw(s Student, raw RawMentor) Trace {
	m, err := raw.Normalize()
	if err != nil {
		return normalizationTrace(raw.ID, err)
	}
	return e.Evaluate(s, m)
}

// Select evaluates every mentor and picks the winner: the passing
// mentor minimizing (occupancy_ratio, current_load, mentor_id). When
// nobody passes it returns a nil mentor, the full traces, and counts
// the run in allocation_no_candidate_total.
func (e *Engine) Select(s Student, mentors []Mentor) Selection {
	sel := Selection{Traces: make([]Trace, 0, len(mentors))}

	var winner *Mentor
	var winnerKey RankingKey
	for _, m := range mentors {
		tr := e.Evaluate(s, m)
		sel.Traces = append(sel.Traces, tr)
		if !tr.Passed {
			continue
		}
		if winner == nil || tr.RankingKey.Less(winnerKey) {
			picked := m
			winner = &picked
			winnerKey = *tr.RankingKey
		}
	}

	if winner == nil && e.m != nil {
		e.m.AllocationNoCandidate.WithLabelValues().Inc()
	}
	sel.Mentor = winner
	return sel
}

// SelectRaw is Select over unnormalized mentors; mentors that fail
// normalization are recorded as rejected, not dropped.
func (e *Engine) SelectRaw(s Student, raws []RawMentor) Selection {
	sel := Selection{Traces: make([]Trace, 0, len(raws))}

	var winner *Mentor
	var winnerKey RankingKey
	for _, raw := range raws {
		m, err := raw.Normalize()
		if err != nil {
			sel.Traces = append(sel.Traces, normalizationTrace(raw.ID, err))
			continue
		}
		tr := e.Evaluate(s, m)
		sel.Traces = append(sel.Traces, tr)
		if !tr.Passed {
			continue
		}
		if winner == nil || tr.RankingKey.Less(winnerKey) {
			picked := m
			winner = &picked
			winnerKey = *tr.RankingKey
		}
	}

	if winner == nil && e.m != nil {
		e.m.AllocationNoCandidate.WithLabelValues().Inc()
	}
	sel.Mentor = winner
	return sel
}
