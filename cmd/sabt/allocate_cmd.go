package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peyvand-edu/sabt-core/pkg/allocation"
	"github.com/peyvand-edu/sabt-core/pkg/config"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
	"github.com/peyvand-edu/sabt-core/pkg/obslog"
	"github.com/peyvand-edu/sabt-core/pkg/rowsource"
	"github.com/peyvand-edu/sabt-core/pkg/textnorm"
)

// batchCandidates is the `sabt allocate` input file: raw students and
// mentors exactly as an upstream registration dump hands them over.
type batchCandidates struct {
	Students []allocation.RawStudent `json:"students"`
	Mentors  []allocation.RawMentor  `json:"mentors"`
}

// batchAssignment is one student's outcome in the run report. Student
// indexes into the input file's students array.
type batchAssignment struct {
	Student  int                `json:"student"`
	Status   string             `json:"status"` // "assigned", "no_candidate", "invalid_student"
	MentorID int                `json:"mentor_id,omitempty"`
	Warnings []string           `json:"warnings,omitempty"`
	Error    map[string]any     `json:"error,omitempty"`
	Traces   []allocation.Trace `json:"traces,omitempty"`
}

// batchReport is the full run report, suitable for replaying a decision
// in a dispute: every mentor's rule trace for every student survives.
type batchReport struct {
	Students    int               `json:"students"`
	Assigned    int               `json:"assigned"`
	NoCandidate int               `json:"no_candidate"`
	Invalid     int               `json:"invalid"`
	Results     []batchAssignment `json:"results"`
}

// runAllocateCmd implements `sabt allocate`: one batch engine run over
// a candidates file. Assignment is sequential: each winner's load grows
// by one before the next student is evaluated, so capacity depletes the
// way it would in the live system.
//
// Exit codes:
//
//	0 = batch evaluated (unassigned students are reported, not fatal)
//	2 = configuration error
//	3 = runtime error (unreadable input included)
func runAllocateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("allocate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		inPath     string
		outPath    string
		fastFail   bool
		traceLimit int
		jsonOutput bool
	)

	cmd.StringVar(&inPath, "in", "", "Candidates JSON file: {students, mentors} (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Write the JSON run report to this file")
	cmd.BoolVar(&fastFail, "fast-fail", false, "Stop each mentor's evaluation at the first failed rule")
	cmd.IntVar(&traceLimit, "trace-limit", 0, "Keep at most N rule results per rejected mentor (0 = all)")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the JSON run report to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if inPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --in is required")
		return 2
	}
	if traceLimit < 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --trace-limit must not be negative")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}
	level, err := obslog.ParseLevel(cfg.LogLevel)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}

	raw, err := os.ReadFile(inPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "❌ Allocation failed: %v\n", err)
		return 3
	}
	var in batchCandidates
	if err := json.Unmarshal(raw, &in); err != nil {
		_, _ = fmt.Fprintf(stderr, "❌ Allocation failed: parse %s: %v\n", inPath, err)
		return 3
	}
	if len(in.Students) == 0 {
		_, _ = fmt.Fprintf(stderr, "❌ Allocation failed: no students in %s\n", inPath)
		return 3
	}

	logger := obslog.New(stderr, obslog.Options{Service: "sabt-allocate", Level: level})

	ctx := context.Background()
	db, _, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Runtime error: %v\n", err)
		return 3
	}
	defer func() { _ = db.Close() }()

	managers, err := rowsource.LoadManagerCenters(ctx, db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Runtime error: manager gate unavailable: %v\n", err)
		return 3
	}

	eng := allocation.NewEngine(
		allocation.Config{FastFail: fastFail, TraceLimitRejected: traceLimit},
		managers,
		metrics.New(cfg.Namespace),
	)

	report := runBatch(eng, in)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Runtime error: %v\n", err)
		return 3
	}
	if outPath != "" {
		if err := os.WriteFile(outPath, append(data, '\n'), 0o600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Runtime error: %v\n", err)
			return 3
		}
	}

	if jsonOutput {
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "✅ Allocation complete: %d of %d students assigned\n", report.Assigned, report.Students)
	if report.NoCandidate > 0 {
		_, _ = fmt.Fprintf(stdout, "   %d student(s) had no passing mentor\n", report.NoCandidate)
	}
	if report.Invalid > 0 {
		_, _ = fmt.Fprintf(stdout, "   %d student(s) failed validation\n", report.Invalid)
	}
	if outPath != "" {
		_, _ = fmt.Fprintf(stdout, "   report: %s\n", outPath)
	}
	return 0
}

// runBatch evaluates every student in input order. Mentors that fail
// normalization stay in the pool so each student's trace records them
// as rejected rather than silently vanishing.
func runBatch(eng *allocation.Engine, in batchCandidates) batchReport {
	report := batchReport{
		Students: len(in.Students),
		Results:  make([]batchAssignment, 0, len(in.Students)),
	}
	pool := append([]allocation.RawMentor(nil), in.Mentors...)

	for i, rawStudent := range in.Students {
		entry := batchAssignment{Student: i}

		student, err := rawStudent.Normalize()
		if err != nil {
			entry.Status = "invalid_student"
			entry.Error = normalizationDetails(err)
			report.Invalid++
			report.Results = append(report.Results, entry)
			continue
		}
		entry.Warnings = student.Warnings

		sel := eng.SelectRaw(student, pool)
		entry.Traces = sel.Traces
		if sel.Mentor == nil {
			entry.Status = "no_candidate"
			report.NoCandidate++
			report.Results = append(report.Results, entry)
			continue
		}

		entry.Status = "assigned"
		entry.MentorID = sel.Mentor.ID
		report.Assigned++
		for j := range pool {
			if pool[j].ID == sel.Mentor.ID {
				pool[j].CurrentLoad++
				break
			}
		}
		report.Results = append(report.Results, entry)
	}
	return report
}

// normalizationDetails flattens a student normalization failure into the
// report's error object.
func normalizationDetails(err error) map[string]any {
	var ne *textnorm.NormalizationError
	if errors.As(err, &ne) {
		out := map[string]any{"rule_code": ne.RuleCode}
		for k, v := range ne.Details {
			out[k] = v
		}
		return out
	}
	return map[string]any{"reason": err.Error()}
}
