// Package probes aggregates readiness checks. Probes run in parallel,
// each under its own deadline, so a single stuck dependency reports as
// failed instead of wedging the whole readiness endpoint.
package probes

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peyvand-edu/sabt-core/pkg/kvstore"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
	"github.com/peyvand-edu/sabt-core/pkg/obslog"
)

// DefaultTimeout bounds a single probe check.
const DefaultTimeout = 2 * time.Second

// Probe is one readiness dependency.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// Result is the outcome of a single probe run.
type Result struct {
	Component string `json:"component"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
}

// Aggregator fans readiness checks out and collects their results.
type Aggregator struct {
	probes  []Probe
	timeout time.Duration
	log     *slog.Logger
	m       *metrics.Registry
}

// NewAggregator builds an aggregator over the given probes. A
// non-positive timeout falls back to DefaultTimeout.
func NewAggregator(timeout time.Duration, log *slog.Logger, m *metrics.Registry, probes ...Probe) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		probes:  probes,
		timeout: timeout,
		log:     obslog.Named(log, "probes"),
		m:       m,
	}
}

// Run executes every probe in parallel and returns results in probe
// order. A probe that ignores its context still cannot delay the
// others past the per-probe timeout; its goroutine is abandoned and
// the component reported unhealthy.
func (a *Aggregator) Run(ctx context.Context) []Result {
	results := make([]Result, len(a.probes))

	var wg sync.WaitGroup
	for i, p := range a.probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			results[i] = a.check(ctx, p)
		}(i, p)
	}
	wg.Wait()

	for _, res := range results {
		status := "ok"
		if !res.Healthy {
			status = "fail"
			a.log.Warn("readiness probe failed",
				"component", res.Component, "detail", res.Detail)
		}
		if a.m != nil {
			a.m.ReadinessChecks.WithLabelValues(res.Component, status).Inc()
		}
	}
	return results
}

func (a *Aggregator) check(ctx context.Context, p Probe) Result {
	pctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Check(pctx) }()

	var err error
	select {
	case err = <-done:
	case <-pctx.Done():
		err = fmt.Errorf("probe %s: %w", p.Name(), pctx.Err())
	}

	res := Result{Component: p.Name(), Healthy: err == nil}
	if err != nil {
		res.Detail = err.Error()
	}
	return res
}

// Healthy reports whether every result is healthy.
func Healthy(results []Result) bool {
	for _, r := range results {
		if !r.Healthy {
			return false
		}
	}
	return true
}

// StoreProbe verifies the key-value store accepts writes by claiming
// and releasing a throwaway key.
type StoreProbe struct {
	Store kvstore.Store
}

func (p StoreProbe) Name() string { return "store" }

func (p StoreProbe) Check(ctx context.Context) error {
	key := "readyz:probe:" + uuid.NewString()
	ok, err := p.Store.SetNX(ctx, key, "1", 30*time.Second)
	if err != nil {
		return fmt.Errorf("store setnx: %w", err)
	}
	if !ok {
		return fmt.Errorf("store setnx: probe key already claimed")
	}
	return p.Store.Delete(ctx, key)
}

// DBProbe verifies database connectivity.
type DBProbe struct {
	DB *sql.DB
}

func (p DBProbe) Name() string { return "database" }

func (p DBProbe) Check(ctx context.Context) error {
	if p.DB == nil {
		return fmt.Errorf("database handle not configured")
	}
	return p.DB.PingContext(ctx)
}

// Func adapts a plain function into a Probe.
func Func(name string, fn func(ctx context.Context) error) Probe {
	return funcProbe{name: name, fn: fn}
}

type funcProbe struct {
	name string
	fn   func(ctx context.Context) error
}

func (p funcProbe) Name() string                    { return p.name }
func (p funcProbe) Check(ctx context.Context) error { return p.fn(ctx) }
