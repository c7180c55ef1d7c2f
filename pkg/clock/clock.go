// Package clock provides injected time for the whole service.
//
// No component may read the wall clock directly: everything that needs
// "now", monotonic readings, or sleeping receives a Clock (and usually a
// Sleeper) from its constructor. The frozen variant drives deterministic
// tests and replays.
package clock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAware is returned when a frozen clock is fed an uninitialized
// instant. Mirrors the CLOCK_NOT_AWARE failure of the service contract.
var ErrNotAware = errors.New("CLOCK_NOT_AWARE: instant carries no usable time")

// Clock is the authority time source.
type Clock interface {
	// Now returns the current timezone-aware instant.
	Now() time.Time
	// Monotonic returns seconds from an arbitrary fixed origin. Use for
	// durations, never for timestamps.
	Monotonic() float64
}

// Sleeper decouples waiting from the clock so tests can observe and
// fast-forward sleeps.
type Sleeper interface {
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// DefaultZone is the deployment timezone used when none is configured.
func DefaultZone() *time.Location {
	loc, err := time.LoadLocation("Asia/Tehran")
	if err != nil {
		// Containers without tzdata still get the correct offset.
		return time.FixedZone("Asia/Tehran", 3*3600+30*60)
	}
	return loc
}

// systemClock reads the OS clock. The only sanctioned wall-time reader
// in the module.
type systemClock struct {
	zone   *time.Location
	origin time.Time
}

// System returns the production clock pinned to zone (DefaultZone when nil).
func System(zone *time.Location) Clock {
	if zone == nil {
		zone = DefaultZone()
	}
	return &systemClock{zone: zone, origin: time.Now()}
}

func (c *systemClock) Now() time.Time     { return time.Now().In(c.zone) }
func (c *systemClock) Monotonic() float64 { return time.Since(c.origin).Seconds() }

// SystemSleeper sleeps on the OS timer, honoring ctx cancellation.
type SystemSleeper struct{}

func (SystemSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Frozen is a settable clock for tests. Sleeping on a frozen clock
// advances it instead of blocking, so retry/backoff tests run instantly.
type Frozen struct {
	mu    sync.Mutex
	now   time.Time
	mono  float64
	slept []time.Duration
}

// NewFrozen creates a frozen clock at start. Fails with ErrNotAware when
// start is the zero instant.
func NewFrozen(start time.Time) (*Frozen, error) {
	if start.IsZero() {
		return nil, ErrNotAware
	}
	return &Frozen{now: start}, nil
}

// MustFrozen is NewFrozen for tests that control their inputs.
func MustFrozen(start time.Time) *Frozen {
	f, err := NewFrozen(start)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Frozen) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Frozen) Monotonic() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mono
}

// Set pins the clock to t.
func (f *Frozen) Set(t time.Time) error {
	if t.IsZero() {
		return ErrNotAware
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
	return nil
}

// Tick advances the clock by d.
func (f *Frozen) Tick(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.mono += d.Seconds()
}

// Sleep records the request and advances the frozen instant; it never blocks.
func (f *Frozen) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.mono += d.Seconds()
	f.slept = append(f.slept, d)
	return nil
}

// Slept returns every duration passed to Sleep, in order.
func (f *Frozen) Slept() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.slept))
	copy(out, f.slept)
	return out
}
