package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/sindef/replset-bootstrap/pkg/failure"
)

// DefaultInterval is the pause between two evaluations of a condition
const DefaultInterval = 5 * time.Second

// TimeoutError is returned when a condition did not succeed within its deadline
type TimeoutError struct {
	Name     string
	Deadline time.Duration
	Elapsed  time.Duration
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: not ready after %d attempts in %s (deadline %s)",
		e.Name, e.Attempts, e.Elapsed.Round(time.Second), e.Deadline)
}

// Is makes errors.Is(err, failure.ErrProbeTimeout) hold.
func (e *TimeoutError) Is(target error) bool {
	return target == failure.ErrProbeTimeout
}

// Probe re-evaluates a condition at a fixed interval until it holds or a
// deadline has elapsed. There is no backoff, and a single evaluation is not
// interrupted: a slow condition can run past the deadline.
type Probe struct {
	clock    clock.Clock
	interval time.Duration
}

// New creates a probe polling every interval on clk.
func New(clk clock.Clock, interval time.Duration) *Probe {
	return &Probe{clock: clk, interval: interval}
}

// WithInterval returns a probe sharing the clock but polling every interval.
func (p *Probe) WithInterval(interval time.Duration) *Probe {
	return &Probe{clock: p.clock, interval: interval}
}

// Interval returns the pause between evaluations.
func (p *Probe) Interval() time.Duration {
	return p.interval
}

// Await evaluates cond until it returns true. A non-nil error from cond
// stops polling and is returned as is. Once more than deadline has elapsed
// since the first evaluation, a failed evaluation ends the wait with a
// *TimeoutError, so the wait lasts at most deadline plus one interval
// (plus the duration of the evaluations themselves).
func (p *Probe) Await(ctx context.Context, name string, deadline time.Duration, cond wait.ConditionWithContextFunc) error {
	start := p.clock.Now()

	for attempt := 1; ; attempt++ {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			klog.V(2).InfoS("Probe succeeded", "probe", name, "attempts", attempt, "elapsed", p.clock.Since(start))
			return nil
		}

		elapsed := p.clock.Since(start)
		if elapsed > deadline {
			return &TimeoutError{Name: name, Deadline: deadline, Elapsed: elapsed, Attempts: attempt}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		klog.V(2).InfoS("Not ready yet", "probe", name, "attempt", attempt, "elapsed", elapsed, "deadline", deadline)
		p.clock.Sleep(p.interval)
	}
}
