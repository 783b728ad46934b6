// Package schedule resolves the idle budget and eviction strategy that are
// in force at a given instant, from an ordered list of cron-gated windows.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Strategy names which age class of idle runners survives eviction.
type Strategy string

const (
	OldestFirst Strategy = "oldest_first" // newest runners consume the idle budget
	NewestFirst Strategy = "newest_first" // oldest runners consume the idle budget
)

// Policy is the resolved output for one cycle.
type Policy struct {
	IdleCount int
	Strategy  Strategy
}

// DefaultPolicy applies when no window matches: evict everything idle.
var DefaultPolicy = Policy{IdleCount: 0, Strategy: OldestFirst}

// Window gates an idle budget on a cron expression evaluated in its own
// timezone. Windows are evaluated in declaration order, first match wins.
type Window struct {
	Cron      string   `mapstructure:"cron"`
	Timezone  string   `mapstructure:"timezone"`
	IdleCount int      `mapstructure:"idle_count"`
	Strategy  Strategy `mapstructure:"strategy"`
}

// WindowError identifies the offending window entry and field. A malformed
// window is rejected at load time, never silently defaulted: defaulting
// here would evict the wrong runners.
type WindowError struct {
	Index  int
	Field  string
	Reason string
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("schedule window %d: field %q: %s", e.Index, e.Field, e.Reason)
}

// MatchTolerance widens the cron match so a resolver invoked slightly off
// its nominal cadence still sees the occurrence. Keep it well under the
// invocation interval or a window can fire twice.
const MatchTolerance = 5 * time.Second

// Accepts both 5-field and seconds-prefixed 6-field expressions.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Validate checks every window and returns a WindowError for the first
// malformed one.
func Validate(windows []Window) error {
	for i, w := range windows {
		if w.Cron == "" {
			return &WindowError{Index: i, Field: "cron", Reason: "missing"}
		}
		if _, err := parser.Parse(w.Cron); err != nil {
			return &WindowError{Index: i, Field: "cron", Reason: err.Error()}
		}
		if w.Timezone == "" {
			return &WindowError{Index: i, Field: "timezone", Reason: "missing"}
		}
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return &WindowError{Index: i, Field: "timezone", Reason: err.Error()}
		}
		if w.IdleCount < 0 {
			return &WindowError{Index: i, Field: "idle_count", Reason: "must be >= 0"}
		}
		switch w.Strategy {
		case "", OldestFirst, NewestFirst:
		default:
			return &WindowError{Index: i, Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", w.Strategy)}
		}
	}
	return nil
}

// Resolve returns the policy of the first window whose cron expression has
// an occurrence within MatchTolerance of now, or DefaultPolicy when none
// match. Windows must have passed Validate; unparseable entries are
// skipped here.
func Resolve(windows []Window, now time.Time) Policy {
	for _, w := range windows {
		sched, err := parser.Parse(w.Cron)
		if err != nil {
			continue
		}
		loc, err := time.LoadLocation(w.Timezone)
		if err != nil {
			continue
		}
		local := now.In(loc)
		next := sched.Next(local.Add(-MatchTolerance - time.Nanosecond))
		if !next.After(local.Add(MatchTolerance)) {
			strategy := w.Strategy
			if strategy == "" {
				strategy = OldestFirst
			}
			return Policy{IdleCount: w.IdleCount, Strategy: strategy}
		}
	}
	return DefaultPolicy
}
