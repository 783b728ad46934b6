package scaledown

import (
	"context"
	"time"

	"github.com/github-aws-runners/runner-fleet/internal/config"
	"github.com/github-aws-runners/runner-fleet/internal/fleet"
	"github.com/github-aws-runners/runner-fleet/internal/journal"
)

// stoppedByOwner counts the standby pool's current size per owner.
func stoppedByOwner(stopped []*fleet.Runner) map[string]int {
	counts := make(map[string]int)
	for _, r := range stopped {
		counts[r.Owner]++
	}
	return counts
}

// standbyNeed is how many idle runners the eviction walk may divert to the
// standby pool for one owner this cycle. Computed once per owner per cycle.
func standbyNeed(target, current int) int {
	if target <= 0 {
		return 0
	}
	if n := target - current; n > 0 {
		return n
	}
	return 0
}

// ageOutStandby terminates stopped instances whose standby-entry timestamp
// exceeds the configured maximum. Independent of the eviction walk, and a
// no-op when the pool is disabled.
func (e *Engine) ageOutStandby(ctx context.Context, env config.EnvironmentConfig, stopped []*fleet.Runner) {
	if env.StandbyTarget <= 0 || env.MaxStandbyAgeHours <= 0 {
		return
	}
	maxAge := time.Duration(env.MaxStandbyAgeHours) * time.Hour
	now := e.now()

	for _, r := range stopped {
		since, ok := r.Tags[fleet.TagStandbySince]
		if !ok {
			continue
		}
		entered, err := time.Parse(time.RFC3339, since)
		if err != nil {
			e.logger.Warn("unparseable standby timestamp",
				"instance_id", r.InstanceID, "value", since)
			continue
		}
		if now.Sub(entered) <= maxAge {
			continue
		}
		if err := e.fleet.Terminate(ctx, r.InstanceID); err != nil {
			e.logger.Warn("standby age-out termination failed",
				"instance_id", r.InstanceID, "error", err)
			continue
		}
		e.metrics.StandbyAgedOut.Inc()
		e.record(journal.Event{
			Kind:        "standby_aged_out",
			Environment: env.Name,
			Owner:       r.Owner,
			InstanceID:  r.InstanceID,
		})
		e.logger.Info("standby instance aged out",
			"environment", env.Name, "instance_id", r.InstanceID, "age_hours", int(now.Sub(entered).Hours()))
	}
}
