package scaledown

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/github-aws-runners/runner-fleet/internal/config"
	"github.com/github-aws-runners/runner-fleet/internal/fleet"
	"github.com/github-aws-runners/runner-fleet/internal/journal"
	"github.com/github-aws-runners/runner-fleet/internal/registry"
	"github.com/github-aws-runners/runner-fleet/internal/schedule"
)

// sortForEviction orders runners so that the walk consumes the idle budget
// on the age class the strategy protects. oldest_first keeps the newest
// runners, so they come first; newest_first keeps the oldest. Runners with
// an unknown launch time sort last under both strategies and are never
// prioritized for retention.
func sortForEviction(runners []*fleet.Runner, strategy schedule.Strategy) {
	sort.SliceStable(runners, func(i, j int) bool {
		li, lj := runners[i].LaunchedAt, runners[j].LaunchedAt
		if li == nil {
			return false
		}
		if lj == nil {
			return true
		}
		if strategy == schedule.NewestFirst {
			return li.Before(*lj)
		}
		return li.After(*lj)
	})
}

// evictOwner walks one owner's active runners and decides each one's fate.
// The registration listing is fetched once per owner per cycle; a listing
// failure aborts only this owner's batch.
func (e *Engine) evictOwner(
	ctx context.Context,
	env config.EnvironmentConfig,
	policy schedule.Policy,
	owner string,
	runners []*fleet.Runner,
	standbyBudget int,
) error {
	client := e.regCache.ClientFor(owner)
	regs, err := e.regCache.ListRegistrations(ctx, owner)
	if err != nil {
		return err
	}
	byName := make(map[string]registry.Registration, len(regs))
	for _, reg := range regs {
		byName[reg.Name] = reg
	}

	logger := e.logger.With("environment", env.Name, "owner", owner)
	now := e.now()
	minRunning := time.Duration(env.MinimumRunningTimeMinutes) * time.Minute
	bootGrace := time.Duration(env.BootGraceMinutes) * time.Minute
	standbyIdle := time.Duration(env.StandbyIdleMinutes) * time.Minute

	sortForEviction(runners, policy.Strategy)
	idleBudget := policy.IdleCount

	for _, r := range runners {
		age, known := r.Age(now)
		if !known || age < minRunning {
			// Too young to evaluate. Unknown launch time counts as
			// young: never evict what cannot be aged.
			e.metrics.EvictionDecisions.WithLabelValues(env.Name, "skip_young").Inc()
			continue
		}

		reg, registered := byName[r.InstanceID]
		if !registered {
			if age < bootGrace {
				// Assumed still booting; no decision this cycle.
				e.metrics.EvictionDecisions.WithLabelValues(env.Name, "skip_booting").Inc()
				continue
			}
			e.markOrphan(ctx, env, r)
			continue
		}
		r.RegistrationID = reg.ID

		if reg.Busy {
			e.metrics.EvictionDecisions.WithLabelValues(env.Name, "skip_busy").Inc()
			continue
		}

		if idleBudget > 0 {
			idleBudget--
			e.metrics.EvictionDecisions.WithLabelValues(env.Name, "keep_idle").Inc()
			continue
		}

		if standbyBudget > 0 && age >= standbyIdle {
			if e.moveToStandby(ctx, env, r) {
				standbyBudget--
			}
			continue
		}

		e.retire(ctx, env, client, owner, r, logger)
	}
	return nil
}

// retire deregisters the runner and, only on success, terminates the
// instance. A still-busy rejection means the runner picked up a job after
// the busy check: not currently removable, never an error.
func (e *Engine) retire(
	ctx context.Context,
	env config.EnvironmentConfig,
	client registry.API,
	owner string,
	r *fleet.Runner,
	logger *slog.Logger,
) {
	dctx, cancel := context.WithTimeout(ctx, e.registryTimeout)
	err := client.Deregister(dctx, r.RegistrationID)
	cancel()
	switch {
	case errors.Is(err, registry.ErrStillBusy):
		logger.Debug("runner picked up a job before deregistration, skipping",
			"instance_id", r.InstanceID)
		e.metrics.EvictionDecisions.WithLabelValues(env.Name, "race_busy").Inc()
		return
	case errors.Is(err, registry.ErrNotFound):
		// Registration already gone; the instance is still ours to stop.
	case err != nil:
		logger.Warn("deregistration failed, runner not removable this cycle",
			"instance_id", r.InstanceID, "error", err)
		e.metrics.EvictionDecisions.WithLabelValues(env.Name, "deregister_failed").Inc()
		return
	}

	if err := e.fleet.Terminate(ctx, r.InstanceID); err != nil {
		logger.Warn("termination failed", "instance_id", r.InstanceID, "error", err)
		return
	}
	e.metrics.EvictionDecisions.WithLabelValues(env.Name, "terminate").Inc()
	e.record(journal.Event{
		Kind:        "terminate",
		Environment: env.Name,
		Owner:       owner,
		InstanceID:  r.InstanceID,
		Detail:      "idle beyond budget",
	})
	logger.Info("idle runner terminated", "instance_id", r.InstanceID)
}

// moveToStandby stops the instance for later reuse. The runner stays
// registered; only its compute is parked.
func (e *Engine) moveToStandby(ctx context.Context, env config.EnvironmentConfig, r *fleet.Runner) bool {
	if err := e.fleet.Tag(ctx, r.InstanceID, map[string]string{
		fleet.TagStandbySince: e.now().UTC().Format(time.RFC3339),
	}); err != nil {
		e.logger.Warn("standby tagging failed", "instance_id", r.InstanceID, "error", err)
		return false
	}
	if err := e.fleet.Stop(ctx, r.InstanceID); err != nil {
		e.logger.Warn("standby stop failed", "instance_id", r.InstanceID, "error", err)
		return false
	}
	e.metrics.EvictionDecisions.WithLabelValues(env.Name, "standby").Inc()
	e.metrics.StandbyEntered.Inc()
	e.record(journal.Event{
		Kind:        "standby",
		Environment: env.Name,
		Owner:       r.Owner,
		InstanceID:  r.InstanceID,
	})
	return true
}
