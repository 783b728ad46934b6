package scaledown

import (
	"context"
	"errors"
	"log/slog"

	"github.com/github-aws-runners/runner-fleet/internal/config"
	"github.com/github-aws-runners/runner-fleet/internal/fleet"
	"github.com/github-aws-runners/runner-fleet/internal/journal"
	"github.com/github-aws-runners/runner-fleet/internal/registry"
)

// markOrphan is phase one of orphan handling: the instance has no registry
// match and is past boot grace, so it gets the orphan tag and stays running
// until next cycle. Marking a runner mid-registration and terminating it in
// the same cycle is exactly the race this split prevents.
func (e *Engine) markOrphan(ctx context.Context, env config.EnvironmentConfig, r *fleet.Runner) {
	if err := e.fleet.Tag(ctx, r.InstanceID, map[string]string{fleet.TagOrphan: "true"}); err != nil {
		// Best effort; the next cycle will see the same missing
		// registration and try again.
		e.logger.Warn("orphan tagging failed", "instance_id", r.InstanceID, "error", err)
		return
	}
	e.metrics.OrphansMarked.WithLabelValues(env.Name).Inc()
	e.record(journal.Event{
		Kind:        "orphan_marked",
		Environment: env.Name,
		Owner:       r.Owner,
		InstanceID:  r.InstanceID,
	})
	e.logger.Info("instance marked as suspected orphan",
		"environment", env.Name, "instance_id", r.InstanceID, "owner", r.Owner)
}

// reconcileOrphans is phase two: every instance marked last cycle gets a
// last-chance registry check before termination. All failures here are
// logged and swallowed; orphan cleanup never aborts the cycle.
func (e *Engine) reconcileOrphans(ctx context.Context, env config.EnvironmentConfig, orphans []*fleet.Runner) {
	for _, r := range orphans {
		logger := e.logger.With("environment", env.Name, "instance_id", r.InstanceID, "owner", r.Owner)

		if r.RegistrationID == 0 {
			// Never attempted registration: nothing to re-check.
			e.confirmOrphan(ctx, env, r, "no registration id", logger)
			continue
		}

		client := e.regCache.ClientFor(r.Owner)
		sctx, cancel := context.WithTimeout(ctx, e.registryTimeout)
		reg, err := client.GetRegistrationStatus(sctx, r.RegistrationID)
		cancel()

		switch {
		case errors.Is(err, registry.ErrNotFound):
			e.confirmOrphan(ctx, env, r, "registration not found", logger)
		case err != nil:
			// Keep the mark; next cycle retries the check.
			logger.Warn("orphan last-chance check failed", "error", err)
		case !reg.Online() && reg.Busy:
			// The agent is gone but the registry still thinks it holds
			// a job: a dead runner, not a live one.
			e.confirmOrphan(ctx, env, r, "registration offline and busy", logger)
		default:
			e.clearOrphanMark(ctx, env, r, logger)
		}
	}
}

func (e *Engine) confirmOrphan(ctx context.Context, env config.EnvironmentConfig, r *fleet.Runner, reason string, logger *slog.Logger) {
	if err := e.fleet.Terminate(ctx, r.InstanceID); err != nil {
		logger.Warn("orphan termination failed", "error", err)
		return
	}
	e.metrics.OrphansConfirmed.WithLabelValues(env.Name).Inc()
	e.record(journal.Event{
		Kind:        "orphan_confirmed",
		Environment: env.Name,
		Owner:       r.Owner,
		InstanceID:  r.InstanceID,
		Detail:      reason,
	})
	logger.Info("confirmed orphan terminated", "reason", reason)
}

func (e *Engine) clearOrphanMark(ctx context.Context, env config.EnvironmentConfig, r *fleet.Runner, logger *slog.Logger) {
	if err := e.fleet.Untag(ctx, r.InstanceID, []string{fleet.TagOrphan}); err != nil {
		logger.Warn("clearing orphan mark failed", "error", err)
		return
	}
	e.metrics.OrphansCleared.WithLabelValues(env.Name).Inc()
	logger.Info("orphan mark cleared, registration caught up")
}
