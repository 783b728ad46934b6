// Package scaledown implements the per-environment reconciliation cycle:
// orphan detection and confirmation, standby pool upkeep, and the eviction
// walk that decides keep-idle vs. standby vs. terminate for every runner.
package scaledown

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/github-aws-runners/runner-fleet/internal/config"
	"github.com/github-aws-runners/runner-fleet/internal/fleet"
	"github.com/github-aws-runners/runner-fleet/internal/journal"
	"github.com/github-aws-runners/runner-fleet/internal/metrics"
	"github.com/github-aws-runners/runner-fleet/internal/registry"
	"github.com/github-aws-runners/runner-fleet/internal/schedule"
)

type Engine struct {
	fleet    fleet.Fleet
	regCache *registry.Cache
	metrics  *metrics.Metrics
	journal  *journal.Journal
	logger   *slog.Logger

	registryTimeout time.Duration
	ownerParallel   int
	now             func() time.Time
}

func New(
	fl fleet.Fleet,
	regCache *registry.Cache,
	met *metrics.Metrics,
	jrnl *journal.Journal,
	cfg config.ScaleDownConfig,
	logger *slog.Logger,
) *Engine {
	parallel := cfg.OwnerParallel
	if parallel < 1 {
		parallel = 1
	}
	timeout := cfg.RegistryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		fleet:           fl,
		regCache:        regCache,
		metrics:         met,
		journal:         jrnl,
		logger:          logger.With("component", "scaledown"),
		registryTimeout: timeout,
		ownerParallel:   parallel,
		now:             time.Now,
	}
}

// RunCycle reconciles one environment. The cycle is idempotent: re-running
// it with no external state change produces no further terminations.
// Per-runner and per-owner failures are isolated; only the initial
// inventory fetch can fail the cycle.
func (e *Engine) RunCycle(ctx context.Context, env config.EnvironmentConfig) error {
	start := e.now()
	logger := e.logger.With("environment", env.Name)

	// Stale busy state from a previous cycle is wrong, not merely old.
	e.regCache.Reset()

	policy := schedule.Resolve(env.Windows, e.now())
	logger.Debug("resolved eviction policy",
		"idle_count", policy.IdleCount,
		"strategy", string(policy.Strategy),
	)

	// One inventory fetch per cycle. Stopped instances are only listed
	// when the standby pool is enabled.
	states := []string{"pending", "running"}
	if env.StandbyTarget > 0 {
		states = append(states, "stopping", "stopped")
	}
	all, err := e.fleet.List(ctx, fleet.Filter{Environment: env.Name, States: states})
	if err != nil {
		e.metrics.CycleTotal.WithLabelValues(env.Name, "error").Inc()
		return fmt.Errorf("inventory fetch for %s failed: %w", env.Name, err)
	}

	var orphans, active, stopped []*fleet.Runner
	for _, r := range all {
		switch {
		case r.State == "stopped" || r.State == "stopping":
			stopped = append(stopped, r)
		case r.OrphanMarked:
			orphans = append(orphans, r)
		default:
			active = append(active, r)
		}
	}

	// Orphans first: instances marked last cycle get their last-chance
	// check before the main walk touches anything.
	e.reconcileOrphans(ctx, env, orphans)

	e.ageOutStandby(ctx, env, stopped)
	stoppedCounts := stoppedByOwner(stopped)

	byOwner := groupByOwner(active)
	owners := sortedOwners(byOwner)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.ownerParallel)
	for _, owner := range owners {
		owner := owner
		runners := byOwner[owner]
		need := standbyNeed(env.StandbyTarget, stoppedCounts[owner])
		g.Go(func() error {
			if err := e.evictOwner(gctx, env, policy, owner, runners, need); err != nil {
				// Aborts only this owner's batch.
				logger.Error("owner walk aborted", "owner", owner, "error", err)
				e.metrics.OwnerWalkErrors.WithLabelValues(env.Name).Inc()
			}
			return nil
		})
	}
	g.Wait()

	e.metrics.CycleTotal.WithLabelValues(env.Name, "ok").Inc()
	e.metrics.CycleDuration.WithLabelValues(env.Name).Observe(e.now().Sub(start).Seconds())
	logger.Info("cycle complete",
		"runners", len(active),
		"orphans", len(orphans),
		"stopped", len(stopped),
		"duration_ms", e.now().Sub(start).Milliseconds(),
	)
	return nil
}

func groupByOwner(runners []*fleet.Runner) map[string][]*fleet.Runner {
	groups := make(map[string][]*fleet.Runner)
	for _, r := range runners {
		groups[r.Owner] = append(groups[r.Owner], r)
	}
	return groups
}

func sortedOwners(groups map[string][]*fleet.Runner) []string {
	owners := make([]string, 0, len(groups))
	for owner := range groups {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

func (e *Engine) record(event journal.Event) {
	event.Timestamp = e.now()
	if err := e.journal.Record(event); err != nil {
		e.logger.Warn("journal write failed", "error", err)
	}
}
