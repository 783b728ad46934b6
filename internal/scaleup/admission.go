// Package scaleup implements batch admission: deciding how many new
// runners each owner may get from one batch of job events, requesting that
// capacity in a single fleet call per owner, and reporting which messages
// must be redelivered.
package scaleup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/github-aws-runners/runner-fleet/internal/config"
	"github.com/github-aws-runners/runner-fleet/internal/countcache"
	"github.com/github-aws-runners/runner-fleet/internal/fleet"
	"github.com/github-aws-runners/runner-fleet/internal/journal"
	"github.com/github-aws-runners/runner-fleet/internal/metrics"
	"github.com/github-aws-runners/runner-fleet/internal/paramstore"
	"github.com/github-aws-runners/runner-fleet/internal/registry"
)

// EventWorkflowJob is the only event type that provisions ephemeral
// runners; anything else in the queue is noise that retrying cannot fix.
const EventWorkflowJob = "workflow_job"

// Request is one inbound job event, consumed exactly once per admission
// attempt. Slice order is submission order.
type Request struct {
	MessageID  string      `json:"message_id"`
	JobID      int64       `json:"job_id"`
	Owner      string      `json:"owner"` // org, or org/repo for repo-scoped fleets
	Repo       string      `json:"repo"`  // always org/repo; the job API lives on the repo
	Scope      fleet.Scope `json:"scope"`
	EventType  string      `json:"event_type"`
	RetryCount int         `json:"retry_count"`
}

// RetrySignaler hands an admitted request to an external mechanism that
// later confirms the job was actually picked up.
type RetrySignaler interface {
	Signal(ctx context.Context, req Request) error
}

type Engine struct {
	fleet    fleet.Fleet
	regCache *registry.Cache
	counts   *countcache.Cache
	params   paramstore.Store
	retry    RetrySignaler
	metrics  *metrics.Metrics
	journal  *journal.Journal
	logger   *slog.Logger

	cfg         config.ScaleUpConfig
	paramPrefix string
	sleep       func(ctx context.Context, d time.Duration)
}

func New(
	fl fleet.Fleet,
	regCache *registry.Cache,
	counts *countcache.Cache,
	params paramstore.Store,
	retry RetrySignaler,
	met *metrics.Metrics,
	jrnl *journal.Journal,
	cfg config.ScaleUpConfig,
	paramPrefix string,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		fleet:       fl,
		regCache:    regCache,
		counts:      counts,
		params:      params,
		retry:       retry,
		metrics:     met,
		journal:     jrnl,
		logger:      logger.With("component", "scaleup"),
		cfg:         cfg,
		paramPrefix: paramPrefix,
		sleep:       sleepCtx,
	}
}

// HandleBatch admits as many of the batch's requests as capacity ceilings
// allow and returns the message ids that must be redelivered. A reached
// ceiling is an expected admission-control outcome, not an error; genuine
// provisioning and registration failures are folded into the rejected set
// per the taxonomy's retry scope and also joined into the returned error.
// One owner's failure never blocks another owner's admission.
func (e *Engine) HandleBatch(ctx context.Context, env config.EnvironmentConfig, requests []Request) ([]string, error) {
	accepted := e.filterRequests(ctx, requests)

	groups, owners := groupByOwner(accepted)

	rejected := make([]string, 0)
	var errs []error
	for _, owner := range owners {
		group := groups[owner]
		rej, err := e.admitOwner(ctx, env, owner, group)
		rejected = append(rejected, rej...)
		if err != nil {
			var scaleErr *ScaleError
			if errors.As(err, &scaleErr) {
				for _, req := range scaleErr.FailedMessages(group) {
					rejected = append(rejected, req.MessageID)
				}
				e.metrics.AdmissionErrors.WithLabelValues(kindLabel(scaleErr.Kind)).Inc()
			} else {
				// Unclassified failure: redeliver the whole group.
				for _, req := range group {
					rejected = append(rejected, req.MessageID)
				}
				e.metrics.AdmissionErrors.WithLabelValues("other").Inc()
			}
			e.logger.Error("owner admission failed", "owner", owner, "error", err)
			errs = append(errs, fmt.Errorf("owner %s: %w", owner, err))
		}
	}

	rejected = dedupe(rejected)
	e.metrics.AdmissionRequests.WithLabelValues("rejected").Add(float64(len(rejected)))
	return rejected, errors.Join(errs...)
}

// filterRequests drops requests that could never succeed (wrong event
// type, unknown scope) and, when configured, requests whose job is no
// longer queued. Dropped means dropped: redelivering them has no value.
func (e *Engine) filterRequests(ctx context.Context, requests []Request) []Request {
	kept := make([]Request, 0, len(requests))
	for _, req := range requests {
		if req.EventType != EventWorkflowJob || (req.Scope != fleet.ScopeOrg && req.Scope != fleet.ScopeRepo) {
			e.logger.Debug("dropping unsupported request",
				"message_id", req.MessageID, "event_type", req.EventType, "scope", string(req.Scope))
			e.metrics.AdmissionRequests.WithLabelValues("dropped").Inc()
			continue
		}
		if e.cfg.CheckJobQueued && req.Repo != "" {
			client := e.regCache.ClientFor(req.Owner)
			queued, err := client.IsJobQueued(ctx, req.Repo, req.JobID)
			if err != nil {
				// Cannot verify; admit rather than starve the job.
				e.logger.Warn("job queued check failed, admitting anyway",
					"message_id", req.MessageID, "error", err)
			} else if !queued {
				e.logger.Debug("job no longer queued, dropping",
					"message_id", req.MessageID, "job_id", req.JobID)
				e.metrics.AdmissionRequests.WithLabelValues("dropped").Inc()
				continue
			}
		}
		kept = append(kept, req)
	}
	return kept
}

// admitOwner admits min(groupSize, ceiling-current) requests for one
// owner, oldest-submitted first, and issues exactly one capacity call.
func (e *Engine) admitOwner(ctx context.Context, env config.EnvironmentConfig, owner string, group []Request) ([]string, error) {
	scope := group[0].Scope

	admitCount := len(group)
	if env.MaxRunnersPerOwner >= 0 { // -1 means unbounded, skip the count lookup
		current, err := e.counts.Count(ctx, env.Name, owner, scope)
		if err != nil {
			// Transient: redeliver the whole group rather than guess.
			return messageIDs(group), nil
		}
		room := env.MaxRunnersPerOwner - current
		if room < 0 {
			room = 0
		}
		if admitCount > room {
			admitCount = room
		}
	}

	admitted := group[:admitCount]
	rejected := messageIDs(group[admitCount:])
	if admitCount == 0 {
		e.logger.Info("capacity ceiling reached, rejecting batch",
			"owner", owner, "ceiling", env.MaxRunnersPerOwner, "requests", len(group))
		return rejected, nil
	}

	e.metrics.CapacityRequested.WithLabelValues(env.Name).Add(float64(admitCount))
	instanceIDs, err := e.fleet.RequestCapacity(ctx, fleet.CapacitySpec{
		Environment: env.Name,
		Owner:       owner,
		Scope:       scope,
		Count:       admitCount,
	})
	if err != nil {
		// Whole call failed: every admitted request needs redelivery.
		capErr := NewCapacityError(admitCount)
		if !fleet.IsCapacityExhausted(err) {
			capErr.Message = err.Error()
		}
		return rejected, capErr
	}
	e.metrics.CapacityCreated.WithLabelValues(env.Name).Add(float64(len(instanceIDs)))

	if len(instanceIDs) < admitCount {
		// Partial fulfillment: the shortfall comes off the tail of the
		// admitted list, the least-recently-submitted of the admitted.
		shortfall := admitted[len(instanceIDs):]
		rejected = append(rejected, messageIDs(shortfall)...)
		admitted = admitted[:len(instanceIDs)]
		e.logger.Warn("capacity partially fulfilled",
			"owner", owner, "requested", admitCount, "created", len(instanceIDs))
	}

	if err := e.registerInstances(ctx, env, owner, instanceIDs); err != nil {
		var httpErr *registry.HTTPError
		if errors.As(err, &httpErr) {
			return rejected, NewRegistryHTTPError(httpErr.StatusCode, httpErr.Message)
		}
		return rejected, err
	}

	for _, req := range admitted {
		if e.retry == nil {
			break
		}
		if err := e.retry.Signal(ctx, req); err != nil {
			e.logger.Warn("retry-check signal failed", "message_id", req.MessageID, "error", err)
		}
	}

	e.metrics.AdmissionRequests.WithLabelValues("admitted").Add(float64(len(admitted)))
	e.record(journal.Event{
		Kind:        "admitted",
		Environment: env.Name,
		Owner:       owner,
		Count:       len(admitted),
	})
	e.logger.Info("batch admitted",
		"owner", owner, "admitted", len(admitted), "rejected", len(rejected))
	return rejected, nil
}

// registerInstances registers each created instance with the registry and
// persists its credential. Above the burst threshold a fixed delay is
// injected between parameter writes to stay under the store's throughput
// limit.
func (e *Engine) registerInstances(ctx context.Context, env config.EnvironmentConfig, owner string, instanceIDs []string) error {
	client := e.regCache.ClientFor(owner)

	var sharedToken string
	if e.cfg.CredentialMode == "token" {
		token, err := client.CreateRegistrationToken(ctx)
		if err != nil {
			return err
		}
		sharedToken = token
	}

	throttle := len(instanceIDs) > e.cfg.BurstThreshold
	for i, instanceID := range instanceIDs {
		if throttle && i > 0 {
			e.sleep(ctx, e.cfg.BurstDelay)
		}

		credential := sharedToken
		if e.cfg.CredentialMode == "jit" {
			cred, err := client.MintJITCredential(ctx, instanceID, e.cfg.RunnerLabels)
			if err != nil {
				return err
			}
			credential = cred.EncodedConfig
			// The registration id enables the orphan last-chance check.
			if err := e.fleet.Tag(ctx, instanceID, map[string]string{
				fleet.TagRegistrationID: fmt.Sprintf("%d", cred.RegistrationID),
			}); err != nil {
				e.logger.Warn("registration id tagging failed",
					"instance_id", instanceID, "error", err)
			}
		}

		path := fmt.Sprintf("%s/%s/runners/%s/config", e.paramPrefix, env.Name, instanceID)
		if err := e.params.Put(ctx, path, credential, true); err != nil {
			return fmt.Errorf("failed to persist credential for %s: %w", instanceID, err)
		}
	}
	return nil
}

func (e *Engine) record(event journal.Event) {
	event.Timestamp = time.Now()
	if err := e.journal.Record(event); err != nil {
		e.logger.Warn("journal write failed", "error", err)
	}
}

func groupByOwner(requests []Request) (map[string][]Request, []string) {
	groups := make(map[string][]Request)
	var owners []string
	for _, req := range requests {
		if _, ok := groups[req.Owner]; !ok {
			owners = append(owners, req.Owner)
		}
		groups[req.Owner] = append(groups[req.Owner], req)
	}
	return groups, owners
}

func messageIDs(requests []Request) []string {
	ids := make([]string, 0, len(requests))
	for _, req := range requests {
		ids = append(ids, req.MessageID)
	}
	return ids
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func kindLabel(kind ErrorKind) string {
	if kind == KindRegistryHTTP {
		return "registry_http"
	}
	return "capacity"
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
