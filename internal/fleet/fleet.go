package fleet

import (
	"context"
	"time"
)

// Scope says whether a runner serves a whole organization or a single
// repository.
type Scope string

const (
	ScopeOrg  Scope = "org"
	ScopeRepo Scope = "repo"
)

// Runner is one fleet instance as seen by the control loops. It carries no
// state of its own beyond what the fleet reports; busy/idle is derived from
// the registry at evaluation time.
type Runner struct {
	InstanceID     string
	LaunchedAt     *time.Time // nil when the fleet does not report a launch time
	Owner          string     // "org" or "org/repo"
	Scope          Scope
	RegistrationID int64 // 0 until the registry confirms registration
	OrphanMarked   bool
	State          string // pending, running, stopping, stopped
	Tags           map[string]string
}

// Age returns the runner's age at now, and whether the launch time is known.
func (r *Runner) Age(now time.Time) (time.Duration, bool) {
	if r.LaunchedAt == nil {
		return 0, false
	}
	return now.Sub(*r.LaunchedAt), true
}

// Filter narrows an inventory listing. Zero values mean "any".
type Filter struct {
	Environment  string
	Owner        string
	Scope        Scope
	OrphanMarked *bool
	States       []string
}

// CapacitySpec describes one batch capacity request for a single owner.
type CapacitySpec struct {
	Environment string
	Owner       string
	Scope       Scope
	Count       int
}

// Inventory answers "which runners exist" without any registry knowledge.
type Inventory interface {
	List(ctx context.Context, f Filter) ([]*Runner, error)
}

// Control mutates fleet state. RequestCapacity may return fewer instance
// ids than requested; callers own the reconciliation of that shortfall.
type Control interface {
	Terminate(ctx context.Context, instanceID string) error
	Stop(ctx context.Context, instanceID string) error
	Tag(ctx context.Context, instanceID string, tags map[string]string) error
	Untag(ctx context.Context, instanceID string, keys []string) error
	RequestCapacity(ctx context.Context, spec CapacitySpec) ([]string, error)
}

// Fleet is the full surface the engines consume.
type Fleet interface {
	Inventory
	Control
}
