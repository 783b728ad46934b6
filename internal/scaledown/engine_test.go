package scaledown

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/github-aws-runners/runner-fleet/internal/config"
	"github.com/github-aws-runners/runner-fleet/internal/fleet"
	"github.com/github-aws-runners/runner-fleet/internal/metrics"
	"github.com/github-aws-runners/runner-fleet/internal/registry"
	"github.com/github-aws-runners/runner-fleet/internal/schedule"
)

// Mock fleet recording every mutation.
type mockFleet struct {
	mu         sync.Mutex
	runners    []*fleet.Runner
	listErr    error
	terminated []string
	stopped    []string
	tagged     map[string]map[string]string
	untagged   map[string][]string

	terminateErr error
	stopErr      error
	tagErr       error
}

func newMockFleet(runners ...*fleet.Runner) *mockFleet {
	return &mockFleet{
		runners:  runners,
		tagged:   make(map[string]map[string]string),
		untagged: make(map[string][]string),
	}
}

func (m *mockFleet) List(ctx context.Context, f fleet.Filter) ([]*fleet.Runner, error) {
	return m.runners, m.listErr
}

func (m *mockFleet) Terminate(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminateErr != nil {
		return m.terminateErr
	}
	m.terminated = append(m.terminated, instanceID)
	return nil
}

func (m *mockFleet) Stop(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopErr != nil {
		return m.stopErr
	}
	m.stopped = append(m.stopped, instanceID)
	return nil
}

func (m *mockFleet) Tag(ctx context.Context, instanceID string, tags map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tagErr != nil {
		return m.tagErr
	}
	if m.tagged[instanceID] == nil {
		m.tagged[instanceID] = make(map[string]string)
	}
	for k, v := range tags {
		m.tagged[instanceID][k] = v
	}
	return nil
}

func (m *mockFleet) Untag(ctx context.Context, instanceID string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.untagged[instanceID] = append(m.untagged[instanceID], keys...)
	return nil
}

func (m *mockFleet) RequestCapacity(ctx context.Context, spec fleet.CapacitySpec) ([]string, error) {
	return nil, errors.New("not used in scale-down")
}

func (m *mockFleet) terminatedSet() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool, len(m.terminated))
	for _, id := range m.terminated {
		set[id] = true
	}
	return set
}

// Mock registry for one owner.
type mockRegistry struct {
	registrations []registry.Registration
	listErr       error
	statusByID    map[int64]registry.Registration
	statusErr     map[int64]error
	deregErr      map[int64]error
	deregistered  []int64
}

func (m *mockRegistry) ListRegistrations(ctx context.Context) ([]registry.Registration, error) {
	return m.registrations, m.listErr
}

func (m *mockRegistry) GetRegistrationStatus(ctx context.Context, id int64) (registry.Registration, error) {
	if err := m.statusErr[id]; err != nil {
		return registry.Registration{}, err
	}
	return m.statusByID[id], nil
}

func (m *mockRegistry) Deregister(ctx context.Context, id int64) error {
	if err := m.deregErr[id]; err != nil {
		return err
	}
	m.deregistered = append(m.deregistered, id)
	return nil
}

func (m *mockRegistry) IsJobQueued(ctx context.Context, repo string, jobID int64) (bool, error) {
	return false, nil
}

func (m *mockRegistry) MintJITCredential(ctx context.Context, name string, labels []string) (registry.JITCredential, error) {
	return registry.JITCredential{}, errors.New("not used in scale-down")
}

func (m *mockRegistry) CreateRegistrationToken(ctx context.Context) (string, error) {
	return "", errors.New("not used in scale-down")
}

var baseTime = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func testEngine(t *testing.T, fl *mockFleet, reg *mockRegistry) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	met := metrics.NewMetrics(prometheus.NewRegistry())
	cache := registry.NewCache(func(owner string) registry.API { return reg })
	e := New(fl, cache, met, nil, config.ScaleDownConfig{OwnerParallel: 1, RegistryTimeout: time.Second}, logger)
	e.now = func() time.Time { return baseTime }
	return e
}

func runner(id, owner string, age time.Duration) *fleet.Runner {
	launched := baseTime.Add(-age)
	return &fleet.Runner{
		InstanceID: id,
		LaunchedAt: &launched,
		Owner:      owner,
		Scope:      fleet.ScopeOrg,
		State:      "running",
		Tags:       map[string]string{},
	}
}

func registrationsFor(runners ...*fleet.Runner) []registry.Registration {
	regs := make([]registry.Registration, 0, len(runners))
	for i, r := range runners {
		regs = append(regs, registry.Registration{
			ID: int64(i + 1), Name: r.InstanceID, Status: "online",
		})
	}
	return regs
}

func TestSortForEviction(t *testing.T) {
	old := runner("i-old", "o", 3*time.Hour)
	mid := runner("i-mid", "o", 2*time.Hour)
	young := runner("i-young", "o", time.Hour)
	unknown := &fleet.Runner{InstanceID: "i-unknown", Owner: "o"}

	order := func(runners []*fleet.Runner) []string {
		ids := make([]string, len(runners))
		for i, r := range runners {
			ids[i] = r.InstanceID
		}
		return ids
	}

	tests := []struct {
		name     string
		strategy schedule.Strategy
		want     []string
	}{
		{
			// oldest_first evicts old runners, so the newest consume the
			// idle budget and sort first.
			name:     "oldest first puts newest at the front",
			strategy: schedule.OldestFirst,
			want:     []string{"i-young", "i-mid", "i-old", "i-unknown"},
		},
		{
			name:     "newest first puts oldest at the front",
			strategy: schedule.NewestFirst,
			want:     []string{"i-old", "i-mid", "i-young", "i-unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runners := []*fleet.Runner{unknown, mid, old, young}
			sortForEviction(runners, tt.strategy)
			got := order(runners)
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("order = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestEvictOwnerIdleBudget(t *testing.T) {
	tests := []struct {
		name           string
		strategy       schedule.Strategy
		idleCount      int
		wantTerminated []string
	}{
		{
			name:           "oldest first terminates the oldest beyond the budget",
			strategy:       schedule.OldestFirst,
			idleCount:      2,
			wantTerminated: []string{"i-3h", "i-4h"},
		},
		{
			name:           "newest first terminates the newest beyond the budget",
			strategy:       schedule.NewestFirst,
			idleCount:      2,
			wantTerminated: []string{"i-1h", "i-2h"},
		},
		{
			name:           "zero budget terminates everything idle",
			strategy:       schedule.OldestFirst,
			idleCount:      0,
			wantTerminated: []string{"i-1h", "i-2h", "i-3h", "i-4h"},
		},
		{
			name:           "budget above fleet size terminates nothing",
			strategy:       schedule.OldestFirst,
			idleCount:      10,
			wantTerminated: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runners := []*fleet.Runner{
				runner("i-1h", "octo-org", time.Hour),
				runner("i-2h", "octo-org", 2*time.Hour),
				runner("i-3h", "octo-org", 3*time.Hour),
				runner("i-4h", "octo-org", 4*time.Hour),
			}
			fl := newMockFleet()
			reg := &mockRegistry{registrations: registrationsFor(runners...)}
			e := testEngine(t, fl, reg)

			env := config.EnvironmentConfig{Name: "prod", MinimumRunningTimeMinutes: 5}
			policy := schedule.Policy{IdleCount: tt.idleCount, Strategy: tt.strategy}
			if err := e.evictOwner(context.Background(), env, policy, "octo-org", runners, 0); err != nil {
				t.Fatalf("evictOwner() error = %v", err)
			}

			got := append([]string(nil), fl.terminated...)
			sort.Strings(got)
			if len(got) != len(tt.wantTerminated) {
				t.Fatalf("terminated = %v, want %v", got, tt.wantTerminated)
			}
			for i := range got {
				if got[i] != tt.wantTerminated[i] {
					t.Fatalf("terminated = %v, want %v", got, tt.wantTerminated)
				}
			}
		})
	}
}

func TestEvictOwnerSkipsProtectedRunners(t *testing.T) {
	busy := runner("i-busy", "octo-org", 2*time.Hour)
	young := runner("i-young", "octo-org", time.Minute)
	unknown := &fleet.Runner{InstanceID: "i-unknown", Owner: "octo-org", State: "running"}
	idle := runner("i-idle", "octo-org", 2*time.Hour)

	regs := registrationsFor(busy, young, unknown, idle)
	regs[0].Busy = true

	fl := newMockFleet()
	reg := &mockRegistry{registrations: regs}
	e := testEngine(t, fl, reg)

	env := config.EnvironmentConfig{Name: "prod", MinimumRunningTimeMinutes: 5, BootGraceMinutes: 10}
	runners := []*fleet.Runner{busy, young, unknown, idle}
	if err := e.evictOwner(context.Background(), env, schedule.Policy{IdleCount: 0, Strategy: schedule.OldestFirst}, "octo-org", runners, 0); err != nil {
		t.Fatalf("evictOwner() error = %v", err)
	}

	terminated := fl.terminatedSet()
	if terminated["i-busy"] {
		t.Error("busy runner terminated")
	}
	if terminated["i-young"] {
		t.Error("runner below minimum running time terminated")
	}
	if terminated["i-unknown"] {
		t.Error("runner with unknown launch time terminated")
	}
	if !terminated["i-idle"] {
		t.Error("idle runner not terminated")
	}
}

func TestEvictOwnerBootGrace(t *testing.T) {
	booting := runner("i-booting", "octo-org", 2*time.Minute)
	overdue := runner("i-overdue", "octo-org", 20*time.Minute)

	fl := newMockFleet()
	reg := &mockRegistry{} // neither instance is registered
	e := testEngine(t, fl, reg)

	env := config.EnvironmentConfig{Name: "prod", MinimumRunningTimeMinutes: 1, BootGraceMinutes: 10}
	runners := []*fleet.Runner{booting, overdue}
	if err := e.evictOwner(context.Background(), env, schedule.Policy{Strategy: schedule.OldestFirst}, "octo-org", runners, 0); err != nil {
		t.Fatalf("evictOwner() error = %v", err)
	}

	if len(fl.terminated) != 0 {
		t.Errorf("terminated = %v, want none; suspected orphans get a grace cycle", fl.terminated)
	}
	if _, ok := fl.tagged["i-booting"]; ok {
		t.Error("instance inside boot grace was marked as orphan")
	}
	if fl.tagged["i-overdue"][fleet.TagOrphan] != "true" {
		t.Error("instance past boot grace not marked as orphan")
	}
}

func TestEvictOwnerListingFailureAbortsOwner(t *testing.T) {
	fl := newMockFleet()
	reg := &mockRegistry{listErr: errors.New("rate limited")}
	e := testEngine(t, fl, reg)

	runners := []*fleet.Runner{runner("i-1", "octo-org", 2*time.Hour)}
	err := e.evictOwner(context.Background(), config.EnvironmentConfig{Name: "prod"}, schedule.Policy{}, "octo-org", runners, 0)
	if err == nil {
		t.Fatal("evictOwner() error = nil, want listing failure")
	}
	if len(fl.terminated) != 0 {
		t.Errorf("terminated = %v, want none on listing failure", fl.terminated)
	}
}

func TestRetire(t *testing.T) {
	tests := []struct {
		name          string
		deregErr      error
		wantTerminate bool
	}{
		{
			name:          "deregister then terminate",
			wantTerminate: true,
		},
		{
			name:          "still busy rejection skips termination",
			deregErr:      registry.ErrStillBusy,
			wantTerminate: false,
		},
		{
			name:          "registration already gone still terminates",
			deregErr:      registry.ErrNotFound,
			wantTerminate: true,
		},
		{
			name:          "transient deregister failure skips termination",
			deregErr:      errors.New("timeout"),
			wantTerminate: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := runner("i-idle", "octo-org", 2*time.Hour)
			r.RegistrationID = 42

			fl := newMockFleet()
			reg := &mockRegistry{deregErr: map[int64]error{42: tt.deregErr}}
			e := testEngine(t, fl, reg)

			e.retire(context.Background(), config.EnvironmentConfig{Name: "prod"}, reg, "octo-org", r, e.logger)

			if got := len(fl.terminated) > 0; got != tt.wantTerminate {
				t.Errorf("terminated = %v, want terminate=%v", fl.terminated, tt.wantTerminate)
			}
		})
	}
}

func TestReconcileOrphans(t *testing.T) {
	tests := []struct {
		name           string
		registrationID int64
		status         registry.Registration
		statusErr      error
		wantTerminated bool
		wantCleared    bool
	}{
		{
			name:           "no registration id terminates directly",
			registrationID: 0,
			wantTerminated: true,
		},
		{
			name:           "registration gone confirms the orphan",
			registrationID: 7,
			statusErr:      registry.ErrNotFound,
			wantTerminated: true,
		},
		{
			name:           "check failure keeps the mark for next cycle",
			registrationID: 7,
			statusErr:      errors.New("timeout"),
		},
		{
			name:           "offline but busy is a dead runner",
			registrationID: 7,
			status:         registry.Registration{ID: 7, Status: "offline", Busy: true},
			wantTerminated: true,
		},
		{
			name:           "registration caught up clears the mark",
			registrationID: 7,
			status:         registry.Registration{ID: 7, Status: "online"},
			wantCleared:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := runner("i-orphan", "octo-org", time.Hour)
			r.OrphanMarked = true
			r.RegistrationID = tt.registrationID

			fl := newMockFleet()
			reg := &mockRegistry{
				statusByID: map[int64]registry.Registration{7: tt.status},
				statusErr:  map[int64]error{7: tt.statusErr},
			}
			e := testEngine(t, fl, reg)

			e.reconcileOrphans(context.Background(), config.EnvironmentConfig{Name: "prod"}, []*fleet.Runner{r})

			if got := len(fl.terminated) > 0; got != tt.wantTerminated {
				t.Errorf("terminated = %v, want terminate=%v", fl.terminated, tt.wantTerminated)
			}
			if got := len(fl.untagged["i-orphan"]) > 0; got != tt.wantCleared {
				t.Errorf("untagged = %v, want cleared=%v", fl.untagged["i-orphan"], tt.wantCleared)
			}
		})
	}
}

func TestStandbyNeed(t *testing.T) {
	tests := []struct {
		target, current, want int
	}{
		{0, 0, 0},
		{-1, 0, 0},
		{3, 0, 3},
		{3, 2, 1},
		{3, 3, 0},
		{3, 5, 0},
	}
	for _, tt := range tests {
		if got := standbyNeed(tt.target, tt.current); got != tt.want {
			t.Errorf("standbyNeed(%d, %d) = %d, want %d", tt.target, tt.current, got, tt.want)
		}
	}
}

func TestEvictOwnerStandbyDiversion(t *testing.T) {
	first := runner("i-1", "octo-org", 3*time.Hour)
	second := runner("i-2", "octo-org", 2*time.Hour)
	third := runner("i-3", "octo-org", time.Hour)

	fl := newMockFleet()
	reg := &mockRegistry{registrations: registrationsFor(first, second, third)}
	e := testEngine(t, fl, reg)

	env := config.EnvironmentConfig{
		Name:                      "prod",
		MinimumRunningTimeMinutes: 5,
		StandbyTarget:             2,
		StandbyIdleMinutes:        30,
	}
	runners := []*fleet.Runner{first, second, third}
	if err := e.evictOwner(context.Background(), env, schedule.Policy{IdleCount: 0, Strategy: schedule.OldestFirst}, "octo-org", runners, 2); err != nil {
		t.Fatalf("evictOwner() error = %v", err)
	}

	if len(fl.stopped) != 2 {
		t.Fatalf("stopped = %v, want 2 diverted to standby", fl.stopped)
	}
	if len(fl.terminated) != 1 {
		t.Fatalf("terminated = %v, want 1 beyond the standby budget", fl.terminated)
	}
	for _, id := range fl.stopped {
		if fl.tagged[id][fleet.TagStandbySince] == "" {
			t.Errorf("stopped instance %s missing standby timestamp tag", id)
		}
	}
}

func TestAgeOutStandby(t *testing.T) {
	fresh := runner("i-fresh", "octo-org", 10*time.Hour)
	fresh.State = "stopped"
	fresh.Tags[fleet.TagStandbySince] = baseTime.Add(-2 * time.Hour).Format(time.RFC3339)

	expired := runner("i-expired", "octo-org", 80*time.Hour)
	expired.State = "stopped"
	expired.Tags[fleet.TagStandbySince] = baseTime.Add(-73 * time.Hour).Format(time.RFC3339)

	untagged := runner("i-untagged", "octo-org", 10*time.Hour)
	untagged.State = "stopped"

	fl := newMockFleet()
	e := testEngine(t, fl, &mockRegistry{})

	env := config.EnvironmentConfig{Name: "prod", StandbyTarget: 2, MaxStandbyAgeHours: 72}
	e.ageOutStandby(context.Background(), env, []*fleet.Runner{fresh, expired, untagged})

	set := fl.terminatedSet()
	if !set["i-expired"] {
		t.Error("expired standby instance not terminated")
	}
	if set["i-fresh"] || set["i-untagged"] {
		t.Errorf("terminated = %v, want only the expired instance", fl.terminated)
	}
}

func TestRunCycle(t *testing.T) {
	launched := baseTime.Add(-2 * time.Hour)
	active := &fleet.Runner{InstanceID: "i-active", LaunchedAt: &launched, Owner: "octo-org", State: "running", Tags: map[string]string{}}
	orphan := &fleet.Runner{InstanceID: "i-orphan", LaunchedAt: &launched, Owner: "octo-org", State: "running", OrphanMarked: true, Tags: map[string]string{}}

	fl := newMockFleet(active, orphan)
	reg := &mockRegistry{registrations: registrationsFor(active)}
	e := testEngine(t, fl, reg)

	env := config.EnvironmentConfig{Name: "prod", MinimumRunningTimeMinutes: 5}
	if err := e.RunCycle(context.Background(), env); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	set := fl.terminatedSet()
	// The unmarked idle runner is terminated by the walk; the marked
	// orphan with no registration id is confirmed by reconciliation.
	if !set["i-active"] || !set["i-orphan"] {
		t.Errorf("terminated = %v, want both instances", fl.terminated)
	}

	// A second cycle over the emptied fleet does nothing.
	fl.runners = nil
	fl.terminated = nil
	if err := e.RunCycle(context.Background(), env); err != nil {
		t.Fatalf("RunCycle() second pass error = %v", err)
	}
	if len(fl.terminated) != 0 {
		t.Errorf("second cycle terminated = %v, want none", fl.terminated)
	}
}

func TestRunCycleInventoryFailure(t *testing.T) {
	fl := newMockFleet()
	fl.listErr = errors.New("api down")
	e := testEngine(t, fl, &mockRegistry{})

	if err := e.RunCycle(context.Background(), config.EnvironmentConfig{Name: "prod"}); err == nil {
		t.Fatal("RunCycle() error = nil, want inventory failure")
	}
}
