package cycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"keysync/internal/audit"
	"keysync/internal/leader"
	"keysync/internal/reconcile"
	dErrors "keysync/pkg/domainerrors"
)

type stubElector struct {
	mu       sync.Mutex
	acquired map[leader.Role]bool
	err      error
	calls    map[leader.Role]int
	released []leader.Role
}

func newStubElector() *stubElector {
	return &stubElector{
		acquired: map[leader.Role]bool{leader.RolePod: true, leader.RoleRoute: true},
		calls:    map[leader.Role]int{},
	}
}

func (s *stubElector) TryAcquire(_ context.Context, role leader.Role, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[role]++
	return s.acquired[role], s.err
}

func (s *stubElector) Release(_ context.Context, role leader.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, role)
	return nil
}

type stubSource struct {
	events  []reconcile.ChangeEvent
	err     error
	commits int
}

func (s *stubSource) ChangedEntities(context.Context) ([]reconcile.ChangeEvent, error) {
	return s.events, s.err
}

func (s *stubSource) CommitCheckpoint(context.Context) error {
	s.commits++
	return nil
}

type stubReconciler struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string][]error // consumed per call, then success
}

func newStubReconciler() *stubReconciler {
	return &stubReconciler{calls: map[string]int{}, errs: map[string][]error{}}
}

func (s *stubReconciler) Reconcile(_ context.Context, ev reconcile.ChangeEvent) (reconcile.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[ev.SourceEntityID]++
	if queue := s.errs[ev.SourceEntityID]; len(queue) > 0 {
		err := queue[0]
		s.errs[ev.SourceEntityID] = queue[1:]
		return reconcile.Result{}, err
	}
	return reconcile.Result{Action: reconcile.ActionNoOp}, nil
}

func (s *stubReconciler) callCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type stubHalts struct {
	halted map[string]bool
	errs   map[string]error
}

func (s *stubHalts) Halted(_ context.Context, _ audit.Direction, sourceEntityID string) (bool, error) {
	return s.halted[sourceEntityID], s.errs[sourceEntityID]
}

// blockingReconciler holds every pass until release is closed, recording
// what finished.
type blockingReconciler struct {
	release  chan struct{}
	mu       sync.Mutex
	finished []string
}

func (b *blockingReconciler) Reconcile(_ context.Context, ev reconcile.ChangeEvent) (reconcile.Result, error) {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = append(b.finished, ev.SourceEntityID)
	return reconcile.Result{Action: reconcile.ActionNoOp}, nil
}

func (b *blockingReconciler) done() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

type stubMaintainer struct {
	pruned int
	calls  int
}

func (s *stubMaintainer) PruneOpenItems(context.Context) (int, error) {
	s.calls++
	return s.pruned, nil
}

func event(id string) reconcile.ChangeEvent {
	return reconcile.ChangeEvent{Direction: audit.DirectionAToB, SourceEntityID: id}
}

type RunnerSuite struct {
	suite.Suite
	elector    *stubElector
	source     *stubSource
	reconciler *stubReconciler
	halts      *stubHalts
}

func TestRunnerSuite(t *testing.T) {
	suite.Run(t, new(RunnerSuite))
}

func (s *RunnerSuite) SetupTest() {
	s.elector = newStubElector()
	s.source = &stubSource{}
	s.reconciler = newStubReconciler()
	s.halts = &stubHalts{halted: map[string]bool{}}
}

func (s *RunnerSuite) newRunner(cfg Config, opts ...Option) *Runner {
	opts = append(opts, WithSleeper(func(context.Context, time.Duration) error { return nil }))
	runner, err := New(s.elector, s.source, s.reconciler, s.halts, cfg, opts...)
	s.Require().NoError(err)
	return runner
}

func (s *RunnerSuite) TestNonLeaderDoesNothing() {
	s.elector.acquired[leader.RolePod] = false
	s.source.events = []reconcile.ChangeEvent{event("key-1")}
	runner := s.newRunner(Config{Parallelism: 2})

	s.Require().NoError(runner.RunCycle(context.Background()))
	s.Zero(s.reconciler.callCount("key-1"))
	s.Equal(1, s.elector.calls[leader.RolePod], "leadership is checked once per cycle")
}

func (s *RunnerSuite) TestLeaderReconcilesAllEvents() {
	s.source.events = []reconcile.ChangeEvent{event("key-1"), event("key-2"), event("key-3")}
	runner := s.newRunner(Config{Parallelism: 2})

	s.Require().NoError(runner.RunCycle(context.Background()))
	s.Equal(1, s.reconciler.callCount("key-1"))
	s.Equal(1, s.reconciler.callCount("key-2"))
	s.Equal(1, s.reconciler.callCount("key-3"))
	s.Equal(1, s.elector.calls[leader.RolePod])
	s.Equal(1, s.source.commits, "a completed batch commits the feed checkpoint")
}

func (s *RunnerSuite) TestFailedCycleDoesNotCommitCheckpoint() {
	s.source.events = []reconcile.ChangeEvent{event("key-1")}
	s.reconciler.errs["key-1"] = []error{
		dErrors.New(dErrors.CodeConfig, "customer table drift"),
	}
	runner := s.newRunner(Config{Parallelism: 1})

	s.Require().Error(runner.RunCycle(context.Background()))
	s.Zero(s.source.commits, "an unreconciled batch must be re-enumerated next poll")
}

func (s *RunnerSuite) TestHaltCheckErrorWaitsForInFlightItems() {
	s.source.events = []reconcile.ChangeEvent{event("key-1"), event("key-2")}
	s.halts.errs = map[string]error{"key-2": dErrors.New(dErrors.CodeTransient, "store unreachable")}
	blocking := &blockingReconciler{release: make(chan struct{})}
	runner, err := New(s.elector, s.source, blocking, s.halts, Config{Parallelism: 2})
	s.Require().NoError(err)

	errCh := make(chan error, 1)
	go func() { errCh <- runner.RunCycle(context.Background()) }()

	select {
	case cycleErr := <-errCh:
		s.Require().Failf("cycle returned early", "in-flight reconciliation was abandoned: %v", cycleErr)
	case <-time.After(50 * time.Millisecond):
	}

	close(blocking.release)
	cycleErr := <-errCh
	s.Require().Error(cycleErr)
	s.True(dErrors.HasCode(cycleErr, dErrors.CodeTransient))
	s.Equal([]string{"key-1"}, blocking.done(), "the started item ran to completion")
	s.Zero(s.source.commits)
}

func (s *RunnerSuite) TestHaltedItemsAreSkipped() {
	s.source.events = []reconcile.ChangeEvent{event("key-1"), event("key-2")}
	s.halts.halted["key-1"] = true
	runner := s.newRunner(Config{Parallelism: 1})

	s.Require().NoError(runner.RunCycle(context.Background()))
	s.Zero(s.reconciler.callCount("key-1"))
	s.Equal(1, s.reconciler.callCount("key-2"), "sibling items keep flowing")
}

func (s *RunnerSuite) TestTransientFaultIsRedelivered() {
	s.source.events = []reconcile.ChangeEvent{event("key-1")}
	s.reconciler.errs["key-1"] = []error{
		dErrors.New(dErrors.CodeTransient, "timeout"),
		dErrors.New(dErrors.CodeTransient, "timeout"),
	}
	runner := s.newRunner(Config{Parallelism: 1, MaxRedeliveries: 3})

	s.Require().NoError(runner.RunCycle(context.Background()))
	s.Equal(3, s.reconciler.callCount("key-1"), "two redeliveries then success")
}

func (s *RunnerSuite) TestRedeliveriesExhausted() {
	s.source.events = []reconcile.ChangeEvent{event("key-1")}
	s.reconciler.errs["key-1"] = []error{
		dErrors.New(dErrors.CodeTransient, "timeout"),
		dErrors.New(dErrors.CodeTransient, "timeout"),
		dErrors.New(dErrors.CodeTransient, "timeout"),
	}
	runner := s.newRunner(Config{Parallelism: 1, MaxRedeliveries: 2})

	err := runner.RunCycle(context.Background())
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeTransient))
	s.Equal(3, s.reconciler.callCount("key-1"), "initial delivery plus two redeliveries")
}

func (s *RunnerSuite) TestNonRetryableFaultIsNotRedelivered() {
	s.source.events = []reconcile.ChangeEvent{event("key-1")}
	s.reconciler.errs["key-1"] = []error{
		dErrors.New(dErrors.CodeConfig, "no zone for security access"),
	}
	runner := s.newRunner(Config{Parallelism: 1, MaxRedeliveries: 3})

	err := runner.RunCycle(context.Background())
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConfig))
	s.Equal(1, s.reconciler.callCount("key-1"))
}

func (s *RunnerSuite) TestRunStopsOnConfigFault() {
	s.source.events = []reconcile.ChangeEvent{event("key-1")}
	s.reconciler.errs["key-1"] = []error{
		dErrors.New(dErrors.CodeConfig, "customer table drift"),
	}
	runner := s.newRunner(Config{Parallelism: 1, PollInterval: time.Hour})

	err := runner.Run(context.Background())
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConfig))
}

func (s *RunnerSuite) TestRunAbsorbsTransientCycleFailures() {
	s.source.err = dErrors.New(dErrors.CodeTransient, "store unreachable")
	runner := s.newRunner(Config{Parallelism: 1, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	err := runner.Run(ctx)
	s.Require().ErrorIs(err, context.DeadlineExceeded)
	s.Greater(s.elector.calls[leader.RolePod], 1, "the loop keeps polling through transient failures")
}

func (s *RunnerSuite) TestMaintenanceSweep() {
	maintainer := &stubMaintainer{pruned: 2}
	runner := s.newRunner(Config{Parallelism: 1, RouteLeaseTTL: time.Minute}, WithMaintainer(maintainer))

	s.Run("leader sweeps and releases the route lease", func() {
		s.Require().NoError(runner.runMaintenanceSweep(context.Background()))
		s.Equal(1, maintainer.calls)
		s.Equal([]leader.Role{leader.RoleRoute}, s.elector.released)
	})

	s.Run("non-leader skips the sweep", func() {
		s.elector.acquired[leader.RoleRoute] = false
		s.Require().NoError(runner.runMaintenanceSweep(context.Background()))
		s.Equal(1, maintainer.calls)
	})
}
