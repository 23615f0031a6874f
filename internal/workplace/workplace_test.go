package workplace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
	"github.com/cm4all-oss/workshopd/internal/spawnclient"
)

// fakeRepo is a no-op operator.Repo for tests that never need the
// child to actually report progress or finish.
type fakeRepo struct{}

func (fakeRepo) Progress(ctx context.Context, id string, progress int, nodeTimeout time.Duration) error {
	return nil
}
func (fakeRepo) RefreshTimeout(ctx context.Context, id string, nodeTimeout time.Duration) error {
	return nil
}
func (fakeRepo) SetEnv(ctx context.Context, id, assignment string) error { return nil }
func (fakeRepo) Again(ctx context.Context, id string, delay time.Duration, log string) error {
	return nil
}
func (fakeRepo) Done(ctx context.Context, id string, exitStatus int, log string, cpuUsage time.Duration) error {
	return nil
}

// fakeChild is a spawnclient.Child whose Wait blocks until closed,
// independent of the caller's context, so a test can hold an operator
// "running" for as long as it needs to assert concurrency accounting.
type fakeChild struct {
	done chan struct{}
}

func newFakeChild() *fakeChild { return &fakeChild{done: make(chan struct{})} }

func (c *fakeChild) PID() int { return 1 }
func (c *fakeChild) Wait(ctx context.Context) (spawnclient.ExitResult, error) {
	<-c.done
	return spawnclient.ExitResult{ExitStatus: 0}, nil
}
func (c *fakeChild) Kill() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

// fakeSpawner hands out fakeChild instances and records every prepared
// process it was asked to spawn.
type fakeSpawner struct {
	fail      error
	spawned   []spawnclient.PreparedChildProcess
	lastChild *fakeChild
}

func (s *fakeSpawner) Spawn(ctx context.Context, jobID string, p spawnclient.PreparedChildProcess) (spawnclient.Child, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	s.spawned = append(s.spawned, p)
	s.lastChild = newFakeChild()
	return s.lastChild, nil
}

func testPlan(name string, concurrency uint) *domain.Plan {
	return &domain.Plan{
		Name:        name,
		Args:        []string{"/bin/true"},
		Concurrency: concurrency,
	}
}

func testJob(id string) *domain.WorkshopJob {
	return &domain.WorkshopJob{ID: id, Args: nil, Env: nil}
}

func TestStartRespectsGlobalConcurrencyBudget(t *testing.T) {
	spawner := &fakeSpawner{}
	w := New(1, fakeRepo{}, spawner, nil, nil, "node-a", nil, nil)

	plan := testPlan("p", 0)
	if _, err := w.Start(context.Background(), testJob("job-1"), plan); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if !w.IsFull() {
		t.Fatal("expected workplace to be full after reaching maxOperators")
	}

	_, err := w.Start(context.Background(), testJob("job-2"), plan)
	if !errors.Is(err, domain.ErrWorkplaceFull) {
		t.Fatalf("second Start error = %v, want ErrWorkplaceFull", err)
	}
	if w.Count() != 1 {
		t.Errorf("Count = %d, want 1 (rejected start must not register)", w.Count())
	}
}

func TestPlanConcurrencyCapIsIndependentOfGlobalBudget(t *testing.T) {
	spawner := &fakeSpawner{}
	w := New(10, fakeRepo{}, spawner, nil, nil, "node-a", nil, nil)

	plan := testPlan("limited", 1)
	if _, err := w.Start(context.Background(), testJob("job-1"), plan); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !w.IsPlanFull(plan) {
		t.Fatal("expected plan to be full at its own concurrency cap")
	}
	if w.IsFull() {
		t.Error("global budget must not be reported full while plenty of slots remain")
	}

	unlimited := testPlan("unlimited", 0)
	if w.IsPlanFull(unlimited) {
		t.Error("a plan with Concurrency == 0 must never report full")
	}
}

func TestOnOperatorExitFreesSlots(t *testing.T) {
	spawner := &fakeSpawner{}
	w := New(1, fakeRepo{}, spawner, nil, nil, "node-a", nil, nil)

	plan := testPlan("p", 0)
	op, err := w.Start(context.Background(), testJob("job-1"), plan)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !w.IsFull() {
		t.Fatal("expected workplace to be full")
	}

	w.OnOperatorExit(op)

	if w.IsFull() {
		t.Error("expected a slot to be freed after OnOperatorExit")
	}
	if w.PlanRunning(plan.Name) != 0 {
		t.Errorf("PlanRunning = %d, want 0 after exit", w.PlanRunning(plan.Name))
	}
	if _, err := w.Start(context.Background(), testJob("job-2"), plan); err != nil {
		t.Fatalf("Start after freeing slot: %v", err)
	}
}

func TestGetRunningPlanNamesOnlyListsNonZeroCounts(t *testing.T) {
	spawner := &fakeSpawner{}
	w := New(10, fakeRepo{}, spawner, nil, nil, "node-a", nil, nil)

	a := testPlan("a", 0)
	b := testPlan("b", 0)

	if _, err := w.Start(context.Background(), testJob("job-a1"), a); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	opB, err := w.Start(context.Background(), testJob("job-b1"), b)
	if err != nil {
		t.Fatalf("Start b: %v", err)
	}
	w.OnOperatorExit(opB)

	got := w.GetRunningPlanNames()
	if got != "{a}" {
		t.Errorf("GetRunningPlanNames = %q, want {a} (b exited, must be dropped)", got)
	}
}

func TestGetFullPlanNamesOnlyIncludesPlansAtTheirLimit(t *testing.T) {
	spawner := &fakeSpawner{}
	w := New(10, fakeRepo{}, spawner, nil, nil, "node-a", nil, nil)

	full := testPlan("full", 1)
	partial := testPlan("partial", 2)
	unlimited := testPlan("unlimited", 0)

	if _, err := w.Start(context.Background(), testJob("job-full"), full); err != nil {
		t.Fatalf("Start full: %v", err)
	}
	if _, err := w.Start(context.Background(), testJob("job-partial"), partial); err != nil {
		t.Fatalf("Start partial: %v", err)
	}
	if _, err := w.Start(context.Background(), testJob("job-unlimited"), unlimited); err != nil {
		t.Fatalf("Start unlimited: %v", err)
	}

	limits := map[string]uint{"full": 1, "partial": 2, "unlimited": 0}
	got := w.GetFullPlanNames(limits)
	if got != "{full}" {
		t.Errorf("GetFullPlanNames = %q, want {full}", got)
	}
}

func TestStartSurfacesSpawnerError(t *testing.T) {
	spawner := &fakeSpawner{fail: errors.New("spawn boom")}
	w := New(10, fakeRepo{}, spawner, nil, nil, "node-a", nil, nil)

	_, err := w.Start(context.Background(), testJob("job-1"), testPlan("p", 0))
	if err == nil {
		t.Fatal("expected spawner failure to propagate")
	}
	if w.Count() != 0 {
		t.Errorf("Count = %d, want 0 after a failed Start to roll back its accounting", w.Count())
	}
}
