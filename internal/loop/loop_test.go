package loop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prpkit/ralph/internal/advisor"
	"github.com/prpkit/ralph/internal/checks"
	"github.com/prpkit/ralph/internal/config"
	"github.com/prpkit/ralph/internal/memory"
	"github.com/prpkit/ralph/internal/plan"
	"github.com/prpkit/ralph/internal/recorder"
	"github.com/prpkit/ralph/internal/state"
)

type workerFunc func(ctx context.Context, req Request) (Report, error)

func (f workerFunc) Perform(ctx context.Context, req Request) (Report, error) {
	return f(ctx, req)
}

// checkOneTask rewrites the first unchecked box in the file, simulating the
// external driver finishing one task per iteration.
func checkOneTask(t *testing.T, path string) workerFunc {
	return func(_ context.Context, req Request) (Report, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return Report{}, err
		}
		updated := strings.Replace(string(data), "- [ ]", "- [x]", 1)
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			return Report{}, err
		}
		return Report{
			Approach:  "work through " + filepath.Base(path) + " task by task",
			Files:     []string{"internal/feature/feature.go"},
			Learnings: []string{"one task at a time keeps validation green"},
		}, nil
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.RunRoot = filepath.Join(root, ".ralph")
	cfg.MemoryDir = filepath.Join(root, ".ralph", "memory")
	cfg.ArchiveDir = filepath.Join(root, ".ralph", "archive")
	cfg.CompletedDir = filepath.Join(root, "plans", "completed")
	cfg.MaxIterations = 5
	cfg.Checks = []config.CheckConfig{{Name: "test", Command: "run-tests"}}
	return cfg
}

func testDeps(t *testing.T, cfg *config.Config, run checks.CommandRunner, worker Worker) Deps {
	t.Helper()
	store := memory.New(cfg.MemoryDir)
	runner := checks.NewRunner(cfg.Checks, ".")
	runner.SetCommandRunner(run)
	return Deps{
		Store:    store,
		Advisor:  advisor.New(store, advisor.Options{}),
		Recorder: recorder.New(store),
		Checks:   runner,
		Worker:   worker,
	}
}

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feature.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func passChecks(_ context.Context, _, _ string) (string, error) {
	return "ok", nil
}

func failChecks(_ context.Context, _, _ string) (string, error) {
	return "assert failed: got 0, want 1", errors.New("exit status 1")
}

func drainEvents(l *Loop) []Event {
	var events []Event
	for e := range l.Events() {
		events = append(events, e)
	}
	return events
}

func TestRunCompletesWhenTasksDoneAndChecksPass(t *testing.T) {
	cfg := testConfig(t)
	planPath := writePlan(t, "# Feature\n\n- [ ] task one\n- [ ] task two\n")

	l, err := New(Options{Config: cfg, PlanPath: planPath}, testDeps(t, cfg, passChecks, checkOneTask(t, planPath)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if l.Status() != StateComplete {
		t.Fatalf("status = %s, want COMPLETE", l.Status())
	}
	if l.RunState().Iteration != 2 {
		t.Errorf("iteration = %d, want 2", l.RunState().Iteration)
	}

	// Run state is gone; the archive and the moved plan remain.
	if _, err := state.Load(cfg.StatePath()); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("state after complete: err = %v, want ErrNotFound", err)
	}
	entries, err := os.ReadDir(cfg.ArchiveDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("archive dir: %v, %d entries", err, len(entries))
	}
	archived := filepath.Join(cfg.ArchiveDir, entries[0].Name())
	for _, name := range []string{"ralph.state.md", "report.md", "workflow_summary.json"} {
		if _, err := os.Stat(filepath.Join(archived, name)); err != nil {
			t.Errorf("archive missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.CompletedDir, "feature.md")); err != nil {
		t.Errorf("plan not moved to completed: %v", err)
	}
	if _, err := os.Stat(planPath); !os.IsNotExist(err) {
		t.Error("plan still at original location")
	}

	var sawComplete bool
	for _, e := range drainEvents(l) {
		if e.Type == EventComplete {
			sawComplete = true
		}
	}
	if !sawComplete {
		t.Error("no EventComplete emitted")
	}
}

func TestCompleteRecordsSuccessEntry(t *testing.T) {
	cfg := testConfig(t)
	planPath := writePlan(t, "- [ ] only task\n")

	// The worker never marks its report significant; finishing the plan
	// must still leave a success entry behind.
	deps := testDeps(t, cfg, passChecks, checkOneTask(t, planPath))
	l, err := New(Options{Config: cfg, PlanPath: planPath}, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if l.Status() != StateComplete {
		t.Fatalf("status = %s, want COMPLETE", l.Status())
	}

	successes, err := deps.Store.Successes()
	if err != nil {
		t.Fatalf("Successes failed: %v", err)
	}
	if len(successes) != 1 {
		t.Fatalf("got %d successes after COMPLETE, want 1", len(successes))
	}
	s := successes[0]
	if s.Plan != planPath {
		t.Errorf("success plan = %q, want %q", s.Plan, planPath)
	}
	if strings.TrimSpace(s.WhyItWorked) == "" {
		t.Error("whyItWorked empty on the completing success")
	}
}

func TestAdvisorSeesPriorIterationFiles(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxIterations = 2
	planPath := writePlan(t, "- [ ] ship the exporter\n")

	worker := workerFunc(func(_ context.Context, _ Request) (Report, error) {
		return Report{
			Approach: "ship the exporter",
			Files:    []string{"internal/export/export.go"},
		}, nil
	})
	deps := testDeps(t, cfg, failChecks, worker)

	// A failure whose wording shares nothing with the plan, so only the
	// file-overlap signal can surface it.
	if err := deps.Store.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	_, err := deps.Store.AppendFailure(memory.FailureEntry{
		Plan:       "plans/old.md",
		Iteration:  1,
		Approach:   "tune collector pauses",
		Files:      []string{"internal/export/export.go"},
		Errors:     []string{"latency_test.go:9: p99 over budget"},
		RootCause:  "batching amplified pause times under load",
		Prevention: "cap batch size before tuning anything else",
		Category:   memory.CategoryTest,
	})
	if err != nil {
		t.Fatalf("AppendFailure failed: %v", err)
	}

	l, err := New(Options{Config: cfg, PlanPath: planPath}, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var first, second *Event
	for _, e := range drainEvents(l) {
		if e.Type != EventAdvisory {
			continue
		}
		e := e
		switch e.Iteration {
		case 1:
			first = &e
		case 2:
			second = &e
		}
	}
	if first != nil {
		t.Errorf("advisory on iteration 1 before any files were reported: %+v", first.Advisory)
	}
	if second == nil {
		t.Fatal("no advisory on iteration 2")
	}
	var sawSeed bool
	for _, f := range second.Advisory.MatchedFailures {
		if f.Approach == "tune collector pauses" {
			sawSeed = true
		}
	}
	if !sawSeed {
		t.Errorf("file-overlap failure not surfaced: %+v", second.Advisory.MatchedFailures)
	}
}

func TestStartInitializesIterationCounter(t *testing.T) {
	cfg := testConfig(t)
	planPath := writePlan(t, "- [ ] a task\n")
	deps := testDeps(t, cfg, passChecks, nil)

	l, err := New(Options{Config: cfg, PlanPath: planPath}, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// An active run is always on iteration >= 1.
	if l.RunState().Iteration != 1 {
		t.Errorf("iteration = %d, want 1", l.RunState().Iteration)
	}
	rs, err := state.Load(cfg.StatePath())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rs.Iteration != 1 {
		t.Errorf("persisted iteration = %d, want 1", rs.Iteration)
	}
}

func TestRunAbortsAtIterationBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxIterations = 2
	planPath := writePlan(t, "- [ ] impossible task\n")

	noop := workerFunc(func(_ context.Context, _ Request) (Report, error) {
		return Report{Approach: "retry the impossible task"}, nil
	})
	l, err := New(Options{Config: cfg, PlanPath: planPath}, testDeps(t, cfg, failChecks, noop))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if l.Status() != StateAborted {
		t.Fatalf("status = %s, want ABORTED", l.Status())
	}

	// Run state survives as the diagnostic hand-off.
	rs, err := state.Load(cfg.StatePath())
	if err != nil {
		t.Fatalf("state after abort: %v", err)
	}
	if rs.Iteration != 2 {
		t.Errorf("iteration = %d, want 2", rs.Iteration)
	}

	diag, err := os.ReadFile(filepath.Join(cfg.RunRoot, "diagnostic.md"))
	if err != nil {
		t.Fatalf("diagnostic not written: %v", err)
	}
	text := string(diag)
	if !strings.Contains(text, "impossible task") {
		t.Errorf("diagnostic missing open tasks:\n%s", text)
	}
	if !strings.Contains(text, "test: FAIL") {
		t.Errorf("diagnostic missing failing checks:\n%s", text)
	}
	if !strings.Contains(text, "Recorded Failures") {
		t.Errorf("diagnostic missing failure history:\n%s", text)
	}
}

func TestRunDoesNotCompleteWithFailingChecks(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxIterations = 2
	planPath := writePlan(t, "- [ ] task one\n")

	// All boxes get checked, but validation never passes.
	l, err := New(Options{Config: cfg, PlanPath: planPath}, testDeps(t, cfg, failChecks, checkOneTask(t, planPath)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// Checked boxes alone never complete a run; validation must pass too.
	if l.Status() != StateAborted {
		t.Errorf("status = %s, want ABORTED", l.Status())
	}
}

func TestRunRecordsFailuresToMemory(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxIterations = 1
	planPath := writePlan(t, "- [ ] flaky feature\n")

	noop := workerFunc(func(_ context.Context, _ Request) (Report, error) {
		return Report{
			Approach:   "patch the feature in place",
			RootCause:  "the handler drops the second event of a batch",
			Prevention: "iterate the batch by index, not by range copy",
		}, nil
	})
	deps := testDeps(t, cfg, failChecks, noop)
	l, err := New(Options{Config: cfg, PlanPath: planPath}, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	failures, err := deps.Store.Failures()
	if err != nil {
		t.Fatalf("Failures failed: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(failures))
	}
	f := failures[0]
	if f.RootCause != "the handler drops the second event of a batch" {
		t.Errorf("rootCause = %q", f.RootCause)
	}
	if f.Iteration != 1 || f.Plan != planPath {
		t.Errorf("failure = %+v", f)
	}
	if len(f.Errors) == 0 || !strings.Contains(f.Errors[0], "assert failed") {
		t.Errorf("errors = %v", f.Errors)
	}

	decisions, err := deps.Store.Decisions()
	if err != nil {
		t.Fatalf("Decisions failed: %v", err)
	}
	if len(decisions) != 1 {
		t.Errorf("got %d decisions, want 1", len(decisions))
	}
}

func TestStartCompilesWorkingContext(t *testing.T) {
	cfg := testConfig(t)
	planPath := writePlan(t, "- [ ] first task\n")

	deps := testDeps(t, cfg, passChecks, nil)
	l, err := New(Options{Config: cfg, PlanPath: planPath}, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	wc, err := deps.Store.WorkingContext()
	if err != nil {
		t.Fatalf("WorkingContext failed: %v", err)
	}
	if wc.SessionID == "" {
		t.Error("sessionId not set")
	}
	if wc.ActiveFeature != "feature" {
		t.Errorf("activeFeature = %q", wc.ActiveFeature)
	}
	if !strings.Contains(wc.CurrentTask, "first task") {
		t.Errorf("currentTask = %q", wc.CurrentTask)
	}
	if len(wc.CompilationLog) == 0 {
		t.Error("compilation log empty")
	}
}

func TestStartMissingPlanIsConfigurationError(t *testing.T) {
	cfg := testConfig(t)
	deps := testDeps(t, cfg, passChecks, nil)

	l, err := New(Options{Config: cfg, PlanPath: filepath.Join(t.TempDir(), "gone.md")}, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = l.Start(context.Background())
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Errorf("err = %v, want ConfigurationError", err)
	}
}

func TestStartPRDWithNoEligiblePhase(t *testing.T) {
	cfg := testConfig(t)
	prdPath := writePlan(t, `## Phase 1: Base
Status: pending
Dependencies: Phase 2

## Phase 2: Top
Status: pending
Dependencies: Phase 1
`)
	deps := testDeps(t, cfg, passChecks, nil)
	l, err := New(Options{Config: cfg, PlanPath: prdPath, InputType: plan.InputPRD}, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = l.Start(context.Background())
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
	if !errors.Is(err, plan.ErrNoEligiblePhase) {
		t.Errorf("err = %v, want wrapped ErrNoEligiblePhase", err)
	}
}

func TestRunPRDPhaseCompletesWithoutMovingFile(t *testing.T) {
	cfg := testConfig(t)
	prdPath := writePlan(t, `## Phase 1: API
Status: pending
Dependencies: none

- [ ] expose the endpoints

## Phase 2: UI
Status: pending
Dependencies: Phase 1

- [ ] build the views
`)
	deps := testDeps(t, cfg, passChecks, checkOneTask(t, prdPath))
	l, err := New(Options{Config: cfg, PlanPath: prdPath, InputType: plan.InputPRD}, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if l.RunState().Phase != "Phase 1" {
		t.Fatalf("phase = %q, want Phase 1", l.RunState().Phase)
	}
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if l.Status() != StateComplete {
		t.Fatalf("status = %s, want COMPLETE", l.Status())
	}
	// The PRD stays put: Phase 2 is still pending.
	if _, err := os.Stat(prdPath); err != nil {
		t.Errorf("PRD moved away: %v", err)
	}
}

func TestStartRejectsSecondRunOnDifferentPlan(t *testing.T) {
	cfg := testConfig(t)
	first := writePlan(t, "- [ ] a task\n")
	second := writePlan(t, "- [ ] another task\n")

	rs := &state.RunState{
		RunID:         "existing",
		MaxIterations: 5,
		PlanPath:      first,
		InputType:     plan.InputPlan,
	}
	if err := state.Save(cfg.StatePath(), rs); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	deps := testDeps(t, cfg, passChecks, nil)
	l, err := New(Options{Config: cfg, PlanPath: second}, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := l.Start(context.Background()); !errors.Is(err, ErrRunActive) {
		t.Errorf("err = %v, want ErrRunActive", err)
	}
}

func TestStartResumesExistingRun(t *testing.T) {
	cfg := testConfig(t)
	planPath := writePlan(t, "- [ ] a task\n")

	rs := &state.RunState{
		RunID:         "resume-me",
		Iteration:     3,
		MaxIterations: 5,
		PlanPath:      planPath,
		InputType:     plan.InputPlan,
	}
	if err := state.Save(cfg.StatePath(), rs); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	deps := testDeps(t, cfg, passChecks, nil)
	l, err := New(Options{Config: cfg, PlanPath: planPath}, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if l.RunState().RunID != "resume-me" || l.RunState().Iteration != 3 {
		t.Errorf("resumed state = %+v", l.RunState())
	}
}

func TestTransitionGuards(t *testing.T) {
	cfg := testConfig(t)
	planPath := writePlan(t, "- [ ] a task\n")
	deps := testDeps(t, cfg, passChecks, nil)

	l, err := New(Options{Config: cfg, PlanPath: planPath}, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Run before Start is an illegal transition.
	if err := l.Run(context.Background()); !errors.Is(err, ErrInvariant) {
		t.Errorf("Run before Start: err = %v, want ErrInvariant", err)
	}

	l2, err := New(Options{Config: cfg, PlanPath: planPath}, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := l2.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := l2.Start(context.Background()); !errors.Is(err, ErrInvariant) {
		t.Errorf("second Start: err = %v, want ErrInvariant", err)
	}
}

func TestNewValidatesDeps(t *testing.T) {
	cfg := testConfig(t)

	_, err := New(Options{Config: cfg, PlanPath: "plan.md"}, Deps{})
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Errorf("err = %v, want ConfigurationError", err)
	}

	if _, err := New(Options{PlanPath: "plan.md"}, Deps{}); err == nil {
		t.Error("nil config accepted")
	}
}
