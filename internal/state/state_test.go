package state

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prpkit/ralph/internal/plan"
)

func sampleState() *RunState {
	started := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	return &RunState{
		RunID:         "3f1c9a2e-0000-0000-0000-000000000001",
		Iteration:     2,
		MaxIterations: 10,
		PlanPath:      "plans/search.md",
		InputType:     plan.InputPlan,
		StartedAt:     started,
		CodebasePatterns: []string{
			"handlers return explicit status codes",
			"all times are UTC",
		},
		ProgressLog: []IterationEntry{
			{
				Timestamp:      started.Add(10 * time.Minute),
				CompletedTasks: []string{"define the index schema"},
				ValidationStatus: map[string]CheckResult{
					"test": CheckFail,
					"lint": CheckPass,
				},
				Learnings: []string{"index rebuild must be async"},
				NextSteps: []string{"move rebuild to a worker"},
			},
			{
				Timestamp:      started.Add(25 * time.Minute),
				CompletedTasks: []string{"move rebuild to a worker"},
				ValidationStatus: map[string]CheckResult{
					"test": CheckPass,
					"lint": CheckPass,
				},
			},
		},
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	original := sampleState()
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got.RunID != original.RunID {
		t.Errorf("runID = %q", got.RunID)
	}
	if got.Iteration != original.Iteration || got.MaxIterations != original.MaxIterations {
		t.Errorf("counters = %d/%d", got.Iteration, got.MaxIterations)
	}
	if got.PlanPath != original.PlanPath || got.InputType != original.InputType {
		t.Errorf("plan = %q (%s)", got.PlanPath, got.InputType)
	}
	if !got.StartedAt.Equal(original.StartedAt) {
		t.Errorf("startedAt = %v", got.StartedAt)
	}
	if len(got.CodebasePatterns) != 2 {
		t.Fatalf("patterns = %v", got.CodebasePatterns)
	}
	if len(got.ProgressLog) != 2 {
		t.Fatalf("progress log has %d entries, want 2", len(got.ProgressLog))
	}

	first := got.ProgressLog[0]
	if first.ValidationStatus["test"] != CheckFail || first.ValidationStatus["lint"] != CheckPass {
		t.Errorf("first validation = %v", first.ValidationStatus)
	}
	if len(first.CompletedTasks) != 1 || first.CompletedTasks[0] != "define the index schema" {
		t.Errorf("first completed = %v", first.CompletedTasks)
	}
	if len(first.Learnings) != 1 || len(first.NextSteps) != 1 {
		t.Errorf("first lists = %v / %v", first.Learnings, first.NextSteps)
	}
}

func TestMarshalLayout(t *testing.T) {
	data, err := Marshal(sampleState())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	text := string(data)

	if !strings.HasPrefix(text, "---\n") {
		t.Error("missing front matter opening")
	}
	for _, want := range []string{
		"## Codebase Patterns",
		"## Progress Log",
		"### Iteration 1 |",
		"### Iteration 2 |",
		"- test: FAIL",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("marshaled state missing %q", want)
		}
	}
}

func TestSaveLoadDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ralph.state.md")

	if _, err := Load(path); !errors.Is(err, ErrNotFound) {
		t.Errorf("load of missing file: err = %v, want ErrNotFound", err)
	}

	original := sampleState()
	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.RunID != original.RunID {
		t.Errorf("runID = %q", got.RunID)
	}

	if err := Delete(path); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrNotFound) {
		t.Errorf("load after delete: err = %v, want ErrNotFound", err)
	}

	// Deleting again is not an error.
	if err := Delete(path); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestAppendIterationStampsTimestamp(t *testing.T) {
	r := &RunState{}
	r.AppendIteration(IterationEntry{CompletedTasks: []string{"a task"}})
	if len(r.ProgressLog) != 1 {
		t.Fatalf("progress log = %d entries", len(r.ProgressLog))
	}
	if r.ProgressLog[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestAddPatternSkipsDuplicates(t *testing.T) {
	r := &RunState{}
	r.AddPattern("errors wrap with %w")
	r.AddPattern("errors wrap with %w")
	r.AddPattern("  ")
	if len(r.CodebasePatterns) != 1 {
		t.Errorf("patterns = %v", r.CodebasePatterns)
	}
}

func TestLatestValidation(t *testing.T) {
	r := &RunState{}
	if r.LatestValidation() != nil {
		t.Error("latest validation of empty log should be nil")
	}
	r.AppendIteration(IterationEntry{ValidationStatus: map[string]CheckResult{"test": CheckFail}})
	r.AppendIteration(IterationEntry{ValidationStatus: map[string]CheckResult{"test": CheckPass}})
	if r.LatestValidation()["test"] != CheckPass {
		t.Errorf("latest validation = %v", r.LatestValidation())
	}
}

func TestUnmarshalRejectsMissingFrontMatter(t *testing.T) {
	if _, err := Unmarshal([]byte("## Progress Log\n")); err == nil {
		t.Error("missing front matter accepted")
	}
	if _, err := Unmarshal([]byte("---\nrun_id: x\n")); err == nil {
		t.Error("unterminated front matter accepted")
	}
}
