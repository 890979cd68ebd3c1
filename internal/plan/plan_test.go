package plan

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestParseTasks(t *testing.T) {
	content := `# Feature

## Implementation Tasks

- [ ] add the config field
- [x] write the parser
* [X] wire the parser into the loop
- not a task
  - [ ] indented task
`
	tasks := ParseTasks(content)
	if len(tasks) != 4 {
		t.Fatalf("got %d tasks, want 4", len(tasks))
	}
	if tasks[0].Done || tasks[0].Text != "add the config field" {
		t.Errorf("task 0 = %+v", tasks[0])
	}
	if !tasks[1].Done {
		t.Errorf("lowercase x not treated as done: %+v", tasks[1])
	}
	if !tasks[2].Done {
		t.Errorf("uppercase X not treated as done: %+v", tasks[2])
	}
	if tasks[3].Text != "indented task" {
		t.Errorf("task 3 = %+v", tasks[3])
	}
}

func TestParseTasksIgnoresCodeBlocks(t *testing.T) {
	content := "- [ ] real task\n\n```markdown\n- [ ] example task inside a fence\n```\n\n- [ ] another real task\n"
	tasks := ParseTasks(content)
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2 (fenced checkbox must be ignored)", len(tasks))
	}
}

func TestAllTasksDone(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"all checked", "- [x] one\n- [x] two\n", true},
		{"one unchecked", "- [x] one\n- [ ] two\n", false},
		{"no checkboxes", "# just prose\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Plan{Content: tt.content, Tasks: ParseTasks(tt.content)}
			if got := p.AllTasksDone(); got != tt.want {
				t.Errorf("AllTasksDone = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemainingPreservesOrder(t *testing.T) {
	content := "- [x] done first\n- [ ] open first\n- [x] done second\n- [ ] open second\n"
	p := &Plan{Content: content, Tasks: ParseTasks(content)}
	remaining := p.Remaining()
	if len(remaining) != 2 {
		t.Fatalf("got %d remaining, want 2", len(remaining))
	}
	if remaining[0].Text != "open first" || remaining[1].Text != "open second" {
		t.Errorf("remaining order wrong: %+v", remaining)
	}
}

func TestReloadPicksUpEdits(t *testing.T) {
	path := writeTempFile(t, "plan.md", "- [ ] task one\n- [ ] task two\n")
	p, err := LoadPlan(path)
	if err != nil {
		t.Fatalf("LoadPlan failed: %v", err)
	}
	if len(p.Remaining()) != 2 {
		t.Fatalf("remaining = %d, want 2", len(p.Remaining()))
	}

	if err := os.WriteFile(path, []byte("- [x] task one\n- [ ] task two\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := p.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if len(p.Remaining()) != 1 {
		t.Errorf("remaining after reload = %d, want 1", len(p.Remaining()))
	}
}

const samplePRD = `# Product

## Phase 1: Data Layer
Status: complete
Dependencies: none

- [x] define the schema

## Phase 2: API
**Status**: pending
**Dependencies**: Phase 1

- [ ] expose the endpoints

## Phase 3: UI
Status: pending
Dependencies: Phase 2

- [ ] build the views
`

func TestLoadPRDParsesPhases(t *testing.T) {
	path := writeTempFile(t, "prd.md", samplePRD)
	prd, err := LoadPRD(path)
	if err != nil {
		t.Fatalf("LoadPRD failed: %v", err)
	}
	if len(prd.Phases) != 3 {
		t.Fatalf("got %d phases, want 3", len(prd.Phases))
	}

	first := prd.Phases[0]
	if first.Label != "Phase 1" || first.Title != "Data Layer" {
		t.Errorf("phase 1 = %+v", first)
	}
	if first.Status != PhaseComplete {
		t.Errorf("phase 1 status = %q", first.Status)
	}
	if len(first.Dependencies) != 0 {
		t.Errorf("phase 1 dependencies = %v, want none", first.Dependencies)
	}

	second := prd.Phases[1]
	if second.Status != PhasePending {
		t.Errorf("bold status line not parsed: %q", second.Status)
	}
	if len(second.Dependencies) != 1 || second.Dependencies[0] != "Phase 1" {
		t.Errorf("phase 2 dependencies = %v", second.Dependencies)
	}
}

func TestNextEligiblePhase(t *testing.T) {
	path := writeTempFile(t, "prd.md", samplePRD)
	prd, err := LoadPRD(path)
	if err != nil {
		t.Fatalf("LoadPRD failed: %v", err)
	}

	phase, err := prd.NextEligiblePhase()
	if err != nil {
		t.Fatalf("NextEligiblePhase failed: %v", err)
	}
	// Phase 2 is the first pending phase whose dependencies are complete;
	// Phase 3 waits on Phase 2.
	if phase.Label != "Phase 2" {
		t.Errorf("selected %s, want Phase 2", phase.Label)
	}
}

func TestNextEligiblePhaseNoneEligible(t *testing.T) {
	content := `## Phase 1: Base
Status: pending
Dependencies: Phase 2

## Phase 2: Top
Status: pending
Dependencies: Phase 1
`
	path := writeTempFile(t, "prd.md", content)
	prd, err := LoadPRD(path)
	if err != nil {
		t.Fatalf("LoadPRD failed: %v", err)
	}
	if _, err := prd.NextEligiblePhase(); !errors.Is(err, ErrNoEligiblePhase) {
		t.Errorf("err = %v, want ErrNoEligiblePhase", err)
	}
}

func TestPhaseContentCarriesTasks(t *testing.T) {
	path := writeTempFile(t, "prd.md", samplePRD)
	prd, err := LoadPRD(path)
	if err != nil {
		t.Fatalf("LoadPRD failed: %v", err)
	}
	phase, err := prd.NextEligiblePhase()
	if err != nil {
		t.Fatalf("NextEligiblePhase failed: %v", err)
	}
	tasks := ParseTasks(phase.Content)
	if len(tasks) != 1 || tasks[0].Text != "expose the endpoints" {
		t.Errorf("phase tasks = %+v", tasks)
	}
}

func TestMaskCodeBlocksPreservesLength(t *testing.T) {
	input := "before\n```go\ncode here\n```\nafter"
	masked := maskCodeBlocks(input)
	if len(masked) != len(input) {
		t.Fatalf("masked length %d, want %d", len(masked), len(input))
	}
	if masked == input {
		t.Error("code block content not masked")
	}
}

func TestMaskCodeBlocksUnclosedFence(t *testing.T) {
	input := "- [ ] real\n```\n- [ ] hidden\n"
	tasks := ParseTasks(input)
	if len(tasks) != 1 {
		t.Errorf("got %d tasks, want 1 (unclosed fence masks to end)", len(tasks))
	}
}
