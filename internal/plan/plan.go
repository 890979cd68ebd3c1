// Package plan parses plan and PRD markdown files and resolves what the
// loop should work on.
//
// A plan file is any markdown document whose work items are checkbox lines
// ("- [ ]" / "- [x]"). A PRD file is a phased document whose "## Phase N:"
// sections carry Status and Dependencies lines; the loop works one eligible
// phase at a time.
package plan

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// InputType distinguishes the two resolvable input kinds.
type InputType string

const (
	InputPlan InputType = "plan"
	InputPRD  InputType = "prd"
)

// PhaseStatus is the declared status of a PRD phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseComplete   PhaseStatus = "complete"
)

// ErrNoEligiblePhase is returned when a PRD has no pending phase whose
// dependencies are all complete.
var ErrNoEligiblePhase = errors.New("no eligible phase")

// Task is one checkbox work item.
type Task struct {
	Text string
	Done bool
	Line int // 1-based line number in the source document
}

// Plan is a parsed plan document.
type Plan struct {
	Path    string
	Content string
	Tasks   []Task
}

// Phase is one section of a PRD.
type Phase struct {
	Label        string // e.g. "Phase 2"
	Title        string // e.g. "Database Layer"
	Status       PhaseStatus
	Dependencies []string // labels of phases that must be complete first
	Content      string   // full section body, including its task list
}

// PRD is a parsed phased requirements document.
type PRD struct {
	Path   string
	Phases []Phase
}

var (
	taskRe         = regexp.MustCompile(`^\s*[-*] \[([ xX])\] (.+)$`)
	phaseHeaderRe  = regexp.MustCompile(`(?i)^## Phase (\d+):?\s*(.*)$`)
	statusLineRe   = regexp.MustCompile(`(?i)^\*{0,2}Status\*{0,2}:\s*(\S+)`)
	depsLineRe     = regexp.MustCompile(`(?i)^\*{0,2}Dependencies\*{0,2}:\s*(.+)$`)
	phaseLabelRe   = regexp.MustCompile(`(?i)phase\s*(\d+)`)
	noDependencyRe = regexp.MustCompile(`(?i)^(none|-|n/a)$`)
)

// LoadPlan reads and parses a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	content := string(data)
	return &Plan{
		Path:    path,
		Content: content,
		Tasks:   ParseTasks(content),
	}, nil
}

// ParseTasks extracts checkbox tasks from markdown. Checkboxes inside
// fenced code blocks are ignored.
func ParseTasks(content string) []Task {
	masked := maskCodeBlocks(content)
	var tasks []Task
	for i, line := range strings.Split(masked, "\n") {
		m := taskRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		tasks = append(tasks, Task{
			Text: strings.TrimSpace(m[2]),
			Done: m[1] == "x" || m[1] == "X",
			Line: i + 1,
		})
	}
	return tasks
}

// AllTasksDone reports whether every task checkbox is checked. A plan with
// no checkboxes has nothing verifiable, so it counts as not done.
func (p *Plan) AllTasksDone() bool {
	if len(p.Tasks) == 0 {
		return false
	}
	for _, t := range p.Tasks {
		if !t.Done {
			return false
		}
	}
	return true
}

// Remaining returns the unchecked tasks in declaration order. Iteration work
// order follows this order.
func (p *Plan) Remaining() []Task {
	var remaining []Task
	for _, t := range p.Tasks {
		if !t.Done {
			remaining = append(remaining, t)
		}
	}
	return remaining
}

// Reload re-reads the plan file from disk, picking up checkbox edits made
// by the external driver during an iteration.
func (p *Plan) Reload() error {
	fresh, err := LoadPlan(p.Path)
	if err != nil {
		return err
	}
	*p = *fresh
	return nil
}

// LoadPRD reads and parses a PRD file.
func LoadPRD(path string) (*PRD, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PRD file: %w", err)
	}
	return &PRD{
		Path:   path,
		Phases: parsePhases(string(data)),
	}, nil
}

// parsePhases splits a PRD into its phase sections. Headers inside fenced
// code blocks are ignored.
func parsePhases(content string) []Phase {
	masked := maskCodeBlocks(content)
	maskedLines := strings.Split(masked, "\n")
	lines := strings.Split(content, "\n")

	var phases []Phase
	var current *Phase
	var body []string

	flush := func() {
		if current == nil {
			return
		}
		current.Content = strings.TrimSpace(strings.Join(body, "\n"))
		phases = append(phases, *current)
		current = nil
		body = nil
	}

	for i, maskedLine := range maskedLines {
		if m := phaseHeaderRe.FindStringSubmatch(maskedLine); m != nil {
			flush()
			current = &Phase{
				Label:  "Phase " + m[1],
				Title:  strings.TrimSpace(m[2]),
				Status: PhasePending,
			}
			continue
		}
		if current == nil {
			continue
		}
		body = append(body, lines[i])
		trimmed := strings.TrimSpace(maskedLine)
		if m := statusLineRe.FindStringSubmatch(trimmed); m != nil {
			current.Status = PhaseStatus(strings.ToLower(strings.TrimSpace(m[1])))
		} else if m := depsLineRe.FindStringSubmatch(trimmed); m != nil {
			current.Dependencies = parseDependencies(m[1])
		}
	}
	flush()

	return phases
}

// parseDependencies normalizes a Dependencies line into phase labels.
func parseDependencies(raw string) []string {
	raw = strings.TrimSpace(raw)
	if noDependencyRe.MatchString(raw) {
		return nil
	}
	var deps []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if m := phaseLabelRe.FindStringSubmatch(part); m != nil {
			deps = append(deps, "Phase "+m[1])
		} else {
			deps = append(deps, part)
		}
	}
	return deps
}

// NextEligiblePhase selects the first phase in declaration order whose
// status is pending and whose dependencies are all complete. The selection
// is deterministic: identical documents always yield the same phase.
func (d *PRD) NextEligiblePhase() (*Phase, error) {
	status := make(map[string]PhaseStatus, len(d.Phases))
	for _, p := range d.Phases {
		status[p.Label] = p.Status
	}

	for i := range d.Phases {
		p := &d.Phases[i]
		if p.Status != PhasePending {
			continue
		}
		eligible := true
		for _, dep := range p.Dependencies {
			if status[dep] != PhaseComplete {
				eligible = false
				break
			}
		}
		if eligible {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", d.Path, ErrNoEligiblePhase)
}

// maskCodeBlocks replaces content inside fenced code blocks with spaces.
// The returned string has the same length as the input, preserving line and
// index positions for the callers that scan it.
func maskCodeBlocks(s string) string {
	result := []byte(s)
	i := 0

	for i < len(s) {
		if i == 0 || s[i-1] == '\n' {
			if strings.HasPrefix(s[i:], "```") {
				// Skip the opening ``` and any language identifier
				i += 3
				for i < len(s) && s[i] != '\n' {
					i++
				}
				if i < len(s) {
					i++
				}

				codeStart := i
				closed := false
				for i < len(s) {
					if (i == 0 || s[i-1] == '\n') && strings.HasPrefix(s[i:], "```") {
						for j := codeStart; j < i; j++ {
							if result[j] != '\n' {
								result[j] = ' '
							}
						}
						i += 3
						for i < len(s) && s[i] != '\n' {
							i++
						}
						closed = true
						break
					}
					i++
				}
				if !closed {
					for j := codeStart; j < len(s); j++ {
						if result[j] != '\n' {
							result[j] = ' '
						}
					}
				}
				continue
			}
		}
		i++
	}

	return string(result)
}
