// Package state persists the per-run loop state.
//
// State lives in a single ralph.state.md file: YAML front matter for the
// scalar fields, followed by markdown body sections for codebase patterns
// and the progress log. The file is the hand-off artifact between loop
// iterations and the external hook, so it stays human-readable.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prpkit/ralph/internal/plan"
)

// ErrNotFound is returned when no run state file exists.
var ErrNotFound = errors.New("no active run state")

// CheckResult is the outcome of one validation check.
type CheckResult string

const (
	CheckPass CheckResult = "PASS"
	CheckFail CheckResult = "FAIL"
)

// IterationEntry records one loop pass. Entries are append-only: once
// written to the progress log they are never edited.
type IterationEntry struct {
	Timestamp        time.Time
	CompletedTasks   []string
	ValidationStatus map[string]CheckResult
	Learnings        []string
	NextSteps        []string
}

// RunState is the state of one active loop execution. Exactly one RunState
// exists per active loop; it is passed by value into and out of loop
// operations and persisted explicitly at iteration boundaries.
type RunState struct {
	RunID            string
	Iteration        int // current iteration, 1-based for an active run
	MaxIterations    int
	PlanPath         string
	InputType        plan.InputType
	Phase            string // selected PRD phase label, empty for plan input
	StartedAt        time.Time
	CodebasePatterns []string
	ProgressLog      []IterationEntry
}

// frontMatter is the YAML header of ralph.state.md.
type frontMatter struct {
	RunID         string    `yaml:"run_id"`
	Iteration     int       `yaml:"iteration"`
	MaxIterations int       `yaml:"max_iterations"`
	PlanPath      string    `yaml:"plan_path"`
	InputType     string    `yaml:"input_type"`
	Phase         string    `yaml:"phase,omitempty"`
	StartedAt     time.Time `yaml:"started_at"`
}

// AppendIteration records one completed pass in the progress log.
func (r *RunState) AppendIteration(entry IterationEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	r.ProgressLog = append(r.ProgressLog, entry)
}

// AddPattern accumulates a codebase pattern observed during the run,
// skipping duplicates.
func (r *RunState) AddPattern(pattern string) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return
	}
	for _, p := range r.CodebasePatterns {
		if p == pattern {
			return
		}
	}
	r.CodebasePatterns = append(r.CodebasePatterns, pattern)
}

// LatestValidation returns the most recently recorded validation status map,
// or nil if no iteration has completed yet.
func (r *RunState) LatestValidation() map[string]CheckResult {
	if len(r.ProgressLog) == 0 {
		return nil
	}
	return r.ProgressLog[len(r.ProgressLog)-1].ValidationStatus
}

// Load reads run state from path. A missing file maps to ErrNotFound.
func Load(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return Unmarshal(data)
}

// Save atomically writes run state to path.
func Save(path string, r *RunState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := Marshal(r)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Delete removes the run state file. Deleting an already-absent file is not
// an error: cancellation and completion both converge on "no active run".
func Delete(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

// Marshal renders run state as front matter plus body sections.
func Marshal(r *RunState) ([]byte, error) {
	fm := frontMatter{
		RunID:         r.RunID,
		Iteration:     r.Iteration,
		MaxIterations: r.MaxIterations,
		PlanPath:      r.PlanPath,
		InputType:     string(r.InputType),
		Phase:         r.Phase,
		StartedAt:     r.StartedAt,
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state front matter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n\n")

	b.WriteString("## Codebase Patterns\n\n")
	for _, p := range r.CodebasePatterns {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	if len(r.CodebasePatterns) > 0 {
		b.WriteString("\n")
	}

	b.WriteString("## Progress Log\n")
	for i, entry := range r.ProgressLog {
		fmt.Fprintf(&b, "\n### Iteration %d | %s\n", i+1, entry.Timestamp.UTC().Format(time.RFC3339))
		writeList(&b, "Completed", entry.CompletedTasks)
		if len(entry.ValidationStatus) > 0 {
			b.WriteString("\nValidation:\n")
			for _, name := range sortedKeys(entry.ValidationStatus) {
				fmt.Fprintf(&b, "- %s: %s\n", name, entry.ValidationStatus[name])
			}
		}
		writeList(&b, "Learnings", entry.Learnings)
		writeList(&b, "Next steps", entry.NextSteps)
	}

	return []byte(b.String()), nil
}

var iterationHeaderRe = regexp.MustCompile(`^### Iteration (\d+) \| (\S+)$`)

// Unmarshal parses a ralph.state.md document.
func Unmarshal(data []byte) (*RunState, error) {
	content := string(data)
	if !strings.HasPrefix(content, "---\n") {
		return nil, fmt.Errorf("state file missing front matter")
	}
	rest := content[4:]
	end := strings.Index(rest, "\n---\n")
	if end == -1 {
		return nil, fmt.Errorf("state file front matter not terminated")
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &fm); err != nil {
		return nil, fmt.Errorf("failed to parse state front matter: %w", err)
	}

	r := &RunState{
		RunID:         fm.RunID,
		Iteration:     fm.Iteration,
		MaxIterations: fm.MaxIterations,
		PlanPath:      fm.PlanPath,
		InputType:     plan.InputType(fm.InputType),
		Phase:         fm.Phase,
		StartedAt:     fm.StartedAt,
	}

	body := rest[end+5:]
	parseBody(r, body)
	return r, nil
}

// parseBody fills codebase patterns and the progress log from the markdown
// body. The parser is lenient: unknown lines are skipped.
func parseBody(r *RunState, body string) {
	section := ""
	var entry *IterationEntry
	listTarget := ""

	flush := func() {
		if entry != nil {
			r.ProgressLog = append(r.ProgressLog, *entry)
			entry = nil
		}
	}

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "## "):
			flush()
			section = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			listTarget = ""
		case strings.HasPrefix(line, "### "):
			flush()
			if m := iterationHeaderRe.FindStringSubmatch(line); m != nil {
				ts, _ := time.Parse(time.RFC3339, m[2])
				entry = &IterationEntry{
					Timestamp:        ts,
					ValidationStatus: map[string]CheckResult{},
				}
				listTarget = ""
			}
		case section == "Codebase Patterns" && strings.HasPrefix(trimmed, "- "):
			r.CodebasePatterns = append(r.CodebasePatterns, strings.TrimPrefix(trimmed, "- "))
		case entry != nil && strings.HasSuffix(trimmed, ":") && !strings.HasPrefix(trimmed, "- "):
			listTarget = strings.TrimSuffix(trimmed, ":")
		case entry != nil && strings.HasPrefix(trimmed, "- "):
			item := strings.TrimPrefix(trimmed, "- ")
			switch listTarget {
			case "Completed":
				entry.CompletedTasks = append(entry.CompletedTasks, item)
			case "Validation":
				name, result, ok := strings.Cut(item, ": ")
				if ok {
					entry.ValidationStatus[name] = CheckResult(result)
				}
			case "Learnings":
				entry.Learnings = append(entry.Learnings, item)
			case "Next steps":
				entry.NextSteps = append(entry.NextSteps, item)
			}
		}
	}
	flush()
}

// writeList writes a named bullet list if it has any items.
func writeList(b *strings.Builder, name string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", name)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

// sortedKeys returns map keys in lexical order for stable output.
func sortedKeys(m map[string]CheckResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
