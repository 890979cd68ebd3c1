package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WorkflowSummary is the machine-readable run summary written into the
// archive directory alongside the state and report.
type WorkflowSummary struct {
	RunID      string             `json:"run_id"`
	PlanPath   string             `json:"plan_path"`
	InputType  string             `json:"input_type"`
	Phase      string             `json:"phase,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	ArchivedAt time.Time          `json:"archived_at"`
	Iterations []IterationSummary `json:"iterations"`
	Completed  bool               `json:"completed"`
}

// IterationSummary is one row of the workflow summary.
type IterationSummary struct {
	Iteration int                    `json:"iteration"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Archive writes the run's state, plan, completion report, and workflow
// summary under a date/plan-keyed directory and returns that directory.
func Archive(archiveDir string, r *RunState, planContent, report string, completed bool) (string, error) {
	key := fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102"), planKey(r.PlanPath))
	dir := filepath.Join(archiveDir, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	stateData, err := Marshal(r)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "ralph.state.md"), stateData, 0o644); err != nil {
		return "", fmt.Errorf("failed to archive state: %w", err)
	}

	planName := filepath.Base(r.PlanPath)
	if planName == "" || planName == "." {
		planName = "plan.md"
	}
	if err := os.WriteFile(filepath.Join(dir, planName), []byte(planContent), 0o644); err != nil {
		return "", fmt.Errorf("failed to archive plan: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "report.md"), []byte(report), 0o644); err != nil {
		return "", fmt.Errorf("failed to archive report: %w", err)
	}

	summary := WorkflowSummary{
		RunID:      r.RunID,
		PlanPath:   r.PlanPath,
		InputType:  string(r.InputType),
		Phase:      r.Phase,
		StartedAt:  r.StartedAt,
		ArchivedAt: time.Now().UTC(),
		Completed:  completed,
	}
	for i, entry := range r.ProgressLog {
		summary.Iterations = append(summary.Iterations, IterationSummary{
			Iteration: i + 1,
			Timestamp: entry.Timestamp,
			Checks:    entry.ValidationStatus,
		})
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "workflow_summary.json"), append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("failed to archive workflow summary: %w", err)
	}

	return dir, nil
}

// MovePlan relocates a finished plan file into the completed area. A plan
// that no longer exists at its origin is not an error.
func MovePlan(planPath, completedDir string) (string, error) {
	if _, err := os.Stat(planPath); os.IsNotExist(err) {
		return "", nil
	}
	if err := os.MkdirAll(completedDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create completed directory: %w", err)
	}
	dest := filepath.Join(completedDir, filepath.Base(planPath))
	if err := os.Rename(planPath, dest); err != nil {
		// Cross-device rename falls back to copy+remove.
		data, readErr := os.ReadFile(planPath)
		if readErr != nil {
			return "", fmt.Errorf("failed to move plan: %w", err)
		}
		if writeErr := os.WriteFile(dest, data, 0o644); writeErr != nil {
			return "", fmt.Errorf("failed to move plan: %w", writeErr)
		}
		if rmErr := os.Remove(planPath); rmErr != nil {
			return "", fmt.Errorf("failed to remove original plan: %w", rmErr)
		}
	}
	return dest, nil
}

// planKey derives a filesystem-safe archive key from the plan path.
func planKey(planPath string) string {
	base := filepath.Base(planPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." {
		return "run"
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
