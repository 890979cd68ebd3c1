// Package checks runs the declared validation sequence for a plan.
//
// Validations run in their declared order, and every declared check runs
// every iteration regardless of earlier failures, so the progress log always
// carries a complete result map. An early FAIL short-circuits reporting
// decisions elsewhere, never execution here.
package checks

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/prpkit/ralph/internal/config"
	"github.com/prpkit/ralph/internal/log"
	"github.com/prpkit/ralph/internal/state"
)

// Result is the recorded outcome of one check.
type Result struct {
	Name     string
	Status   state.CheckResult
	Output   string
	Duration time.Duration
	Skipped  bool // no command configured
}

// CommandRunner executes a shell command and returns combined output plus
// the run error. Replaceable in tests.
type CommandRunner func(ctx context.Context, dir, command string) (string, error)

// defaultCommandRunner runs the command through the shell, matching how the
// checks are written in config (pipelines, && chains).
func defaultCommandRunner(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	return out.String(), err
}

// Runner executes declared validation checks in a working directory.
type Runner struct {
	checks  []config.CheckConfig
	workDir string
	run     CommandRunner
}

// NewRunner creates a Runner for the declared check sequence.
func NewRunner(checks []config.CheckConfig, workDir string) *Runner {
	return &Runner{
		checks:  checks,
		workDir: workDir,
		run:     defaultCommandRunner,
	}
}

// SetCommandRunner replaces the command runner (for testing).
func (r *Runner) SetCommandRunner(run CommandRunner) {
	r.run = run
}

// RunAll executes every declared check in order and returns all results.
// Checks without a configured command pass as skipped. A context
// cancellation stops the sequence and returns the error; anything else is a
// check outcome, not an error.
func (r *Runner) RunAll(ctx context.Context) ([]Result, error) {
	results := make([]Result, 0, len(r.checks))
	for _, check := range r.checks {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		if strings.TrimSpace(check.Command) == "" {
			log.Debug("check has no command, skipping", "check", check.Name)
			results = append(results, Result{
				Name:    check.Name,
				Status:  state.CheckPass,
				Output:  "skipped: no command configured",
				Skipped: true,
			})
			continue
		}

		start := time.Now()
		output, err := r.run(ctx, r.workDir, check.Command)
		elapsed := time.Since(start)

		status := state.CheckPass
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			status = state.CheckFail
		}

		log.Info("check finished", "check", check.Name, "status", status, "duration", elapsed.Round(time.Millisecond))
		results = append(results, Result{
			Name:     check.Name,
			Status:   status,
			Output:   output,
			Duration: elapsed,
		})
	}
	return results, nil
}

// StatusMap converts results into the validation status map recorded in an
// iteration entry.
func StatusMap(results []Result) map[string]state.CheckResult {
	m := make(map[string]state.CheckResult, len(results))
	for _, res := range results {
		m[res.Name] = res.Status
	}
	return m
}

// Failing returns the names of checks whose latest status is FAIL, in
// declared order.
func Failing(results []Result) []string {
	var failing []string
	for _, res := range results {
		if res.Status == state.CheckFail {
			failing = append(failing, res.Name)
		}
	}
	return failing
}

// AllPass reports whether every result passed.
func AllPass(results []Result) bool {
	for _, res := range results {
		if res.Status != state.CheckPass {
			return false
		}
	}
	return true
}
