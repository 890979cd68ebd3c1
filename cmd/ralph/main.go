// Package main is the entry point for the ralph CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/prpkit/ralph/internal/advisor"
	"github.com/prpkit/ralph/internal/checks"
	"github.com/prpkit/ralph/internal/config"
	"github.com/prpkit/ralph/internal/gate"
	"github.com/prpkit/ralph/internal/journal"
	"github.com/prpkit/ralph/internal/log"
	"github.com/prpkit/ralph/internal/loop"
	"github.com/prpkit/ralph/internal/memory"
	"github.com/prpkit/ralph/internal/plan"
	"github.com/prpkit/ralph/internal/recorder"
	"github.com/prpkit/ralph/internal/state"
	"github.com/prpkit/ralph/internal/tui"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "ralph",
		Short: "Ralph drives iterative plan-based development loops",
		Long: `Ralph runs the Ralph Loop: iterate over a plan or PRD, validate each
iteration with the declared checks, and record what worked and what failed
into a persistent memory store so later iterations avoid repeating mistakes.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetDebug(debug)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd(&configPath))
	rootCmd.AddCommand(initCmd(&configPath))
	rootCmd.AddCommand(statusCmd(&configPath))
	rootCmd.AddCommand(cancelCmd(&configPath))
	rootCmd.AddCommand(adviseCmd(&configPath))
	rootCmd.AddCommand(hookCmd(&configPath))

	return rootCmd.Execute()
}

// loadConfig loads configuration from the given path or the standard
// location.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

func runCmd(configPath *string) *cobra.Command {
	var (
		useTUI        bool
		asPlan        bool
		asPRD         bool
		maxIterations int
		workDir       string
	)

	cmd := &cobra.Command{
		Use:   "run <plan-or-prd>",
		Short: "Run the loop over a plan or PRD file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if asPlan && asPRD {
				return errors.New("--plan and --prd are mutually exclusive")
			}

			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			var inputType plan.InputType
			if asPlan {
				inputType = plan.InputPlan
			}
			if asPRD {
				inputType = plan.InputPRD
			}

			store := memory.New(cfg.MemoryDir)
			j, err := journal.Open(cfg.JournalPath())
			if err != nil {
				return err
			}
			defer func() { log.CloseError("journal", j.Close()) }()

			l, err := loop.New(loop.Options{
				Config:        cfg,
				PlanPath:      args[0],
				InputType:     inputType,
				WorkDir:       workDir,
				MaxIterations: maxIterations,
			}, loop.Deps{
				Store: store,
				Advisor: advisor.New(store, advisor.Options{
					KeywordThreshold: cfg.Advisor.KeywordThreshold,
					MaxMatches:       cfg.Advisor.MaxMatches,
				}),
				Recorder: recorder.New(store),
				Checks:   checks.NewRunner(cfg.Checks, workDir),
				Journal:  j,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := l.Start(ctx); err != nil {
				return err
			}

			if useTUI {
				return runWithTUI(ctx, l, args[0])
			}
			return runHeadless(ctx, l)
		},
	}

	cmd.Flags().BoolVar(&useTUI, "tui", false, "Render live progress in a TUI")
	cmd.Flags().BoolVar(&asPlan, "plan", false, "Treat the input as a plan file")
	cmd.Flags().BoolVar(&asPRD, "prd", false, "Treat the input as a PRD file")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Override the configured iteration budget")
	cmd.Flags().StringVar(&workDir, "dir", ".", "Directory where validation checks run")
	return cmd
}

// runHeadless drains loop events to the logger while the loop runs.
func runHeadless(ctx context.Context, l *loop.Loop) error {
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx)
	}()

	for event := range l.Events() {
		switch event.Type {
		case loop.EventError:
			log.Error(event.Message)
		case loop.EventAdvisory:
			if event.Advisory != nil {
				log.Info("advisory",
					"failures", len(event.Advisory.MatchedFailures),
					"successes", len(event.Advisory.MatchedSuccesses),
					"patterns", len(event.Advisory.MatchedPatterns))
			}
		default:
			log.Info(event.Message, "iteration", event.Iteration)
		}
	}
	return <-done
}

// runWithTUI renders loop events in the Bubble Tea progress view.
func runWithTUI(ctx context.Context, l *loop.Loop, planPath string) error {
	var tasks []plan.Task
	if p, err := plan.LoadPlan(planPath); err == nil {
		tasks = p.Tasks
	}

	maxIter := 0
	if rs := l.RunState(); rs != nil {
		maxIter = rs.MaxIterations
	}
	model := tui.NewRunModel(filepath.Base(planPath), tasks, maxIter, l.Events())
	program := tea.NewProgram(model, tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		err := l.Run(ctx)
		done <- err
	}()

	if _, err := program.Run(); err != nil {
		return err
	}
	return <-done
}

func initCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the memory store and run directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.RunRoot, 0o755); err != nil {
				return fmt.Errorf("failed to create run root: %w", err)
			}
			if err := memory.New(cfg.MemoryDir).Initialize(); err != nil {
				return err
			}
			log.Info("initialized", "run_root", cfg.RunRoot, "memory", cfg.MemoryDir)
			return nil
		},
	}
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active run and the latest journaled history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			rs, err := state.Load(cfg.StatePath())
			switch {
			case err == nil:
				fmt.Printf("Active run %s\n", rs.RunID)
				fmt.Printf("  plan:      %s\n", rs.PlanPath)
				if rs.Phase != "" {
					fmt.Printf("  phase:     %s\n", rs.Phase)
				}
				fmt.Printf("  iteration: %d/%d\n", rs.Iteration, rs.MaxIterations)
				if latest := rs.LatestValidation(); len(latest) > 0 {
					fmt.Println("  latest validation:")
					for name, result := range latest {
						fmt.Printf("    %s: %s\n", name, result)
					}
				}
			case errors.Is(err, state.ErrNotFound):
				fmt.Println("No active run")
			default:
				return err
			}

			j, err := journal.Open(cfg.JournalPath())
			if err != nil {
				return err
			}
			defer func() { log.CloseError("journal", j.Close()) }()

			last, err := j.LatestRun()
			if errors.Is(err, journal.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("\nLast journaled run %s (%s)\n", last.ID, last.Status)
			iterations, err := j.IterationsForRun(last.ID)
			if err != nil {
				return err
			}
			fmt.Printf("  iterations: %d\n", len(iterations))
			records, err := j.ChecksForRun(last.ID)
			if err != nil {
				return err
			}
			failed := 0
			for _, rec := range records {
				if rec.Status == state.CheckFail {
					failed++
				}
			}
			fmt.Printf("  checks: %d run, %d failed\n", len(records), failed)
			return nil
		},
	}
}

func cancelCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the active run and clear its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			rs, err := state.Load(cfg.StatePath())
			if errors.Is(err, state.ErrNotFound) {
				fmt.Println("No active run")
				return nil
			}
			if err != nil {
				return err
			}

			if err := state.Delete(cfg.StatePath()); err != nil {
				return err
			}

			j, err := journal.Open(cfg.JournalPath())
			if err == nil {
				defer func() { log.CloseError("journal", j.Close()) }()
				if err := j.FinishRun(rs.RunID, journal.RunCancelled); err != nil && !errors.Is(err, journal.ErrNotFound) {
					log.Warn("failed to journal cancellation", "error", err)
				}
			}

			fmt.Printf("Cancelled run %s at iteration %d\n", rs.RunID, rs.Iteration)
			return nil
		},
	}
}

func adviseCmd(configPath *string) *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:   "advise <approach>",
		Short: "Check a proposed approach against recorded memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			store := memory.New(cfg.MemoryDir)
			if err := store.Initialize(); err != nil {
				return err
			}
			adv := advisor.New(store, advisor.Options{
				KeywordThreshold: cfg.Advisor.KeywordThreshold,
				MaxMatches:       cfg.Advisor.MaxMatches,
			})

			advisory, err := adv.CheckApproach(strings.Join(args, " "), files)
			if err != nil {
				return err
			}

			if advisory.Empty() {
				fmt.Println("No relevant memory for this approach.")
				return nil
			}
			for _, f := range advisory.MatchedFailures {
				fmt.Printf("FAILED BEFORE %s: %s\n  prevention: %s\n", f.ID, f.Approach, f.Prevention)
			}
			for _, s := range advisory.MatchedSuccesses {
				fmt.Printf("WORKED BEFORE %s: %s\n  why: %s\n", s.ID, s.Approach, s.WhyItWorked)
			}
			for _, p := range advisory.MatchedPatterns {
				fmt.Printf("PATTERN %s: %s\n", p.ID, p.Description)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&files, "file", nil, "Target file for path matching (repeatable)")
	return cmd
}

func hookCmd(configPath *string) *cobra.Command {
	hook := &cobra.Command{
		Use:   "hook",
		Short: "Hook entry points for the external driver",
	}

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop-hook completion gate",
		Long: `Validate the artifact named by the sentinel file. Prints a block
decision as JSON when required sections are missing; prints nothing and
exits zero when the artifact is complete or no sentinel exists.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			decision, err := gate.CheckSentinel(cfg.SentinelPath(), cfg.RequiredSections)
			if err != nil {
				return err
			}
			if decision.Allows() {
				return nil
			}
			data, err := decision.JSON()
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}

	hook.AddCommand(stop)
	return hook
}
