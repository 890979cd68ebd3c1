package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prpkit/ralph/internal/advisor"
	"github.com/prpkit/ralph/internal/checks"
	"github.com/prpkit/ralph/internal/config"
	"github.com/prpkit/ralph/internal/journal"
	"github.com/prpkit/ralph/internal/log"
	"github.com/prpkit/ralph/internal/memory"
	"github.com/prpkit/ralph/internal/plan"
	"github.com/prpkit/ralph/internal/recorder"
	"github.com/prpkit/ralph/internal/state"
)

// State is the lifecycle state of a loop.
type State string

const (
	StateInit     State = "INIT"
	StateRunning  State = "RUNNING"
	StateComplete State = "COMPLETE"
	StateAborted  State = "ABORTED"
)

// legalTransitions is the full transition table. CONTINUE is the
// RUNNING -> RUNNING edge; COMPLETE and ABORTED are terminal.
var legalTransitions = map[State][]State{
	StateInit:    {StateRunning},
	StateRunning: {StateRunning, StateComplete, StateAborted},
}

// ErrInvariant is returned when an illegal state transition is attempted,
// including COMPLETE with failing checks or unchecked tasks.
var ErrInvariant = errors.New("illegal loop transition")

// ErrRunActive is returned when Start finds existing run state for a
// different input. Exactly one run may be active at a time.
var ErrRunActive = errors.New("a run is already active")

// ConfigurationError is returned when the loop cannot start: unreadable
// input, no eligible PRD phase, missing dependencies.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Request is what the worker receives for one iteration.
type Request struct {
	Plan      *plan.Plan
	Phase     string // selected PRD phase label, empty for plan input
	Iteration int
	Advisory  advisor.Advisory
}

// Report is what the worker hands back after one iteration's work.
type Report struct {
	Approach    string
	Files       []string
	Learnings   []string
	NextSteps   []string
	Patterns    []string // codebase patterns observed this iteration
	Significant bool     // a pass this iteration is worth a success entry
	WhyItWorked string
	Pattern     string // candidate pattern description on success
	RootCause   string // failure analysis, when the worker can provide one
	Prevention  string
	Category    memory.FailureCategory
}

// Worker performs the implementation step of an iteration. The loop itself
// only orchestrates: resolve input, advise, delegate work, validate, record.
type Worker interface {
	Perform(ctx context.Context, req Request) (Report, error)
}

// manualWorker is the default: the work happens outside the process (a
// human or an external agent editing the plan), so it reports the remaining
// tasks as the approach and nothing else.
type manualWorker struct{}

func (manualWorker) Perform(_ context.Context, req Request) (Report, error) {
	return Report{Approach: approachText(req.Plan)}, nil
}

// Options configures a loop run.
type Options struct {
	Config    *config.Config
	PlanPath  string
	InputType plan.InputType // empty means detect from the document
	WorkDir   string         // where validation checks run; default "."

	// MaxIterations overrides the configured budget when > 0.
	MaxIterations int

	// EventBufferSize sets the event channel capacity; default 64.
	EventBufferSize int
}

// Deps are the collaborators the loop drives.
type Deps struct {
	Store    *memory.Store
	Advisor  *advisor.Advisor
	Recorder *recorder.Recorder
	Checks   *checks.Runner
	Journal  *journal.Journal // optional
	Worker   Worker           // optional, defaults to manualWorker
}

// Loop drives iterations over a plan until completion, abort, or
// cancellation.
type Loop struct {
	opts Options
	deps Deps

	status State
	run    *state.RunState
	plan   *plan.Plan
	phase  *plan.Phase

	// lastFiles is what the previous iteration's worker touched; it gives
	// the advisor's file-overlap signal something to match against.
	lastFiles []string

	events chan Event
}

// New creates a loop in INIT.
func New(opts Options, deps Deps) (*Loop, error) {
	if opts.Config == nil {
		return nil, &ConfigurationError{Reason: "config is required"}
	}
	if opts.PlanPath == "" {
		return nil, &ConfigurationError{Reason: "a plan or PRD path is required"}
	}
	if deps.Store == nil || deps.Advisor == nil || deps.Recorder == nil || deps.Checks == nil {
		return nil, &ConfigurationError{Reason: "store, advisor, recorder, and checks are all required"}
	}
	if deps.Worker == nil {
		deps.Worker = manualWorker{}
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}
	bufSize := opts.EventBufferSize
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Loop{
		opts:   opts,
		deps:   deps,
		status: StateInit,
		events: make(chan Event, bufSize),
	}, nil
}

// Events returns the channel of loop events. The channel is closed when Run
// returns.
func (l *Loop) Events() <-chan Event {
	return l.events
}

// emit sends an event without blocking. Slow consumers lose events rather
// than stalling the loop.
func (l *Loop) emit(e Event) {
	select {
	case l.events <- e:
	default:
	}
}

// Status returns the loop's current lifecycle state.
func (l *Loop) Status() State {
	return l.status
}

// RunState returns the current run state, nil before Start.
func (l *Loop) RunState() *state.RunState {
	return l.run
}

// transition moves the loop to next, enforcing the transition table.
func (l *Loop) transition(next State) error {
	for _, allowed := range legalTransitions[l.status] {
		if allowed == next {
			l.status = next
			return nil
		}
	}
	return fmt.Errorf("%s -> %s: %w", l.status, next, ErrInvariant)
}

// Start performs the INIT -> RUNNING transition: resolve the input
// document, initialize memory, compile the working context, and create or
// resume run state.
func (l *Loop) Start(ctx context.Context) error {
	if l.status != StateInit {
		return fmt.Errorf("start from %s: %w", l.status, ErrInvariant)
	}

	if err := l.resolveInput(); err != nil {
		return err
	}

	if err := l.deps.Store.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize memory: %w", err)
	}

	maxIter := l.opts.Config.MaxIterations
	if l.opts.MaxIterations > 0 {
		maxIter = l.opts.MaxIterations
	}

	statePath := l.opts.Config.StatePath()
	fresh := false
	existing, err := state.Load(statePath)
	switch {
	case err == nil:
		if existing.PlanPath != l.opts.PlanPath {
			return fmt.Errorf("%s is mid-run on %s: %w", statePath, existing.PlanPath, ErrRunActive)
		}
		log.Info("resuming run", "run_id", existing.RunID, "iteration", existing.Iteration)
		l.run = existing
	case errors.Is(err, state.ErrNotFound):
		l.run = &state.RunState{
			RunID:         uuid.NewString(),
			Iteration:     1,
			MaxIterations: maxIter,
			PlanPath:      l.opts.PlanPath,
			InputType:     l.inputType(),
			StartedAt:     time.Now().UTC(),
		}
		if l.phase != nil {
			l.run.Phase = l.phase.Label
		}
		if err := state.Save(statePath, l.run); err != nil {
			return err
		}
		fresh = true
	default:
		return err
	}

	if err := l.compileWorkingContext(); err != nil {
		return err
	}

	if l.deps.Journal != nil && fresh {
		err := l.deps.Journal.CreateRun(&journal.Run{
			ID:        l.run.RunID,
			PlanPath:  l.run.PlanPath,
			InputType: string(l.run.InputType),
			Phase:     l.run.Phase,
			StartedAt: l.run.StartedAt,
		})
		if err != nil {
			log.Warn("failed to journal run start", "error", err)
		}
	}

	if err := l.transition(StateRunning); err != nil {
		return err
	}
	l.emit(NewEvent(EventStarted, l.run.Iteration, l.run.MaxIterations,
		fmt.Sprintf("Run %s started on %s", l.run.RunID, filepath.Base(l.run.PlanPath))))
	return nil
}

// resolveInput loads the plan or PRD and, for a PRD, selects the eligible
// phase and scopes the working plan to its section.
func (l *Loop) resolveInput() error {
	inputType := l.opts.InputType
	if inputType == "" {
		inputType = detectInputType(l.opts.PlanPath)
	}

	switch inputType {
	case plan.InputPlan:
		p, err := plan.LoadPlan(l.opts.PlanPath)
		if err != nil {
			return &ConfigurationError{Reason: "failed to load plan", Err: err}
		}
		l.plan = p
		l.phase = nil
	case plan.InputPRD:
		prd, err := plan.LoadPRD(l.opts.PlanPath)
		if err != nil {
			return &ConfigurationError{Reason: "failed to load PRD", Err: err}
		}
		phase, err := prd.NextEligiblePhase()
		if err != nil {
			return &ConfigurationError{Reason: "cannot select a phase", Err: err}
		}
		l.phase = phase
		l.plan = &plan.Plan{
			Path:    l.opts.PlanPath,
			Content: phase.Content,
			Tasks:   plan.ParseTasks(phase.Content),
		}
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("unknown input type %q", inputType)}
	}
	return nil
}

// detectInputType sniffs the document: phase headers make it a PRD.
func detectInputType(path string) plan.InputType {
	prd, err := plan.LoadPRD(path)
	if err == nil && len(prd.Phases) > 0 {
		return plan.InputPRD
	}
	return plan.InputPlan
}

func (l *Loop) inputType() plan.InputType {
	if l.phase != nil {
		return plan.InputPRD
	}
	return plan.InputPlan
}

// reloadInput re-reads the input document, picking up checkbox edits made
// during the iteration. The PRD phase selected at Start stays selected for
// the whole run.
func (l *Loop) reloadInput() error {
	if l.phase == nil {
		return l.plan.Reload()
	}
	prd, err := plan.LoadPRD(l.opts.PlanPath)
	if err != nil {
		return err
	}
	for i := range prd.Phases {
		if prd.Phases[i].Label == l.phase.Label {
			l.phase = &prd.Phases[i]
			l.plan.Content = l.phase.Content
			l.plan.Tasks = plan.ParseTasks(l.phase.Content)
			return nil
		}
	}
	return fmt.Errorf("phase %s no longer present in %s", l.phase.Label, l.opts.PlanPath)
}

// compileWorkingContext rebuilds working/context.json from the other memory
// documents. The working context is rebuilt in full, never patched.
func (l *Loop) compileWorkingContext() error {
	var compilationLog []string

	decisions, err := l.deps.Store.Decisions()
	if err != nil {
		return err
	}
	if len(decisions) > 10 {
		decisions = decisions[len(decisions)-10:]
	}
	compilationLog = append(compilationLog, fmt.Sprintf("loaded %d recent decisions", len(decisions)))

	patterns, err := l.deps.Store.Patterns()
	if err != nil {
		return err
	}
	compilationLog = append(compilationLog, fmt.Sprintf("loaded %d patterns", len(patterns.CodePatterns)))

	failures, err := l.deps.Store.Failures()
	if err != nil {
		return err
	}
	if len(failures) > 10 {
		failures = failures[len(failures)-10:]
	}
	compilationLog = append(compilationLog, fmt.Sprintf("loaded %d recent failures", len(failures)))

	rules, err := l.deps.Store.ActiveRules()
	if err != nil {
		return err
	}
	compilationLog = append(compilationLog, fmt.Sprintf("loaded %d active rules", len(rules)))

	return l.deps.Store.WriteWorkingContext(memory.WorkingContext{
		ComputedAt:    time.Now().UTC(),
		SessionID:     uuid.NewString(),
		ActiveFeature: planFeature(l.opts.PlanPath),
		RelevantMemory: memory.RelevantMemory{
			RecentDecisions: decisions,
			ProjectPatterns: patterns.CodePatterns,
			AvoidApproaches: failures,
			LearnedRules:    rules,
		},
		CurrentTask:    approachText(l.plan),
		CompilationLog: compilationLog,
	})
}

// decision is the per-iteration verdict.
type decision int

const (
	decideContinue decision = iota
	decideComplete
	decideAbort
)

// Run drives iterations until COMPLETE, ABORTED, or context cancellation.
// The event channel is closed on return.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.events)

	if l.status != StateRunning {
		return fmt.Errorf("run from %s: %w", l.status, ErrInvariant)
	}

	for {
		if err := ctx.Err(); err != nil {
			l.finishJournal(journal.RunCancelled)
			return err
		}

		verdict, err := l.runIteration(ctx)
		if err != nil {
			l.emit(NewErrorEvent(l.run.Iteration, l.run.MaxIterations, err))
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				l.finishJournal(journal.RunCancelled)
			}
			return err
		}

		switch verdict {
		case decideComplete:
			return l.complete()
		case decideAbort:
			return l.abort()
		case decideContinue:
			if err := l.transition(StateRunning); err != nil {
				return err
			}
		}
	}
}

// runIteration executes one pass: reload input, advise, delegate work,
// validate, record, persist.
func (l *Loop) runIteration(ctx context.Context) (decision, error) {
	// Iteration is the 1-based current iteration; it advances only when the
	// run continues past this pass.
	iter := l.run.Iteration
	l.emit(NewEvent(EventIterationStart, iter, l.run.MaxIterations,
		fmt.Sprintf("Iteration %d/%d", iter, l.run.MaxIterations)))

	var journalID int64
	if l.deps.Journal != nil {
		id, err := l.deps.Journal.BeginIteration(l.run.RunID, iter)
		if err != nil {
			log.Warn("failed to journal iteration start", "error", err)
		} else {
			journalID = id
		}
	}

	if err := l.reloadInput(); err != nil {
		return decideContinue, err
	}
	before := doneTasks(l.plan)

	approach := approachText(l.plan)
	advisory, err := l.deps.Advisor.CheckApproach(approach, l.lastFiles)
	if err != nil {
		return decideContinue, err
	}
	if !advisory.Empty() {
		l.emit(NewAdvisoryEvent(iter, l.run.MaxIterations, advisory))
	}

	l.emit(NewEvent(EventWorkStart, iter, l.run.MaxIterations, "Working on remaining tasks"))
	report, err := l.deps.Worker.Perform(ctx, Request{
		Plan:      l.plan,
		Phase:     l.run.Phase,
		Iteration: iter,
		Advisory:  advisory,
	})
	if err != nil {
		return decideContinue, fmt.Errorf("worker failed on iteration %d: %w", iter, err)
	}
	l.lastFiles = report.Files
	l.emit(NewEvent(EventWorkEnd, iter, l.run.MaxIterations, "Work finished"))

	results, err := l.deps.Checks.RunAll(ctx)
	if err != nil {
		return decideContinue, err
	}
	l.emit(NewChecksEvent(iter, l.run.MaxIterations, results))

	if l.deps.Journal != nil {
		for _, res := range results {
			if err := l.deps.Journal.RecordCheck(l.run.RunID, iter, res.Name, res.Status, res.Output, res.Duration); err != nil {
				log.Warn("failed to journal check result", "check", res.Name, "error", err)
			}
		}
	}

	// Pick up checkbox edits the worker made.
	if err := l.reloadInput(); err != nil {
		return decideContinue, err
	}
	completed := newlyDone(before, l.plan)

	if err := l.recordOutcome(iter, report, results); err != nil {
		return decideContinue, err
	}
	l.emit(NewEvent(EventRecorded, iter, l.run.MaxIterations, "Outcome recorded to memory"))

	var verdict decision
	switch {
	case checks.AllPass(results) && l.plan.AllTasksDone():
		verdict = decideComplete
	case iter >= l.run.MaxIterations:
		verdict = decideAbort
	default:
		verdict = decideContinue
	}

	entry := state.IterationEntry{
		Timestamp:        time.Now().UTC(),
		CompletedTasks:   completed,
		ValidationStatus: checks.StatusMap(results),
		Learnings:        report.Learnings,
		NextSteps:        report.NextSteps,
	}
	l.run.AppendIteration(entry)
	if verdict == decideContinue {
		l.run.Iteration = iter + 1
	}
	for _, p := range report.Patterns {
		l.run.AddPattern(p)
	}
	if err := state.Save(l.opts.Config.StatePath(), l.run); err != nil {
		return decideContinue, err
	}

	if l.deps.Journal != nil && journalID != 0 {
		if err := l.deps.Journal.EndIteration(journalID); err != nil {
			log.Warn("failed to journal iteration end", "error", err)
		}
	}
	l.emit(NewEvent(EventIterationEnd, iter, l.run.MaxIterations,
		fmt.Sprintf("Iteration %d finished, %d tasks completed", iter, len(completed))))

	return verdict, nil
}

// recordOutcome writes the iteration's result into memory. A duplicate
// rejection means a retried submission, which is the recorder doing its job.
func (l *Loop) recordOutcome(iter int, report Report, results []checks.Result) error {
	approach := report.Approach
	if strings.TrimSpace(approach) == "" {
		approach = approachText(l.plan)
	}

	rc := recorder.Context{
		Plan:      l.run.PlanPath,
		Iteration: iter,
		Approach:  approach,
		Files:     report.Files,
		Feature:   planFeature(l.run.PlanPath),
	}

	if checks.AllPass(results) {
		rc.Significant = report.Significant
		rc.WhyItWorked = report.WhyItWorked
		rc.Pattern = report.Pattern
		rc.Lessons = report.Learnings
		rc.Verification = verificationMap(results)
		// A pass that finishes the plan always records a success entry,
		// whether or not the worker marked it significant.
		if l.plan.AllTasksDone() {
			rc.Significant = true
		}
		if rc.Significant && strings.TrimSpace(rc.WhyItWorked) == "" {
			rc.WhyItWorked = fmt.Sprintf("all %d declared checks passed with every plan task checked off", len(results))
		}
		_, err := l.deps.Recorder.RecordOutcome(recorder.OutcomePass, rc)
		if errors.Is(err, recorder.ErrDuplicate) {
			log.Warn("duplicate pass submission ignored", "plan", rc.Plan, "iteration", iter)
			return nil
		}
		return err
	}

	failing := checks.Failing(results)
	rc.Errors = checkErrors(results)
	rc.RootCause = report.RootCause
	if strings.TrimSpace(rc.RootCause) == "" {
		rc.RootCause = fmt.Sprintf("%d of %d checks failed (%s); the approach did not satisfy the declared validations",
			len(failing), len(results), strings.Join(failing, ", "))
	}
	rc.Prevention = report.Prevention
	if strings.TrimSpace(rc.Prevention) == "" {
		rc.Prevention = fmt.Sprintf("run %s locally and fix the reported problems before retrying this approach",
			strings.Join(failing, " and "))
	}
	rc.Category = report.Category
	if rc.Category == "" {
		rc.Category = memory.CategoryValidation
	}

	_, err := l.deps.Recorder.RecordOutcome(recorder.OutcomeFail, rc)
	if errors.Is(err, recorder.ErrDuplicate) {
		log.Warn("duplicate failure submission ignored", "plan", rc.Plan, "iteration", iter)
		return nil
	}
	return err
}

// complete performs the RUNNING -> COMPLETE transition: archive the run,
// move the finished plan, and clear run state.
func (l *Loop) complete() error {
	if !l.canComplete() {
		return fmt.Errorf("complete with failing checks or open tasks: %w", ErrInvariant)
	}
	if err := l.transition(StateComplete); err != nil {
		return err
	}

	report := l.completionReport()
	dir, err := state.Archive(l.opts.Config.ArchiveDir, l.run, l.plan.Content, report, true)
	if err != nil {
		return err
	}
	log.Info("run archived", "dir", dir)

	// A finished plan moves to the completed area; a PRD stays put because
	// its other phases are still pending.
	if l.phase == nil {
		if dest, err := state.MovePlan(l.run.PlanPath, l.opts.Config.CompletedDir); err != nil {
			return err
		} else if dest != "" {
			log.Info("plan moved", "dest", dest)
		}
	}

	if err := state.Delete(l.opts.Config.StatePath()); err != nil {
		return err
	}
	l.finishJournal(journal.RunCompleted)
	l.emit(NewEvent(EventComplete, l.run.Iteration, l.run.MaxIterations,
		fmt.Sprintf("Run complete after %d iterations", l.run.Iteration)))
	return nil
}

// canComplete enforces the completion invariant: every check in the latest
// validation passed and every task checkbox is checked.
func (l *Loop) canComplete() bool {
	latest := l.run.LatestValidation()
	if len(latest) == 0 {
		return false
	}
	for _, status := range latest {
		if status != state.CheckPass {
			return false
		}
	}
	return l.plan.AllTasksDone()
}

// abort performs the RUNNING -> ABORTED transition at the iteration budget.
// Run state stays on disk as the diagnostic hand-off.
func (l *Loop) abort() error {
	if err := l.transition(StateAborted); err != nil {
		return err
	}

	diagnostic := l.diagnosticSummary()
	path := filepath.Join(l.opts.Config.RunRoot, "diagnostic.md")
	if err := os.WriteFile(path, []byte(diagnostic), 0o644); err != nil {
		return fmt.Errorf("failed to write diagnostic summary: %w", err)
	}

	l.finishJournal(journal.RunAborted)
	l.emit(NewEvent(EventAborted, l.run.Iteration, l.run.MaxIterations,
		fmt.Sprintf("Iteration budget exhausted after %d iterations, see %s", l.run.Iteration, path)))
	return nil
}

func (l *Loop) finishJournal(status journal.RunStatus) {
	if l.deps.Journal == nil || l.run == nil {
		return
	}
	if err := l.deps.Journal.FinishRun(l.run.RunID, status); err != nil && !errors.Is(err, journal.ErrNotFound) {
		log.Warn("failed to journal run finish", "status", status, "error", err)
	}
}

// completionReport renders the archived run report.
func (l *Loop) completionReport() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run Report: %s\n\n", filepath.Base(l.run.PlanPath))
	fmt.Fprintf(&b, "Run %s completed in %d of %d iterations.\n", l.run.RunID, l.run.Iteration, l.run.MaxIterations)
	if l.run.Phase != "" {
		fmt.Fprintf(&b, "Phase: %s\n", l.run.Phase)
	}

	b.WriteString("\n## Completed Tasks\n\n")
	for _, t := range l.plan.Tasks {
		fmt.Fprintf(&b, "- [x] %s\n", t.Text)
	}

	if len(l.run.CodebasePatterns) > 0 {
		b.WriteString("\n## Codebase Patterns\n\n")
		for _, p := range l.run.CodebasePatterns {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}

	if latest := l.run.LatestValidation(); len(latest) > 0 {
		b.WriteString("\n## Final Validation\n\n")
		for _, name := range sortedCheckNames(latest) {
			fmt.Fprintf(&b, "- %s: %s\n", name, latest[name])
		}
	}
	return b.String()
}

// diagnosticSummary renders what an aborted run leaves behind: open tasks,
// failing checks, and the preventions recorded for this plan.
func (l *Loop) diagnosticSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Aborted Run: %s\n\n", filepath.Base(l.run.PlanPath))
	fmt.Fprintf(&b, "Run %s stopped at the %d-iteration budget.\n", l.run.RunID, l.run.MaxIterations)

	remaining := l.plan.Remaining()
	if len(remaining) > 0 {
		b.WriteString("\n## Open Tasks\n\n")
		for _, t := range remaining {
			fmt.Fprintf(&b, "- [ ] %s\n", t.Text)
		}
	}

	if latest := l.run.LatestValidation(); len(latest) > 0 {
		b.WriteString("\n## Latest Validation\n\n")
		for _, name := range sortedCheckNames(latest) {
			fmt.Fprintf(&b, "- %s: %s\n", name, latest[name])
		}
	}

	if failures, err := l.deps.Store.Failures(); err == nil {
		var lines []string
		for _, f := range failures {
			if f.Plan == l.run.PlanPath {
				lines = append(lines, fmt.Sprintf("- %s: %s (prevention: %s)", f.ID, f.RootCause, f.Prevention))
			}
		}
		if len(lines) > 0 {
			b.WriteString("\n## Recorded Failures\n\n")
			b.WriteString(strings.Join(lines, "\n"))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// approachText summarizes the remaining work as an approach description for
// the advisor and the recorder.
func approachText(p *plan.Plan) string {
	remaining := p.Remaining()
	if len(remaining) == 0 {
		return "finalize " + filepath.Base(p.Path)
	}
	texts := make([]string, 0, len(remaining))
	for _, t := range remaining {
		texts = append(texts, t.Text)
		if len(texts) == 5 {
			break
		}
	}
	return strings.Join(texts, "; ")
}

// planFeature derives a feature name from the input path.
func planFeature(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// doneTasks snapshots the checked task texts.
func doneTasks(p *plan.Plan) map[string]bool {
	done := make(map[string]bool)
	for _, t := range p.Tasks {
		if t.Done {
			done[t.Text] = true
		}
	}
	return done
}

// newlyDone returns tasks checked since the snapshot, in document order.
func newlyDone(before map[string]bool, p *plan.Plan) []string {
	var completed []string
	for _, t := range p.Tasks {
		if t.Done && !before[t.Text] {
			completed = append(completed, t.Text)
		}
	}
	return completed
}

// checkErrors extracts the first output line of each failing check.
func checkErrors(results []checks.Result) []string {
	var errs []string
	for _, res := range results {
		if res.Status != state.CheckFail {
			continue
		}
		line := strings.TrimSpace(res.Output)
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		if line == "" {
			line = "command exited non-zero"
		}
		errs = append(errs, fmt.Sprintf("%s: %s", res.Name, line))
	}
	return errs
}

// verificationMap renders check results for a success entry.
func verificationMap(results []checks.Result) map[string]string {
	m := make(map[string]string, len(results))
	for _, res := range results {
		m[res.Name] = string(res.Status)
	}
	return m
}

func sortedCheckNames(m map[string]state.CheckResult) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
