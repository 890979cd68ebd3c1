package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/prpkit/ralph/internal/loop"
	"github.com/prpkit/ralph/internal/plan"
	"github.com/prpkit/ralph/internal/state"
)

// LoopEventMsg wraps loop events for Bubble Tea.
type LoopEventMsg struct {
	Event loop.Event
}

// LoopEventsClosedMsg signals the loop event channel has closed.
type LoopEventsClosedMsg struct{}

// LoopErrorMsg signals the loop returned an error.
type LoopErrorMsg struct {
	Err error
}

// RunModel is the model for the run progress view: a task sidebar, a
// scrolling event log, and a status footer.
type RunModel struct {
	planName   string
	tasks      []plan.Task
	iteration  int
	maxIter    int
	checks     map[string]state.CheckResult
	output     strings.Builder
	viewport   viewport.Model
	width      int
	height     int
	completed  bool
	aborted    bool
	err        error
	autoScroll bool

	loopEvents <-chan loop.Event
}

// NewRunModel creates a run progress model over a loop's event channel.
func NewRunModel(planName string, tasks []plan.Task, maxIter int, events <-chan loop.Event) RunModel {
	vp := viewport.New(80, 20)
	return RunModel{
		planName:   planName,
		tasks:      tasks,
		maxIter:    maxIter,
		checks:     map[string]state.CheckResult{},
		loopEvents: events,
		viewport:   vp,
		autoScroll: true,
	}
}

// Init implements tea.Model.
func (m RunModel) Init() tea.Cmd {
	return m.listenForEvents
}

// listenForEvents waits for the next loop event.
func (m RunModel) listenForEvents() tea.Msg {
	if m.loopEvents == nil {
		return nil
	}
	event, ok := <-m.loopEvents
	if !ok {
		return LoopEventsClosedMsg{}
	}
	return LoopEventMsg{Event: event}
}

// Update implements tea.Model.
func (m RunModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		// Header and footer take five lines between them.
		viewportHeight := msg.Height - 5
		if viewportHeight < 3 {
			viewportHeight = 3
		}
		viewportWidth := msg.Width - 34
		if viewportWidth < 20 {
			viewportWidth = 20
		}
		m.viewport.Width = viewportWidth
		m.viewport.Height = viewportHeight
		return m, nil

	case LoopEventMsg:
		m.handleLoopEvent(msg.Event)
		cmds = append(cmds, m.listenForEvents)

	case LoopEventsClosedMsg:
		if m.err == nil && !m.completed && !m.aborted {
			m.appendOutput("\n--- Loop finished ---\n")
		}
		return m, nil

	case LoopErrorMsg:
		m.err = msg.Err
		m.appendOutput(fmt.Sprintf("\n--- Error: %v ---\n", msg.Err))
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			m.viewport.LineUp(1)
			m.autoScroll = false
		case "down", "j":
			m.viewport.LineDown(1)
			if m.viewport.AtBottom() {
				m.autoScroll = true
			}
		case "pgup":
			m.viewport.ViewUp()
			m.autoScroll = false
		case "pgdown":
			m.viewport.ViewDown()
			if m.viewport.AtBottom() {
				m.autoScroll = true
			}
		case "g", "home":
			m.viewport.GotoTop()
			m.autoScroll = false
		case "G", "end":
			m.viewport.GotoBottom()
			m.autoScroll = true
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// handleLoopEvent renders one loop event into the log.
func (m *RunModel) handleLoopEvent(event loop.Event) {
	if event.Iteration > 0 {
		m.iteration = event.Iteration
	}
	if event.MaxIter > 0 {
		m.maxIter = event.MaxIter
	}

	switch event.Type {
	case loop.EventStarted:
		m.appendOutput(event.Message + "\n")

	case loop.EventIterationStart:
		m.appendOutput(fmt.Sprintf("\n=== %s ===\n", event.Message))

	case loop.EventAdvisory:
		if event.Advisory != nil {
			m.appendOutput(advisoryStyle.Render(fmt.Sprintf(
				"Advisory: %d failures, %d successes, %d patterns matched",
				len(event.Advisory.MatchedFailures),
				len(event.Advisory.MatchedSuccesses),
				len(event.Advisory.MatchedPatterns))) + "\n")
			for _, f := range event.Advisory.MatchedFailures {
				m.appendOutput(fmt.Sprintf("  avoid: %s\n", truncate(f.Prevention, 70)))
			}
		}

	case loop.EventWorkStart:
		m.appendOutput(event.Message + "\n")

	case loop.EventWorkEnd:
		m.appendOutput(event.Message + "\n")

	case loop.EventChecksComplete:
		for _, res := range event.Results {
			m.checks[res.Name] = res.Status
			icon := statusPassStyle.Render("PASS")
			if res.Status == state.CheckFail {
				icon = statusFailStyle.Render("FAIL")
			}
			m.appendOutput(fmt.Sprintf("  %s %s (%s)\n", icon, res.Name, res.Duration.Round(time.Millisecond)))
		}

	case loop.EventRecorded:
		m.appendOutput(event.Message + "\n")

	case loop.EventIterationEnd:
		m.appendOutput(event.Message + "\n")

	case loop.EventComplete:
		m.completed = true
		m.appendOutput(fmt.Sprintf("\n--- %s ---\n", event.Message))

	case loop.EventAborted:
		m.aborted = true
		m.appendOutput(fmt.Sprintf("\n--- %s ---\n", event.Message))

	case loop.EventError:
		m.err = event.Error
		m.appendOutput(fmt.Sprintf("\n--- Error: %s ---\n", event.Message))
	}
}

func (m *RunModel) appendOutput(s string) {
	m.output.WriteString(s)
	m.viewport.SetContent(m.output.String())
	if m.autoScroll {
		m.viewport.GotoBottom()
	}
}

// SetTasks replaces the sidebar task list, picking up checkbox edits.
func (m *RunModel) SetTasks(tasks []plan.Task) {
	m.tasks = tasks
}

// View implements tea.Model.
func (m RunModel) View() string {
	if m.err != nil && m.output.Len() == 0 {
		return fmt.Sprintf("Error: %v\n\nPress q to quit", m.err)
	}

	var s strings.Builder
	s.WriteString(m.renderHeader())
	s.WriteString("\n")
	s.WriteString(lipgloss.JoinHorizontal(
		lipgloss.Top,
		taskListStyle.Render(m.renderTaskList()),
		outputStyle.Render(m.viewport.View()),
	))
	s.WriteString("\n")
	s.WriteString(m.renderFooter())
	return s.String()
}

func (m RunModel) renderHeader() string {
	title := titleStyle.Render("Ralph - " + m.planName)
	info := ""
	if m.maxIter > 0 {
		info = headerInfoStyle.Render(fmt.Sprintf(" [iteration %d/%d]", m.iteration, m.maxIter))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, title, info)
}

func (m RunModel) renderTaskList() string {
	if len(m.tasks) == 0 {
		return emptyStateStyle.Render("No tasks")
	}
	var s strings.Builder
	for _, task := range m.tasks {
		icon := statusPendingStyle.Render("○")
		if task.Done {
			icon = statusPassStyle.Render("●")
		}
		fmt.Fprintf(&s, "%s %s\n", icon, truncate(task.Text, 24))
	}
	return s.String()
}

func (m RunModel) renderFooter() string {
	var left string
	switch {
	case m.completed:
		left = statusPassStyle.Render("Complete")
	case m.aborted:
		left = statusFailStyle.Render("Aborted")
	case m.err != nil:
		left = statusFailStyle.Render("Failed")
	case m.iteration > 0:
		left = statusWorkingStyle.Render(fmt.Sprintf("Iteration %d/%d", m.iteration, m.maxIter))
	default:
		left = "Starting..."
	}

	right := "j/k: scroll | g/G: top/bottom | q: quit"

	spacing := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 4
	if spacing < 1 {
		spacing = 1
	}
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		helpStyle.Render(left),
		strings.Repeat(" ", spacing),
		helpStyle.Render(right),
	)
}

// Completed reports whether the run reached COMPLETE.
func (m RunModel) Completed() bool {
	return m.completed
}

// Aborted reports whether the run reached ABORTED.
func (m RunModel) Aborted() bool {
	return m.aborted
}

// Error returns the loop error, if any.
func (m RunModel) Error() error {
	return m.err
}

// Output returns the accumulated log content.
func (m RunModel) Output() string {
	return m.output.String()
}

// truncate shortens a string to a display width, Unicode aware.
func truncate(s string, maxWidth int) string {
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	if maxWidth <= 3 {
		return runewidth.Truncate(s, maxWidth, "")
	}
	return runewidth.Truncate(s, maxWidth, "...")
}
