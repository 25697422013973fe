package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/gantry/internal/events"
)

// maxEventLog is how many recent events the view keeps.
const maxEventLog = 50

// Model is the BubbleTea model for the live run view.
type Model struct {
	width  int
	height int

	book     runBook
	eventLog []events.Event

	spinner  spinner.Model
	jobTable table.Model
	theme    Theme

	hubEvents <-chan events.Event

	// remote mode subscribes to a server's SSE stream.
	apiURL string
	apiKey string
	sink   chan events.Event

	// followRun quits the program once this run finishes.
	followRun string
	aborted   bool

	lastError string
}

// Option configures a Model.
type Option func(*Model)

// FollowRun makes the view exit once run runID has finished.
func FollowRun(runID string) Option {
	return func(m *Model) { m.followRun = runID }
}

// New creates a live view fed by ch, typically a hub subscription.
func New(ch <-chan events.Event, opts ...Option) Model {
	m := Model{
		book:      newRunBook(),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		jobTable:  newJobTable(),
		theme:     NewDefaultTheme(),
		hubEvents: ch,
	}
	m.spinner.Style = m.theme.StatusRunning
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// NewRemote creates a live view of the gantry server at apiURL.
func NewRemote(apiURL, apiKey string, opts ...Option) Model {
	sink := make(chan events.Event, 100)
	m := New(sink, opts...)
	m.apiURL = apiURL
	m.apiKey = apiKey
	m.sink = sink
	return m
}

func newJobTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Job", Width: 28},
			{Title: "Steps", Width: 6},
			{Title: "Status", Width: 10},
			{Title: "Deploy", Width: 13},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// Aborted reports whether the user quit before the followed run finished.
func (m Model) Aborted() bool {
	return m.aborted
}

// Run returns the state of runID, if any event for it was seen.
func (m Model) Run(runID string) (*RunState, bool) {
	r, ok := m.book.runs[runID]
	return r, ok
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, receiveNextEvent(m.hubEvents)}
	if m.sink != nil {
		cmds = append(cmds, subscribeToEvents(m.apiURL, m.apiKey, m.sink))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.followRun != "" {
				if r, ok := m.book.runs[m.followRun]; !ok || !r.Finished() {
					m.aborted = true
				}
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobTable.SetWidth(max(m.width-6, 20))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.book.apply(e)
		m.updateTable()
		m.lastError = ""

		if m.followRun != "" && e.Type == events.TypeRunFinished {
			if r, ok := m.book.runs[m.followRun]; ok && r.Finished() {
				return m, tea.Quit
			}
		}
		return m, receiveNextEvent(m.hubEvents)

	case streamClosedMsg:
		return m, nil

	case sseDisconnectedMsg:
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("%v, reconnecting...", msg.err)
		}
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		if m.sink == nil {
			return m, nil
		}
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.sink)
	}

	var cmd tea.Cmd
	m.jobTable, cmd = m.jobTable.Update(msg)
	return m, cmd
}

// current is the followed run when set, else the latest one.
func (m Model) current() *RunState {
	if m.followRun != "" {
		if r, ok := m.book.runs[m.followRun]; ok {
			return r
		}
		return nil
	}
	return m.book.latest()
}

func (m *Model) updateTable() {
	r := m.current()
	if r == nil {
		m.jobTable.SetRows(nil)
		return
	}
	rows := make([]table.Row, 0, len(r.Jobs))
	for _, j := range r.Jobs {
		rows = append(rows, m.jobRow(j))
	}
	m.jobTable.SetRows(rows)
}

func (m Model) jobRow(j *JobState) table.Row {
	duration := "-"
	if j.Duration > 0 {
		duration = j.Duration.Round(time.Millisecond).String()
	}
	deploy := j.Deploy
	if deploy == "" {
		deploy = "-"
	}
	name := j.Name
	if name == "" {
		name = fmt.Sprintf("#%d", j.Index)
	}
	return table.Row{
		m.statusSymbol(j.Status),
		name,
		fmt.Sprintf("%d", j.Steps),
		j.Status,
		deploy,
		duration,
	}
}

func (m Model) statusSymbol(status string) string {
	switch status {
	case jobRunning:
		return m.theme.StatusRunning.Render("◉")
	case "success":
		return m.theme.StatusOK.Render("●")
	case "failure":
		return m.theme.StatusFailed.Render("✗")
	case "cancelled":
		return m.theme.StatusCancelled.Render("⊘")
	default:
		return m.theme.StatusPending.Render("○")
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Waiting for run events..."
	}
	inner := max(m.width-4, 20)

	header := m.theme.Border.Width(inner).Render(m.renderHeader())
	jobs := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Jobs"),
			m.jobTable.View(),
		),
	)
	stream := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	parts := []string{header, jobs, stream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll Jobs"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader() string {
	r := m.current()
	if r == nil {
		return m.theme.Dim.Render("no run yet")
	}

	status := m.spinner.View() + " " + m.theme.StatusRunning.Render(strings.ToUpper(r.Phase))
	switch r.Status {
	case "success":
		status = m.theme.StatusOK.Render("SUCCESS")
	case "":
	default:
		status = m.theme.StatusFailed.Render(strings.ToUpper(r.Status))
	}

	done := 0
	for _, j := range r.Jobs {
		if j.Status != jobPending && j.Status != jobRunning {
			done++
		}
	}

	line := fmt.Sprintf("Run: %s   Branch: %s   %s   Jobs: %d/%d",
		m.theme.Highlight.Render(r.ID), r.Branch, status, done, len(r.Jobs))
	if r.ConfigError != "" {
		line += "\n" + m.theme.StatusFailed.Render("config error: "+r.ConfigError)
	}
	return line
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-16s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return m.theme.Dim.Render("  No events yet...")
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}
