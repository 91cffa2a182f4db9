package cli

import (
	"fmt"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/factgraph/internal/models"
	"github.com/raphaelgruber/factgraph/internal/preview"
	"github.com/raphaelgruber/factgraph/internal/service"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// eventMsg carries one registry event into the program.
type eventMsg service.Event

// streamClosedMsg reports that the event subscription ended.
type streamClosedMsg struct{}

// progressModel renders one progress row per watched task.
type progressModel struct {
	set      *watchSet
	events   <-chan service.Event
	progress progress.Model
	theme    Theme
	quitting bool
}

func newProgressModel(set *watchSet, events <-chan service.Event) progressModel {
	return progressModel{
		set:    set,
		events: events,
		progress: progress.New(
			progress.WithDefaultBlend(),
			progress.WithWidth(30),
		),
		theme: defaultTheme,
	}
}

// waitForEvent blocks on the subscription in a command goroutine.
func waitForEvent(events <-chan service.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m progressModel) Init() tea.Cmd {
	if m.set.done() {
		return tea.Quit
	}
	return tea.Batch(waitForEvent(m.events), m.progress.Init())
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case eventMsg:
		m.set.apply(service.Event(msg))
		if m.set.done() {
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.quitting || m.set.done() {
		return m.finalView()
	}

	var b strings.Builder
	for _, c := range m.set.list() {
		b.WriteString(m.row(c))
		b.WriteByte('\n')
	}
	b.WriteString(m.theme.hintStyle().Render("Press q to stop watching"))
	b.WriteByte('\n')
	return b.String()
}

func (m progressModel) row(c preview.Card) string {
	switch c.State {
	case models.StateCompleted:
		return fmt.Sprintf("%s %s  %d items", m.theme.completedStyle().Render("✓"), c.Title, c.Items)
	case models.StateError:
		return fmt.Sprintf("%s %s  %s", m.theme.errorStyle().Render("✗"), c.Title, c.ErrorMessage)
	}
	label := c.StageLabel
	if label == "" {
		label = "Queued"
	}
	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", label))
	return fmt.Sprintf("%s %s %s", m.progress.ViewAs(c.Progress()), status, c.Title)
}

func (m progressModel) finalView() string {
	var b strings.Builder
	for _, c := range m.set.list() {
		b.WriteString(cardLine(c))
		b.WriteByte('\n')
	}
	if m.quitting && !m.set.done() {
		hint := "Stopped watching. Unfinished tasks are not polled until 'factgraph resume'.\n"
		b.WriteString(m.theme.hintStyle().Render(hint))
	}
	return b.String()
}

// runProgress shows the interactive view until every task in set is
// resolved or the user quits.
func runProgress(set *watchSet, events <-chan service.Event) error {
	p := tea.NewProgram(newProgressModel(set, events))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}
	return nil
}
