package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"dynarec/internal/translator"
)

// maxRows bounds the entries listed under the progress bar.
const maxRows = 12

type warmupModel struct {
	title   string
	events  <-chan translator.WarmupEvent
	spinner spinner.Model
	prog    progress.Model
	items   []entryItem
	index   map[string]int
	width   int
	done    bool
}

type entryItem struct {
	name   string
	status translator.WarmupStatus
	err    error
}

type eventMsg translator.WarmupEvent
type doneMsg struct{}

// EntryName is the row label of a profiled entry point.
func EntryName(e translator.ProfileEntry) string {
	return fmt.Sprintf("0x%08x %s", e.Address, e.Mode)
}

// NewWarmupModel returns a Bubble Tea model that renders warm-up progress
// until events is closed.
func NewWarmupModel(title string, entries []translator.ProfileEntry, events <-chan translator.WarmupEvent) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	items := make([]entryItem, 0, len(entries))
	index := make(map[string]int, len(entries))
	for i, e := range entries {
		name := EntryName(e)
		items = append(items, entryItem{name: name, status: translator.WarmupQueued})
		index[name] = i
	}
	return &warmupModel{
		title:   title,
		events:  events,
		spinner: sp,
		prog:    prog,
		items:   items,
		index:   index,
		width:   80,
	}
}

func (m *warmupModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForEvent())
}

func (m *warmupModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		cmd := m.applyEvent(translator.WarmupEvent(msg))
		return m, tea.Batch(cmd, m.listenForEvent())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		progressModel, cmd := m.prog.Update(msg)
		m.prog = progressModel.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *warmupModel) View() string {
	if len(m.items) == 0 {
		return ""
	}
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	finished := m.finished()
	header := fmt.Sprintf("%s (%d/%d)", m.title, finished, len(m.items))
	if m.done {
		header = "done: " + header
	} else {
		header = m.spinner.View() + " " + header
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	nameWidth := max(m.width-16, 20)
	for _, item := range m.visible() {
		status := styleStatus(item.status).Render(fmt.Sprintf("%12s", item.status))
		line := item.name
		if item.err != nil {
			line += ": " + item.err.Error()
		}
		fmt.Fprintf(&b, "  %s %s\n", status, truncate(line, nameWidth))
	}
	if hidden := len(m.items) - maxRows; hidden > 0 {
		fmt.Fprintf(&b, "  %12s %d more\n", "", hidden)
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(1.0))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")
	return b.String()
}

// visible lists active entries first so the window follows the work.
func (m *warmupModel) visible() []entryItem {
	if len(m.items) <= maxRows {
		return m.items
	}
	out := make([]entryItem, 0, maxRows)
	for _, pass := range []func(translator.WarmupStatus) bool{
		func(s translator.WarmupStatus) bool { return s == translator.WarmupWorking || s == translator.WarmupError },
		func(s translator.WarmupStatus) bool { return s == translator.WarmupQueued },
		func(s translator.WarmupStatus) bool { return s == translator.WarmupDone || s == translator.WarmupSkipped },
	} {
		for _, item := range m.items {
			if len(out) == maxRows {
				return out
			}
			if pass(item.status) {
				out = append(out, item)
			}
		}
	}
	return out
}

func (m *warmupModel) finished() int {
	n := 0
	for _, item := range m.items {
		if isFinal(item.status) {
			n++
		}
	}
	return n
}

func (m *warmupModel) listenForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *warmupModel) applyEvent(ev translator.WarmupEvent) tea.Cmd {
	idx, ok := m.index[EntryName(ev.Entry)]
	if !ok {
		return nil
	}
	m.items[idx].status = ev.Status
	m.items[idx].err = ev.Err

	total := 0.0
	for _, item := range m.items {
		switch {
		case isFinal(item.status):
			total += 1.0
		case item.status == translator.WarmupWorking:
			total += 0.5
		}
	}
	return m.prog.SetPercent(total / float64(len(m.items)))
}

func isFinal(s translator.WarmupStatus) bool {
	return s == translator.WarmupDone || s == translator.WarmupSkipped || s == translator.WarmupError
}

func styleStatus(status translator.WarmupStatus) lipgloss.Style {
	switch status {
	case translator.WarmupDone:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case translator.WarmupError:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case translator.WarmupWorking:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	}
}

// truncate cuts value to width display cells, the ellipsis included.
func truncate(value string, width int) string {
	if width <= 0 || runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width, "...")
}
