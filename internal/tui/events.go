package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/systerd/internal/neurobus"
)

// DefaultTailRows is how many rows the event tail keeps on screen.
const DefaultTailRows = 200

// EventFetcher returns the most recent NeuroBus rows, newest first.
type EventFetcher func(ctx context.Context) ([]neurobus.Message, error)

var kindStyles = map[neurobus.Kind]lipgloss.Style{
	neurobus.KindEvent:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	neurobus.KindCommand:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	neurobus.KindLearning: lipgloss.NewStyle().Foreground(lipgloss.Color("170")),
}

// EventsModel tails the NeuroBus by polling a fetcher and appending rows it
// has not seen yet, oldest at the top.
type EventsModel struct {
	ctx      context.Context
	fetch    EventFetcher
	interval time.Duration
	maxRows  int

	rows   []neurobus.Message
	lastID int64
	paused bool
	err    error
	height int
	width  int
}

type eventsMsg struct {
	rows []neurobus.Message
	err  error
}

// NewEventsModel builds a tail over fetch. Zero interval means one second.
func NewEventsModel(ctx context.Context, fetch EventFetcher, interval time.Duration) EventsModel {
	if interval <= 0 {
		interval = time.Second
	}
	return EventsModel{ctx: ctx, fetch: fetch, interval: interval, maxRows: DefaultTailRows}
}

func (m EventsModel) poll() tea.Cmd {
	return func() tea.Msg {
		rows, err := m.fetch(m.ctx)
		return eventsMsg{rows: rows, err: err}
	}
}

func (m EventsModel) Init() tea.Cmd {
	return m.poll()
}

func (m EventsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "p", " ":
			m.paused = !m.paused
		case "c":
			m.rows = nil
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tickMsg:
		if m.paused {
			return m, tickCmd(m.interval)
		}
		return m, m.poll()
	case eventsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.merge(msg.rows)
		}
		return m, tickCmd(m.interval)
	}
	return m, nil
}

// merge appends unseen rows. Input is newest first.
func (m *EventsModel) merge(rows []neurobus.Message) {
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].ID <= m.lastID {
			continue
		}
		m.rows = append(m.rows, rows[i])
		m.lastID = rows[i].ID
	}
	if over := len(m.rows) - m.maxRows; over > 0 {
		m.rows = append([]neurobus.Message(nil), m.rows[over:]...)
	}
}

// Rows returns the messages currently held, oldest first.
func (m EventsModel) Rows() []neurobus.Message {
	return m.rows
}

func (m EventsModel) View() string {
	var b strings.Builder
	header := titleStyle.Render("neurobus")
	if m.paused {
		header += "  " + dimStyle.Render("[paused]")
	}
	b.WriteString(header + "\n")

	visible := m.rows
	if m.height > 3 && len(visible) > m.height-3 {
		visible = visible[len(visible)-(m.height-3):]
	}
	if len(visible) == 0 {
		b.WriteString(dimStyle.Render("no events yet") + "\n")
	}
	for _, row := range visible {
		b.WriteString(FormatEvent(row, m.width) + "\n")
	}
	if m.err != nil {
		b.WriteString(badStyle.Render("error: "+m.err.Error()) + "\n")
	}
	b.WriteString(dimStyle.Render("q quit, p pause, c clear") + "\n")
	return b.String()
}

// FormatEvent renders one row as "time kind topic payload". Width > 0
// truncates the payload so the line fits.
func FormatEvent(m neurobus.Message, width int) string {
	kind := string(m.Kind)
	if st, ok := kindStyles[m.Kind]; ok {
		kind = st.Render(fmt.Sprintf("%-8s", kind))
	} else {
		kind = fmt.Sprintf("%-8s", kind)
	}
	prefix := fmt.Sprintf("%s %s %s ", dimStyle.Render(m.Time().Local().Format("15:04:05")), kind, keyStyle.Render(m.Topic))
	payload := string(m.Payload)
	if width > 0 {
		room := width - lipgloss.Width(prefix)
		if room < 8 {
			room = 8
		}
		if len(payload) > room {
			payload = payload[:room-3] + "..."
		}
	}
	return prefix + payload
}

// RunEvents tails the NeuroBus until the user quits or ctx ends.
func RunEvents(ctx context.Context, fetch EventFetcher, interval time.Duration) error {
	return run(ctx, NewEventsModel(ctx, fetch, interval))
}
