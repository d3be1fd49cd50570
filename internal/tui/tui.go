// Package tui renders the operator views for systerd: a live health
// dashboard and a NeuroBus event tail.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

// HealthProvider fetches the daemon's /healthz document.
type HealthProvider func(ctx context.Context) (map[string]any, error)

// RenderStatus formats a health document as a bordered key/value panel.
// Keys are sorted; nested objects collapse onto one line.
func RenderStatus(health map[string]any) string {
	var b strings.Builder
	state := badStyle.Render("unhealthy")
	if ok, _ := health["healthy"].(bool); ok {
		state = okStyle.Render("healthy")
	}
	b.WriteString(titleStyle.Render("systerd") + "  " + state + "\n")

	keys := make([]string, 0, len(health))
	width := 0
	for k := range health {
		if k == "healthy" {
			continue
		}
		keys = append(keys, k)
		if len(k) > width {
			width = len(k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		label := keyStyle.Render(fmt.Sprintf("%-*s", width, k))
		b.WriteString(fmt.Sprintf("\n%s  %s", label, formatValue(health[k])))
	}
	return boxStyle.Render(b.String())
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return dimStyle.Render("(none)")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, formatValue(t[k])))
		}
		if len(parts) == 0 {
			return dimStyle.Render("(none)")
		}
		return strings.Join(parts, " ")
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%.2f", t)
	default:
		return fmt.Sprint(t)
	}
}

type statusModel struct {
	ctx      context.Context
	provider HealthProvider
	interval time.Duration
	health   map[string]any
	err      error
	fetched  time.Time
}

type tickMsg time.Time

type healthMsg struct {
	health map[string]any
	err    error
	at     time.Time
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m statusModel) fetch() tea.Cmd {
	return func() tea.Msg {
		h, err := m.provider(m.ctx)
		return healthMsg{health: h, err: err, at: time.Now()}
	}
}

func (m statusModel) Init() tea.Cmd {
	return m.fetch()
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}
	case tickMsg:
		return m, m.fetch()
	case healthMsg:
		m.err = msg.err
		m.fetched = msg.at
		if msg.err == nil {
			m.health = msg.health
		}
		return m, tickCmd(m.interval)
	}
	return m, nil
}

func (m statusModel) View() string {
	var b strings.Builder
	switch {
	case m.health != nil:
		b.WriteString(RenderStatus(m.health))
	case m.err == nil:
		b.WriteString(dimStyle.Render("connecting..."))
	}
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(badStyle.Render("error: "+m.err.Error()) + "\n")
	}
	footer := "q quit, r refresh"
	if !m.fetched.IsZero() {
		footer = "updated " + m.fetched.Format("15:04:05") + "  " + footer
	}
	b.WriteString(dimStyle.Render(footer) + "\n")
	return b.String()
}

// RunStatus shows a dashboard refreshed every interval until the user quits
// or ctx ends.
func RunStatus(ctx context.Context, provider HealthProvider, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	return run(ctx, statusModel{ctx: ctx, provider: provider, interval: interval})
}

func run(ctx context.Context, m tea.Model) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(m, tea.WithContext(ctx))
	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
