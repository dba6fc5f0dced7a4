// Package tui renders a live terminal view of the dispatch ledger for the
// `system watch` command.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fathomlabs/hookrelay/internal/ledger"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusSent      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRetry     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusExhausted = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

const (
	pollInterval = 2 * time.Second
	recentLimit  = 30
)

// LedgerSource is the slice of the ledger the monitor reads.
type LedgerSource interface {
	Recent(ctx context.Context, limit int) ([]*ledger.Record, error)
	CountByStatus(ctx context.Context) (map[ledger.Status]int, error)
}

type Model struct {
	source LedgerSource

	width  int
	height int

	records []*ledger.Record
	counts  map[ledger.Status]int
	lastErr error

	dispatchTable table.Model
}

type snapshotMsg struct {
	records []*ledger.Record
	counts  map[ledger.Status]int
}
type errMsg error
type tickMsg time.Time

// NewMonitor builds the watch model over a ledger source.
func NewMonitor(source LedgerSource) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Event", Width: 22},
			{Title: "Partner", Width: 10},
			{Title: "Attempts", Width: 8},
			{Title: "HTTP", Width: 4},
			{Title: "Updated", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
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

	return &Model{
		source:        source,
		counts:        make(map[ledger.Status]int),
		dispatchTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchSnapshot,
		tea.EnterAltScreen,
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.dispatchTable.SetWidth(m.width - 6)

	case snapshotMsg:
		m.records = msg.records
		m.counts = msg.counts
		m.lastErr = nil
		m.updateTable()
		return m, m.scheduleNextPoll()

	case errMsg:
		m.lastErr = msg
		return m, m.scheduleNextPoll()

	case tickMsg:
		return m, m.fetchSnapshot
	}

	m.dispatchTable, cmd = m.dispatchTable.Update(msg)
	return m, cmd
}

func (m Model) scheduleNextPoll() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) fetchSnapshot() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	records, err := m.source.Recent(ctx, recentLimit)
	if err != nil {
		return errMsg(err)
	}
	counts, err := m.source.CountByStatus(ctx)
	if err != nil {
		return errMsg(err)
	}
	return snapshotMsg{records: records, counts: counts}
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.records))
	for _, rec := range m.records {
		rows = append(rows, recordToRow(rec))
	}
	m.dispatchTable.SetRows(rows)
}

func recordToRow(rec *ledger.Record) table.Row {
	statusSym := "○"
	switch rec.Status {
	case ledger.StatusPending:
		statusSym = statusPending.Render("○")
	case ledger.StatusRetry:
		statusSym = statusRetry.Render("◉")
	case ledger.StatusSent:
		statusSym = statusSent.Render("●")
	case ledger.StatusExhausted:
		statusSym = statusExhausted.Render("∅")
	}

	httpCode := "-"
	if rec.HTTPStatusCode != nil {
		httpCode = fmt.Sprintf("%d", *rec.HTTPStatusCode)
	}

	partnerID := rec.PartnerID
	if len(partnerID) > 8 {
		partnerID = partnerID[:8]
	}

	return table.Row{
		statusSym,
		rec.EventType,
		partnerID,
		fmt.Sprintf("%d/%d", rec.AttemptCount, rec.MaxAttempts),
		httpCode,
		rec.UpdatedAt.Format("15:04:05"),
	}
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	header := m.renderHeader()
	dispatches := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Recent Dispatches"),
			m.dispatchTable.View(),
		),
	)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll")

	parts := []string{header, dispatches}
	if m.lastErr != nil {
		parts = append(parts, statusExhausted.Render(" ledger poll failed: "+m.lastErr.Error()))
	}
	parts = append(parts, help)

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader() string {
	items := []string{
		fmt.Sprintf("Pending: %s", statusPending.Render(fmt.Sprintf("%d", m.counts[ledger.StatusPending]))),
		fmt.Sprintf("Retry: %s", statusRetry.Render(fmt.Sprintf("%d", m.counts[ledger.StatusRetry]))),
		fmt.Sprintf("Sent: %s", statusSent.Render(fmt.Sprintf("%d", m.counts[ledger.StatusSent]))),
		fmt.Sprintf("Exhausted: %s", statusExhausted.Render(fmt.Sprintf("%d", m.counts[ledger.StatusExhausted]))),
	}

	cell := (m.width - 4) / len(items)
	rendered := make([]string, 0, len(items))
	for _, item := range items {
		rendered = append(rendered, lipgloss.NewStyle().Width(cell).Render(item))
	}

	return borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top, rendered...),
	)
}

// Run starts the monitor program and blocks until the user quits.
func Run(source LedgerSource) error {
	p := tea.NewProgram(NewMonitor(source))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("watch ui failed: %w", err)
	}
	return nil
}
