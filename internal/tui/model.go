package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"netwarden/internal/analysis"
	"netwarden/internal/models"
)

// Backend is the part of the control surface the terminal UI polls.
// *api.Client implements it.
type Backend interface {
	Status(ctx context.Context) (models.CaptureStatus, error)
	Packets(ctx context.Context, since uint64, limit int) ([]models.PacketRow, error)
	StartCapture(ctx context.Context, ip, iface string) (models.CaptureStatus, error)
	StopCapture(ctx context.Context) (models.CaptureStatus, error)
	SetFilter(ctx context.Context, ip string) (models.CaptureStatus, error)
	MitmSummary(ctx context.Context) (models.MitmSummary, error)
	SetARPMonitor(ctx context.Context, on bool) (bool, error)
	StartDiscovery(ctx context.Context, cidr string) error
}

// TickMsg drives the polling loop.
type TickMsg time.Time

// pollMsg carries one round of polled state.
// Fields left nil were not fetched.
type pollMsg struct {
	status *models.CaptureStatus
	rows   []models.PacketRow
	mitm   *models.MitmSummary
	err    error
}

// actionMsg reports the outcome of a key-triggered request.
type actionMsg struct {
	note string
	err  error
}

// pollLimit is how many rows one poll asks for.
const pollLimit = 500

// maxRows bounds the packet table.
const maxRows = 200

type Model struct {
	backend Backend
	stats   *analysis.TrafficStats
	refresh time.Duration
	iface   string

	status models.CaptureStatus
	mitm   models.MitmSummary
	rows   []models.PacketRow
	bps    float64
	pps    float64

	packets  table.Model
	talkers  table.Model
	filter   textinput.Model
	editing  bool
	note     string
	lastErr  string
	width    int
	quitting bool
}

func NewModel(backend Backend, stats *analysis.TrafficStats, iface string, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}

	packets := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 7},
			{Title: "Time", Width: 12},
			{Title: "Proto", Width: 6},
			{Title: "Source", Width: 16},
			{Title: "Destination", Width: 16},
			{Title: "Len", Width: 6},
			{Title: "Summary", Width: 48},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	packets.SetStyles(tableStyles())

	talkers := table.New(
		table.WithColumns([]table.Column{
			{Title: "Source IP", Width: 20},
			{Title: "Bytes", Width: 12},
		}),
		table.WithFocused(false),
		table.WithHeight(6),
	)
	talkers.SetStyles(tableStyles())

	ti := textinput.New()
	ti.Placeholder = "filter IP (empty for all)"
	ti.CharLimit = 45
	ti.Width = 30

	return Model{
		backend: backend,
		stats:   stats,
		refresh: refresh,
		iface:   iface,
		packets: packets,
		talkers: talkers,
		filter:  ti,
	}
}

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	return s
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tickCmd(m.refresh))
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// poll fetches status, new rows and the indicator summary.
func (m Model) poll() tea.Cmd {
	backend := m.backend
	since := m.stats.LastID()
	timeout := m.refresh * 2

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		st, err := backend.Status(ctx)
		if err != nil {
			return pollMsg{err: err}
		}
		// a restarted capture numbers rows from 1 again
		if st.LastID < since {
			since = 0
		}
		rows, err := backend.Packets(ctx, since, pollLimit)
		if err != nil {
			return pollMsg{status: &st, err: err}
		}
		ms, err := backend.MitmSummary(ctx)
		if err != nil {
			return pollMsg{status: &st, rows: rows, err: err}
		}
		return pollMsg{status: &st, rows: rows, mitm: &ms}
	}
}

// action runs one control request off the UI goroutine.
func (m Model) action(note string, fn func(ctx context.Context) error) tea.Cmd {
	timeout := m.refresh * 4
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return actionMsg{note: note, err: fn(ctx)}
	}
}
