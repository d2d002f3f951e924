package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
)

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if m.editing {
			return m.updateFilter(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "s":
			return m, m.toggleCapture()
		case "f":
			m.editing = true
			m.filter.SetValue(m.status.FilterIP)
			return m, m.filter.Focus()
		case "a":
			on := !m.mitm.ARPMonitorRunning
			return m, m.action("arp monitor", func(ctx context.Context) error {
				_, err := m.backend.SetARPMonitor(ctx, on)
				return err
			})
		case "d":
			return m, m.action("discovery started", func(ctx context.Context) error {
				return m.backend.StartDiscovery(ctx, "")
			})
		case "r":
			m.stats.Reset()
			m.rows = nil
			m.packets.SetRows(nil)
			m.talkers.SetRows(nil)
			return m, nil
		}

	case TickMsg:
		return m, tea.Batch(m.poll(), tickCmd(m.refresh))

	case pollMsg:
		m.apply(msg)
		return m, nil

	case actionMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
		} else {
			m.lastErr = ""
			m.note = msg.note
		}
		return m, m.poll()
	}

	m.packets, cmd = m.packets.Update(msg)
	return m, cmd
}

func (m Model) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.editing = false
		m.filter.Blur()
		return m, nil
	case "enter":
		m.editing = false
		m.filter.Blur()
		ip := strings.TrimSpace(m.filter.Value())
		return m, m.action("filter set", func(ctx context.Context) error {
			_, err := m.backend.SetFilter(ctx, ip)
			return err
		})
	}

	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	return m, cmd
}

func (m Model) toggleCapture() tea.Cmd {
	if m.status.Running {
		return m.action("capture stopped", func(ctx context.Context) error {
			_, err := m.backend.StopCapture(ctx)
			return err
		})
	}
	filter, iface := m.status.FilterIP, m.iface
	return m.action("capture started", func(ctx context.Context) error {
		_, err := m.backend.StartCapture(ctx, filter, iface)
		return err
	})
}

// apply folds one poll result into the model.
func (m *Model) apply(msg pollMsg) {
	if msg.err != nil {
		m.lastErr = msg.err.Error()
	} else {
		m.lastErr = ""
	}
	if msg.status == nil {
		return
	}
	if msg.status.LastID < m.stats.LastID() {
		m.stats.Reset()
		m.rows = nil
	}
	m.status = *msg.status
	if msg.mitm != nil {
		m.mitm = *msg.mitm
	}

	m.stats.ProcessPackets(msg.rows)
	m.bps, m.pps = m.stats.GetRates()

	m.rows = append(m.rows, msg.rows...)
	if len(m.rows) > maxRows {
		m.rows = m.rows[len(m.rows)-maxRows:]
	}

	// newest first
	prows := make([]table.Row, 0, len(m.rows))
	for i := len(m.rows) - 1; i >= 0; i-- {
		r := m.rows[i]
		prows = append(prows, table.Row{
			fmt.Sprintf("%d", r.ID),
			r.Timestamp,
			r.Protocol,
			r.SrcIP,
			r.DstIP,
			fmt.Sprintf("%d", r.Length),
			r.Summary,
		})
	}
	m.packets.SetRows(prows)

	top := m.stats.GetTopTalkers(6)
	trows := make([]table.Row, len(top))
	for i, stat := range top {
		trows[i] = table.Row{stat.IP, formatBytes(stat.Bytes)}
	}
	m.talkers.SetRows(trows)
}
