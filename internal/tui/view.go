package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"netwarden/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFF7DB")).
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Margin(0, 1)

	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAF00"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	state := "stopped"
	if m.status.Running {
		state = "running"
	}
	iface := m.status.Iface
	if iface == "" {
		iface = m.iface
	}
	if iface == "" {
		iface = "default"
	}
	filter := m.status.FilterIP
	if filter == "" {
		filter = "all"
	}
	title := titleStyle.Render(fmt.Sprintf("netwarden - %s on %s [filter: %s]", state, iface, filter))

	st := m.status.Stats
	traffic := fmt.Sprintf(
		"Bandwidth: %s\nPacket Rate: %.2f PPS\nTotal: %d pkts / %s\nIn: %d / %s  Out: %d / %s",
		formatBps(m.bps), m.pps,
		st.PacketsTotal, formatBytes(int64(st.BytesTotal)),
		st.PacketsIn, formatBytes(int64(st.BytesIn)),
		st.PacketsOut, formatBytes(int64(st.BytesOut)),
	)
	trafficBox := infoStyle.Render(traffic)

	protoBox := infoStyle.Render("Protocols:\n" + m.protocolLines())
	ttBox := infoStyle.Render("Top Talkers\n" + m.talkers.View())
	mitmBox := infoStyle.Render(m.indicatorLines())

	row1 := lipgloss.JoinHorizontal(lipgloss.Top, trafficBox, protoBox, mitmBox)
	row2 := lipgloss.JoinHorizontal(lipgloss.Top, infoStyle.Render(m.packets.View()), ttBox)

	parts := []string{title, row1, row2}
	if m.editing {
		parts = append(parts, " Filter: "+m.filter.View())
	}
	if m.lastErr != "" {
		parts = append(parts, errStyle.Render(" error: "+m.lastErr))
	} else if m.note != "" {
		parts = append(parts, helpStyle.Render(" "+m.note))
	}
	parts = append(parts, helpStyle.Render(" s start/stop  f filter  a arp monitor  d discover  r reset stats  q quit"))

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m Model) protocolLines() string {
	protos := m.stats.GetProtocolStats()
	if len(protos) == 0 {
		return "Waiting for data..."
	}

	limit := 5
	if len(protos) < limit {
		limit = len(protos)
	}
	lines := make([]string, 0, limit)
	for _, p := range protos[:limit] {
		lines = append(lines, fmt.Sprintf("%s: %d", p.Protocol, p.Count))
	}
	return strings.Join(lines, "\n")
}

func (m Model) indicatorLines() string {
	gw := m.mitm.GatewayIP
	if gw == "" {
		gw = "unknown"
	}
	mon := "off"
	if m.mitm.ARPMonitorRunning {
		mon = "on"
	}

	lines := []string{
		fmt.Sprintf("Gateway: %s %s", gw, m.mitm.GatewayMAC),
		"ARP monitor: " + mon,
	}
	if len(m.mitm.Indicators) == 0 {
		lines = append(lines, "No indicators")
	}
	for i, ind := range m.mitm.Indicators {
		if i == 4 {
			lines = append(lines, fmt.Sprintf("... %d more", len(m.mitm.Indicators)-i))
			break
		}
		line := fmt.Sprintf("[%s] %s", ind.Severity, ind.Message)
		if ind.Severity == models.SeverityHigh {
			line = errStyle.Render(line)
		} else {
			line = warnStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatBps(bps float64) string {
	if bps >= 1e6 {
		return fmt.Sprintf("%.2f Mbps", bps/1e6)
	}
	if bps >= 1e3 {
		return fmt.Sprintf("%.2f Kbps", bps/1e3)
	}
	return fmt.Sprintf("%.2f bps", bps)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
