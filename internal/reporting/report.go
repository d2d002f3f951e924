package reporting

import (
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"time"

	"netwarden/internal/analysis"
	"netwarden/internal/models"
)

// Report is everything a session report shows.
type Report struct {
	Generated  time.Time
	Status     models.CaptureStatus
	TopTalkers []analysis.IPStat
	Protocols  []analysis.ProtocolStat
	Mitm       models.MitmSummary
	Devices    []models.MergedDevice
}

var page = template.Must(template.New("report").Funcs(template.FuncMap{
	"bytes": formatBytes,
	"clock": func(t time.Time) string { return t.Format("15:04:05") },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>netwarden Session Report - {{.Generated.Format "20060102_150405"}}</title>
    <style>
        body { font-family: sans-serif; margin: 20px; color: #333; }
        h1, h2 { color: #2c3e50; }
        table { width: 100%; border-collapse: collapse; margin-bottom: 20px; }
        th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
        th { background-color: #f2f2f2; }
        tr:nth-child(even) { background-color: #f9f9f9; }
        .summary { background: #eef; padding: 15px; border-radius: 5px; margin-bottom: 20px; }
        .high { color: #d9534f; font-weight: bold; }
        .medium { color: #f0ad4e; font-weight: bold; }
        .info { color: #5bc0de; }
    </style>
</head>
<body>
    <h1>netwarden Session Report</h1>
    <div class="summary">
        <p><strong>Date:</strong> {{.Generated.Format "Mon, 02 Jan 2006 15:04:05 MST"}}</p>
        <p><strong>Interface:</strong> {{if .Status.Iface}}{{.Status.Iface}}{{else}}default{{end}}
           <strong>Filter:</strong> {{if .Status.FilterIP}}{{.Status.FilterIP}}{{else}}none{{end}}
           <strong>Decode:</strong> {{.Status.DecodePolicy}}</p>
        <p><strong>Packets:</strong> {{.Status.Stats.PacketsTotal}} ({{.Status.Stats.PacketsIn}} in / {{.Status.Stats.PacketsOut}} out)</p>
        <p><strong>Total Data Transferred:</strong> {{bytes .Status.Stats.BytesTotal}}
           ({{bytes .Status.Stats.BytesIn}} in / {{bytes .Status.Stats.BytesOut}} out)</p>
        <p><strong>Gateway:</strong> {{if .Mitm.GatewayIP}}{{.Mitm.GatewayIP}} {{.Mitm.GatewayMAC}}{{else}}unknown{{end}}</p>
    </div>

    <h2>Top 10 Talkers</h2>
    <table>
        <thead><tr><th>IP Address</th><th>Data Transferred</th></tr></thead>
        <tbody>
{{- range .TopTalkers}}
            <tr><td>{{.IP}}</td><td>{{bytes .Bytes}}</td></tr>
{{- else}}
            <tr><td colspan="2">No traffic captured.</td></tr>
{{- end}}
        </tbody>
    </table>

    <h2>Protocols</h2>
    <table>
        <thead><tr><th>Protocol</th><th>Packets</th></tr></thead>
        <tbody>
{{- range .Protocols}}
            <tr><td>{{.Protocol}}</td><td>{{.Count}}</td></tr>
{{- end}}
        </tbody>
    </table>

    <h2>MITM Indicators</h2>
    <table>
        <thead><tr><th>Severity</th><th>Kind</th><th>Message</th></tr></thead>
        <tbody>
{{- range .Mitm.Indicators}}
            <tr><td class="{{.Severity}}">{{.Severity}}</td><td>{{.Kind}}</td><td>{{.Message}}</td></tr>
{{- else}}
            <tr><td colspan="3">No indicators raised during this session.</td></tr>
{{- end}}
        </tbody>
    </table>

    <h2>Recent ARP Events</h2>
    <table>
        <thead><tr><th>Time</th><th>IP</th><th>New MAC</th><th>Known MACs</th><th>Op</th></tr></thead>
        <tbody>
{{- range .Mitm.RecentEvents}}
            <tr><td>{{clock .Time}}</td><td>{{.IP}}</td><td>{{.NewMAC}}</td><td>{{range $i, $m := .KnownMACs}}{{if $i}}, {{end}}{{$m}}{{end}}</td><td>{{.Op}}</td></tr>
{{- else}}
            <tr><td colspan="5">No ARP conflicts observed.</td></tr>
{{- end}}
        </tbody>
    </table>

    <h2>Devices</h2>
    <table>
        <thead><tr><th>IP</th><th>MAC</th><th>Hostname</th><th>Interface</th><th>Sources</th></tr></thead>
        <tbody>
{{- range .Devices}}
            <tr><td>{{.IP}}</td><td>{{.MAC}}</td><td>{{.Hostname}}</td><td>{{.Interface}}</td><td>{{range $i, $s := .Sources}}{{if $i}}+{{end}}{{$s}}{{end}}</td></tr>
{{- else}}
            <tr><td colspan="5">No devices known.</td></tr>
{{- end}}
        </tbody>
    </table>
</body>
</html>
`))

// Render writes r as a standalone HTML page.
func Render(w io.Writer, r Report) error {
	if r.Generated.IsZero() {
		r.Generated = time.Now()
	}
	return page.Execute(w, r)
}

// WriteFile renders r to report_<timestamp>.html inside dir and returns the path.
func WriteFile(dir string, r Report) (string, error) {
	if r.Generated.IsZero() {
		r.Generated = time.Now()
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	filename := filepath.Join(dir, fmt.Sprintf("report_%s.html", r.Generated.Format("20060102_150405")))
	file, err := os.Create(filename)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if err := Render(file, r); err != nil {
		return "", err
	}
	return filename, nil
}

func formatBytes(v any) string {
	var bytes int64
	switch n := v.(type) {
	case int64:
		bytes = n
	case uint64:
		bytes = int64(n)
	case int:
		bytes = int64(n)
	}

	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
