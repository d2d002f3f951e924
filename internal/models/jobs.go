package models

import "time"

// DiscoveryJob is the state of the (single) discovery sweep.
type DiscoveryJob struct {
	Running    bool       `json:"running"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	CIDR       string     `json:"cidr"`
	MaxHosts   int        `json:"max_hosts"`
	Scanned    int        `json:"scanned"`
	Total      int        `json:"total"`
	Found      int        `json:"found"`
	Error      string     `json:"error,omitempty"`
}

// TsharkJob is a running capture-tool process.
type TsharkJob struct {
	CaptureID       string    `json:"capture_id"`
	PID             int       `json:"pid"`
	Interface       string    `json:"interface"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds int       `json:"duration_seconds"`
	Filename        string    `json:"filename"`
	Path            string    `json:"path"`
}

// CaptureFile is a file in the capture directory.
type CaptureFile struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// CaptureFileInfo summarises the contents of a capture file.
type CaptureFileInfo struct {
	Name     string     `json:"name"`
	Size     int64      `json:"size"`
	Format   string     `json:"format"`
	LinkType string     `json:"link_type"`
	Packets  int        `json:"packets"`
	FirstTS  *time.Time `json:"first_ts,omitempty"`
	LastTS   *time.Time `json:"last_ts,omitempty"`
}
