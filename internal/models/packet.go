package models

import "time"

// Protocol tags carried by PacketRow.
const (
	ProtoTCP   = "TCP"
	ProtoUDP   = "UDP"
	ProtoICMP  = "ICMP"
	ProtoOther = "OTHER"
)

// PacketRow is one observed frame as kept in the capture buffer.
// Rows are immutable once inserted.
type PacketRow struct {
	ID          uint64    `json:"id"`
	TS          float64   `json:"ts"`
	Timestamp   string    `json:"timestamp"`
	SrcIP       string    `json:"src"`
	DstIP       string    `json:"dst"`
	Protocol    string    `json:"protocol"`
	Length      int       `json:"length"`
	Summary     string    `json:"summary"`
	Payload     string    `json:"payload"`
	IsPlainText bool      `json:"is_plain_text"`
	Captured    time.Time `json:"-"`
}

// CaptureStats holds the running counters of a capture session.
// The in/out counters are only maintained while a filter IP is set.
type CaptureStats struct {
	PacketsTotal uint64 `json:"packets_total"`
	PacketsIn    uint64 `json:"packets_in"`
	PacketsOut   uint64 `json:"packets_out"`
	BytesTotal   uint64 `json:"bytes_total"`
	BytesIn      uint64 `json:"bytes_in"`
	BytesOut     uint64 `json:"bytes_out"`
}

// CaptureStatus is the snapshot returned by the capture buffer.
type CaptureStatus struct {
	Running      bool         `json:"running"`
	FilterIP     string       `json:"filter_ip"`
	Iface        string       `json:"iface"`
	BufferLen    int          `json:"buffer_len"`
	LastID       uint64       `json:"last_id"`
	DecodePolicy string       `json:"decode_policy"`
	Stats        CaptureStats `json:"stats"`
	Error        string       `json:"error,omitempty"`
}
