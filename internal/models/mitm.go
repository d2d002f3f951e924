package models

import "time"

// Severity of an indicator.
type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// IndicatorKind names the heuristic that produced an indicator.
type IndicatorKind string

const (
	IndicatorDuplicateIPMapping IndicatorKind = "duplicate_ip_mapping"
	IndicatorGatewayMACUnknown  IndicatorKind = "gateway_mac_unknown"
	IndicatorGatewayMACChanged  IndicatorKind = "gateway_mac_changed"
	IndicatorARPConflictEvents  IndicatorKind = "arp_conflict_events"
)

// EventIPConflictSuspected tags an ArpEvent where an IP was seen with a new MAC.
const EventIPConflictSuspected = "ip_conflict_suspected"

// ArpEvent is one entry of the recent ARP events log.
type ArpEvent struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	IP        string    `json:"ip"`
	NewMAC    string    `json:"new_mac"`
	KnownMACs []string  `json:"known_macs"`
	Op        string    `json:"op"`
}

// Indicator is one MITM heuristic hit.
type Indicator struct {
	Kind     IndicatorKind `json:"kind"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
	IP       string        `json:"ip,omitempty"`
	MACs     []string      `json:"macs,omitempty"`
	OldMAC   string        `json:"old_mac,omitempty"`
	NewMAC   string        `json:"new_mac,omitempty"`
	Events   []ArpEvent    `json:"events,omitempty"`
}

// MitmSummary is the Indicator Engine output.
type MitmSummary struct {
	GatewayIP         string      `json:"gateway_ip"`
	GatewayMAC        string      `json:"gateway_mac"`
	ARPMonitorRunning bool        `json:"arp_monitor_running"`
	Indicators        []Indicator `json:"indicators"`
	RecentEvents      []ArpEvent  `json:"recent_events"`
}
