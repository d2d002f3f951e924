package analysis

import (
	"sort"
	"sync"
	"time"

	"netwarden/internal/models"
)

// IPStat holds stats for a single IP.
type IPStat struct {
	IP    string `json:"ip"`
	Bytes int64  `json:"bytes"`
}

// ProtocolStat holds stats for a single protocol.
type ProtocolStat struct {
	Protocol string `json:"protocol"`
	Count    int64  `json:"count"`
}

// TrafficStats aggregates packet rows fetched from the capture buffer.
// Rows are expected in ascending ID order; rows at or below the last seen ID
// are ignored, so overlapping polls are harmless.
type TrafficStats struct {
	mu             sync.Mutex
	totalBytes     int64
	totalPackets   int64
	windowBytes    int64
	windowPackets  int64
	lastTick       time.Time
	lastID         uint64
	ipBytes        map[string]int64
	protocolCounts map[string]int64
}

// NewTrafficStats creates a new TrafficStats instance.
func NewTrafficStats() *TrafficStats {
	return &TrafficStats{
		lastTick:       time.Now(),
		ipBytes:        make(map[string]int64),
		protocolCounts: make(map[string]int64),
	}
}

// ProcessPacket updates stats with a new packet.
func (s *TrafficStats) ProcessPacket(row models.PacketRow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row.ID != 0 && row.ID <= s.lastID {
		return
	}
	if row.ID != 0 {
		s.lastID = row.ID
	}

	n := int64(row.Length)
	s.totalBytes += n
	s.totalPackets++
	s.windowBytes += n
	s.windowPackets++

	// Update Top Talkers (Source IP)
	if row.SrcIP != "" {
		s.ipBytes[row.SrcIP] += n
	}

	proto := row.Protocol
	if proto == "" {
		proto = models.ProtoOther
	}
	s.protocolCounts[proto]++
}

// ProcessPackets feeds a batch of rows.
func (s *TrafficStats) ProcessPackets(rows []models.PacketRow) {
	for _, r := range rows {
		s.ProcessPacket(r)
	}
}

// Reset clears all counters, e.g. after the capture session restarted.
func (s *TrafficStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalBytes, s.totalPackets = 0, 0
	s.windowBytes, s.windowPackets = 0, 0
	s.lastID = 0
	s.lastTick = time.Now()
	s.ipBytes = make(map[string]int64)
	s.protocolCounts = make(map[string]int64)
}

// LastID returns the highest row ID processed.
func (s *TrafficStats) LastID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Totals returns the packets and bytes processed since the last Reset.
func (s *TrafficStats) Totals() (packets, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalPackets, s.totalBytes
}

// GetRates returns the bandwidth (bps) and packet rate (pps) since the last call.
func (s *TrafficStats) GetRates() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	duration := now.Sub(s.lastTick).Seconds()
	if duration == 0 {
		return 0, 0
	}

	// Bytes * 8 = Bits
	bps := (float64(s.windowBytes) * 8) / duration
	pps := float64(s.windowPackets) / duration

	// Reset window
	s.windowBytes = 0
	s.windowPackets = 0
	s.lastTick = now

	return bps, pps
}

// GetTopTalkers returns the top N source IPs by volume.
func (s *TrafficStats) GetTopTalkers(limit int) []IPStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]IPStat, 0, len(s.ipBytes))
	for ip, bytes := range s.ipBytes {
		stats = append(stats, IPStat{IP: ip, Bytes: bytes})
	}

	// Sort descending by bytes, ties by IP for stable output
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Bytes != stats[j].Bytes {
			return stats[i].Bytes > stats[j].Bytes
		}
		return stats[i].IP < stats[j].IP
	})

	if limit > 0 && len(stats) > limit {
		return stats[:limit]
	}
	return stats
}

// GetProtocolStats returns the protocol distribution.
func (s *TrafficStats) GetProtocolStats() []ProtocolStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]ProtocolStat, 0, len(s.protocolCounts))
	for proto, count := range s.protocolCounts {
		stats = append(stats, ProtocolStat{Protocol: proto, Count: count})
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Protocol < stats[j].Protocol
	})

	return stats
}
