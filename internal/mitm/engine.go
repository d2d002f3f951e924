package mitm

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"netwarden/internal/models"
)

// NeighborSource provides snapshots of the OS neighbor table.
type NeighborSource interface {
	Neighbors(ctx context.Context) ([]models.NeighborEntry, error)
}

// GatewayResolver provides the current default gateway IP.
type GatewayResolver interface {
	DefaultGateway() (string, error)
}

// Config holds configuration for the indicator engine.
type Config struct {
	EventLogSize   int // Recent ARP events kept, newest first
	EmbeddedEvents int // Events attached to an arp_conflict_events indicator
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		EventLogSize:   25,
		EmbeddedEvents: 10,
	}
}

// Engine tracks IP -> MAC history and derives ARP spoofing indicators from it.
type Engine struct {
	logger    zerolog.Logger
	config    Config
	neighbors NeighborSource
	gateway   GatewayResolver
	openARP   ARPOpener

	mu             sync.Mutex
	ipToMACs       map[string]map[string]struct{}
	events         []models.ArpEvent
	lastGatewayIP  string
	lastGatewayMAC string

	monMu   sync.Mutex
	monitor *monitor
}

// NewEngine creates an engine with an empty history.
func NewEngine(logger zerolog.Logger, cfg Config, neighbors NeighborSource, gw GatewayResolver, openARP ARPOpener) *Engine {
	def := DefaultConfig()
	if cfg.EventLogSize <= 0 {
		cfg.EventLogSize = def.EventLogSize
	}
	if cfg.EmbeddedEvents <= 0 {
		cfg.EmbeddedEvents = def.EmbeddedEvents
	}

	return &Engine{
		logger:    logger,
		config:    cfg,
		neighbors: neighbors,
		gateway:   gw,
		openARP:   openARP,
		ipToMACs:  make(map[string]map[string]struct{}),
		events:    make([]models.ArpEvent, 0, cfg.EventLogSize),
	}
}

// ObserveARP records one ARP sender mapping. If the IP was already bound to a
// different MAC an ip_conflict_suspected event is logged before the new MAC
// is added.
func (e *Engine) ObserveARP(ip, mac, op string) {
	ip = strings.TrimSpace(ip)
	mac = strings.ToLower(strings.TrimSpace(mac))
	if ip == "" || mac == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	known := e.ipToMACs[ip]
	if _, seen := known[mac]; !seen && len(known) > 0 {
		ev := models.ArpEvent{
			Time:      time.Now(),
			Kind:      models.EventIPConflictSuspected,
			IP:        ip,
			NewMAC:    mac,
			KnownMACs: sortedMACs(known),
			Op:        op,
		}
		e.addEvent(ev)
		e.logger.Warn().
			Str("ip", ip).
			Str("new_mac", mac).
			Strs("known", ev.KnownMACs).
			Msg("ip conflict suspected")
	}
	e.addMAC(ip, mac)
}

// ComputeIndicators merges the current neighbor table into the history and
// evaluates every heuristic. It never fails; unavailable inputs are logged and
// treated as empty.
func (e *Engine) ComputeIndicators(ctx context.Context) models.MitmSummary {
	var table []models.NeighborEntry
	if e.neighbors != nil {
		t, err := e.neighbors.Neighbors(ctx)
		if err != nil {
			e.logger.Debug().Err(err).Msg("neighbor table unavailable")
		}
		table = t
	}

	gwIP := ""
	if e.gateway != nil {
		ip, err := e.gateway.DefaultGateway()
		if err != nil {
			e.logger.Debug().Err(err).Msg("default gateway unavailable")
		}
		gwIP = ip
	}

	running := e.MonitorRunning()

	e.mu.Lock()
	defer e.mu.Unlock()

	// 1. merge the snapshot
	for _, n := range table {
		if n.IP != "" && n.MAC != "" {
			e.addMAC(n.IP, strings.ToLower(n.MAC))
		}
	}

	indicators := []models.Indicator{}

	// 2. duplicate mappings
	ips := make([]string, 0, len(e.ipToMACs))
	for ip, macs := range e.ipToMACs {
		if len(macs) > 1 {
			ips = append(ips, ip)
		}
	}
	sort.Slice(ips, func(i, j int) bool { return ipLess(ips[i], ips[j]) })
	for _, ip := range ips {
		macs := sortedMACs(e.ipToMACs[ip])
		indicators = append(indicators, models.Indicator{
			Kind:     models.IndicatorDuplicateIPMapping,
			Severity: models.SeverityMedium,
			Message:  fmt.Sprintf("%s has been seen with %d MAC addresses", ip, len(macs)),
			IP:       ip,
			MACs:     macs,
		})
	}

	// 3. gateway
	gwMAC := ""
	if gwIP != "" {
		for _, n := range table {
			if n.IP == gwIP {
				gwMAC = strings.ToLower(n.MAC)
				break
			}
		}

		if gwMAC == "" {
			indicators = append(indicators, models.Indicator{
				Kind:     models.IndicatorGatewayMACUnknown,
				Severity: models.SeverityInfo,
				Message:  fmt.Sprintf("MAC of gateway %s is not in the neighbor table", gwIP),
				IP:       gwIP,
			})
		} else if gwIP == e.lastGatewayIP && e.lastGatewayMAC != "" && gwMAC != e.lastGatewayMAC {
			indicators = append(indicators, models.Indicator{
				Kind:     models.IndicatorGatewayMACChanged,
				Severity: models.SeverityHigh,
				Message:  fmt.Sprintf("gateway %s changed MAC from %s to %s", gwIP, e.lastGatewayMAC, gwMAC),
				IP:       gwIP,
				OldMAC:   e.lastGatewayMAC,
				NewMAC:   gwMAC,
			})
			e.logger.Warn().Str("gateway", gwIP).Str("old", e.lastGatewayMAC).Str("new", gwMAC).Msg("gateway mac changed")
		}

		// An unresolved MAC keeps the previous baseline for the same gateway.
		if gwMAC != "" || gwIP != e.lastGatewayIP {
			e.lastGatewayIP = gwIP
			e.lastGatewayMAC = gwMAC
		}
	}

	// 4. conflict events
	var conflicts []models.ArpEvent
	for _, ev := range e.events {
		if ev.Kind != models.EventIPConflictSuspected {
			continue
		}
		conflicts = append(conflicts, ev)
		if len(conflicts) == e.config.EmbeddedEvents {
			break
		}
	}
	if len(conflicts) > 0 {
		indicators = append(indicators, models.Indicator{
			Kind:     models.IndicatorARPConflictEvents,
			Severity: models.SeverityMedium,
			Message:  fmt.Sprintf("%d recent ARP replies conflicted with known mappings", len(conflicts)),
			Events:   conflicts,
		})
	}

	return models.MitmSummary{
		GatewayIP:         gwIP,
		GatewayMAC:        gwMAC,
		ARPMonitorRunning: running,
		Indicators:        indicators,
		RecentEvents:      e.copyEvents(),
	}
}

// RecentEvents returns the event log, newest first.
func (e *Engine) RecentEvents() []models.ArpEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copyEvents()
}

func (e *Engine) copyEvents() []models.ArpEvent {
	out := make([]models.ArpEvent, len(e.events))
	copy(out, e.events)
	return out
}

// addEvent prepends ev and trims the log to its configured size.
func (e *Engine) addEvent(ev models.ArpEvent) {
	e.events = append(e.events, models.ArpEvent{})
	copy(e.events[1:], e.events)
	e.events[0] = ev

	if len(e.events) > e.config.EventLogSize {
		e.events = e.events[:e.config.EventLogSize]
	}
}

func (e *Engine) addMAC(ip, mac string) {
	set, ok := e.ipToMACs[ip]
	if !ok {
		set = make(map[string]struct{})
		e.ipToMACs[ip] = set
	}
	set[mac] = struct{}{}
}

func sortedMACs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func ipLess(a, b string) bool {
	x, errA := netip.ParseAddr(a)
	y, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return a < b
	}
	return x.Less(y)
}
