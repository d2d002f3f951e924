package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"netwarden/internal/models"
	"netwarden/internal/probe"
)

// Discovery runs at most one neighbor-cache sweep at a time.
type Discovery struct {
	logger    zerolog.Logger
	config    ScanConfig
	pinger    Pinger
	neighbors NeighborSource

	mu      sync.Mutex
	job     models.DiscoveryJob
	results []models.NeighborEntry
}

// New creates an idle discovery job.
func New(logger zerolog.Logger, cfg *ScanConfig, pinger Pinger, neighbors NeighborSource) *Discovery {
	return &Discovery{
		logger:    logger,
		config:    applyDefaults(cfg),
		pinger:    pinger,
		neighbors: neighbors,
		results:   []models.NeighborEntry{},
	}
}

// Start validates the request and launches the sweep in the background. While
// a sweep is running the in-flight job is returned unchanged.
func (d *Discovery) Start(cidr string, maxHosts int) (models.DiscoveryJob, error) {
	d.mu.Lock()
	if d.job.Running {
		job := d.job
		d.mu.Unlock()
		return job, nil
	}
	d.mu.Unlock()

	prefix, err := d.resolvePrefix(cidr)
	if err != nil {
		return d.Status(), err
	}
	maxHosts = ClampHosts(maxHosts)
	hosts := Hosts(prefix, maxHosts)

	d.mu.Lock()
	if d.job.Running {
		job := d.job
		d.mu.Unlock()
		return job, nil
	}
	now := time.Now()
	d.job = models.DiscoveryJob{
		Running:   true,
		StartedAt: &now,
		CIDR:      prefix.String(),
		MaxHosts:  maxHosts,
		Total:     len(hosts),
	}
	d.results = []models.NeighborEntry{}
	job := d.job
	d.mu.Unlock()

	go d.sweep(prefix, hosts)

	d.logger.Info().Str("cidr", job.CIDR).Int("max_hosts", maxHosts).Int("hosts", len(hosts)).Msg("discovery started")
	return job, nil
}

// Status returns a snapshot of the current or last job.
func (d *Discovery) Status() models.DiscoveryJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.job
}

// Results returns the devices found by the last completed sweep and the job.
func (d *Discovery) Results() ([]models.NeighborEntry, models.DiscoveryJob) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]models.NeighborEntry, len(d.results))
	copy(out, d.results)
	return out, d.job
}

func (d *Discovery) resolvePrefix(cidr string) (netip.Prefix, error) {
	cidr = strings.TrimSpace(cidr)
	if cidr == "" {
		if d.config.LocalNetworks == nil {
			return netip.Prefix{}, fmt.Errorf("%w: no cidr given", ErrInvalidCIDR)
		}
		nets, err := d.config.LocalNetworks()
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: detect local network: %v", ErrInvalidCIDR, err)
		}
		if len(nets) == 0 {
			return netip.Prefix{}, fmt.Errorf("%w: no local private network detected", ErrInvalidCIDR)
		}
		cidr = nets[0].String()
	}
	return ParsePrivatePrefix(cidr)
}

// ParsePrivatePrefix parses an IPv4 CIDR and requires it to lie entirely
// inside the RFC1918 ranges.
func ParsePrivatePrefix(cidr string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidCIDR, cidr)
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%w: %q is not IPv4", ErrInvalidCIDR, cidr)
	}
	p = p.Masked()

	if !p.Addr().IsPrivate() || !lastAddr(p).IsPrivate() {
		return netip.Prefix{}, fmt.Errorf("%w: %s", ErrPublicNetwork, p)
	}
	return p, nil
}

// Hosts lists up to max host addresses of p in ascending order. The network
// and broadcast addresses are skipped for prefixes shorter than /31.
func Hosts(p netip.Prefix, max int) []netip.Addr {
	p = p.Masked()
	first := p.Addr()
	last := lastAddr(p)
	skipEnds := p.Bits() < 31

	var out []netip.Addr
	for ip := first; p.Contains(ip) && len(out) < max; ip = ip.Next() {
		if skipEnds && (ip == first || ip == last) {
			continue
		}
		out = append(out, ip)
		if ip == last {
			break
		}
	}
	return out
}

func lastAddr(p netip.Prefix) netip.Addr {
	a := p.Masked().Addr().As4()
	u := binary.BigEndian.Uint32(a[:])
	u |= uint32(1)<<(32-p.Bits()) - 1
	binary.BigEndian.PutUint32(a[:], u)
	return netip.AddrFrom4(a)
}

func (d *Discovery) sweep(prefix netip.Prefix, hosts []netip.Addr) {
	var err error

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep aborted: %v", r)
		}

		now := time.Now()
		d.mu.Lock()
		d.job.Running = false
		d.job.FinishedAt = &now
		if err != nil {
			d.job.Error = err.Error()
		}
		job := d.job
		d.mu.Unlock()

		if err != nil {
			d.logger.Error().Err(err).Str("cidr", job.CIDR).Msg("discovery failed")
		} else {
			d.logger.Info().Str("cidr", job.CIDR).Int("found", job.Found).Msg("discovery finished")
		}
		d.notify(job)
	}()

	ctx := context.Background()

	// Use a ticker to limit the rate slightly to avoid flooding the segment
	ticker := time.NewTicker(d.config.RateLimit)
	defer ticker.Stop()

	for i, ip := range hosts {
		<-ticker.C

		pctx, cancel := context.WithTimeout(ctx, d.config.PingTimeout)
		if perr := d.pinger.Ping(pctx, ip); perr != nil {
			d.logger.Trace().Err(perr).Str("ip", ip.String()).Msg("ping failed")
		}
		cancel()

		scanned := i + 1
		d.mu.Lock()
		d.job.Scanned = scanned
		job := d.job
		d.mu.Unlock()

		if scanned%d.config.ProgressEvery == 0 {
			d.logger.Debug().Int("scanned", scanned).Int("total", len(hosts)).Msg("discovery progress")
			d.notify(job)
		}
	}

	table, err := d.neighbors.Neighbors(ctx)
	if err != nil {
		err = fmt.Errorf("read neighbor table: %w", err)
		return
	}

	found := FilterNeighbors(table, prefix)

	d.mu.Lock()
	d.results = found
	d.job.Found = len(found)
	d.mu.Unlock()
}

func (d *Discovery) notify(job models.DiscoveryJob) {
	if d.config.OnProgress != nil {
		d.config.OnProgress(job)
	}
}

// FilterNeighbors keeps the entries inside prefix, one per IP, sorted by IP.
func FilterNeighbors(table []models.NeighborEntry, prefix netip.Prefix) []models.NeighborEntry {
	seen := make(map[netip.Addr]bool)
	out := []models.NeighborEntry{}

	for _, n := range table {
		ip, err := netip.ParseAddr(n.IP)
		if err != nil || !prefix.Contains(ip) || seen[ip] {
			continue
		}
		seen[ip] = true
		out = append(out, n)
	}

	sort.Slice(out, func(i, j int) bool {
		return netip.MustParseAddr(out[i].IP).Less(netip.MustParseAddr(out[j].IP))
	})
	return out
}

// ExecPinger pings with the system ping binary.
type ExecPinger struct{}

// Ping sends a single echo request. The context deadline bounds the wait.
func (ExecPinger) Ping(ctx context.Context, ip netip.Addr) error {
	timeout := time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	name, args := probe.PingArgs(ip.String(), 1, timeout)
	return exec.CommandContext(ctx, name, args...).Run()
}
