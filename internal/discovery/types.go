package discovery

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"netwarden/internal/models"
)

var (
	ErrInvalidCIDR   = errors.New("invalid IPv4 CIDR")
	ErrPublicNetwork = errors.New("only RFC1918 private networks may be swept")
)

const (
	MinHosts     = 16
	MaxHosts     = 512
	DefaultHosts = 256
)

// Pinger sends one best-effort echo request to ip.
type Pinger interface {
	Ping(ctx context.Context, ip netip.Addr) error
}

// NeighborSource provides snapshots of the OS neighbor table.
type NeighborSource interface {
	Neighbors(ctx context.Context) ([]models.NeighborEntry, error)
}

// ScanConfig controls the sweep behavior.
type ScanConfig struct {
	// RateLimit is the delay between pings. Defaults to 20ms.
	RateLimit time.Duration
	// PingTimeout bounds each ping. Defaults to 1s.
	PingTimeout time.Duration
	// ProgressEvery is how many hosts pass between progress notifications.
	// Defaults to 16.
	ProgressEvery int
	// LocalNetworks returns candidate networks used when no CIDR is given.
	LocalNetworks func() ([]netip.Prefix, error)
	// OnProgress, if set, is called with a job snapshot on every progress
	// notification and on completion.
	OnProgress func(models.DiscoveryJob)
}

func applyDefaults(cfg *ScanConfig) ScanConfig {
	if cfg == nil {
		return ScanConfig{
			RateLimit:     20 * time.Millisecond,
			PingTimeout:   time.Second,
			ProgressEvery: 16,
		}
	}

	out := *cfg
	if out.RateLimit <= 0 {
		out.RateLimit = 20 * time.Millisecond
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = time.Second
	}
	if out.ProgressEvery <= 0 {
		out.ProgressEvery = 16
	}
	return out
}

// ClampHosts bounds a requested host count. Zero or negative selects the default.
func ClampHosts(n int) int {
	switch {
	case n <= 0:
		return DefaultHosts
	case n < MinHosts:
		return MinHosts
	case n > MaxHosts:
		return MaxHosts
	}
	return n
}
