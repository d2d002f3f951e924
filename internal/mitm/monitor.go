package mitm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog"
)

var (
	ErrNotARP       = errors.New("not an ARP frame")
	ErrMalformedARP = errors.New("malformed ARP frame")
)

// Observation is the sender mapping of one ARP frame.
type Observation struct {
	IP  string
	MAC string
	Op  string
}

// ARPSource delivers ARP observations until ctx is cancelled or the
// underlying capture fails.
type ARPSource interface {
	Run(ctx context.Context, emit func(Observation)) error
}

// ARPOpener opens an ARP-only capture on iface ("" for the default device).
type ARPOpener func(iface string) (ARPSource, error)

type monitor struct {
	cancel context.CancelFunc
}

// StartMonitor starts the passive ARP sniffer. It is a no-op when one is
// already running.
func (e *Engine) StartMonitor(iface string) error {
	e.monMu.Lock()
	defer e.monMu.Unlock()

	if e.monitor != nil {
		return nil
	}
	if e.openARP == nil {
		return errors.New("no ARP capture backend configured")
	}

	src, err := e.openARP(iface)
	if err != nil {
		return fmt.Errorf("open arp monitor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &monitor{cancel: cancel}
	e.monitor = m

	go func() {
		err := src.Run(ctx, func(o Observation) {
			e.ObserveARP(o.IP, o.MAC, o.Op)
		})
		if err != nil && ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("arp monitor failed")
		}

		e.monMu.Lock()
		if e.monitor == m {
			e.monitor = nil
		}
		e.monMu.Unlock()
	}()

	e.logger.Info().Str("iface", iface).Msg("arp monitor started")
	return nil
}

// StopMonitor stops the passive ARP sniffer if it is running.
func (e *Engine) StopMonitor() {
	e.monMu.Lock()
	m := e.monitor
	e.monitor = nil
	e.monMu.Unlock()

	if m != nil {
		m.cancel()
		e.logger.Info().Msg("arp monitor stopped")
	}
}

// MonitorRunning reports whether the passive ARP sniffer is active.
func (e *Engine) MonitorRunning() bool {
	e.monMu.Lock()
	defer e.monMu.Unlock()
	return e.monitor != nil
}

// DecodeARP extracts the sender mapping from an ARP packet.
func DecodeARP(p gopacket.Packet) (Observation, error) {
	layer := p.Layer(layers.LayerTypeARP)
	if layer == nil {
		return Observation{}, ErrNotARP
	}
	arp, ok := layer.(*layers.ARP)
	if !ok {
		return Observation{}, ErrNotARP
	}
	if len(arp.SourceProtAddress) != net.IPv4len || len(arp.SourceHwAddress) != 6 {
		return Observation{}, ErrMalformedARP
	}

	ip := net.IP(arp.SourceProtAddress)
	if ip.IsUnspecified() {
		// ARP probes carry 0.0.0.0 as sender
		return Observation{}, ErrMalformedARP
	}

	op := "other"
	switch arp.Operation {
	case layers.ARPRequest:
		op = "request"
	case layers.ARPReply:
		op = "reply"
	}

	return Observation{
		IP:  ip.String(),
		MAC: net.HardwareAddr(arp.SourceHwAddress).String(),
		Op:  op,
	}, nil
}

// PcapARPSource reads ARP frames from a live pcap handle.
type PcapARPSource struct {
	logger zerolog.Logger
	handle *pcap.Handle
}

// PcapARPOpener returns an ARPOpener backed by libpcap with an "arp" BPF.
// defaultIface resolves "" to a device name.
func PcapARPOpener(logger zerolog.Logger, defaultIface func() (string, error)) ARPOpener {
	return func(iface string) (ARPSource, error) {
		if iface == "" {
			name, err := defaultIface()
			if err != nil {
				return nil, err
			}
			iface = name
		}

		handle, err := pcap.OpenLive(iface, 256, true, 500*time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("could not open handle: %w", err)
		}
		if err := handle.SetBPFFilter("arp"); err != nil {
			handle.Close()
			return nil, fmt.Errorf("could not set BPF filter: %w", err)
		}
		return &PcapARPSource{logger: logger, handle: handle}, nil
	}
}

// Run reads frames until ctx is done. Undecodable frames are skipped.
func (s *PcapARPSource) Run(ctx context.Context, emit func(Observation)) error {
	defer s.handle.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}

		data, ci, err := s.handle.ReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		p := gopacket.NewPacket(data, s.handle.LinkType(), gopacket.NoCopy)
		p.Metadata().CaptureInfo = ci

		o, err := DecodeARP(p)
		if err != nil {
			s.logger.Trace().Err(err).Msg("arp frame dropped")
			continue
		}
		emit(o)
	}
}
