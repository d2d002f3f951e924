package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog"
)

// Source is a live capture subscription. Run blocks, handing every IP frame
// to emit, until ctx is cancelled or the underlying reader fails.
type Source interface {
	Run(ctx context.Context, emit func(Frame)) error
}

// Opener opens a Source on the named interface. An empty name selects the
// backend's default interface.
type Opener func(iface string) (Source, error)

// PcapSource reads frames from a libpcap handle.
type PcapSource struct {
	logger zerolog.Logger
	handle *pcap.Handle
}

// readTimeout bounds each blocking read so cancellation is noticed promptly.
const readTimeout = 500 * time.Millisecond

// OpenPcap opens iface for capture and applies the BPF expression.
func OpenPcap(logger zerolog.Logger, iface string, snapLen int, bpf string) (*PcapSource, error) {
	if iface == "" {
		dev, err := DefaultDevice()
		if err != nil {
			return nil, err
		}
		iface = dev
	}

	handle, err := pcap.OpenLive(iface, int32(snapLen), true, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("could not open %s for capture (are capture privileges missing?): %w", iface, err)
	}

	if bpf != "" {
		if err := handle.SetBPFFilter(bpf); err != nil {
			handle.Close()
			return nil, fmt.Errorf("could not set BPF filter %q: %w", bpf, err)
		}
	}

	return &PcapSource{logger: logger, handle: handle}, nil
}

// PcapOpener returns an Opener for IP traffic on the pcap backend.
func PcapOpener(logger zerolog.Logger, snapLen int) Opener {
	return func(iface string) (Source, error) {
		return OpenPcap(logger, iface, snapLen, "ip or ip6")
	}
}

// Run implements Source. The handle is closed when Run returns.
func (s *PcapSource) Run(ctx context.Context, emit func(Frame)) error {
	defer s.handle.Close()

	linkType := s.handle.LinkType()
	for {
		if ctx.Err() != nil {
			return nil
		}

		data, ci, err := s.handle.ReadPacketData()
		switch {
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("capture read failed: %w", err)
		}

		pkt := gopacket.NewPacket(data, linkType, gopacket.Default)
		md := pkt.Metadata()
		md.CaptureInfo = ci

		f, err := FrameFromPacket(pkt)
		if err != nil {
			s.logger.Trace().Err(err).Msg("frame dropped")
			continue
		}
		emit(f)
	}
}

// DefaultDevice picks the first pcap device that is up, not loopback and has
// an IPv4 address.
func DefaultDevice() (string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return "", fmt.Errorf("could not list capture devices: %w", err)
	}

	for _, d := range devs {
		if d.Flags&0x1 != 0 { // PCAP_IF_LOOPBACK
			continue
		}
		for _, a := range d.Addresses {
			if ip4 := a.IP.To4(); ip4 != nil && !ip4.Equal(net.IPv4zero) {
				return d.Name, nil
			}
		}
	}

	return "", errors.New("no capture device with an IPv4 address found")
}
