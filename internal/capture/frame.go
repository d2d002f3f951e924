package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	// ErrNotIP marks frames without an IPv4/IPv6 header.
	ErrNotIP = errors.New("not an IP frame")
	// ErrMalformed marks frames whose headers could not be read.
	ErrMalformed = errors.New("malformed frame")
)

// DropError is returned for frames that are expected noise on the wire.
// Capture loops log and skip them; any other error is a real failure.
type DropError struct {
	Err    error
	Detail string
}

func (e *DropError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Detail)
}

func (e *DropError) Unwrap() error { return e.Err }

// IsDrop reports whether err is a per-frame drop.
func IsDrop(err error) bool {
	var d *DropError
	return errors.As(err, &d)
}

// Frame is the backend-independent view of a captured IP frame.
type Frame struct {
	Timestamp time.Time
	SrcIP     string
	DstIP     string
	Proto     uint8
	SrcPort   uint16
	DstPort   uint16
	Length    int
	Payload   []byte
}

// FrameFromPacket extracts a Frame from a decoded gopacket packet.
func FrameFromPacket(p gopacket.Packet) (Frame, error) {
	f := Frame{Length: len(p.Data())}

	if md := p.Metadata(); md != nil {
		f.Timestamp = md.Timestamp
		if md.Length > 0 {
			f.Length = md.Length
		}
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}

	switch ip := p.NetworkLayer().(type) {
	case *layers.IPv4:
		f.SrcIP = ip.SrcIP.String()
		f.DstIP = ip.DstIP.String()
		f.Proto = uint8(ip.Protocol)
	case *layers.IPv6:
		f.SrcIP = ip.SrcIP.String()
		f.DstIP = ip.DstIP.String()
		f.Proto = uint8(ip.NextHeader)
	default:
		if el := p.ErrorLayer(); el != nil {
			return Frame{}, &DropError{Err: ErrMalformed, Detail: el.Error().Error()}
		}
		return Frame{}, &DropError{Err: ErrNotIP}
	}

	switch t := p.TransportLayer().(type) {
	case *layers.TCP:
		f.SrcPort, f.DstPort = uint16(t.SrcPort), uint16(t.DstPort)
	case *layers.UDP:
		f.SrcPort, f.DstPort = uint16(t.SrcPort), uint16(t.DstPort)
	}

	if app := p.ApplicationLayer(); app != nil {
		f.Payload = app.Payload()
	}

	return f, nil
}
