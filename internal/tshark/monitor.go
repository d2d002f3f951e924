package tshark

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"netwarden/internal/capture"
)

// EKSource streams frames from a `tshark -T ek` child process.
type EKSource struct {
	logger  zerolog.Logger
	path    string
	iface   string
	snapLen int
}

// EKOpener returns a capture.Opener backed by tshark at path. It fails with
// ErrToolNotFound when the binary cannot be found.
func EKOpener(logger zerolog.Logger, path string, snapLen int, lookPath func(string) (string, error)) capture.Opener {
	return func(iface string) (capture.Source, error) {
		resolved, err := lookPath(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, path)
		}
		return &EKSource{logger: logger, path: resolved, iface: iface, snapLen: snapLen}, nil
	}
}

func (s *EKSource) args() []string {
	// -l: flush stdout after each packet
	// -n: disable name resolution
	// -T ek: output in Elasticsearch JSON format
	args := []string{"-l", "-n", "-T", "ek"}
	for _, f := range ekFields {
		args = append(args, "-e", f)
	}
	if s.snapLen > 0 {
		args = append(args, "-s", strconv.Itoa(s.snapLen))
	}
	args = append(args, "-f", "ip or ip6")

	if s.iface != "" {
		args = append([]string{"-i", s.iface}, args...)
	}
	return args
}

// Run starts tshark and emits one Frame per parsed packet until ctx is
// cancelled or tshark exits.
func (s *EKSource) Run(ctx context.Context, emit func(capture.Frame)) error {
	cmd := exec.CommandContext(ctx, s.path, s.args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start tshark: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()

		// -T ek interleaves index lines with packet lines; only the latter carry "layers".
		if !strings.Contains(string(line), `"layers"`) {
			continue
		}

		var ek EkPacket
		if err := json.Unmarshal(line, &ek); err != nil {
			s.logger.Trace().Err(err).Msg("ek line dropped")
			continue
		}

		f, err := FrameFromEK(ek)
		if err != nil {
			s.logger.Trace().Err(err).Msg("frame dropped")
			continue
		}
		emit(f)
	}

	// tshark blocks on a full pipe once we stop reading
	scanErr := scanner.Err()
	if scanErr != nil {
		_ = cmd.Process.Kill()
	}

	err = cmd.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if scanErr != nil {
		return fmt.Errorf("failed to read tshark output: %w", scanErr)
	}
	if err != nil {
		return fmt.Errorf("tshark exited: %w", err)
	}
	return nil
}

// FrameFromEK converts one ek record into a Frame. Records without an IP
// header are reported as capture.ErrNotIP drops.
func FrameFromEK(ek EkPacket) (capture.Frame, error) {
	l := ek.Layers
	f := capture.Frame{Timestamp: ekTime(ek.Timestamp)}

	switch {
	case len(l.IPSrc) > 0 || len(l.IPDst) > 0:
		f.SrcIP, f.DstIP = first(l.IPSrc), first(l.IPDst)
		f.Proto = parseUint8(first(l.IPProto))
	case len(l.IPv6Src) > 0 || len(l.IPv6Dst) > 0:
		f.SrcIP, f.DstIP = first(l.IPv6Src), first(l.IPv6Dst)
		f.Proto = parseUint8(first(l.IPv6Next))
	default:
		return capture.Frame{}, &capture.DropError{Err: capture.ErrNotIP, Detail: "no ip layer in ek record"}
	}
	if f.SrcIP == "" || f.DstIP == "" {
		return capture.Frame{}, &capture.DropError{Err: capture.ErrMalformed, Detail: "missing ip address"}
	}

	f.Length, _ = strconv.Atoi(first(l.FrameLen))

	switch {
	case len(l.TCPSrcPort) > 0 || len(l.TCPDstPort) > 0:
		f.Proto = 6
		f.SrcPort = parseUint16(first(l.TCPSrcPort))
		f.DstPort = parseUint16(first(l.TCPDstPort))
	case len(l.UDPSrcPort) > 0 || len(l.UDPDstPort) > 0:
		f.Proto = 17
		f.SrcPort = parseUint16(first(l.UDPSrcPort))
		f.DstPort = parseUint16(first(l.UDPDstPort))
	}

	for _, raw := range [][]string{l.TCPPayload, l.UDPPayload, l.Data} {
		if p := decodeHex(first(raw)); len(p) > 0 {
			f.Payload = p
			break
		}
	}
	return f, nil
}

// ekTime parses the millisecond epoch timestamp of an ek record.
func ekTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		return time.Now()
	}
	return time.UnixMilli(ms)
}

func decodeHex(s string) []byte {
	if s == "" {
		return nil
	}
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return nil
	}
	return b
}

func parseUint8(s string) uint8 {
	v, _ := strconv.ParseUint(s, 10, 8)
	return uint8(v)
}

func parseUint16(s string) uint16 {
	v, _ := strconv.ParseUint(s, 10, 16)
	return uint16(v)
}
