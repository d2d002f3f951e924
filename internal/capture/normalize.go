package capture

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"netwarden/internal/analysis"
	"netwarden/internal/models"
)

// DecodePolicy selects how non-UTF-8 payloads are rendered.
type DecodePolicy string

const (
	// DecodeStrict keeps valid UTF-8 as text and base64-encodes everything else.
	DecodeStrict DecodePolicy = "strict"
	// DecodeLossy replaces invalid sequences with U+FFFD and always reports text.
	DecodeLossy DecodePolicy = "lossy"
)

// ParseDecodePolicy validates a policy name.
func ParseDecodePolicy(s string) (DecodePolicy, error) {
	switch DecodePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case DecodeStrict, "":
		return DecodeStrict, nil
	case DecodeLossy:
		return DecodeLossy, nil
	}
	return "", fmt.Errorf("unknown decode policy %q", s)
}

// ProtocolName maps an IP protocol number to the PacketRow tag.
func ProtocolName(proto uint8) string {
	switch proto {
	case 6:
		return models.ProtoTCP
	case 17:
		return models.ProtoUDP
	case 1:
		return models.ProtoICMP
	}
	return models.ProtoOther
}

// DecodePayload renders payload bytes according to the policy.
func DecodePayload(b []byte, policy DecodePolicy) (string, bool) {
	if len(b) == 0 {
		return "", false
	}
	if utf8.Valid(b) {
		return string(b), true
	}
	if policy == DecodeLossy {
		return strings.ToValidUTF8(string(b), "\uFFFD"), true
	}
	return base64.StdEncoding.EncodeToString(b), false
}

// Normalize converts a frame into a PacketRow without an ID.
// It has no side effects; IDs are assigned when the row enters the buffer.
func Normalize(f Frame, policy DecodePolicy) (models.PacketRow, error) {
	if f.SrcIP == "" || f.DstIP == "" {
		return models.PacketRow{}, &DropError{Err: ErrMalformed, Detail: "missing address"}
	}

	proto := ProtocolName(f.Proto)
	payload, plain := DecodePayload(f.Payload, policy)

	return models.PacketRow{
		TS:          float64(f.Timestamp.UnixNano()) / 1e9,
		Timestamp:   f.Timestamp.Format("15:04:05"),
		SrcIP:       f.SrcIP,
		DstIP:       f.DstIP,
		Protocol:    proto,
		Length:      f.Length,
		Summary:     summarize(f, proto),
		Payload:     payload,
		IsPlainText: plain,
		Captured:    f.Timestamp,
	}, nil
}

func summarize(f Frame, proto string) string {
	switch proto {
	case models.ProtoTCP, models.ProtoUDP:
		return fmt.Sprintf("%s %s > %s (%s) len=%d",
			proto,
			joinHostPort(f.SrcIP, f.SrcPort),
			joinHostPort(f.DstIP, f.DstPort),
			analysis.ServiceLabel(f.SrcPort, f.DstPort),
			f.Length)
	case models.ProtoOther:
		return fmt.Sprintf("OTHER(proto %d) %s > %s len=%d", f.Proto, f.SrcIP, f.DstIP, f.Length)
	}
	return fmt.Sprintf("%s %s > %s len=%d", proto, f.SrcIP, f.DstIP, f.Length)
}

func joinHostPort(ip string, port uint16) string {
	if strings.Contains(ip, ":") {
		return fmt.Sprintf("[%s]:%d", ip, port)
	}
	return fmt.Sprintf("%s:%d", ip, port)
}
