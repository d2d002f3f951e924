package capture

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netwarden/internal/models"
)

// chanSource replays frames pushed by the test until cancelled.
type chanSource struct {
	frames chan Frame
}

func (c *chanSource) Run(ctx context.Context, emit func(Frame)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-c.frames:
			emit(f)
		}
	}
}

type harness struct {
	state  *CaptureState
	src    *chanSource
	opened atomic.Int32
}

func newHarness(capacity int) *harness {
	h := &harness{src: &chanSource{frames: make(chan Frame, 64)}}
	h.state = NewCaptureState(zerolog.Nop(), Options{
		Capacity: capacity,
		Open: func(iface string) (Source, error) {
			h.opened.Add(1)
			return h.src, nil
		},
	})
	return h
}

func frame(src, dst string, proto uint8, length int) Frame {
	return Frame{Timestamp: time.Now(), SrcIP: src, DstIP: dst, Proto: proto, Length: length}
}

// waitTotal blocks until the writer has processed n accepted frames.
func (h *harness) waitTotal(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.state.Status().Stats.PacketsTotal == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFilteredDirectionStats(t *testing.T) {
	h := newHarness(100)
	require.NoError(t, h.state.Start("10.0.0.5", ""))
	defer h.state.Stop()

	h.src.frames <- frame("10.0.0.5", "8.8.8.8", 6, 100)
	h.src.frames <- frame("8.8.8.8", "10.0.0.5", 17, 200)
	h.waitTotal(t, 2)

	assert.Equal(t, models.CaptureStats{
		PacketsTotal: 2,
		BytesTotal:   300,
		PacketsOut:   1,
		BytesOut:     100,
		PacketsIn:    1,
		BytesIn:      200,
	}, h.state.Status().Stats)
}

func TestFilterRejectsUnrelatedFrames(t *testing.T) {
	h := newHarness(100)
	require.NoError(t, h.state.Start("10.0.0.5", "eth0"))
	defer h.state.Stop()

	h.src.frames <- frame("10.0.0.7", "10.0.0.8", 6, 60)
	h.src.frames <- frame("10.0.0.5", "10.0.0.8", 6, 70)
	h.waitTotal(t, 1)

	pkts := h.state.Packets(0, 0)
	require.Len(t, pkts, 1)
	assert.Equal(t, "10.0.0.5", pkts[0].SrcIP)
}

func TestNoFilterKeepsDirectionZero(t *testing.T) {
	h := newHarness(100)
	require.NoError(t, h.state.Start("", ""))
	defer h.state.Stop()

	h.src.frames <- frame("1.1.1.1", "2.2.2.2", 6, 10)
	h.src.frames <- frame("2.2.2.2", "1.1.1.1", 17, 20)
	h.waitTotal(t, 2)

	st := h.state.Status().Stats
	assert.Zero(t, st.PacketsIn)
	assert.Zero(t, st.PacketsOut)
	assert.Equal(t, uint64(30), st.BytesTotal)
}

func TestStartWhileRunningOnlyUpdatesFilter(t *testing.T) {
	h := newHarness(100)
	require.NoError(t, h.state.Start("", "eth0"))
	defer h.state.Stop()

	h.src.frames <- frame("1.1.1.1", "2.2.2.2", 6, 10)
	h.waitTotal(t, 1)

	require.NoError(t, h.state.Start("2.2.2.2", "wlan0"))

	st := h.state.Status()
	assert.Equal(t, int32(1), h.opened.Load())
	assert.Equal(t, "2.2.2.2", st.FilterIP)
	assert.Equal(t, "wlan0", st.Iface)
	assert.Equal(t, uint64(1), st.Stats.PacketsTotal)
}

func TestRestartResetsCountersAndIDs(t *testing.T) {
	h := newHarness(100)
	require.NoError(t, h.state.Start("", ""))

	h.src.frames <- frame("1.1.1.1", "2.2.2.2", 6, 10)
	h.src.frames <- frame("1.1.1.1", "2.2.2.2", 6, 10)
	h.waitTotal(t, 2)

	h.state.Stop()
	st := h.state.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.BufferLen, "rows stay queryable after stop")

	require.NoError(t, h.state.Start("", ""))
	defer h.state.Stop()

	st = h.state.Status()
	assert.True(t, st.Running)
	assert.Equal(t, models.CaptureStats{}, st.Stats)
	assert.Zero(t, st.BufferLen)
	assert.Zero(t, st.LastID)
	assert.Equal(t, int32(2), h.opened.Load())
}

func TestRingBufferEviction(t *testing.T) {
	const capacity = 5
	h := newHarness(capacity)
	require.NoError(t, h.state.Start("", ""))
	defer h.state.Stop()

	for i := 0; i < 12; i++ {
		h.src.frames <- frame("1.1.1.1", "2.2.2.2", 17, i+1)
	}
	h.waitTotal(t, 12)

	st := h.state.Status()
	assert.Equal(t, capacity, st.BufferLen)
	assert.Equal(t, uint64(12), st.LastID)

	pkts := h.state.Packets(0, 0)
	require.Len(t, pkts, capacity)
	nextID := st.LastID + 1
	assert.Equal(t, nextID-capacity, pkts[0].ID)
	for i := 1; i < len(pkts); i++ {
		assert.Equal(t, pkts[i-1].ID+1, pkts[i].ID)
	}
}

func TestPacketsSinceAndLimit(t *testing.T) {
	h := newHarness(100)
	require.NoError(t, h.state.Start("", ""))
	defer h.state.Stop()

	for i := 0; i < 10; i++ {
		h.src.frames <- frame("1.1.1.1", "2.2.2.2", 6, 10)
	}
	h.waitTotal(t, 10)

	tcs := []struct {
		name    string
		since   uint64
		limit   int
		wantIDs []uint64
	}{
		{"all", 0, 0, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{"since", 7, 0, []uint64{8, 9, 10}},
		{"limit keeps most recent", 0, 3, []uint64{8, 9, 10}},
		{"since and limit", 2, 2, []uint64{9, 10}},
		{"caught up", 10, 5, []uint64{}},
		{"ahead of buffer", 99, 5, []uint64{}},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			pkts := h.state.Packets(tc.since, tc.limit)
			ids := make([]uint64, 0, len(pkts))
			for _, p := range pkts {
				assert.Greater(t, p.ID, tc.since)
				ids = append(ids, p.ID)
			}
			assert.Equal(t, tc.wantIDs, ids)
		})
	}
}

func TestSetFilterIsNotRetroactive(t *testing.T) {
	h := newHarness(100)
	require.NoError(t, h.state.Start("", ""))
	defer h.state.Stop()

	h.src.frames <- frame("1.1.1.1", "2.2.2.2", 6, 10)
	h.waitTotal(t, 1)

	h.state.SetFilter(" 3.3.3.3 ")
	assert.Equal(t, "3.3.3.3", h.state.Status().FilterIP)

	h.src.frames <- frame("1.1.1.1", "2.2.2.2", 6, 10)
	h.src.frames <- frame("3.3.3.3", "2.2.2.2", 6, 10)
	h.waitTotal(t, 2)

	assert.Len(t, h.state.Packets(0, 0), 2)
}

func TestStartOpenFailure(t *testing.T) {
	state := NewCaptureState(zerolog.Nop(), Options{
		Open: func(iface string) (Source, error) {
			return nil, errors.New("permission denied")
		},
	})

	err := state.Start("", "eth9")
	require.Error(t, err)

	st := state.Status()
	assert.False(t, st.Running)
	assert.Equal(t, "permission denied", st.Error)
}

type failingSource struct{}

func (failingSource) Run(ctx context.Context, emit func(Frame)) error {
	return errors.New("interface went away")
}

func TestSubscriptionFailureEndsSession(t *testing.T) {
	state := NewCaptureState(zerolog.Nop(), Options{
		Open: func(iface string) (Source, error) { return failingSource{}, nil },
	})
	require.NoError(t, state.Start("", ""))

	require.Eventually(t, func() bool {
		return !state.Status().Running
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, state.Status().Error, "interface went away")
}

type ctxFailingSource struct {
	ctxs chan context.Context
}

func (s ctxFailingSource) Run(ctx context.Context, emit func(Frame)) error {
	s.ctxs <- ctx
	return errors.New("interface went away")
}

func TestSubscriptionFailureCancelsSession(t *testing.T) {
	src := ctxFailingSource{ctxs: make(chan context.Context, 1)}
	state := NewCaptureState(zerolog.Nop(), Options{
		Open: func(iface string) (Source, error) { return src, nil },
	})
	require.NoError(t, state.Start("", ""))

	var ctx context.Context
	select {
	case ctx = <-src.ctxs:
	case <-time.After(2 * time.Second):
		t.Fatal("source never ran")
	}
	require.Eventually(t, func() bool { return ctx.Err() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, state.Status().Running)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(10)
	h.state.Stop()
	require.NoError(t, h.state.Start("", ""))
	h.state.Stop()
	h.state.Stop()
	assert.False(t, h.state.Status().Running)
}

func TestNormalize(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tcs := []struct {
		name      string
		frame     Frame
		policy    DecodePolicy
		wantProto string
		wantText  string
		wantPlain bool
	}{
		{
			name:      "tcp text",
			frame:     Frame{SrcIP: "10.0.0.5", DstIP: "1.1.1.1", Proto: 6, SrcPort: 51514, DstPort: 80, Payload: []byte("GET / HTTP/1.1")},
			policy:    DecodeStrict,
			wantProto: models.ProtoTCP,
			wantText:  "GET / HTTP/1.1",
			wantPlain: true,
		},
		{
			name:      "udp binary strict",
			frame:     Frame{SrcIP: "10.0.0.5", DstIP: "1.1.1.1", Proto: 17, Payload: []byte{0xff, 0xfe, 0x00}},
			policy:    DecodeStrict,
			wantProto: models.ProtoUDP,
			wantText:  "//4A",
			wantPlain: false,
		},
		{
			name:      "udp binary lossy",
			frame:     Frame{SrcIP: "10.0.0.5", DstIP: "1.1.1.1", Proto: 17, Payload: []byte{'a', 0xff, 'b'}},
			policy:    DecodeLossy,
			wantProto: models.ProtoUDP,
			wantText:  "a\uFFFDb",
			wantPlain: true,
		},
		{
			name:      "icmp no payload",
			frame:     Frame{SrcIP: "10.0.0.5", DstIP: "1.1.1.1", Proto: 1},
			policy:    DecodeStrict,
			wantProto: models.ProtoICMP,
			wantText:  "",
			wantPlain: false,
		},
		{
			name:      "gre is other",
			frame:     Frame{SrcIP: "10.0.0.5", DstIP: "1.1.1.1", Proto: 47},
			policy:    DecodeStrict,
			wantProto: models.ProtoOther,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			tc.frame.Timestamp = ts
			tc.frame.Length = 100
			row, err := Normalize(tc.frame, tc.policy)
			require.NoError(t, err)
			assert.Equal(t, tc.wantProto, row.Protocol)
			assert.Equal(t, tc.wantText, row.Payload)
			assert.Equal(t, tc.wantPlain, row.IsPlainText)
			assert.Equal(t, 100, row.Length)
			assert.Zero(t, row.ID)
			assert.Equal(t, "03:04:05", row.Timestamp)
		})
	}
}

func TestNormalizeSummaryCarriesService(t *testing.T) {
	row, err := Normalize(Frame{SrcIP: "10.0.0.5", DstIP: "1.1.1.1", Proto: 6, SrcPort: 51514, DstPort: 443, Length: 100}, DecodeStrict)
	require.NoError(t, err)
	assert.Equal(t, "TCP 10.0.0.5:51514 > 1.1.1.1:443 (HTTPS) len=100", row.Summary)
}

func TestNormalizeMissingAddressIsDrop(t *testing.T) {
	_, err := Normalize(Frame{SrcIP: "10.0.0.5"}, DecodeStrict)
	require.Error(t, err)
	assert.True(t, IsDrop(err))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseDecodePolicy(t *testing.T) {
	p, err := ParseDecodePolicy("LOSSY")
	require.NoError(t, err)
	assert.Equal(t, DecodeLossy, p)

	p, err = ParseDecodePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DecodeStrict, p)

	_, err = ParseDecodePolicy("hex")
	assert.Error(t, err)
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func TestFrameFromPacketTCP(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0xaa, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0xaa, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{10, 0, 0, 5},
		DstIP:    net.IP{8, 8, 8, 8},
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 80, PSH: true, ACK: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	data := serialize(t, eth, ip, tcp, gopacket.Payload([]byte("hello")))
	pkt := gopacket.NewPacket(data, layers.LinkTypeEthernet, gopacket.Default)

	f, err := FrameFromPacket(pkt)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", f.SrcIP)
	assert.Equal(t, "8.8.8.8", f.DstIP)
	assert.Equal(t, uint8(6), f.Proto)
	assert.Equal(t, uint16(40000), f.SrcPort)
	assert.Equal(t, uint16(80), f.DstPort)
	assert.Equal(t, []byte("hello"), f.Payload)
	assert.Equal(t, len(data), f.Length)
	assert.False(t, f.Timestamp.IsZero())
}

func TestFrameFromPacketARPIsNotIP(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0xaa, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0xaa, 0, 0, 0, 0, 1},
		SourceProtAddress: []byte{192, 168, 1, 10},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{192, 168, 1, 1},
	}

	pkt := gopacket.NewPacket(serialize(t, eth, arp), layers.LinkTypeEthernet, gopacket.Default)
	_, err := FrameFromPacket(pkt)
	require.Error(t, err)
	assert.True(t, IsDrop(err))
	assert.ErrorIs(t, err, ErrNotIP)
}
