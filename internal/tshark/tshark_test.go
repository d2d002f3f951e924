package tshark

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netwarden/internal/capture"
)

type fakeProcess struct {
	pid        int
	exited     chan struct{}
	once       sync.Once
	mu         sync.Mutex
	interrupts int
	failSignal bool
	kills      int
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exited: make(chan struct{})}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *fakeProcess) exit() { p.once.Do(func() { close(p.exited) }) }

func (p *fakeProcess) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupts++
	if p.failSignal {
		return errors.New("not supported")
	}
	p.exit()
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills++
	p.exit()
	return nil
}

type harness struct {
	orch  *Orchestrator
	dir   string
	mu    sync.Mutex
	procs []*fakeProcess
	args  [][]string
}

func newHarness(t *testing.T, ifaces ...string) *harness {
	h := &harness{dir: t.TempDir()}
	h.orch = NewOrchestrator(zerolog.Nop(), OrchestratorConfig{
		Dir:        h.dir,
		TsharkPath: "tshark",
		LookPath:   func(string) (string, error) { return "/usr/bin/tshark", nil },
		Interfaces: func() map[string]bool {
			set := map[string]bool{}
			for _, i := range ifaces {
				set[i] = true
			}
			return set
		},
		Start: func(name string, args []string) (Process, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			p := newFakeProcess(1000 + len(h.procs))
			h.procs = append(h.procs, p)
			h.args = append(h.args, append([]string{name}, args...))
			return p, nil
		},
	})
	return h
}

func TestStartRegistersJob(t *testing.T) {
	h := newHarness(t, "eth0", "wlan0")

	job, err := h.orch.Start("eth0", 1000)
	require.NoError(t, err)
	assert.Equal(t, MaxDuration, job.DurationSeconds)
	assert.Equal(t, "eth0", job.Interface)
	assert.Equal(t, 1000, job.PID)
	assert.NotEmpty(t, job.CaptureID)

	dir, err := filepath.Abs(h.dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, job.Filename), job.Path)
	assert.Equal(t, []string{"/usr/bin/tshark", "-i", "eth0", "-a", "duration:300", "-w", job.Path}, h.args[0])

	jobs := h.orch.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, job.CaptureID, jobs[0].CaptureID)

	h.procs[0].exit()
	require.Eventually(t, func() bool { return len(h.orch.Jobs()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestStartFilenamesAreUnique(t *testing.T) {
	h := newHarness(t)

	a, err := h.orch.Start("", 1)
	require.NoError(t, err)
	b, err := h.orch.Start("", 1)
	require.NoError(t, err)

	assert.NotEqual(t, a.Filename, b.Filename)
	assert.Equal(t, MinDuration, a.DurationSeconds)
	assert.Equal(t, []string{"/usr/bin/tshark", "-a", "duration:5", "-w", a.Path}, h.args[0])
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, "eth0")
	_, err := h.orch.Start("eth9", 30)
	assert.ErrorIs(t, err, ErrUnknownInterface)

	// an empty enumeration passes names through
	h = newHarness(t)
	_, err = h.orch.Start("eth9", 30)
	assert.NoError(t, err)

	missing := NewOrchestrator(zerolog.Nop(), OrchestratorConfig{
		Dir:      t.TempDir(),
		LookPath: func(string) (string, error) { return "", errors.New("not found") },
		Start: func(string, []string) (Process, error) {
			t.Fatal("process must not be started")
			return nil, nil
		},
	})
	_, err = missing.Start("", 30)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestStopIsNonBlocking(t *testing.T) {
	h := newHarness(t)
	job, err := h.orch.Start("", 30)
	require.NoError(t, err)

	stopped, err := h.orch.Stop(job.CaptureID)
	require.NoError(t, err)
	assert.Equal(t, job.CaptureID, stopped.CaptureID)
	assert.Equal(t, 1, h.procs[0].interrupts)
	require.Eventually(t, func() bool { return len(h.orch.Jobs()) == 0 }, time.Second, 5*time.Millisecond)

	_, err = h.orch.Stop(job.CaptureID)
	assert.ErrorIs(t, err, ErrUnknownCapture)
}

func TestStopFallsBackToKill(t *testing.T) {
	h := newHarness(t)
	job, err := h.orch.Start("", 30)
	require.NoError(t, err)
	h.procs[0].failSignal = true

	_, err = h.orch.Stop(job.CaptureID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.procs[0].kills)
}

func touch(t *testing.T, dir, name string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestListFilesNewestFirst(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	touch(t, h.dir, "old.pcapng", now.Add(-2*time.Hour))
	touch(t, h.dir, "new.pcapng", now)
	touch(t, h.dir, "mid.pcap", now.Add(-time.Hour))
	require.NoError(t, os.Mkdir(filepath.Join(h.dir, "sub"), 0o755))

	files, err := h.orch.ListFiles()
	require.NoError(t, err)
	names := []string{}
	for _, f := range files {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"new.pcapng", "mid.pcap", "old.pcapng"}, names)

	empty := NewOrchestrator(zerolog.Nop(), OrchestratorConfig{Dir: filepath.Join(h.dir, "missing")})
	files, err = empty.ListFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestResolveFileRejectsTraversal(t *testing.T) {
	h := newHarness(t)
	touch(t, h.dir, "ok.pcapng", time.Now())

	path, err := h.orch.ResolveFile("ok.pcapng")
	require.NoError(t, err)
	assert.Equal(t, "ok.pcapng", filepath.Base(path))

	for _, name := range []string{"", ".", "..", "../etc/passwd", "sub/ok.pcapng", `..\x`, "/etc/passwd"} {
		_, err := h.orch.ResolveFile(name)
		assert.ErrorIs(t, err, ErrInvalidFilename, "name %q", name)
	}

	_, err = h.orch.ResolveFile("absent.pcapng")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestResolveFileRejectsSymlinkEscape(t *testing.T) {
	h := newHarness(t)
	secret := filepath.Join(t.TempDir(), "shadow")
	require.NoError(t, os.WriteFile(secret, []byte("root:x"), 0o600))
	if err := os.Symlink(secret, filepath.Join(h.dir, "x.pcapng")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := h.orch.ResolveFile("x.pcapng")
	assert.ErrorIs(t, err, ErrInvalidFilename)
	_, err = h.orch.Inspect("x.pcapng")
	assert.ErrorIs(t, err, ErrInvalidFilename)

	// links that stay inside the directory are fine
	touch(t, h.dir, "real.pcapng", time.Now())
	require.NoError(t, os.Symlink(filepath.Join(h.dir, "real.pcapng"), filepath.Join(h.dir, "alias.pcapng")))
	path, err := h.orch.ResolveFile("alias.pcapng")
	require.NoError(t, err)
	assert.Equal(t, "real.pcapng", filepath.Base(path))

	require.NoError(t, os.Symlink(filepath.Join(h.dir, "gone.pcapng"), filepath.Join(h.dir, "dangling.pcapng")))
	_, err = h.orch.ResolveFile("dangling.pcapng")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func writeUDP(t *testing.T, n int) [][]byte {
	t.Helper()
	var out [][]byte
	for i := 0; i < n; i++ {
		eth := &layers.Ethernet{
			SrcMAC:       []byte{0xaa, 0, 0, 0, 0, 1},
			DstMAC:       []byte{0xaa, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: []byte{10, 0, 0, 1}, DstIP: []byte{10, 0, 0, 2}}
		udp := &layers.UDP{SrcPort: 5000, DstPort: 53}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		buf := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, eth, ip, udp, gopacket.Payload([]byte("q"))))
		out = append(out, buf.Bytes())
	}
	return out
}

func TestInspectPcap(t *testing.T) {
	h := newHarness(t)
	f, err := os.Create(filepath.Join(h.dir, "legacy.pcap"))
	require.NoError(t, err)

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	base := time.Unix(1767225600, 0).UTC()
	for i, data := range writeUDP(t, 3) {
		ci := gopacket.CaptureInfo{Timestamp: base.Add(time.Duration(i) * time.Second), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	require.NoError(t, f.Close())

	info, err := h.orch.Inspect("legacy.pcap")
	require.NoError(t, err)
	assert.Equal(t, "pcap", info.Format)
	assert.Equal(t, "Ethernet", info.LinkType)
	assert.Equal(t, 3, info.Packets)
	require.NotNil(t, info.FirstTS)
	require.NotNil(t, info.LastTS)
	assert.True(t, base.Equal(*info.FirstTS))
	assert.True(t, base.Add(2*time.Second).Equal(*info.LastTS))
}

func TestInspectPcapng(t *testing.T) {
	h := newHarness(t)
	f, err := os.Create(filepath.Join(h.dir, "ng.pcapng"))
	require.NoError(t, err)

	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	require.NoError(t, err)
	for _, data := range writeUDP(t, 2) {
		ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	require.NoError(t, w.Flush())
	require.NoError(t, f.Close())

	info, err := h.orch.Inspect("ng.pcapng")
	require.NoError(t, err)
	assert.Equal(t, "pcapng", info.Format)
	assert.Equal(t, 2, info.Packets)
}

func TestInspectGarbage(t *testing.T) {
	h := newHarness(t)
	touch(t, h.dir, "junk.pcap", time.Now())
	_, err := h.orch.Inspect("junk.pcap")
	assert.Error(t, err)
}

func TestFrameFromEK(t *testing.T) {
	line := `{"timestamp":"1767225600123","layers":{"frame_len":["120"],"ip_src":["10.0.0.5"],"ip_dst":["1.1.1.1"],"ip_proto":["6"],"tcp_srcport":["51514"],"tcp_dstport":["443"],"tcp_payload":["68:69"]}}`

	var ek EkPacket
	require.NoError(t, json.Unmarshal([]byte(line), &ek))

	f, err := FrameFromEK(ek)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", f.SrcIP)
	assert.Equal(t, "1.1.1.1", f.DstIP)
	assert.Equal(t, uint8(6), f.Proto)
	assert.Equal(t, uint16(51514), f.SrcPort)
	assert.Equal(t, uint16(443), f.DstPort)
	assert.Equal(t, 120, f.Length)
	assert.Equal(t, []byte("hi"), f.Payload)
	assert.Equal(t, int64(1767225600123), f.Timestamp.UnixMilli())
}

func TestFrameFromEKVariants(t *testing.T) {
	v6 := EkPacket{Layers: EkLayers{IPv6Src: []string{"fe80::1"}, IPv6Dst: []string{"fe80::2"}, IPv6Next: []string{"17"}, UDPSrcPort: []string{"5353"}, UDPDstPort: []string{"5353"}, Data: []string{"6869"}}}
	f, err := FrameFromEK(v6)
	require.NoError(t, err)
	assert.Equal(t, uint8(17), f.Proto)
	assert.Equal(t, []byte("hi"), f.Payload)

	icmp := EkPacket{Layers: EkLayers{IPSrc: []string{"10.0.0.1"}, IPDst: []string{"10.0.0.2"}, IPProto: []string{"1"}, FrameLen: []string{"98"}}}
	f, err = FrameFromEK(icmp)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), f.Proto)
	assert.Nil(t, f.Payload)

	_, err = FrameFromEK(EkPacket{Layers: EkLayers{FrameLen: []string{"60"}}})
	assert.ErrorIs(t, err, capture.ErrNotIP)
	assert.True(t, capture.IsDrop(err))
}

func TestEKOpenerToolMissing(t *testing.T) {
	open := EKOpener(zerolog.Nop(), "tshark", 0, func(string) (string, error) { return "", errors.New("nope") })
	_, err := open("eth0")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestEKArgs(t *testing.T) {
	s := &EKSource{path: "tshark", iface: "eth0", snapLen: 256}
	args := s.args()
	assert.Equal(t, []string{"-i", "eth0", "-l", "-n", "-T", "ek"}, args[:6])
	assert.Contains(t, args, "data.data")
	assert.Equal(t, []string{"-s", "256", "-f", "ip or ip6"}, args[len(args)-4:])
}

func TestEKSourceOverlongLineDoesNotHang(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	// one endless line: the scanner gives up at its 4 MiB limit
	script := filepath.Join(t.TempDir(), "tshark")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nyes a | tr -d '\\n'\n"), 0o755))

	src := &EKSource{logger: zerolog.Nop(), path: script}
	done := make(chan error, 1)
	go func() { done <- src.Run(context.Background(), func(capture.Frame) {}) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, bufio.ErrTooLong)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after the scanner stopped")
	}
}
