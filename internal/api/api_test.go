package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netwarden/internal/capture"
	"netwarden/internal/discovery"
	"netwarden/internal/leases"
	"netwarden/internal/mitm"
	"netwarden/internal/models"
	"netwarden/internal/probe"
	"netwarden/internal/tshark"
)

type chanSource struct {
	frames chan capture.Frame
}

func (c *chanSource) Run(ctx context.Context, emit func(capture.Frame)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-c.frames:
			emit(f)
		}
	}
}

type staticNeighbors []models.NeighborEntry

func (s staticNeighbors) Neighbors(ctx context.Context) ([]models.NeighborEntry, error) {
	return s, nil
}

type nopPinger struct{}

func (nopPinger) Ping(ctx context.Context, ip netip.Addr) error { return nil }

type idleProcess struct{ done chan struct{} }

func (p *idleProcess) Pid() int         { return 4242 }
func (p *idleProcess) Wait() error      { <-p.done; return nil }
func (p *idleProcess) Interrupt() error { close(p.done); return nil }
func (p *idleProcess) Kill() error      { return nil }

type env struct {
	api     *API
	server  *httptest.Server
	client  *Client
	frames  chan capture.Frame
	capDir  string
	tshark  bool
	pingOut string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{frames: make(chan capture.Frame, 16), capDir: t.TempDir(), tshark: true}
	log := zerolog.Nop()

	nb := staticNeighbors{
		{IP: "192.168.1.1", MAC: "aa:aa:aa:aa:aa:01", Interface: "eth0", State: "reachable"},
		{IP: "192.168.1.20", MAC: "aa:aa:aa:aa:aa:20", Interface: "eth0"},
	}

	state := capture.NewCaptureState(log, capture.Options{
		Capacity: 100,
		Open: func(iface string) (capture.Source, error) {
			return &chanSource{frames: e.frames}, nil
		},
	})

	orch := tshark.NewOrchestrator(log, tshark.OrchestratorConfig{
		Dir: e.capDir,
		LookPath: func(string) (string, error) {
			if !e.tshark {
				return "", errors.New("not found")
			}
			return "/usr/bin/tshark", nil
		},
		Start: func(string, []string) (tshark.Process, error) {
			return &idleProcess{done: make(chan struct{})}, nil
		},
	})

	prober := probe.NewProber(log).WithRunner(
		func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte(e.pingOut), nil
		},
		func(name string) (string, error) { return "/bin/" + name, nil },
	)

	e.api = NewAPI(log, Deps{
		Capture:   state,
		Mitm:      mitm.NewEngine(log, mitm.DefaultConfig(), nb, nil, nil),
		Discovery: discovery.New(log, &discovery.ScanConfig{RateLimit: time.Millisecond}, nopPinger{}, nb),
		Tshark:    orch,
		Leases:    leases.NewStore(),
		Prober:    prober,
		Neighbors: nb,
		Interfaces: func() ([]models.Interface, error) {
			return []models.Interface{{Name: "eth0", Description: "Ethernet"}}, nil
		},
	})
	e.server = httptest.NewServer(e.api.Router())
	t.Cleanup(e.server.Close)
	t.Cleanup(state.Stop)
	e.client = NewClient(e.server.URL, 2*time.Second)
	return e
}

func (e *env) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.api.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "GET", "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestCapturePolling(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	st, err := e.client.StartCapture(ctx, "10.0.0.5", "eth0")
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, "10.0.0.5", st.FilterIP)

	e.frames <- capture.Frame{Timestamp: time.Now(), SrcIP: "10.0.0.5", DstIP: "8.8.8.8", Proto: 6, Length: 100}
	e.frames <- capture.Frame{Timestamp: time.Now(), SrcIP: "8.8.8.8", DstIP: "10.0.0.5", Proto: 17, Length: 200}

	require.Eventually(t, func() bool {
		st, err := e.client.Status(ctx)
		return err == nil && st.Stats.PacketsTotal == 2
	}, 2*time.Second, 10*time.Millisecond)

	st, err = e.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CaptureStats{PacketsTotal: 2, BytesTotal: 300, PacketsOut: 1, BytesOut: 100, PacketsIn: 1, BytesIn: 200}, st.Stats)

	rows, err := e.client.Packets(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, uint64(1), rows[0].ID)
	assert.Equal(t, "TCP", rows[0].Protocol)

	rows, err = e.client.Packets(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(2), rows[0].ID)

	// limit is clamped to at least one row
	rows, err = e.client.Packets(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(2), rows[0].ID)

	st, err = e.client.SetFilter(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", st.FilterIP)

	st, err = e.client.StopCapture(ctx)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.BufferLen)
}

func TestPacketsBadQueryFallsBack(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "GET", "/api/packets?since=abc&limit=xyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"packets":[]}`, rec.Body.String())
}

func TestFilterIPValidation(t *testing.T) {
	e := newEnv(t)

	tcs := []struct {
		path string
		body string
		code int
	}{
		{path: "/api/filter", body: `{"ip":"not-an-ip"}`, code: http.StatusBadRequest},
		{path: "/api/capture/start", body: `{"ip":"10.0.0.999"}`, code: http.StatusBadRequest},
		{path: "/api/filter", body: `{"ip":" 10.0.0.7 "}`, code: http.StatusOK},
		{path: "/api/filter", body: `{"ip":"fe80::1"}`, code: http.StatusOK},
		{path: "/api/filter", body: `{"ip":""}`, code: http.StatusOK},
	}

	for _, tc := range tcs {
		t.Run(tc.path+" "+tc.body, func(t *testing.T) {
			rec := e.do(t, "POST", tc.path, tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}
	assert.False(t, e.api.deps.Capture.Status().Running, "rejected start does not open a source")
}

func TestInterfaces(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "GET", "/api/interfaces", "")
	assert.JSONEq(t, `{"interfaces":[{"name":"eth0","description":"Ethernet"}]}`, rec.Body.String())
}

func TestLeasesAndDevices(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, "POST", "/api/router/leases/import", `{"text":"192.168.1.20,aa:aa:aa:aa:aa:20,printer\n192.168.1.30,aa:aa:aa:aa:aa:30,phone\n"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"ok":true,"count":2}`, rec.Body.String())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "dhcp.leases")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("1767225600 aa:aa:aa:aa:aa:20 192.168.1.20 printer *\n"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/router/leases/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	mrec := httptest.NewRecorder()
	e.api.Router().ServeHTTP(mrec, req)
	require.Equal(t, http.StatusOK, mrec.Code, mrec.Body.String())
	assert.JSONEq(t, `{"ok":true,"count":1}`, mrec.Body.String())

	var ls struct {
		Leases []models.RouterLease `json:"leases"`
	}
	decode(t, e.do(t, "GET", "/api/router/leases", ""), &ls)
	require.Len(t, ls.Leases, 1, "second import replaces the first")

	var merged struct {
		Devices []models.MergedDevice `json:"devices"`
	}
	decode(t, e.do(t, "GET", "/api/devices/merged", ""), &merged)
	require.Len(t, merged.Devices, 2)
	assert.Equal(t, "printer", merged.Devices[1].Hostname)
	assert.Equal(t, []string{"neighbor", "router"}, merged.Devices[1].Sources)

	csvRec := e.do(t, "GET", "/api/devices/merged.csv", "")
	assert.Equal(t, "text/csv; charset=utf-8", csvRec.Header().Get("Content-Type"))
	assert.Contains(t, csvRec.Header().Get("Content-Disposition"), "attachment")
	assert.True(t, strings.HasPrefix(csvRec.Body.String(), "ip,mac,hostname,interface,state,sources\n"))

	var devs struct {
		Devices []models.NeighborEntry `json:"devices"`
	}
	decode(t, e.do(t, "GET", "/api/devices", ""), &devs)
	assert.Len(t, devs.Devices, 2)

	rec = e.do(t, "POST", "/api/router/leases/import", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDiscoveryRoutes(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, "POST", "/api/discover/start", `{"cidr":"8.8.8.0/24"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "POST", "/api/discover/start", `{"cidr":"192.168.1.0/24","max_hosts":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var started struct {
		OK       bool   `json:"ok"`
		CIDR     string `json:"cidr"`
		MaxHosts int    `json:"max_hosts"`
	}
	decode(t, rec, &started)
	assert.True(t, started.OK)
	assert.Equal(t, "192.168.1.0/24", started.CIDR)
	assert.Equal(t, discovery.MinHosts, started.MaxHosts)

	require.Eventually(t, func() bool {
		job, err := e.client.DiscoveryStatus(context.Background())
		return err == nil && !job.Running && job.FinishedAt != nil
	}, 2*time.Second, 10*time.Millisecond)

	var results struct {
		Devices []models.NeighborEntry `json:"devices"`
		Job     models.DiscoveryJob    `json:"job"`
	}
	decode(t, e.do(t, "GET", "/api/discover/results", ""), &results)
	assert.Len(t, results.Devices, 2)
	assert.Equal(t, 2, results.Job.Found)
}

func TestMitmRoutes(t *testing.T) {
	e := newEnv(t)

	s, err := e.client.MitmSummary(context.Background())
	require.NoError(t, err)
	assert.False(t, s.ARPMonitorRunning)
	assert.NotNil(t, s.Indicators)

	rec := e.do(t, "POST", "/api/mitm/monitor/stop", "")
	assert.JSONEq(t, `{"ok":true,"running":false}`, rec.Body.String())

	// no ARP backend configured in this env
	rec = e.do(t, "POST", "/api/mitm/monitor/start", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTsharkRoutes(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, "POST", "/api/tshark/start", `{"duration_seconds":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var started struct {
		Job models.TsharkJob `json:"job"`
	}
	decode(t, rec, &started)
	assert.Equal(t, tshark.MinDuration, started.Job.DurationSeconds)

	var jobs struct {
		Jobs []models.TsharkJob `json:"jobs"`
	}
	decode(t, e.do(t, "GET", "/api/tshark/jobs", ""), &jobs)
	assert.Len(t, jobs.Jobs, 1)

	rec = e.do(t, "POST", "/api/tshark/stop", `{"capture_id":"`+started.Job.CaptureID+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "POST", "/api/tshark/stop", `{"capture_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	e.tshark = false
	rec = e.do(t, "POST", "/api/tshark/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCaptureFiles(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.capDir, "a.pcapng"), []byte("data"), 0o644))

	var list struct {
		Files []models.CaptureFile `json:"files"`
	}
	decode(t, e.do(t, "GET", "/api/capture/list", ""), &list)
	require.Len(t, list.Files, 1)
	assert.Equal(t, "a.pcapng", list.Files[0].Name)

	rec := e.do(t, "GET", "/api/capture/download/a.pcapng", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "a.pcapng")

	rec = e.do(t, "GET", "/api/capture/download/missing.pcapng", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, "GET", "/api/capture/download/..%5Csecret", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "GET", "/api/capture/info/a.pcapng", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "not a capture file")
}

func TestProbeRoutes(t *testing.T) {
	e := newEnv(t)
	e.pingOut = "64 bytes from 10.0.0.1\n"

	rec := e.do(t, "GET", "/api/ping?ip=10.0.0.1&count=2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"host":"10.0.0.1","ok":true,"exit_code":0,"lines":["64 bytes from 10.0.0.1"]}`, rec.Body.String())

	rec = e.do(t, "POST", "/api/traceroute", `{"host":"router.lan","max_hops":3}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "GET", "/api/ping?host=10.0.0.1;reboot", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "GET", "/api/ping", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReport(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "GET", "/api/report", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "netwarden Session Report")
	assert.Contains(t, rec.Body.String(), "192.168.1.20")
}
