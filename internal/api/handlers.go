package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"netwarden/internal/leases"
	"netwarden/internal/models"
	"netwarden/internal/reporting"
)

const (
	defaultPacketLimit = 200
	maxPacketLimit     = 2000
	maxImportSize      = 4 << 20
)

var errUnavailable = errors.New("component not configured")

func (api *API) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]bool{"ok": true})
}

// interfaces handles GET /api/interfaces
func (api *API) interfaces(w http.ResponseWriter, r *http.Request) {
	if api.deps.Interfaces == nil {
		respondJSON(w, map[string]interface{}{"interfaces": []models.Interface{}})
		return
	}
	ifaces, err := api.deps.Interfaces()
	if err != nil {
		respondStatus(w, http.StatusInternalServerError, map[string]interface{}{
			"interfaces": []models.Interface{},
			"error":      err.Error(),
		})
		return
	}
	if ifaces == nil {
		ifaces = []models.Interface{}
	}
	respondJSON(w, map[string]interface{}{"interfaces": ifaces})
}

// report handles GET /api/report
func (api *API) report(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := reporting.Render(&buf, api.BuildReport(r.Context())); err != nil {
		api.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// Live capture handlers

func (api *API) status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, api.deps.Capture.Status())
}

// packets handles GET /api/packets?since=<id>&limit=<n>
func (api *API) packets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since, err := strconv.ParseUint(q.Get("since"), 10, 64)
	if err != nil {
		since = 0
	}
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil {
		limit = defaultPacketLimit
	}
	limit = max(1, min(limit, maxPacketLimit))

	respondJSON(w, map[string]interface{}{"packets": api.deps.Capture.Packets(since, limit)})
}

type filterRequest struct {
	IP string `json:"ip"`
}

// checkFilterIP accepts an empty filter or a literal IP address.
func checkFilterIP(ip string) error {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return nil
	}
	if _, err := netip.ParseAddr(ip); err != nil {
		return badRequest{msg: fmt.Sprintf("invalid filter ip %q", ip)}
	}
	return nil
}

func (api *API) setFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := decodeBody(r, &req); err != nil {
		api.respondError(w, err)
		return
	}
	if err := checkFilterIP(req.IP); err != nil {
		api.respondError(w, err)
		return
	}
	api.deps.Capture.SetFilter(req.IP)
	respondJSON(w, api.deps.Capture.Status())
}

type captureStartRequest struct {
	IP    string `json:"ip"`
	Iface string `json:"iface"`
}

func (api *API) captureStart(w http.ResponseWriter, r *http.Request) {
	var req captureStartRequest
	if err := decodeBody(r, &req); err != nil {
		api.respondError(w, err)
		return
	}
	if err := checkFilterIP(req.IP); err != nil {
		api.respondError(w, err)
		return
	}
	if err := api.deps.Capture.Start(req.IP, req.Iface); err != nil {
		api.respondError(w, fmt.Errorf("start capture: %w", err))
		return
	}
	respondJSON(w, api.deps.Capture.Status())
}

func (api *API) captureStop(w http.ResponseWriter, r *http.Request) {
	api.deps.Capture.Stop()
	respondJSON(w, api.deps.Capture.Status())
}

// Device handlers

func (api *API) devices(w http.ResponseWriter, r *http.Request) {
	if api.deps.Neighbors == nil {
		api.respondError(w, errUnavailable)
		return
	}
	table, err := api.deps.Neighbors.Neighbors(r.Context())
	if err != nil {
		api.respondError(w, err)
		return
	}
	if table == nil {
		table = []models.NeighborEntry{}
	}
	respondJSON(w, map[string]interface{}{"devices": table})
}

func (api *API) mergedDevices(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{"devices": api.merged(r.Context())})
}

func (api *API) mergedDevicesCSV(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := leases.WriteCSV(&buf, api.merged(r.Context())); err != nil {
		api.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="devices.csv"`)
	_, _ = w.Write(buf.Bytes())
}

func (api *API) routerLeases(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{"leases": api.deps.Leases.Leases()})
}

type importRequest struct {
	Text string `json:"text"`
}

// importLeases handles POST /api/router/leases/import with either a
// multipart "file" field or a JSON {text} body.
func (api *API) importLeases(w http.ResponseWriter, r *http.Request) {
	var src io.Reader

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxImportSize); err != nil {
			api.respondError(w, badRequest{msg: "invalid multipart form: " + err.Error()})
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			api.respondError(w, badRequest{msg: "missing file field"})
			return
		}
		defer f.Close()
		src = io.LimitReader(f, maxImportSize)
	} else {
		var req importRequest
		if err := decodeBody(r, &req); err != nil {
			api.respondError(w, err)
			return
		}
		src = strings.NewReader(req.Text)
	}

	n, err := api.deps.Leases.Import(src)
	if err != nil {
		api.respondError(w, err)
		return
	}
	api.logger.Info().Int("count", n).Msg("router leases imported")
	respondJSON(w, map[string]interface{}{"ok": true, "count": n})
}

// Discovery handlers

type discoverRequest struct {
	CIDR     string `json:"cidr"`
	MaxHosts int    `json:"max_hosts"`
}

func (api *API) discoverStart(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := decodeBody(r, &req); err != nil {
		api.respondError(w, err)
		return
	}

	job, err := api.deps.Discovery.Start(req.CIDR, req.MaxHosts)
	if err != nil {
		api.respondError(w, err)
		return
	}
	respondJSON(w, map[string]interface{}{
		"ok":        true,
		"running":   job.Running,
		"cidr":      job.CIDR,
		"max_hosts": job.MaxHosts,
	})
}

func (api *API) discoverStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{"job": api.deps.Discovery.Status()})
}

func (api *API) discoverResults(w http.ResponseWriter, r *http.Request) {
	devices, job := api.deps.Discovery.Results()
	respondJSON(w, map[string]interface{}{"devices": devices, "job": job})
}

// MITM handlers

func (api *API) mitmSummary(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, api.deps.Mitm.ComputeIndicators(r.Context()))
}

type monitorRequest struct {
	Iface string `json:"iface"`
}

func (api *API) mitmMonitorStart(w http.ResponseWriter, r *http.Request) {
	var req monitorRequest
	if err := decodeBody(r, &req); err != nil {
		api.respondError(w, err)
		return
	}
	if err := api.deps.Mitm.StartMonitor(req.Iface); err != nil {
		api.respondError(w, err)
		return
	}
	respondJSON(w, map[string]bool{"ok": true, "running": api.deps.Mitm.MonitorRunning()})
}

func (api *API) mitmMonitorStop(w http.ResponseWriter, r *http.Request) {
	api.deps.Mitm.StopMonitor()
	respondJSON(w, map[string]bool{"ok": true, "running": api.deps.Mitm.MonitorRunning()})
}

// Capture tool handlers

type tsharkStartRequest struct {
	Interface       string `json:"interface"`
	DurationSeconds int    `json:"duration_seconds"`
}

func (api *API) tsharkStart(w http.ResponseWriter, r *http.Request) {
	var req tsharkStartRequest
	if err := decodeBody(r, &req); err != nil {
		api.respondError(w, err)
		return
	}
	job, err := api.deps.Tshark.Start(req.Interface, req.DurationSeconds)
	if err != nil {
		api.respondError(w, err)
		return
	}
	respondJSON(w, map[string]interface{}{"ok": true, "job": job})
}

type tsharkStopRequest struct {
	CaptureID string `json:"capture_id"`
}

func (api *API) tsharkStop(w http.ResponseWriter, r *http.Request) {
	var req tsharkStopRequest
	if err := decodeBody(r, &req); err != nil {
		api.respondError(w, err)
		return
	}
	job, err := api.deps.Tshark.Stop(req.CaptureID)
	if err != nil {
		api.respondError(w, err)
		return
	}
	respondJSON(w, map[string]interface{}{"ok": true, "job": job})
}

func (api *API) tsharkJobs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{"jobs": api.deps.Tshark.Jobs()})
}

func (api *API) captureList(w http.ResponseWriter, r *http.Request) {
	files, err := api.deps.Tshark.ListFiles()
	if err != nil {
		api.respondError(w, err)
		return
	}
	respondJSON(w, map[string]interface{}{"files": files})
}

func (api *API) captureDownload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	path, err := api.deps.Tshark.ResolveFile(name)
	if err != nil {
		api.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

func (api *API) captureInfo(w http.ResponseWriter, r *http.Request) {
	info, err := api.deps.Tshark.Inspect(mux.Vars(r)["filename"])
	if err != nil {
		api.respondError(w, err)
		return
	}
	respondJSON(w, info)
}

// Probe handlers

type probeRequest struct {
	Host      string `json:"host"`
	IP        string `json:"ip"`
	Count     int    `json:"count"`
	TimeoutMS int    `json:"timeout_ms"`
	MaxHops   int    `json:"max_hops"`
}

// probeParams reads the query string, then an optional JSON body on POST.
func probeParams(r *http.Request) (probeRequest, error) {
	q := r.URL.Query()
	req := probeRequest{Host: q.Get("host"), IP: q.Get("ip")}
	req.Count, _ = strconv.Atoi(q.Get("count"))
	req.TimeoutMS, _ = strconv.Atoi(q.Get("timeout_ms"))
	req.MaxHops, _ = strconv.Atoi(q.Get("max_hops"))

	if r.Method == http.MethodPost {
		if err := decodeBody(r, &req); err != nil {
			return req, err
		}
	}
	if req.Host == "" {
		req.Host = req.IP
	}
	if strings.TrimSpace(req.Host) == "" {
		return req, badRequest{msg: "missing host"}
	}
	return req, nil
}

func (api *API) ping(w http.ResponseWriter, r *http.Request) {
	req, err := probeParams(r)
	if err != nil {
		api.respondError(w, err)
		return
	}
	res, err := api.deps.Prober.Ping(r.Context(), req.Host, req.Count, req.TimeoutMS)
	if err != nil {
		api.respondError(w, err)
		return
	}
	respondJSON(w, res)
}

func (api *API) traceroute(w http.ResponseWriter, r *http.Request) {
	req, err := probeParams(r)
	if err != nil {
		api.respondError(w, err)
		return
	}
	res, err := api.deps.Prober.Traceroute(r.Context(), req.Host, req.MaxHops)
	if err != nil {
		api.respondError(w, err)
		return
	}
	respondJSON(w, res)
}

