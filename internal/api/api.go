package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"netwarden/internal/analysis"
	"netwarden/internal/capture"
	"netwarden/internal/discovery"
	"netwarden/internal/leases"
	"netwarden/internal/mitm"
	"netwarden/internal/models"
	"netwarden/internal/neighbor"
	"netwarden/internal/probe"
	"netwarden/internal/reporting"
	"netwarden/internal/tshark"
)

// NeighborSource provides snapshots of the OS neighbor table.
type NeighborSource interface {
	Neighbors(ctx context.Context) ([]models.NeighborEntry, error)
}

// Deps are the components the control surface drives.
type Deps struct {
	Capture    *capture.CaptureState
	Mitm       *mitm.Engine
	Discovery  *discovery.Discovery
	Tshark     *tshark.Orchestrator
	Leases     *leases.Store
	Prober     *probe.Prober
	Neighbors  NeighborSource
	Interfaces func() ([]models.Interface, error)
}

// API represents the HTTP control surface.
type API struct {
	deps   Deps
	router *mux.Router
	logger zerolog.Logger
}

// NewAPI creates the router and registers every route.
func NewAPI(logger zerolog.Logger, deps Deps) *API {
	api := &API{
		deps:   deps,
		router: mux.NewRouter(),
		logger: logger,
	}
	api.registerRoutes()
	return api
}

// registerRoutes registers API routes
func (api *API) registerRoutes() {
	api.router.Use(api.logRequests)

	api.router.HandleFunc("/api/health", api.health).Methods("GET")
	api.router.HandleFunc("/api/interfaces", api.interfaces).Methods("GET")
	api.router.HandleFunc("/api/report", api.report).Methods("GET")

	// Live capture
	api.router.HandleFunc("/api/status", api.status).Methods("GET")
	api.router.HandleFunc("/api/packets", api.packets).Methods("GET")
	api.router.HandleFunc("/api/filter", api.setFilter).Methods("POST")
	api.router.HandleFunc("/api/capture/start", api.captureStart).Methods("POST")
	api.router.HandleFunc("/api/capture/stop", api.captureStop).Methods("POST")

	// Devices and router leases
	api.router.HandleFunc("/api/devices", api.devices).Methods("GET")
	api.router.HandleFunc("/api/devices/merged", api.mergedDevices).Methods("GET")
	api.router.HandleFunc("/api/devices/merged.csv", api.mergedDevicesCSV).Methods("GET")
	api.router.HandleFunc("/api/router/leases", api.routerLeases).Methods("GET")
	api.router.HandleFunc("/api/router/leases/import", api.importLeases).Methods("POST")

	// Discovery
	api.router.HandleFunc("/api/discover/start", api.discoverStart).Methods("POST")
	api.router.HandleFunc("/api/discover/status", api.discoverStatus).Methods("GET")
	api.router.HandleFunc("/api/discover/results", api.discoverResults).Methods("GET")

	// MITM indicators
	api.router.HandleFunc("/api/mitm/summary", api.mitmSummary).Methods("GET")
	api.router.HandleFunc("/api/mitm/monitor/start", api.mitmMonitorStart).Methods("POST")
	api.router.HandleFunc("/api/mitm/monitor/stop", api.mitmMonitorStop).Methods("POST")

	// Capture tool
	api.router.HandleFunc("/api/tshark/start", api.tsharkStart).Methods("POST")
	api.router.HandleFunc("/api/tshark/stop", api.tsharkStop).Methods("POST")
	api.router.HandleFunc("/api/tshark/jobs", api.tsharkJobs).Methods("GET")
	api.router.HandleFunc("/api/capture/list", api.captureList).Methods("GET")
	api.router.HandleFunc("/api/capture/download/{filename}", api.captureDownload).Methods("GET")
	api.router.HandleFunc("/api/capture/info/{filename}", api.captureInfo).Methods("GET")

	// Probes
	api.router.HandleFunc("/api/ping", api.ping).Methods("GET", "POST")
	api.router.HandleFunc("/api/traceroute", api.traceroute).Methods("GET", "POST")
}

// Router returns the API router
func (api *API) Router() *mux.Router {
	return api.router
}

func (api *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		api.logger.Trace().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

// BuildReport gathers a session report from the live components.
func (api *API) BuildReport(ctx context.Context) reporting.Report {
	stats := analysis.NewTrafficStats()
	r := reporting.Report{Generated: time.Now()}

	if api.deps.Capture != nil {
		r.Status = api.deps.Capture.Status()
		stats.ProcessPackets(api.deps.Capture.Packets(0, 0))
	}
	r.TopTalkers = stats.GetTopTalkers(10)
	r.Protocols = stats.GetProtocolStats()

	if api.deps.Mitm != nil {
		r.Mitm = api.deps.Mitm.ComputeIndicators(ctx)
	}
	r.Devices = api.merged(ctx)
	return r
}

func (api *API) merged(ctx context.Context) []models.MergedDevice {
	var table []models.NeighborEntry
	if api.deps.Neighbors != nil {
		t, err := api.deps.Neighbors.Neighbors(ctx)
		if err != nil {
			api.logger.Debug().Err(err).Msg("neighbor table unavailable")
		}
		table = t
	}

	var ls []models.RouterLease
	if api.deps.Leases != nil {
		ls = api.deps.Leases.Leases()
	}
	return leases.Merge(table, ls)
}

// Utility functions

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, data interface{}) {
	respondStatus(w, http.StatusOK, data)
}

func respondStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError maps err onto a status code and writes {ok:false, error}.
func (api *API) respondError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		api.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	respondStatus(w, status, map[string]interface{}{"ok": false, "error": err.Error()})
}

type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func errorStatus(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br),
		errors.Is(err, probe.ErrInvalidHost),
		errors.Is(err, discovery.ErrInvalidCIDR),
		errors.Is(err, discovery.ErrPublicNetwork),
		errors.Is(err, tshark.ErrUnknownInterface),
		errors.Is(err, tshark.ErrInvalidFilename),
		errors.Is(err, leases.ErrEmptyImport):
		return http.StatusBadRequest
	case errors.Is(err, tshark.ErrUnknownCapture),
		errors.Is(err, tshark.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, tshark.ErrToolNotFound),
		errors.Is(err, probe.ErrToolNotFound),
		errors.Is(err, neighbor.ErrNoNeighborTool),
		errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decodeBody decodes an optional JSON body into v. An empty body is not an error.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest{msg: "failed to parse request body: " + err.Error()}
	}
	return nil
}
