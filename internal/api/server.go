// Package api is the HTTP adapter: JSON endpoints under /api, one
// websocket stream, and Prometheus metrics. Handlers validate input, call
// the services and format results; no serial or storage logic lives here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"pyromon/internal/broadcast"
	"pyromon/internal/buffer"
	"pyromon/internal/poll"
	"pyromon/internal/pyro"
	"pyromon/internal/store"
)

// jsonTimeLayout is the wire format for reading timestamps: UTC with
// microseconds, no zone suffix.
const jsonTimeLayout = "2006-01-02T15:04:05.000000"

// filterTimeLayout is what /reading/filter accepts in start_date/end_date.
const filterTimeLayout = "2006-01-02T15:04:05"

// Poller is the scheduler control surface the API needs.
type Poller interface {
	GetStats() poll.Stats
	Pause() (string, error)
	Resume(lease string) error
	Reload()
}

// ParamService is the pyrometer parameter surface.
type ParamService interface {
	ReadParameter(ctx context.Context, comPort string, slaveID int, p pyro.Param) (float64, error)
	WriteParameter(ctx context.Context, comPort string, slaveID int, p pyro.Param, value float64) error
	ReadAll(ctx context.Context, comPort string, slaveID int) (*pyro.Values, error)
}

// BufferStats exposes the write-back buffer snapshot.
type BufferStats interface {
	GetStats() buffer.Stats
}

// Server wires the services to the router.
type Server struct {
	registry *store.Registry
	readings *store.Readings
	poller   Poller
	params   ParamService
	buf      BufferStats
	hub      *broadcast.Hub
	pin      string
	log      zerolog.Logger

	// lease held by the operator's pause endpoint until resume.
	leaseMu sync.Mutex
	lease   string
}

// New builds the server.
func New(registry *store.Registry, readings *store.Readings, poller Poller, params ParamService, buf BufferStats, hub *broadcast.Hub, pin string, log zerolog.Logger) *Server {
	return &Server{
		registry: registry,
		readings: readings,
		poller:   poller,
		params:   params,
		buf:      buf,
		hub:      hub,
		pin:      pin,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Router builds the /api route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices", s.handleCreateDevice).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id:[0-9]+}", s.handleGetDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id:[0-9]+}", s.handleUpdateDevice).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id:[0-9]+}", s.handleDeleteDevice).Methods(http.MethodDelete)

	api.HandleFunc("/reading/latest", s.handleLatestReadings).Methods(http.MethodGet)
	api.HandleFunc("/reading/device/{id:[0-9]+}", s.handleDeviceReadings).Methods(http.MethodGet)
	api.HandleFunc("/reading/filter", s.handleFilterReadings).Methods(http.MethodGet)
	api.HandleFunc("/reading/export/csv", s.handleExportCSV).Methods(http.MethodGet)
	api.HandleFunc("/reading/stats", s.handleReadingStats).Methods(http.MethodGet)

	api.HandleFunc("/polling/stats", s.handlePollingStats).Methods(http.MethodGet)
	api.HandleFunc("/polling/restart", s.handlePollingRestart).Methods(http.MethodPost)
	api.HandleFunc("/polling/pause", s.handlePollingPause).Methods(http.MethodPost)
	api.HandleFunc("/polling/resume", s.handlePollingResume).Methods(http.MethodPost)

	api.HandleFunc("/config/com-ports", s.handleComPorts).Methods(http.MethodGet)
	api.HandleFunc("/config/verify-pin", s.handleVerifyPIN).Methods(http.MethodPost)
	api.HandleFunc("/config/clear-settings", s.handleClearSettings).Methods(http.MethodPost)

	s.registerPyroRoutes(api)

	api.HandleFunc("/ws", s.handleWS)

	r.Handle("/metrics", s.metricsHandler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON serialises v with the service's JSON conventions.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto the documented status codes with a
// {"detail": "..."} body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ve *store.ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, pyro.ErrOutOfRange):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, poll.ErrBusy):
		status = http.StatusServiceUnavailable
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("internal error")
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

var errBadRequest = errors.New("bad request")

func pathID(r *http.Request) (uint, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, errBadRequest
	}
	return uint(id), nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format(jsonTimeLayout)
}

// timeAgo renders a coarse human-readable age for dashboard cards.
func timeAgo(t time.Time, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return strconv.Itoa(int(d.Seconds())) + " seconds ago"
	case d < time.Hour:
		return plural(int(d.Minutes()), "minute")
	case d < 24*time.Hour:
		return plural(int(d.Hours()), "hour")
	default:
		return plural(int(d.Hours()/24), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return strconv.Itoa(n) + " " + unit + "s ago"
}
