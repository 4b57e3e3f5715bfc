package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.bug.st/serial/enumerator"

	"pyromon/internal/store"
)

// readingDTO is the wire shape of one reading.
type readingDTO struct {
	ID           uint64   `json:"id,omitempty"`
	DeviceID     uint     `json:"device_id"`
	Timestamp    string   `json:"timestamp"`
	Value        *float64 `json:"value"`
	Ambient      *float64 `json:"ambient_temp,omitempty"`
	Status       string   `json:"status"`
	RawHex       string   `json:"raw_hex,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

func toReadingDTO(r *store.Reading) readingDTO {
	return readingDTO{
		ID:           r.ID,
		DeviceID:     r.DeviceID,
		Timestamp:    formatTS(r.TSUTC),
		Value:        r.Value,
		Ambient:      r.Ambient,
		Status:       r.Status,
		RawHex:       r.RawHex,
		ErrorMessage: r.ErrorMessage,
	}
}

// ---- devices ----

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled_only") == "true"
	devices, err := s.registry.List(r.Context(), enabledOnly)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var dev store.Device
	if err := json.NewDecoder(r.Body).Decode(&dev); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.registry.Create(r.Context(), &dev); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	dev, err := s.registry.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var dev store.Device
	if err := json.NewDecoder(r.Body).Decode(&dev); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	updated, err := s.registry.Update(r.Context(), id, &dev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.registry.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- readings ----

func (s *Server) handleLatestReadings(w http.ResponseWriter, r *http.Request) {
	latest, err := s.readings.Latest(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	now := time.Now().UTC()
	out := make([]map[string]any, 0, len(latest))
	for _, entry := range latest {
		item := map[string]any{
			"device_id":      entry.Device.ID,
			"device_name":    entry.Device.Name,
			"slave_id":       entry.Device.SlaveID,
			"com_port":       entry.Device.ComPort,
			"baud_rate":      entry.Device.BaudRate,
			"enabled":        entry.Device.Enabled,
			"latest_reading": nil,
		}
		if entry.Latest != nil {
			item["latest_reading"] = map[string]any{
				"temperature":  entry.Latest.Value,
				"ambient_temp": entry.Latest.Ambient,
				"status":       entry.Latest.Status,
				"raw_hex":      entry.Latest.RawHex,
				"timestamp":    formatTS(entry.Latest.TSUTC),
				"time_ago":     timeAgo(entry.Latest.TSUTC, now),
			}
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeviceReadings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.writeError(w, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
	}
	// Existence check so unknown devices 404 rather than return [].
	if _, err := s.registry.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	rows, err := s.readings.Recent(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]readingDTO, 0, len(rows))
	for i := range rows {
		out = append(out, toReadingDTO(&rows[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// filterWindow parses the device_id/start_date/end_date query triple.
func (s *Server) filterWindow(r *http.Request) (uint, time.Time, time.Time, error) {
	q := r.URL.Query()
	id64, err := strconv.ParseUint(q.Get("device_id"), 10, 32)
	if err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("%w: device_id is required", errBadRequest)
	}
	start, err := time.ParseInLocation(filterTimeLayout, q.Get("start_date"), time.UTC)
	if err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("%w: start_date must be %s", errBadRequest, filterTimeLayout)
	}
	end, err := time.ParseInLocation(filterTimeLayout, q.Get("end_date"), time.UTC)
	if err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("%w: end_date must be %s", errBadRequest, filterTimeLayout)
	}
	if end.Before(start) {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("%w: end_date before start_date", errBadRequest)
	}
	return uint(id64), start, end, nil
}

func (s *Server) handleFilterReadings(w http.ResponseWriter, r *http.Request) {
	id, start, end, err := s.filterWindow(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rows, err := s.readings.History(r.Context(), id, start, end, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]readingDTO, 0, len(rows))
	for i := range rows {
		out = append(out, toReadingDTO(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": out})
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	id, start, end, err := s.filterWindow(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=readings_device_%d.csv", id))
	if _, err := s.readings.ExportCSV(r.Context(), w, id, start, end); err != nil {
		// Headers are out; all that is left is to log and cut the stream.
		s.log.Error().Err(err).Msg("csv export aborted")
	}
}

func (s *Server) handleReadingStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.readings.GetStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ---- polling control ----

func (s *Server) handlePollingStats(w http.ResponseWriter, r *http.Request) {
	st := s.poller.GetStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"is_running":   st.IsRunning,
		"cycle_count":  st.CycleCount,
		"buses":        st.Buses,
		"buffer_stats": s.buf.GetStats(),
		"subscribers":  s.hub.SubscriberCount(),
	})
}

func (s *Server) handlePollingRestart(w http.ResponseWriter, r *http.Request) {
	// Release a held operator pause, then reload the device set.
	s.leaseMu.Lock()
	if s.lease != "" {
		if err := s.poller.Resume(s.lease); err != nil {
			s.log.Warn().Err(err).Msg("resume during restart")
		}
		s.lease = ""
	}
	s.leaseMu.Unlock()
	s.poller.Reload()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePollingPause(w http.ResponseWriter, r *http.Request) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if s.lease != "" {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true}) // already paused by us
		return
	}
	lease, err := s.poller.Pause()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.lease = lease
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePollingResume(w http.ResponseWriter, r *http.Request) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if s.lease == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true}) // nothing held
		return
	}
	if err := s.poller.Resume(s.lease); err != nil {
		s.writeError(w, err)
		return
	}
	s.lease = ""
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ---- config ----

func (s *Server) handleComPorts(w http.ResponseWriter, r *http.Request) {
	type portInfo struct {
		Port        string `json:"port"`
		Description string `json:"description"`
	}
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		s.writeError(w, fmt.Errorf("enumerate serial ports: %w", err))
		return
	}
	out := make([]portInfo, 0, len(ports))
	for _, p := range ports {
		desc := p.Product
		if desc == "" {
			desc = "Serial port"
		}
		out = append(out, portInfo{Port: p.Name, Description: desc})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ports": out})
}

func (s *Server) handleVerifyPIN(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PIN string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	valid := subtle.ConstantTimeCompare([]byte(body.PIN), []byte(s.pin)) == 1
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (s *Server) handleClearSettings(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.ClearAll(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
