package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"pyromon/internal/pyro"
)

// paramEndpoints maps URL path segments to parameters and the JSON field
// the write body carries the value in.
var paramEndpoints = []struct {
	path  string
	param pyro.Param
	field string
}{
	{"emissivity", pyro.Emissivity, "emissivity"},
	{"slope", pyro.Slope, "slope"},
	{"measurement-mode", pyro.MeasurementMode, "measurement_mode"},
	{"time-interval", pyro.TimeInterval, "time_interval"},
	{"temp-lower-limit", pyro.TempLowerLimit, "temp_lower_limit"},
	{"temp-upper-limit", pyro.TempUpperLimit, "temp_upper_limit"},
}

func (s *Server) registerPyroRoutes(api *mux.Router) {
	for _, ep := range paramEndpoints {
		ep := ep
		api.HandleFunc("/pyrometer/"+ep.path, s.handleParamRead(ep.param, ep.field)).Methods(http.MethodGet)
		api.HandleFunc("/pyrometer/"+ep.path, s.handleParamWrite(ep.param, ep.field)).Methods(http.MethodPost)
	}
	api.HandleFunc("/pyrometer/all-parameters", s.handleAllParams).Methods(http.MethodGet)
}

// paramTarget pulls slave_id and com_port out of the query string.
func paramTarget(r *http.Request) (string, int, error) {
	q := r.URL.Query()
	comPort := q.Get("com_port")
	if comPort == "" {
		return "", 0, fmt.Errorf("%w: com_port is required", errBadRequest)
	}
	slave := 1
	if raw := q.Get("slave_id"); raw != "" {
		var err error
		slave, err = strconv.Atoi(raw)
		if err != nil {
			return "", 0, fmt.Errorf("%w: slave_id must be an integer", errBadRequest)
		}
	}
	if slave < 1 || slave > 247 {
		return "", 0, fmt.Errorf("%w: slave_id must be 1..247", errBadRequest)
	}
	return comPort, slave, nil
}

func (s *Server) handleParamRead(p pyro.Param, field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		comPort, slave, err := paramTarget(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		value, err := s.params.ReadParameter(r.Context(), comPort, slave, p)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			field:      value,
			"slave_id": slave,
			"com_port": comPort,
		})
	}
}

// paramWriteBody accepts the value under the parameter's own field name or
// a generic "value" key, plus the bus target.
type paramWriteBody struct {
	SlaveID int      `json:"slave_id"`
	ComPort string   `json:"com_port"`
	Value   *float64 `json:"value"`

	Emissivity      *float64 `json:"emissivity"`
	Slope           *float64 `json:"slope"`
	MeasurementMode *float64 `json:"measurement_mode"`
	TimeInterval    *float64 `json:"time_interval"`
	TempLowerLimit  *float64 `json:"temp_lower_limit"`
	TempUpperLimit  *float64 `json:"temp_upper_limit"`
}

func (b *paramWriteBody) valueFor(field string) *float64 {
	switch field {
	case "emissivity":
		if b.Emissivity != nil {
			return b.Emissivity
		}
	case "slope":
		if b.Slope != nil {
			return b.Slope
		}
	case "measurement_mode":
		if b.MeasurementMode != nil {
			return b.MeasurementMode
		}
	case "time_interval":
		if b.TimeInterval != nil {
			return b.TimeInterval
		}
	case "temp_lower_limit":
		if b.TempLowerLimit != nil {
			return b.TempLowerLimit
		}
	case "temp_upper_limit":
		if b.TempUpperLimit != nil {
			return b.TempUpperLimit
		}
	}
	return b.Value
}

func (s *Server) handleParamWrite(p pyro.Param, field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body paramWriteBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		if body.ComPort == "" {
			s.writeError(w, fmt.Errorf("%w: com_port is required", errBadRequest))
			return
		}
		if body.SlaveID == 0 {
			body.SlaveID = 1
		}
		if body.SlaveID < 1 || body.SlaveID > 247 {
			s.writeError(w, fmt.Errorf("%w: slave_id must be 1..247", errBadRequest))
			return
		}
		value := body.valueFor(field)
		if value == nil {
			s.writeError(w, fmt.Errorf("%w: %s is required", errBadRequest, field))
			return
		}
		if err := s.params.WriteParameter(r.Context(), body.ComPort, body.SlaveID, p, *value); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			field:      *value,
			"slave_id": body.SlaveID,
			"com_port": body.ComPort,
			"ok":       true,
		})
	}
}

func (s *Server) handleAllParams(w http.ResponseWriter, r *http.Request) {
	comPort, slave, err := paramTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	vals, err := s.params.ReadAll(r.Context(), comPort, slave)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vals)
}
