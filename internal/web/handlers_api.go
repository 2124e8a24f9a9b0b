package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/davidashman/homebridge-intellifire2/internal/fireplace"
)

// fireplaceView is the API shape for one fireplace: identity plus the current
// state. The local API key never leaves the process.
type fireplaceView struct {
	Name     string           `json:"name"`
	Serial   string           `json:"serial"`
	Brand    string           `json:"brand"`
	State    *fireplace.State `json:"state,omitempty"`
	HasLocal bool             `json:"has_local"`
}

func (s *Server) fireplaceView(dev fireplace.Device) fireplaceView {
	v := fireplaceView{
		Name:   dev.Name,
		Serial: dev.Serial,
		Brand:  dev.Brand,
	}
	if st, ok := s.ctrl.State(dev.Serial); ok {
		v.State = &st
	}
	if s.disc != nil {
		_, v.HasLocal = s.disc.IP(dev.Serial)
	}
	return v
}

func (s *Server) handleAPIListFireplaces(w http.ResponseWriter, r *http.Request) {
	devices := s.ctrl.Devices()
	views := make([]fireplaceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, s.fireplaceView(dev))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetFireplace(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	for _, dev := range s.ctrl.Devices() {
		if dev.Serial == serial {
			s.writeJSON(w, http.StatusOK, s.fireplaceView(dev))
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "fireplace not found"})
}

type setRequest struct {
	Param string `json:"param"`
	Value string `json:"value"`
}

func (s *Server) handleAPISetFireplace(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")

	var req setRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Param == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "param is required"})
		return
	}

	if err := s.ctrl.SubmitCommand(serial, req.Param, req.Value); err != nil {
		s.logger.Warn("set fireplace", "serial", serial, "param", req.Param, "err", err)
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"fireplace_count": len(s.ctrl.Devices()),
	}

	if s.cloud != nil {
		cloud := map[string]interface{}{"connected": s.cloud.Connected()}
		if t := s.cloud.LastPing(); !t.IsZero() {
			cloud["last_ping"] = t.Format(time.RFC3339)
		}
		status["cloud"] = cloud
	}

	if s.disc != nil {
		entries := s.disc.Entries()
		local := make([]map[string]interface{}, 0, len(entries))
		for _, e := range entries {
			local = append(local, map[string]interface{}{
				"serial":    e.Serial,
				"ip":        e.IP,
				"last_seen": e.LastSeen.Format(time.RFC3339),
			})
		}
		status["local"] = local
	}

	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
