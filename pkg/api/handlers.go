package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"irc-dnsbl/pkg/dnsbl"
)

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Uptime:  s.getUptime(),
		Version: s.version,
	})
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	st := s.engine.Status()
	resp := StatusResponse{
		Action:         st.Action.String(),
		Zones:          make([]ZoneResponse, 0, len(st.Zones)),
		Exemptions:     st.Exemptions,
		InFlight:       st.InFlight,
		TrackedClients: st.TrackedClients,
		Database:       "disabled",
		Process:        collectProcessStats(ctx),
		Uptime:         s.getUptime(),
		Timestamp:      time.Now().Format(time.RFC3339),
	}
	for _, z := range st.Zones {
		resp.Zones = append(resp.Zones, convertZone(z))
	}
	if s.clients != nil {
		resp.Connected = s.clients.Len()
	}
	if s.db != nil {
		resp.Database = "ok"
		if err := s.db.Ping(ctx); err != nil {
			resp.Database = "error: " + err.Error()
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleListExemptions handles GET /api/exemptions
func (s *Server) handleListExemptions(w http.ResponseWriter, r *http.Request) {
	resp := ExemptionsResponse{Exemptions: []ExemptionResponse{}}
	for ex := range s.engine.Exemptions().All() {
		resp.Exemptions = append(resp.Exemptions, convertExemption(ex))
	}
	resp.Total = len(resp.Exemptions)

	s.writeJSON(w, http.StatusOK, resp)
}

// handleAddExemption handles POST /api/exemptions
func (s *Server) handleAddExemption(w http.ResponseWriter, r *http.Request) {
	var req ExemptionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	who := actor(r)
	ex, err := s.engine.AddExemption(r.Context(), req.IP, req.Reason, who)
	switch {
	case errors.Is(err, dnsbl.ErrAlreadyExists):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, dnsbl.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.commit(r.Context())
	s.logger.Audit(r.Context(), who, "DNSBL:EXEMPT:ADD", "ip", ex.IP, "reason", ex.Reason, "request_id", requestIDFrom(r.Context()))
	s.writeJSON(w, http.StatusCreated, convertExemption(ex))
}

// handleDeleteExemption handles DELETE /api/exemptions/{ip}
func (s *Server) handleDeleteExemption(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	ex, err := s.engine.RemoveExemption(r.Context(), ip)
	if errors.Is(err, dnsbl.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	} else if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.commit(r.Context())
	s.logger.Audit(r.Context(), actor(r), "DNSBL:EXEMPT:DEL", "ip", ex.IP, "request_id", requestIDFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleSetAction handles PUT /api/action
func (s *Server) handleSetAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	action, err := dnsbl.ParseAction(req.Action)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.engine.SetAction(action)
	s.logger.Audit(r.Context(), actor(r), "SET:DNSBLACTION", "action", action.String(), "request_id", requestIDFrom(r.Context()))
	s.writeJSON(w, http.StatusOK, ActionResponse{Action: action.String()})
}

// handleScan handles POST /api/scan/{nick}
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.clients == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Client tracking not available")
		return
	}
	nick := r.PathValue("nick")
	c, ok := s.clients.ByNick(nick)
	if !ok {
		s.writeError(w, http.StatusNotFound, "User "+nick+" is not on the network")
		return
	}

	n, err := s.engine.Scan(r.Context(), c)
	switch {
	case errors.Is(err, dnsbl.ErrExempt):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, dnsbl.ErrUnsupportedAddress):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Audit(r.Context(), actor(r), "DNSBL:SCAN", "nick", c.Nick, "ip", c.IP, "queries", n, "request_id", requestIDFrom(r.Context()))
	s.writeJSON(w, http.StatusAccepted, ScanResponse{Nick: c.Nick, IP: c.IP, Queries: n})
}

func (s *Server) commit(ctx context.Context) {
	if s.db == nil {
		return
	}
	if err := s.db.Commit(ctx); err != nil {
		s.logger.Error("Failed to commit exemptions", "error", err)
	}
}
