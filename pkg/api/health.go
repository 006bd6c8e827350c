package api

import (
	"context"
	"net/http"
	"time"

	"github.com/mvds-io/NextKalk-sub000/pkg/database"
	"github.com/mvds-io/NextKalk-sub000/pkg/session"
)

type backendHealth struct {
	Kind      string `json:"kind"`
	Circuit   string `json:"circuit,omitempty"`
	Rows      *int   `json:"rows,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// sessionStatus is the part of the backend session anyone may see.
type sessionStatus struct {
	Healthy  bool `json:"healthy"`
	Degraded bool `json:"storage_degraded"`
}

type healthResponse struct {
	Status    string              `json:"status"`
	Version   string              `json:"version,omitempty"`
	Database  string              `json:"database"`
	Backend   backendHealth       `json:"backend"`
	Session   *sessionStatus      `json:"session,omitempty"`
	ActiveSet *database.ActiveSet `json:"activeSet,omitempty"`
	Listeners int                 `json:"realtimeListeners"`
	// Detail is only filled for signed-in admins.
	Detail *healthDetail `json:"detail,omitempty"`
}

type healthDetail struct {
	Database       string          `json:"database,omitempty"`
	BackendError   string          `json:"backendError,omitempty"`
	CountError     string          `json:"countError,omitempty"`
	BackendSession *session.Health `json:"backendSession,omitempty"`
}

// handleHealth reports 503 when the database is unreachable, the backend
// circuit is open or the backend does not answer a row count. Error texts
// and the service account are only shown to admins.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Version: s.Version, Database: "ok", Backend: backendHealth{Kind: s.Backend}}
	var detail healthDetail
	if s.Ping != nil {
		if err := s.Ping(ctx); err != nil {
			resp.Database = "unavailable"
			detail.Database = err.Error()
			resp.Status = "degraded"
		}
	}
	if s.Breaker != nil {
		resp.Backend.Circuit = s.Breaker.State().String()
		if err := s.Breaker.LastError(); err != nil {
			detail.BackendError = err.Error()
		}
		if resp.Backend.Circuit == "open" {
			resp.Status = "degraded"
		}
	}
	if s.Monitor != nil {
		h := s.Monitor.Health()
		resp.Session = &sessionStatus{Healthy: h.Healthy, Degraded: h.Degraded}
		detail.BackendSession = &h
		if !h.Healthy {
			resp.Status = "degraded"
		}
	}
	if s.Active != nil {
		if active, err := s.Active.ActiveTableSet(ctx); err == nil {
			resp.ActiveSet = &active
			if s.CountRows != nil {
				if n, err := s.CountRows(ctx, active.Prefix); err != nil {
					detail.CountError = err.Error()
					resp.Status = "degraded"
				} else {
					resp.Backend.Rows = &n
				}
			}
		}
	}
	if s.Bus != nil {
		resp.Listeners = s.Bus.Subscribers()
	}
	if s.isAdmin(r) {
		resp.Detail = &detail
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// isAdmin checks an optional session token against the current account.
func (s *Server) isAdmin(r *http.Request) bool {
	token := tokenFrom(r)
	if token == "" || s.Issuer == nil || s.Accounts == nil {
		return false
	}
	claims, err := s.Issuer.Parse(token)
	if err != nil {
		return false
	}
	u, err := s.Accounts.UserByID(r.Context(), claims.UserID)
	return err == nil && database.RoleAtLeast(u.Role, database.RoleAdmin)
}

// handleClientConfig gives the page its initial view and the live set.
func (s *Server) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"map": s.Map, "version": s.Version}
	if s.Active != nil {
		if active, err := s.Active.ActiveTableSet(r.Context()); err == nil {
			out["activeSet"] = active
		}
	}
	writeJSON(w, http.StatusOK, out)
}
