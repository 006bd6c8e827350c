package api

import (
	"net/http"
	"strings"

	"github.com/mvds-io/NextKalk-sub000/pkg/archive"
	"github.com/mvds-io/NextKalk-sub000/pkg/database"
	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

type userRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Password string `json:"password"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.Accounts.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Role == "" {
		req.Role = database.RoleViewer
	}
	switch {
	case !strings.Contains(req.Email, "@"):
		s.writeError(w, r, badRequest("a valid email is required"))
		return
	case len(req.Password) < 8:
		s.writeError(w, r, badRequest("password must be at least 8 characters"))
		return
	case !database.ValidRole(req.Role):
		s.writeError(w, r, badRequest("unknown role %q", req.Role))
		return
	}
	u, err := s.Accounts.CreateUser(r.Context(), req.Email, req.Name, req.Role, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logf("user %s created by %s", u.Email, actor(r))
	s.recordUser(r, "user_create", u.ID, u.Email, "role="+u.Role)
	writeJSON(w, http.StatusCreated, u)
}

// handleUpdateUser changes role and/or password.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Role == "" && req.Password == "" {
		s.writeError(w, r, badRequest("nothing to update"))
		return
	}
	if req.Role != "" {
		if !database.ValidRole(req.Role) {
			s.writeError(w, r, badRequest("unknown role %q", req.Role))
			return
		}
		if c := claimsFrom(r.Context()); c != nil && c.UserID == id && req.Role != database.RoleAdmin {
			s.writeError(w, r, badRequest("you cannot remove your own admin role"))
			return
		}
		if err := s.Accounts.UpdateUserRole(r.Context(), id, req.Role); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.Password != "" {
		if len(req.Password) < 8 {
			s.writeError(w, r, badRequest("password must be at least 8 characters"))
			return
		}
		if err := s.Accounts.SetPassword(r.Context(), id, req.Password); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	u, err := s.Accounts.UserByID(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Role != "" {
		s.recordUser(r, "user_role", u.ID, u.Email, "role="+u.Role)
	}
	if req.Password != "" {
		s.recordUser(r, "user_password", u.ID, u.Email, "")
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c := claimsFrom(r.Context()); c != nil && c.UserID == id {
		s.writeError(w, r, badRequest("you cannot delete your own account"))
		return
	}
	u, err := s.Accounts.UserByID(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Accounts.DeleteUser(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.recordUser(r, "user_delete", u.ID, u.Email, "")
	w.WriteHeader(http.StatusNoContent)
}

// recordUser journals an account change. Accounts are not part of a table
// set; the event goes to listeners of the live set.
func (s *Server) recordUser(r *http.Request, action string, id int64, email, details string) {
	var prefix string
	if active, err := s.Active.ActiveTableSet(r.Context()); err == nil {
		prefix = active.Prefix
	}
	s.Planner.Record(r.Context(), planner.LogEntry{
		Actor: actor(r), Action: action, TargetType: "user", TargetID: id, TargetName: email, Details: details, Prefix: prefix,
	}, planner.Event{Type: action, Prefix: prefix, Entity: "user", ID: id})
}

func (s *Server) handleActionLog(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	entries, err := s.Actions.ListActions(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []database.ActionLog{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	sets, err := s.Archive.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sets)
}

func (s *Server) handleCreateArchive(w http.ResponseWriter, r *http.Request) {
	var req archive.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Actor = actor(r)
	set, err := s.Archive.CreateYear(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, set)
}

type activateRequest struct {
	Prefix string `json:"prefix"`
	Year   int    `json:"year"`
}

func (s *Server) handleActivateArchive(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	active, err := s.Archive.Activate(r.Context(), req.Prefix, req.Year, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}
