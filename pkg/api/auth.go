package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mvds-io/NextKalk-sub000/pkg/database"
	"github.com/mvds-io/NextKalk-sub000/pkg/session"
)

type ctxKey int

const claimsKey ctxKey = iota

// claimsFrom returns the signed-in user's claims.
func claimsFrom(ctx context.Context) *session.Claims {
	c, _ := ctx.Value(claimsKey).(*session.Claims)
	return c
}

func actor(r *http.Request) string {
	if c := claimsFrom(r.Context()); c != nil {
		return c.Email
	}
	return ""
}

func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(session.CookieName); err == nil {
		return c.Value
	}
	return ""
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// authenticate rejects requests without a valid session token. Tokens close
// to expiry are renewed from the current account row, so a demoted user
// loses the old role and a deleted user is signed out.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFrom(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "login required"})
			return
		}
		claims, err := s.Issuer.Parse(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		if s.Issuer.Due(claims) {
			u, err := s.Accounts.UserByID(r.Context(), claims.UserID)
			if err != nil {
				s.logf("renew session for %s: %v", claims.Email, err)
				s.clearSessionCookie(w)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": session.ErrInvalidToken.Error()})
				return
			}
			fresh, exp, err := s.Issuer.Issue(u.ID, u.Email, u.Role)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.setSessionCookie(w, fresh, exp)
			w.Header().Set("X-Session-Renewed", exp.UTC().Format(time.RFC3339))
			cp := *claims
			cp.Email, cp.Role = u.Email, u.Role
			claims = &cp
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func (s *Server) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := claimsFrom(r.Context())
			if c == nil || !database.RoleAtLeast(c.Role, role) {
				s.writeError(w, r, errForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token     string        `json:"token,omitempty"`
	ExpiresAt time.Time     `json:"expiresAt"`
	User      database.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.Login.Allow(clientIP(r)) {
		s.writeError(w, r, errTooManyRequests)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		s.writeError(w, r, badRequest("email and password are required"))
		return
	}
	u, err := s.Accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, exp, err := s.Issuer.Issue(u.ID, u.Email, u.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setSessionCookie(w, token, exp)
	s.logf("login %s (%s)", u.Email, u.Role)
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, ExpiresAt: exp, User: u})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleRefresh always reissues a still-valid token and re-reads the role,
// so role changes apply without a new login.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims, err := s.Issuer.Parse(tokenFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.Accounts.UserByID(r.Context(), claims.UserID)
	if err != nil {
		s.writeError(w, r, session.ErrInvalidToken)
		return
	}
	token, exp, err := s.Issuer.Issue(u.ID, u.Email, u.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setSessionCookie(w, token, exp)
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, ExpiresAt: exp, User: u})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())
	u, err := s.Accounts.UserByID(r.Context(), c.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var exp time.Time
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Time
	}
	writeJSON(w, http.StatusOK, sessionResponse{ExpiresAt: exp, User: u})
}
