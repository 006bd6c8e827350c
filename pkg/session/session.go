// Package session keeps backend credentials fresh. It stores the hosted
// backend's service session, refreshes it before expiry and reports its
// health; it also issues the short-lived tokens that browsers use against
// this server.
package session

import (
	"time"
)

// DefaultRefreshWindow is how close to expiry a session gets refreshed.
const DefaultRefreshWindow = 5 * time.Minute

// Session is a set of backend credentials.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Email        string    `json:"email,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
}

// Valid reports whether the session carries an access token at all.
func (s *Session) Valid() bool {
	return s != nil && s.AccessToken != ""
}

// Expired reports whether the access token is unusable at now.
// A zero expiry means the backend did not tell us, so the token is
// assumed good until a call fails.
func (s *Session) Expired(now time.Time) bool {
	if !s.Valid() {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// NeedsRefresh reports whether the session expires within window of now.
func (s *Session) NeedsRefresh(now time.Time, window time.Duration) bool {
	if !s.Valid() {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	if window < 0 {
		window = 0
	}
	return !now.Add(window).Before(s.ExpiresAt)
}

// Remaining returns time left before expiry, zero if already expired.
func (s *Session) Remaining(now time.Time) time.Duration {
	if !s.Valid() || s.ExpiresAt.IsZero() {
		return 0
	}
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
