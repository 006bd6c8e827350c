package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mvds-io/NextKalk-sub000/pkg/session"
)

// AuthResponse is the GoTrue token payload.
type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// Session converts the payload, preferring the absolute expiry.
func (a *AuthResponse) Session(now time.Time) *session.Session {
	s := &session.Session{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		Email:        a.User.Email,
		UserID:       a.User.ID,
	}
	switch {
	case a.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(a.ExpiresAt, 0)
	case a.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(a.ExpiresIn) * time.Second)
	}
	return s
}

func (c *Client) token(ctx context.Context, grant string, payload map[string]string) (*session.Session, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, request{
		name:        "auth " + grant,
		method:      http.MethodPost,
		path:        "/auth/v1/token?grant_type=" + grant,
		body:        body,
		contentType: "application/json",
		anon:        true,
	})
	if err != nil {
		return nil, err
	}
	var ar AuthResponse
	if err := resp.JSON(&ar); err != nil {
		return nil, err
	}
	if ar.AccessToken == "" {
		return nil, errors.New("auth response without access token")
	}
	return ar.Session(time.Now()), nil
}

// SignInWithPassword starts a session for email/password.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*session.Session, error) {
	return c.token(ctx, "password", map[string]string{"email": email, "password": password})
}

// RefreshSession exchanges a refresh token for a new session.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*session.Session, error) {
	return c.token(ctx, "refresh_token", map[string]string{"refresh_token": refreshToken})
}

// PasswordRefresher implements session.Refresher for a service account.
type PasswordRefresher struct {
	Client   *Client
	Email    string
	Password string
}

func (p *PasswordRefresher) Refresh(ctx context.Context, refreshToken string) (*session.Session, error) {
	return p.Client.RefreshSession(ctx, refreshToken)
}

func (p *PasswordRefresher) SignIn(ctx context.Context) (*session.Session, error) {
	if p.Email == "" || p.Password == "" {
		return nil, errors.New("supabase service credentials are not configured")
	}
	return p.Client.SignInWithPassword(ctx, p.Email, p.Password)
}
