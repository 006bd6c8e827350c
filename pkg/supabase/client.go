// Package supabase talks to the hosted planning backend: PostgREST tables and
// RPCs, GoTrue auth and object storage. Every request runs through a
// resilience.Executor so transient failures are retried, auth failures are
// not, and concurrent calls stay bounded.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mvds-io/NextKalk-sub000/pkg/resilience"
)

// TokenSource hands out the bearer token for data requests.
// session.Monitor implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Config holds client configuration.
type Config struct {
	URL        string
	AnonKey    string
	HTTPClient *http.Client
	Executor   *resilience.Executor
	Tokens     TokenSource
	Logf       func(string, ...any)
}

// Client is a PostgREST/GoTrue/Storage client.
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	exec       *resilience.Executor
	tokens     TokenSource
	logf       func(string, ...any)
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("supabase URL is required")
	}
	if cfg.AnonKey == "" {
		return nil, errors.New("supabase anon key is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	exec := cfg.Executor
	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultConcurrency, cfg.Logf)
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		anonKey:    cfg.AnonKey,
		httpClient: httpClient,
		exec:       exec,
		tokens:     cfg.Tokens,
		logf:       cfg.Logf,
	}, nil
}

// SetTokens installs the token source after construction. The session
// monitor needs the client for refreshes, so the two are wired in steps.
func (c *Client) SetTokens(ts TokenSource) { c.tokens = ts }

// Executor exposes the executor for health reporting.
func (c *Client) Executor() *resilience.Executor { return c.exec }

// Response is a raw API response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// request describes one HTTP call; it is rebuilt for every attempt because
// bodies are single-use readers.
type request struct {
	name        string
	method      string
	path        string
	body        []byte
	contentType string
	headers     map[string]string
	// anon sends the anon key as bearer instead of the session token.
	anon bool
}

func (c *Client) send(ctx context.Context, r request) (*Response, error) {
	// Resolve the bearer before taking a throttle slot: a refresh goes
	// through this client and needs a slot of its own.
	bearer := c.anonKey
	if !r.anon && c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("session token: %w", err)
		}
		bearer = tok
	}
	var out *Response
	err := c.exec.Do(ctx, r.name, func(ctx context.Context) error {
		resp, err := c.once(ctx, r, bearer)
		if err != nil {
			return err
		}
		if err := responseError(resp); err != nil {
			var se *resilience.StatusError
			if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized && c.tokens != nil && !r.anon {
				c.tokens.Invalidate()
			}
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

func (c *Client) once(ctx context.Context, r request, bearer string) (*Response, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", r.method, r.path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data, Headers: resp.Header}, nil
}

// responseError turns an error status into a *resilience.StatusError with
// whatever message the backend put in the body.
func responseError(r *Response) error {
	if r.StatusCode < 400 {
		return nil
	}
	return &resilience.StatusError{StatusCode: r.StatusCode, Message: errorMessage(r.Body)}
}

func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body))
	}
	res := gjson.GetManyBytes(body, "message", "msg", "error_description", "error")
	for _, r := range res {
		if s := r.String(); s != "" {
			if code := gjson.GetBytes(body, "code"); code.Exists() && code.String() != "" {
				return s + " (" + code.String() + ")"
			}
			return s
		}
	}
	return ""
}

// PostgREST error code for "no rows" on a single-object request.
const codeNoRows = "PGRST116"

func isNoRows(err error) bool {
	var se *resilience.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotAcceptable && strings.Contains(se.Message, codeNoRows)
}

// isUniqueViolation reports PostgreSQL 23505 surfaced through PostgREST.
func isUniqueViolation(err error) bool {
	var se *resilience.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusConflict && strings.Contains(se.Message, "23505")
}
