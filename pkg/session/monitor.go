package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mvds-io/NextKalk-sub000/pkg/resilience"
)

// DefaultCheckInterval is how often the monitor looks at the session.
const DefaultCheckInterval = 60 * time.Second

// Refresher exchanges credentials for a fresh session.
type Refresher interface {
	// Refresh trades a refresh token for a new session.
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
	// SignIn starts a new session from configured credentials. It is used
	// when there is no session yet or the refresh token was rejected.
	SignIn(ctx context.Context) (*Session, error)
}

// Health is a point-in-time view of the monitored session.
type Health struct {
	Healthy     bool      `json:"healthy"`
	Email       string    `json:"email,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	LastCheck   time.Time `json:"last_check,omitempty"`
	LastRefresh time.Time `json:"last_refresh,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Failures    int       `json:"consecutive_failures"`
	Degraded    bool      `json:"storage_degraded"`
}

// Monitor keeps one backend session alive.
type Monitor struct {
	Store     Store
	Refresher Refresher
	Interval  time.Duration
	Window    time.Duration
	Logf      func(string, ...any)
	Now       func() time.Time

	mu          sync.Mutex
	current     *Session
	lastCheck   time.Time
	lastRefresh time.Time
	lastErr     error
	failures    int

	// refreshMu serialises refreshes so concurrent callers share one.
	refreshMu sync.Mutex
}

// NewMonitor builds a monitor with default timings.
func NewMonitor(store Store, r Refresher, logf func(string, ...any)) *Monitor {
	if store == nil {
		store = &MemoryStore{}
	}
	return &Monitor{
		Store:     store,
		Refresher: r,
		Interval:  DefaultCheckInterval,
		Window:    DefaultRefreshWindow,
		Logf:      logf,
		Now:       time.Now,
	}
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Monitor) logf(format string, args ...any) {
	if m.Logf != nil {
		m.Logf(format, args...)
	}
}

// Run checks the session immediately and then on every tick until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if err := m.Check(ctx); err != nil {
		m.logf("session check: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Check(ctx); err != nil {
				m.logf("session check: %v", err)
			}
		}
	}
}

// Check loads the session if needed and refreshes it when it is close to
// expiry. Failures are recorded in Health and retried on the next call.
func (m *Monitor) Check(ctx context.Context) error {
	s := m.session()
	now := m.now()
	m.mu.Lock()
	m.lastCheck = now
	m.mu.Unlock()

	if s != nil && !s.NeedsRefresh(now, m.window()) {
		m.recordResult(nil)
		return nil
	}
	_, err := m.refresh(ctx, s)
	return err
}

// Token returns a usable access token, refreshing synchronously when the
// current one is expired or about to be.
func (m *Monitor) Token(ctx context.Context) (string, error) {
	s := m.session()
	if s != nil && !s.NeedsRefresh(m.now(), m.window()) {
		return s.AccessToken, nil
	}
	fresh, err := m.refresh(ctx, s)
	if err != nil {
		if s != nil && !s.Expired(m.now()) {
			// Still valid for a little while.
			return s.AccessToken, nil
		}
		return "", err
	}
	return fresh.AccessToken, nil
}

// Invalidate drops the current access token after the backend rejected it.
func (m *Monitor) Invalidate() {
	m.mu.Lock()
	if m.current != nil {
		cp := *m.current
		cp.AccessToken = ""
		m.current = &cp
	}
	m.mu.Unlock()
}

// Set installs a session, for example after an explicit sign-in.
func (m *Monitor) Set(s *Session) error {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return m.Store.Save(s)
}

// Current returns a copy of the session, or nil.
func (m *Monitor) Current() *Session {
	s := m.session()
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// Health reports the last known state of the session.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Health{
		LastCheck:   m.lastCheck,
		LastRefresh: m.lastRefresh,
		Failures:    m.failures,
	}
	if m.current != nil {
		h.Email = m.current.Email
		h.ExpiresAt = m.current.ExpiresAt
	}
	if m.lastErr != nil {
		h.LastError = m.lastErr.Error()
	}
	h.Healthy = m.lastErr == nil && m.current != nil && !m.current.Expired(m.now())
	if fs, ok := m.Store.(*FallbackStore); ok {
		h.Degraded = fs.Degraded()
	}
	return h
}

func (m *Monitor) window() time.Duration {
	if m.Window <= 0 {
		return DefaultRefreshWindow
	}
	return m.Window
}

func (m *Monitor) session() *Session {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s != nil {
		return s
	}
	loaded, err := m.Store.Load()
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			m.logf("load session: %v", err)
		}
		return nil
	}
	m.mu.Lock()
	if m.current == nil {
		m.current = loaded
	}
	s = m.current
	m.mu.Unlock()
	return s
}

func (m *Monitor) refresh(ctx context.Context, stale *Session) (*Session, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	if cur := m.session(); cur != nil && cur != stale && !cur.NeedsRefresh(m.now(), m.window()) {
		return cur, nil
	}
	if m.Refresher == nil {
		err := errors.New("session refresher not configured")
		m.recordResult(err)
		return nil, err
	}

	var (
		fresh *Session
		err   error
	)
	if stale != nil && stale.RefreshToken != "" {
		fresh, err = m.Refresher.Refresh(ctx, stale.RefreshToken)
		if err != nil && resilience.IsAuthError(err) {
			m.logf("refresh token rejected, signing in again: %v", err)
			fresh, err = m.Refresher.SignIn(ctx)
		}
	} else {
		fresh, err = m.Refresher.SignIn(ctx)
	}
	if err != nil {
		m.recordResult(err)
		return nil, err
	}
	if fresh == nil || !fresh.Valid() {
		err = errors.New("backend returned an empty session")
		m.recordResult(err)
		return nil, err
	}

	m.mu.Lock()
	m.current = fresh
	m.lastRefresh = m.now()
	m.mu.Unlock()
	if err := m.Store.Save(fresh); err != nil {
		m.logf("save session: %v", err)
	}
	m.recordResult(nil)
	m.logf("session refreshed for %s, expires %s", fresh.Email, fresh.ExpiresAt.Format(time.RFC3339))
	return fresh, nil
}

func (m *Monitor) recordResult(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
	if err != nil {
		m.failures++
	} else {
		m.failures = 0
	}
}
