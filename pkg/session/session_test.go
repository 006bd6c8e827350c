package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvds-io/NextKalk-sub000/pkg/resilience"
)

func TestSessionExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{AccessToken: "a", ExpiresAt: now.Add(3 * time.Minute)}

	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(3*time.Minute)))
	assert.True(t, s.NeedsRefresh(now, DefaultRefreshWindow))
	assert.False(t, s.NeedsRefresh(now, time.Minute))
	assert.Equal(t, 3*time.Minute, s.Remaining(now))
	assert.Equal(t, time.Duration(0), s.Remaining(now.Add(time.Hour)))

	var empty *Session
	assert.True(t, empty.Expired(now))
	assert.True(t, empty.NeedsRefresh(now, 0))

	noExpiry := &Session{AccessToken: "a"}
	assert.False(t, noExpiry.Expired(now))
	assert.False(t, noExpiry.NeedsRefresh(now, time.Hour))
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	fs := &FileStore{Path: path}

	_, err := fs.Load()
	assert.ErrorIs(t, err, ErrNoSession)

	in := &Session{AccessToken: "tok", RefreshToken: "ref", Email: "ops@example.no", ExpiresAt: time.Unix(1_800_000_000, 0).UTC()}
	require.NoError(t, fs.Save(in))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out, err := fs.Load()
	require.NoError(t, err)
	assert.Equal(t, in.AccessToken, out.AccessToken)
	assert.True(t, in.ExpiresAt.Equal(out.ExpiresAt))

	require.NoError(t, fs.Clear())
	require.NoError(t, fs.Clear())
	_, err = fs.Load()
	assert.ErrorIs(t, err, ErrNoSession)
}

type brokenStore struct{ saves int }

func (b *brokenStore) Load() (*Session, error) { return nil, errors.New("quota exceeded") }
func (b *brokenStore) Save(*Session) error     { b.saves++; return errors.New("read-only file system") }
func (b *brokenStore) Clear() error            { return errors.New("read-only file system") }

func TestFallbackStoreSwitchesToMemoryOnce(t *testing.T) {
	var logs []string
	primary := &brokenStore{}
	fs := NewFallbackStore(primary, func(format string, args ...any) { logs = append(logs, format) })

	require.NoError(t, fs.Save(&Session{AccessToken: "one"}))
	assert.True(t, fs.Degraded())
	require.NoError(t, fs.Save(&Session{AccessToken: "two"}))

	got, err := fs.Load()
	require.NoError(t, err)
	assert.Equal(t, "two", got.AccessToken)
	assert.Equal(t, 1, primary.saves)
	assert.Len(t, logs, 1)
}

func TestFallbackStoreUsesPrimaryWhileHealthy(t *testing.T) {
	primary := &MemoryStore{}
	fs := NewFallbackStore(primary, nil)
	require.NoError(t, fs.Save(&Session{AccessToken: "x"}))
	stored, err := primary.Load()
	require.NoError(t, err)
	assert.Equal(t, "x", stored.AccessToken)
	assert.False(t, fs.Degraded())

	require.NoError(t, fs.Clear())
	_, err = fs.Load()
	assert.ErrorIs(t, err, ErrNoSession)
}

type fakeRefresher struct {
	mu         sync.Mutex
	now        func() time.Time
	refreshes  int
	signIns    int
	refreshErr error
	signInErr  error
}

func (f *fakeRefresher) Refresh(_ context.Context, token string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &Session{AccessToken: "refreshed", RefreshToken: token + "+", ExpiresAt: f.now().Add(time.Hour), Email: "svc@example.no"}, nil
}

func (f *fakeRefresher) SignIn(context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signIns++
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	return &Session{AccessToken: "signed-in", RefreshToken: "r0", ExpiresAt: f.now().Add(time.Hour), Email: "svc@example.no"}, nil
}

func newTestMonitor(now *time.Time) (*Monitor, *fakeRefresher) {
	clock := func() time.Time { return *now }
	r := &fakeRefresher{now: clock}
	m := NewMonitor(&MemoryStore{}, r, nil)
	m.Now = clock
	return m, r
}

func TestMonitorSignsInWithoutSession(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m, r := newTestMonitor(&now)

	require.NoError(t, m.Check(context.Background()))
	assert.Equal(t, 1, r.signIns)
	h := m.Health()
	assert.True(t, h.Healthy)
	assert.Equal(t, "svc@example.no", h.Email)
	assert.Equal(t, now, h.LastRefresh)
}

func TestMonitorRefreshesInsideWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m, r := newTestMonitor(&now)
	require.NoError(t, m.Set(&Session{AccessToken: "old", RefreshToken: "r1", ExpiresAt: now.Add(10 * time.Minute)}))

	require.NoError(t, m.Check(context.Background()))
	assert.Equal(t, 0, r.refreshes, "ten minutes left is outside the window")

	now = now.Add(6 * time.Minute)
	require.NoError(t, m.Check(context.Background()))
	assert.Equal(t, 1, r.refreshes)
	assert.Equal(t, "refreshed", m.Current().AccessToken)
	assert.Equal(t, "r1+", m.Current().RefreshToken)
}

func TestMonitorFallsBackToSignInWhenRefreshRejected(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m, r := newTestMonitor(&now)
	r.refreshErr = &resilience.StatusError{StatusCode: 400, Message: "Invalid Refresh Token"}
	require.NoError(t, m.Set(&Session{AccessToken: "old", RefreshToken: "r1", ExpiresAt: now.Add(time.Minute)}))

	require.NoError(t, m.Check(context.Background()))
	assert.Equal(t, 1, r.refreshes)
	assert.Equal(t, 1, r.signIns)
	assert.Equal(t, "signed-in", m.Current().AccessToken)
}

func TestMonitorRecordsFailureAndRecovers(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m, r := newTestMonitor(&now)
	r.signInErr = errors.New("connection refused")

	require.Error(t, m.Check(context.Background()))
	require.Error(t, m.Check(context.Background()))
	h := m.Health()
	assert.False(t, h.Healthy)
	assert.Equal(t, 2, h.Failures)
	assert.Contains(t, h.LastError, "connection refused")

	r.signInErr = nil
	require.NoError(t, m.Check(context.Background()))
	h = m.Health()
	assert.True(t, h.Healthy)
	assert.Zero(t, h.Failures)
	assert.Empty(t, h.LastError)
}

func TestMonitorTokenKeepsValidTokenWhenRefreshFails(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m, r := newTestMonitor(&now)
	r.refreshErr = errors.New("connection refused")
	require.NoError(t, m.Set(&Session{AccessToken: "still-good", RefreshToken: "r1", ExpiresAt: now.Add(2 * time.Minute)}))

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "still-good", tok)

	now = now.Add(3 * time.Minute)
	_, err = m.Token(context.Background())
	assert.Error(t, err)
}

func TestMonitorInvalidateForcesRefresh(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m, r := newTestMonitor(&now)
	require.NoError(t, m.Set(&Session{AccessToken: "a", RefreshToken: "r1", ExpiresAt: now.Add(time.Hour)}))

	m.Invalidate()
	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed", tok)
	assert.Equal(t, 1, r.refreshes)
}

func TestMonitorReportsDegradedStorage(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &fakeRefresher{now: func() time.Time { return now }}
	m := NewMonitor(NewFallbackStore(&brokenStore{}, nil), r, nil)
	m.Now = func() time.Time { return now }

	require.NoError(t, m.Check(context.Background()))
	h := m.Health()
	assert.True(t, h.Healthy)
	assert.True(t, h.Degraded)
}
