package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvds-io/NextKalk-sub000/pkg/archive"
	"github.com/mvds-io/NextKalk-sub000/pkg/changestream"
	"github.com/mvds-io/NextKalk-sub000/pkg/database"
	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
	"github.com/mvds-io/NextKalk-sub000/pkg/resilience"
	"github.com/mvds-io/NextKalk-sub000/pkg/session"
)

type harness struct {
	srv     *Server
	handler http.Handler
	repo    *memRepo
	journal *fakeJournal
	active  *fakeActive
	blobs   *memBlobs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := newMemRepo()
	ctx := context.Background()
	lp1, _ := repo.CreateLandingsplass(ctx, "vass", planner.Landingsplass{Code: "LP1", Name: "Bygland", Fylke: "Agder", Latitude: 58.85, Longitude: 7.8, Priority: 1})
	lp2, _ := repo.CreateLandingsplass(ctx, "vass", planner.Landingsplass{Code: "LP2", Name: "Sirdal", Fylke: "Rogaland", Latitude: 58.9, Longitude: 6.9})
	v1, _ := repo.CreateVann(ctx, "vass", planner.Vann{Name: "Storvatnet", Fylke: "Agder", Latitude: 58.86, Longitude: 7.82, Tonn: 10})
	v2, _ := repo.CreateVann(ctx, "vass", planner.Vann{Name: "Svartkulp", Fylke: "Rogaland", Latitude: 58.91, Longitude: 6.95, Tonn: 5})
	_, _ = repo.CreateVann(ctx, "vass", planner.Vann{Name: "Glemt", Fylke: "Agder", Tonn: 1})
	_, _ = repo.AddAssociation(ctx, "vass", planner.Association{LandingsplassID: lp1.ID, VannID: v1.ID})
	_, _ = repo.AddAssociation(ctx, "vass", planner.Association{LandingsplassID: lp2.ID, VannID: v2.ID})

	journal := &fakeJournal{}
	active := &fakeActive{set: database.ActiveSet{Year: 2026, Prefix: "vass"}}
	bus := changestream.NewBus(64)
	cache := NewResponseCache(time.Minute)
	t.Cleanup(cache.Close)
	blobs := &memBlobs{data: map[string][]byte{}}

	srv := &Server{
		Planner:  planner.NewService(repo, journal, bus.Publish, nil),
		Accounts: newFakeAccounts(),
		Actions:  journal,
		Docs:     &fakeDocs{docs: map[int64]database.Document{}},
		Blobs:    blobs,
		Active:   active,
		Archive: &archive.Archiver{
			Sets: repo, Active: active, Journal: journal, Publish: bus.Publish,
			OnActivate: func(string) { cache.Flush("") },
		},
		Issuer:    session.NewIssuer("test-secret"),
		Bus:       bus,
		Cache:     cache,
		Heavy:     NewRateLimiter(0),
		Login:     NewLoginLimiter(100),
		Breaker:   resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig()),
		Ping:      func(context.Context) error { return nil },
		PublicURL: "https://kalk.example.no/",
		Backend:   "sql",
		Version:   "test",
	}
	return &harness{srv: srv, handler: srv.Routes(), repo: repo, journal: journal, active: active, blobs: blobs}
}

func (h *harness) login(t *testing.T, email, password string) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": email, "password": password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[healthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "closed", resp.Backend.Circuit)
	require.NotNil(t, resp.ActiveSet)
	assert.Equal(t, "vass", resp.ActiveSet.Prefix)
}

func TestHealthDegradedWhenDatabaseDown(t *testing.T) {
	h := newHarness(t)
	h.srv.Ping = func(context.Context) error { return errors.New("dial tcp 10.1.2.3:5432: connection refused") }
	rec := h.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[healthResponse](t, rec)
	assert.Equal(t, "unavailable", resp.Database)
	assert.Nil(t, resp.Detail)
	assert.NotContains(t, rec.Body.String(), "10.1.2.3")

	rec = h.do(t, http.MethodGet, "/api/health", h.login(t, "pilot@kalk.no", "pilot-pass"), nil)
	assert.Nil(t, decode[healthResponse](t, rec).Detail)

	rec = h.do(t, http.MethodGet, "/api/health", h.login(t, "admin@kalk.no", "admin-pass"), nil)
	resp = decode[healthResponse](t, rec)
	require.NotNil(t, resp.Detail)
	assert.Contains(t, resp.Detail.Database, "connection refused")
}

func TestHealthCountsBackendRows(t *testing.T) {
	h := newHarness(t)
	var counted string
	h.srv.CountRows = func(_ context.Context, prefix string) (int, error) {
		counted = prefix
		return 3, nil
	}
	rec := h.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[healthResponse](t, rec)
	require.NotNil(t, resp.Backend.Rows)
	assert.Equal(t, 3, *resp.Backend.Rows)
	assert.Equal(t, "vass", counted)

	h.srv.CountRows = func(context.Context, string) (int, error) { return 0, resilience.ErrCircuitOpen }
	rec = h.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Nil(t, decode[healthResponse](t, rec).Backend.Rows)
}

func TestLoginAndSession(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "guest@kalk.no", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "guest@kalk.no", "password": "guest-pass"})
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, session.CookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "guest@kalk.no", decode[sessionResponse](t, rec).User.Email)
}

func TestLoginRateLimited(t *testing.T) {
	h := newHarness(t)
	h.srv.Login = NewLoginLimiter(2)
	body := map[string]string{"email": "guest@kalk.no", "password": "nope"}
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodPost, "/api/auth/login", "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodPost, "/api/auth/login", "", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.do(t, http.MethodPost, "/api/auth/login", "", body).Code)
}

func TestLoginLimitIgnoresForwardedFor(t *testing.T) {
	h := newHarness(t)
	h.srv.Login = NewLoginLimiter(2)
	body, err := json.Marshal(map[string]string{"email": "admin@kalk.no", "password": "guess"})
	require.NoError(t, err)
	var codes []int
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
		req.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(i+1))
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}

func TestRefreshPicksUpRoleChange(t *testing.T) {
	h := newHarness(t)
	token := h.login(t, "guest@kalk.no", "guest-pass")
	require.NoError(t, h.srv.Accounts.UpdateUserRole(context.Background(), 3, database.RoleEditor))

	rec := h.do(t, http.MethodPost, "/api/auth/refresh", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, database.RoleEditor, decode[sessionResponse](t, rec).User.Role)
}

func TestRenewalRereadsAccount(t *testing.T) {
	h := newHarness(t)
	admin := h.login(t, "admin@kalk.no", "admin-pass")
	editor := h.login(t, "pilot@kalk.no", "pilot-pass")
	ctx := context.Background()
	require.NoError(t, h.srv.Accounts.DeleteUser(ctx, 1))
	require.NoError(t, h.srv.Accounts.UpdateUserRole(ctx, 2, database.RoleViewer))

	// Still outside the renewal window the token is trusted as signed.
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/admin/users", admin, nil).Code)

	h.srv.Issuer.Now = func() time.Time { return time.Now().Add(session.DefaultTokenTTL - time.Minute) }

	rec := h.do(t, http.MethodGet, "/api/admin/users", admin, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Session-Renewed"))
	var cleared bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared)

	rec = h.do(t, http.MethodPost, "/api/vann/103/done", editor, doneRequest{Done: true})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Session-Renewed"))
	var renewed string
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			renewed = c.Value
		}
	}
	claims, err := h.srv.Issuer.Parse(renewed)
	require.NoError(t, err)
	assert.Equal(t, database.RoleViewer, claims.Role)
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/map", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/map", "garbage", nil).Code)

	viewer := h.login(t, "guest@kalk.no", "guest-pass")
	rec := h.do(t, http.MethodPost, "/api/vann/103/done", viewer, doneRequest{Done: true})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/admin/users", h.login(t, "pilot@kalk.no", "pilot-pass"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMapIsCachedAndFlushedOnWrite(t *testing.T) {
	h := newHarness(t)
	viewer := h.login(t, "guest@kalk.no", "guest-pass")
	editor := h.login(t, "pilot@kalk.no", "pilot-pass")

	rec := h.do(t, http.MethodGet, "/api/map", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode[planner.MapPayload](t, rec)
	assert.Equal(t, "vass", payload.Prefix)
	assert.Len(t, payload.Vann, 3)
	assert.InDelta(t, 16.0, payload.Summary.Overall.TotalTonn, 1e-9)

	h.do(t, http.MethodGet, "/api/map", viewer, nil)
	assert.Equal(t, 1, h.repo.listCalls)

	rec = h.do(t, http.MethodPost, "/api/vann/103/done?prefix=vass", editor, doneRequest{Done: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decode[planner.Vann](t, rec)
	assert.True(t, v.Done)
	assert.Equal(t, "pilot@kalk.no", v.DoneBy)

	rec = h.do(t, http.MethodGet, "/api/map", viewer, nil)
	assert.Equal(t, 2, h.repo.listCalls)
	payload = decode[planner.MapPayload](t, rec)
	assert.InDelta(t, 10.0, payload.Summary.Overall.DoneTonn, 1e-9)

	require.NotEmpty(t, h.journal.entries)
	assert.Equal(t, "mark_done", h.journal.entries[0].Action)
}

func TestUnknownPrefixIsNotFound(t *testing.T) {
	h := newHarness(t)
	viewer := h.login(t, "guest@kalk.no", "guest-pass")
	rec := h.do(t, http.MethodGet, "/api/map?prefix=vass_1999", viewer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/progress?prefix=vass_1999", viewer, nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/map?prefix=Bad-Prefix", viewer, nil).Code)
}

func TestQRRejectsOverlongURL(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/qrpng?u=https://kalk.example.no/"+strings.Repeat("x", 1300), "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMapFilterValidation(t *testing.T) {
	h := newHarness(t)
	viewer := h.login(t, "guest@kalk.no", "guest-pass")
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/map?bbox=1,2,3", viewer, nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/map?prefix=Drop%20table", viewer, nil).Code)

	rec := h.do(t, http.MethodGet, "/api/map?fylke=agder&bbox=7,58,8,59", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode[planner.MapPayload](t, rec)
	require.Len(t, payload.Landingsplasser, 1)
	assert.Equal(t, "LP1", payload.Landingsplasser[0].Code)
}

func TestAssociations(t *testing.T) {
	h := newHarness(t)
	editor := h.login(t, "pilot@kalk.no", "pilot-pass")

	rec := h.do(t, http.MethodPost, "/api/associations", editor, planner.Association{LandingsplassID: 101, VannID: 104})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[planner.Association](t, rec)
	require.NotNil(t, created.DistanceKM, "distance computed from coordinates")

	rec = h.do(t, http.MethodPost, "/api/associations", editor, planner.Association{LandingsplassID: 101, VannID: 104})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/associations", editor, planner.Association{LandingsplassID: 101, VannID: 999})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/associations?landingsplassId=101&vannId=104", editor, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodDelete, "/api/associations?landingsplassId=101", editor, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminVannCRUD(t *testing.T) {
	h := newHarness(t)
	admin := h.login(t, "admin@kalk.no", "admin-pass")

	rec := h.do(t, http.MethodPost, "/api/admin/vann", admin, planner.Vann{Name: "Nytt vann", Fylke: "Agder", Tonn: 3})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[planner.Vann](t, rec)

	rec = h.do(t, http.MethodPost, "/api/admin/vann", admin, planner.Vann{Fylke: "Agder", Tonn: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	created.Tonn = 4.5
	rec = h.do(t, http.MethodPut, "/api/admin/vann/"+itoa(created.ID), admin, created)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.InDelta(t, 4.5, decode[planner.Vann](t, rec).Tonn, 1e-9)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/admin/vann/"+itoa(created.ID), admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/api/admin/vann/"+itoa(created.ID), admin, nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodDelete, "/api/admin/vann/abc", admin, nil).Code)

	rec = h.do(t, http.MethodGet, "/api/admin/landingsplasser", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]planner.Landingsplass](t, rec), 2)
}

func TestAdminUsers(t *testing.T) {
	h := newHarness(t)
	admin := h.login(t, "admin@kalk.no", "admin-pass")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.srv.Bus.Subscribe(ctx, "vass", 8)

	rec := h.do(t, http.MethodPost, "/api/admin/users", admin, userRequest{Email: "new@kalk.no", Password: "long-enough", Role: "editor"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[database.User](t, rec)
	ev := nextEvent(t, events)
	assert.Equal(t, "user_create", ev.Type)
	assert.Equal(t, "user", ev.Entity)
	assert.Equal(t, "user_create", h.journal.entries[0].Action)
	assert.Equal(t, "new@kalk.no", h.journal.entries[0].TargetName)
	rec = h.do(t, http.MethodPost, "/api/admin/users", admin, userRequest{Email: "new@kalk.no", Password: "long-enough"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = h.do(t, http.MethodPost, "/api/admin/users", admin, userRequest{Email: "x@kalk.no", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodDelete, "/api/admin/users/1", admin, nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPut, "/api/admin/users/1", admin, userRequest{Role: "viewer"}).Code)
	rec = h.do(t, http.MethodPut, "/api/admin/users/3", admin, userRequest{Role: "editor"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "editor", decode[database.User](t, rec).Role)
	assert.Equal(t, "user_role", nextEvent(t, events).Type)
	assert.Equal(t, "role=editor", h.journal.entries[0].Details)

	rec = h.do(t, http.MethodPut, "/api/admin/users/3", admin, userRequest{Password: "another-secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user_password", nextEvent(t, events).Type)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/admin/users/"+itoa(created.ID), admin, nil).Code)
	assert.Equal(t, "user_delete", nextEvent(t, events).Type)
	assert.Equal(t, "user_delete", h.journal.entries[0].Action)
	assert.Equal(t, "admin@kalk.no", h.journal.entries[0].Actor)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/api/admin/users/"+itoa(created.ID), admin, nil).Code)
}

func TestArchiveFlow(t *testing.T) {
	h := newHarness(t)
	admin := h.login(t, "admin@kalk.no", "admin-pass")

	h.do(t, http.MethodGet, "/api/map", admin, nil)
	require.Equal(t, 1, h.repo.listCalls)

	rec := h.do(t, http.MethodPost, "/api/archive", admin, map[string]any{"year": 2027, "resetProgress": true, "activate": true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	set := decode[planner.TableSet](t, rec)
	assert.Equal(t, "vass_2027", set.Prefix)
	assert.True(t, set.Active)
	assert.Equal(t, 3, set.VannCount)
	assert.Equal(t, "vass_2027", h.active.set.Prefix)

	rec = h.do(t, http.MethodGet, "/api/map", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "vass_2027", decode[planner.MapPayload](t, rec).Prefix)

	rec = h.do(t, http.MethodGet, "/api/archive", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sets := decode[[]planner.TableSet](t, rec)
	require.Len(t, sets, 2)
	assert.Equal(t, "vass_2027", sets[0].Prefix)

	rec = h.do(t, http.MethodPost, "/api/archive", admin, map[string]any{"year": 2027})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/archive/activate", admin, activateRequest{Prefix: "vass"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "vass", h.active.set.Prefix)
}

func TestExports(t *testing.T) {
	h := newHarness(t)
	viewer := h.login(t, "guest@kalk.no", "guest-pass")

	rec := h.do(t, http.MethodGet, "/api/progress.xlsx", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "fremdriftsplan-2026.xlsx")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))

	rec = h.do(t, http.MethodGet, "/api/progress.pdf?detail=0", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))

	rec = h.do(t, http.MethodGet, "/api/progress", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	plan := decode[planner.ProgressPlan](t, rec)
	assert.Equal(t, 2026, plan.Year)
	assert.Len(t, plan.Unassigned, 1)

	rec = h.do(t, http.MethodGet, "/qrpng?u=https://kalk.example.no/x", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func nextEvent(t *testing.T, ch <-chan planner.Event) planner.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no change event published")
		return planner.Event{}
	}
}

func uploadDocument(t *testing.T, h *harness, token, targetType, targetID string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("targetType", targetType))
	require.NoError(t, mw.WriteField("targetId", targetID))
	fw, err := mw.CreateFormFile("file", "kart.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("rute over fjellet"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestDocumentsRoundTrip(t *testing.T) {
	h := newHarness(t)
	editor := h.login(t, "pilot@kalk.no", "pilot-pass")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.srv.Bus.Subscribe(ctx, "vass", 8)

	rec := uploadDocument(t, h, editor, "vann", "999")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, h.blobs.data)

	rec = uploadDocument(t, h, editor, "vann", "103")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	doc := decode[database.Document](t, rec)
	assert.Equal(t, "pilot@kalk.no", doc.UploadedBy)
	assert.True(t, strings.HasPrefix(doc.ContentType, "text/plain"))
	ev := nextEvent(t, events)
	assert.Equal(t, "document_added", ev.Type)
	assert.Equal(t, int64(103), ev.ID)
	assert.Equal(t, "document_upload", h.journal.entries[0].Action)
	assert.Equal(t, "Storvatnet", h.journal.entries[0].TargetName)

	rec = h.do(t, http.MethodGet, "/api/documents?targetType=vann&targetId=103", editor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]database.Document](t, rec), 1)

	rec = h.do(t, http.MethodGet, "/api/documents/"+itoa(doc.ID), editor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rute over fjellet", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "kart.txt")

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/documents/"+itoa(doc.ID), editor, nil).Code)
	assert.Empty(t, h.blobs.data)
	assert.Equal(t, "document_removed", nextEvent(t, events).Type)
	assert.Equal(t, "document_delete", h.journal.entries[0].Action)
	assert.Equal(t, "pilot@kalk.no", h.journal.entries[0].Actor)
}

func TestActionLogEndpoint(t *testing.T) {
	h := newHarness(t)
	admin := h.login(t, "admin@kalk.no", "admin-pass")
	h.do(t, http.MethodPost, "/api/landingsplasser/101/done", admin, doneRequest{Done: true})

	rec := h.do(t, http.MethodGet, "/api/admin/log?limit=5", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]database.ActionLog](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin@kalk.no", entries[0].Actor)
}

func TestRealtimeDeliversEvents(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.handler)
	defer ts.Close()
	editor := h.login(t, "pilot@kalk.no", "pilot-pass")

	header := http.Header{"Authorization": {"Bearer " + editor}}
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/realtime", header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var hello map[string]string
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "vass", hello["prefix"])

	rec := h.do(t, http.MethodPost, "/api/vann/103/done", editor, doneRequest{Done: true})
	require.Equal(t, http.StatusOK, rec.Code)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev planner.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "vann", ev.Entity)
	assert.Equal(t, int64(103), ev.ID)
	require.NotNil(t, ev.Done)
	assert.True(t, *ev.Done)
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{badRequest("x"), http.StatusBadRequest},
		{planner.ErrInvalidPrefix, http.StatusBadRequest},
		{archive.ErrInvalidYear, http.StatusBadRequest},
		{database.ErrInvalidCredentials, http.StatusUnauthorized},
		{errForbidden, http.StatusForbidden},
		{planner.ErrNotFound, http.StatusNotFound},
		{planner.ErrDuplicateAssociation, http.StatusConflict},
		{planner.ErrActiveTableSet, http.StatusConflict},
		{errTooManyRequests, http.StatusTooManyRequests},
		{resilience.ErrCircuitOpen, http.StatusServiceUnavailable},
		{&resilience.StatusError{StatusCode: 401}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, c := range cases {
		code, _ := errorStatus(c.err)
		assert.Equal(t, c.code, code, c.err.Error())
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
