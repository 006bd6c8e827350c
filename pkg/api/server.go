// Package api is the HTTP surface of the planner: JSON endpoints, exports,
// documents, archive administration and the realtime change feed.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mvds-io/NextKalk-sub000/pkg/archive"
	"github.com/mvds-io/NextKalk-sub000/pkg/changestream"
	"github.com/mvds-io/NextKalk-sub000/pkg/database"
	"github.com/mvds-io/NextKalk-sub000/pkg/metrics"
	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
	"github.com/mvds-io/NextKalk-sub000/pkg/resilience"
	"github.com/mvds-io/NextKalk-sub000/pkg/session"
)

// Accounts manages local users.
type Accounts interface {
	Authenticate(ctx context.Context, email, password string) (database.User, error)
	UserByID(ctx context.Context, id int64) (database.User, error)
	ListUsers(ctx context.Context) ([]database.User, error)
	CreateUser(ctx context.Context, email, name, role, password string) (database.User, error)
	UpdateUserRole(ctx context.Context, id int64, role string) error
	SetPassword(ctx context.Context, id int64, password string) error
	DeleteUser(ctx context.Context, id int64) error
}

// ActionLogReader pages through the action log.
type ActionLogReader interface {
	ListActions(ctx context.Context, limit, offset int) ([]database.ActionLog, error)
}

// DocumentStore keeps uploaded document metadata.
type DocumentStore interface {
	SaveDocument(ctx context.Context, blobs database.BlobStore, doc database.Document, data []byte) (database.Document, error)
	ListDocuments(ctx context.Context, prefix, targetType string, targetID int64) ([]database.Document, error)
	GetDocument(ctx context.Context, id int64) (database.Document, error)
	OpenDocument(ctx context.Context, blobs database.BlobStore, id int64) (database.Document, []byte, error)
	DeleteDocument(ctx context.Context, blobs database.BlobStore, id int64) error
}

// ActiveSetReader tells which table set is live.
type ActiveSetReader interface {
	ActiveTableSet(ctx context.Context) (database.ActiveSet, error)
}

// MapDefaults is the initial map view handed to the page.
type MapDefaults struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Zoom int     `json:"zoom"`
}

// Server wires the planner services to HTTP.
type Server struct {
	Planner  *planner.Service
	Accounts Accounts
	Actions  ActionLogReader
	Docs     DocumentStore
	Blobs    database.BlobStore
	Active   ActiveSetReader
	Archive  *archive.Archiver
	Issuer   *session.Issuer

	Bus     *changestream.Bus
	Cache   *ResponseCache
	Heavy   *RateLimiter
	Login   *LoginLimiter
	Metrics *metrics.Metrics

	// Backend health; all optional.
	Monitor *session.Monitor
	Breaker *resilience.CircuitBreaker
	Ping    func(context.Context) error
	// CountRows counts vann rows of a set on the hosted backend.
	CountRows func(ctx context.Context, prefix string) (int, error)

	Map           MapDefaults
	PublicURL     string
	SecureCookies bool
	// TrustProxy lets forwarded headers set the client address.
	TrustProxy bool
	Version    string
	Backend    string
	Logf       func(string, ...any)
}

const maxJSONBody = 1 << 20

// Routes builds the chi router. Callers mount static assets on it.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	if s.Metrics != nil {
		r.Use(s.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}

	r.Get("/qrpng", s.handleQRPNG)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/config", s.handleClientConfig)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
			r.Post("/refresh", s.handleRefresh)
			r.With(s.authenticate).Get("/session", s.handleSession)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/map", s.handleMap)
			r.Get("/summary", s.handleSummary)
			r.Get("/progress", s.handleProgress)
			r.Get("/progress.pdf", s.handleProgressPDF)
			r.Get("/progress.xlsx", s.handleProgressXLSX)
			r.Get("/realtime", s.handleRealtime)

			r.Get("/documents", s.handleListDocuments)
			r.Get("/documents/{id}", s.handleGetDocument)

			r.Group(func(r chi.Router) {
				r.Use(s.requireRole(database.RoleEditor))
				r.Post("/vann/{id}/done", s.handleVannDone)
				r.Post("/landingsplasser/{id}/done", s.handleLandingsplassDone)
				r.Post("/associations", s.handleAddAssociation)
				r.Delete("/associations", s.handleRemoveAssociation)
				r.Post("/documents", s.handleUploadDocument)
				r.Delete("/documents/{id}", s.handleDeleteDocument)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireRole(database.RoleAdmin))
				r.Get("/vann", s.handleListVann)
				r.Post("/vann", s.handleCreateVann)
				r.Post("/vann/import", s.handleImportVann)
				r.Put("/vann/{id}", s.handleUpdateVann)
				r.Delete("/vann/{id}", s.handleDeleteVann)
				r.Get("/landingsplasser", s.handleListLandingsplasser)
				r.Post("/landingsplasser", s.handleCreateLandingsplass)
				r.Put("/landingsplasser/{id}", s.handleUpdateLandingsplass)
				r.Delete("/landingsplasser/{id}", s.handleDeleteLandingsplass)
				r.Get("/users", s.handleListUsers)
				r.Post("/users", s.handleCreateUser)
				r.Put("/users/{id}", s.handleUpdateUser)
				r.Delete("/users/{id}", s.handleDeleteUser)
				r.Get("/log", s.handleActionLog)
			})

			r.Route("/archive", func(r chi.Router) {
				r.Use(s.requireRole(database.RoleAdmin))
				r.Get("/", s.handleListArchive)
				r.Post("/", s.handleCreateArchive)
				r.Post("/activate", s.handleActivateArchive)
			})
		})
	})
	return r
}

func (s *Server) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
	}
}

// errBadRequest marks client mistakes found while decoding input.
type errBadRequest struct{ msg string }

func (e errBadRequest) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return errBadRequest{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= 500 {
		s.logf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func errorStatus(err error) (int, string) {
	var br errBadRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, br.msg
	case planner.IsValidation(err):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, planner.ErrInvalidPrefix), errors.Is(err, archive.ErrInvalidYear):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, database.ErrInvalidCredentials), errors.Is(err, session.ErrInvalidToken):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, planner.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "not found"
	case errors.Is(err, planner.ErrDuplicateAssociation), errors.Is(err, database.ErrUserExists),
		errors.Is(err, database.ErrTableSetExists), errors.Is(err, planner.ErrActiveTableSet):
		return http.StatusConflict, err.Error()
	case errors.Is(err, errTooManyRequests):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "backend unavailable, try again shortly"
	case resilience.IsAuthError(err):
		return http.StatusBadGateway, "backend rejected our credentials"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "backend timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

var (
	errForbidden       = errors.New("insufficient role")
	errTooManyRequests = errors.New("too many requests")
)

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid %s", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return v
}

// tableSet resolves ?prefix= against the live set.
func (s *Server) tableSet(r *http.Request) (prefix string, year int, err error) {
	active, err := s.Active.ActiveTableSet(r.Context())
	if err != nil {
		return "", 0, err
	}
	prefix = strings.TrimSpace(r.URL.Query().Get("prefix"))
	if prefix == "" || prefix == active.Prefix {
		return active.Prefix, active.Year, nil
	}
	if err := planner.ValidatePrefix(prefix); err != nil {
		return "", 0, err
	}
	if s.Archive != nil && s.Archive.Sets != nil {
		sets, err := s.Archive.Sets.ListTableSets(r.Context())
		if err != nil {
			return "", 0, err
		}
		for _, set := range sets {
			if set.Prefix == prefix {
				year := set.Year
				if year == 0 {
					year = archive.YearFromPrefix(prefix)
				}
				return prefix, year, nil
			}
		}
		return "", 0, fmt.Errorf("table set %s: %w", prefix, planner.ErrNotFound)
	}
	return prefix, archive.YearFromPrefix(prefix), nil
}

// mutated drops cached payloads of prefix after a write.
func (s *Server) mutated(prefix string) {
	s.Cache.Flush(cachePrefix(prefix))
}

func cachePrefix(prefix string) string { return prefix + "|" }
