package main

import (
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/mvds-io/NextKalk-sub000/pkg/api"
	"github.com/mvds-io/NextKalk-sub000/pkg/archive"
	"github.com/mvds-io/NextKalk-sub000/pkg/changestream"
	"github.com/mvds-io/NextKalk-sub000/pkg/config"
	"github.com/mvds-io/NextKalk-sub000/pkg/database"
	"github.com/mvds-io/NextKalk-sub000/pkg/logger"
	"github.com/mvds-io/NextKalk-sub000/pkg/metrics"
	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
	"github.com/mvds-io/NextKalk-sub000/pkg/resilience"
	"github.com/mvds-io/NextKalk-sub000/pkg/scheduler"
	"github.com/mvds-io/NextKalk-sub000/pkg/session"
	"github.com/mvds-io/NextKalk-sub000/pkg/supabase"
)

//go:embed public_html/*
var content embed.FS

var CompileVersion = "dev"

// app holds everything main starts and later stops.
type app struct {
	db      *database.Database
	server  *api.Server
	sched   *scheduler.Scheduler
	monitor *session.Monitor
	cache   *api.ResponseCache
	jobs    *logger.JobLog
}

func main() {
	cfg, err := config.Load(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.Version {
		fmt.Printf("kalk-planner version %s\n", CompileVersion)
		return
	}

	zl := logger.New(logger.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Debug:      cfg.Log.Debug,
	})
	defer func() { _ = zl.Sync() }()
	logf := logger.Logf(zl)

	if cfg.Domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		zl.Warn("binding to :80 / :443 requires super-user rights; run with sudo or as root")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logf)
	if err != nil {
		zl.Fatalw("startup failed", "error", err)
	}
	defer a.close()

	if a.monitor != nil {
		go a.monitor.Run(ctx)
	}
	a.sched.Start(ctx)

	handler, err := a.routes()
	if err != nil {
		zl.Fatalw("routes", "error", err)
	}
	handler = withServerHeader(handler)

	if cfg.Domain != "" {
		go serveWithDomain(cfg.Domain, handler, logf)
		<-ctx.Done()
		return
	}
	serveHTTP(ctx, fmt.Sprintf(":%d", cfg.Port), handler, zl)
}

// build opens storage, picks the planning backend and wires the services.
func build(ctx context.Context, cfg *config.Config, logf func(string, ...any)) (*app, error) {
	db, err := database.NewDatabase(cfg.Database(logf))
	if err != nil {
		return nil, fmt.Errorf("DB init: %w", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("DB schema: %w", err)
	}
	if err := seedAdmin(ctx, db, cfg, logf); err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &app{db: db, jobs: logger.NewJobLog(logf)}

	var (
		repo      planner.Repository
		sets      planner.TableSets
		blobs     database.BlobStore
		exec      *resilience.Executor
		countRows func(context.Context, string) (int, error)
		backend   = strings.ToLower(cfg.Backend)
	)
	switch backend {
	case "supabase":
		exec = resilience.NewExecutor(cfg.Concurrency, logf)
		client, err := supabase.New(supabase.Config{
			URL:      cfg.Supabase.URL,
			AnonKey:  cfg.Supabase.AnonKey,
			Executor: exec,
			Logf:     logf,
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		var primary session.Store
		if cfg.Supabase.SessionFile != "" {
			primary = &session.FileStore{Path: cfg.Supabase.SessionFile}
		}
		a.monitor = session.NewMonitor(session.NewFallbackStore(primary, logf), &supabase.PasswordRefresher{
			Client:   client,
			Email:    cfg.Supabase.Email,
			Password: cfg.Supabase.Password,
		}, logf)
		if cfg.Schedule.SessionCheck > 0 {
			a.monitor.Interval = cfg.Schedule.SessionCheck
		}
		client.SetTokens(a.monitor)
		store := supabase.NewStore(client)
		repo, sets = store, store
		countRows = store.CountRows
		blobs = client.Storage(cfg.Supabase.Bucket)
	default:
		exec = db.Exec
		repo, sets = db, db
		blobs = database.DiskBlobs{Dir: cfg.DocumentsDir}
	}

	var healthy func() bool
	if a.monitor != nil {
		healthy = func() bool { return a.monitor.Health().Healthy }
	}
	m := metrics.New(exec.Breaker, healthy)
	exec.Observer = m

	bus := changestream.NewBus(256)
	a.cache = api.NewResponseCache(cfg.CacheTTL)
	svc := planner.NewService(repo, db, bus.Publish, logf)

	arch := &archive.Archiver{
		Sets:       sets,
		Active:     db,
		Journal:    db,
		Publish:    bus.Publish,
		OnActivate: func(string) { a.cache.Flush("") },
		Jobs:       a.jobs,
		Logf:       logf,
	}

	issuer := session.NewIssuer(cfg.Auth.JWTSecret)
	if cfg.Auth.TokenTTL > 0 {
		issuer.TTL = cfg.Auth.TokenTTL
	}
	if cfg.Auth.JWTSecret == "" {
		logf("no JWT secret configured; sessions end on restart")
	}

	a.server = &api.Server{
		Planner:   svc,
		Accounts:  db,
		Actions:   db,
		Docs:      db,
		Blobs:     blobs,
		Active:    db,
		Archive:   arch,
		Issuer:    issuer,
		Bus:       bus,
		Cache:     a.cache,
		Heavy:     api.NewRateLimiter(2 * time.Second),
		Login:     api.NewLoginLimiter(cfg.Auth.LoginPerMin),
		Metrics:   m,
		Monitor:   a.monitor,
		Breaker:   exec.Breaker,
		Ping:      func(ctx context.Context) error { return db.DB.PingContext(ctx) },
		CountRows: countRows,
		Map: api.MapDefaults{
			Lat:  cfg.Map.DefaultLat,
			Lon:  cfg.Map.DefaultLon,
			Zoom: cfg.Map.DefaultZoom,
		},
		PublicURL:     cfg.PublicURL,
		SecureCookies: cfg.Domain != "",
		TrustProxy:    cfg.TrustProxy,
		Version:       CompileVersion,
		Backend:       backend,
		Logf:          logf,
	}

	a.sched = scheduler.New(time.Local, logf)
	if err := a.addJobs(cfg, logf); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) addJobs(cfg *config.Config, logf func(string, ...any)) error {
	retention := cfg.Schedule.LogRetention
	jobs := []scheduler.Job{
		{
			Name:    "prune-action-log",
			Spec:    cfg.Schedule.PruneLog,
			Timeout: 5 * time.Minute,
			Run: func(ctx context.Context) error {
				n, err := a.db.PruneActions(ctx, retention)
				if err == nil && n > 0 {
					logf("pruned %d action log entries older than %s", n, retention)
				}
				return err
			},
		},
		{
			// Keeps the live summary in the cache and the backend session warm.
			Name:    "warmup-summary",
			Spec:    cfg.Schedule.Warmup,
			Timeout: time.Minute,
			Run: func(ctx context.Context) error {
				active, err := a.db.ActiveTableSet(ctx)
				if err != nil {
					return err
				}
				_, err = a.server.Planner.Summary(ctx, active.Prefix)
				return err
			},
		},
	}
	for _, j := range jobs {
		if err := a.sched.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// routes mounts the API, the embedded page and its assets.
func (a *app) routes() (http.Handler, error) {
	staticFS, err := fs.Sub(content, "public_html")
	if err != nil {
		return nil, fmt.Errorf("static fs: %w", err)
	}
	index, err := fs.ReadFile(staticFS, "index.html")
	if err != nil {
		return nil, fmt.Errorf("index page: %w", err)
	}

	r := a.server.Routes()
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(index)
	})
	return r, nil
}

func (a *app) close() {
	if a.sched != nil {
		a.sched.Stop()
	}
	a.cache.Close()
	if a.jobs != nil {
		a.jobs.Sync()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// seedAdmin creates the first admin account on an empty user table.
func seedAdmin(ctx context.Context, db *database.Database, cfg *config.Config, logf func(string, ...any)) error {
	if cfg.Auth.AdminEmail == "" || cfg.Auth.AdminPassword == "" {
		return nil
	}
	n, err := db.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if n > 0 {
		return nil
	}
	u, err := db.CreateUser(ctx, cfg.Auth.AdminEmail, "Administrator", database.RoleAdmin, cfg.Auth.AdminPassword)
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	logf("created admin user %s", u.Email)
	return nil
}

// withServerHeader adds "Server: kalk-planner/<version>" and answers HEAD /
// with 200 so load balancers can poll cheaply.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "kalk-planner/"+CompileVersion)
		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, zl *zap.SugaredLogger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	zl.Infof("HTTP server ➜ http://localhost%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zl.Errorw("HTTP server error", "error", err)
	}
}

// serveWithDomain runs :80 for ACME challenges plus redirects and :443 with
// Let's Encrypt certificates. Once a certificate was obtained it is also
// served for IP or unknown SNI requests.
func serveWithDomain(domain string, handler http.Handler, logf func(string, ...any)) {
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			if host == domain || host == "www."+domain {
				return nil
			}
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	go func() {
		mux80 := http.NewServeMux()
		mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
		mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "https://"+domain+r.URL.RequestURI(), http.StatusMovedPermanently)
		})
		logf("HTTP  server (ACME+redirect) ➜ :80")
		if err := (&http.Server{
			Addr:              ":80",
			Handler:           mux80,
			ReadHeaderTimeout: 10 * time.Second,
		}).ListenAndServe(); err != nil {
			logf("HTTP  server error: %v", err)
		}
	}()

	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS12

	var fallback atomic.Pointer[tls.Certificate]
	tlsCfg.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(hello)
		if err == nil {
			if hello.ServerName == domain {
				fallback.Store(c)
			}
			return c, nil
		}
		if c := fallback.Load(); c != nil {
			return c, nil
		}
		return nil, err
	}

	logf("HTTPS server for %s ➜ :443", domain)
	if err := (&http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}).ListenAndServeTLS("", ""); err != nil {
		logf("HTTPS server error: %v", err)
	}
}
