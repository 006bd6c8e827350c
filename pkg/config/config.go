// Package config assembles runtime settings from command-line flags, an
// optional YAML file and environment variables (optionally from a .env file).
//
// Precedence: explicit flags > environment (secrets only) > YAML > defaults.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"

	"github.com/mvds-io/NextKalk-sub000/pkg/database"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full runtime configuration.
type Config struct {
	Port      int    `yaml:"port"`
	Domain    string `yaml:"domain"`
	PublicURL string `yaml:"publicUrl"`
	// Backend selects where planning data lives: "sql" or "supabase".
	Backend     string `yaml:"backend"`
	Concurrency int    `yaml:"concurrency"`
	// TrustProxy honours X-Forwarded-For and X-Real-IP. Enable only behind
	// a reverse proxy that overwrites them.
	TrustProxy bool `yaml:"trustProxy"`

	DB       DB       `yaml:"db"`
	Supabase Supabase `yaml:"supabase"`
	Auth     Auth     `yaml:"auth"`
	Map      Map      `yaml:"map"`
	Log      Log      `yaml:"log"`
	Schedule Schedule `yaml:"schedule"`

	CacheTTL     time.Duration `yaml:"cacheTtl"`
	DocumentsDir string        `yaml:"documentsDir"`

	ConfigFile string `yaml:"-"`
	EnvFile    string `yaml:"-"`
	Version    bool   `yaml:"-"`
}

// DB mirrors database.Config.
type DB struct {
	Type    string `yaml:"type"`
	Path    string `yaml:"path"`
	Conn    string `yaml:"conn"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Pass    string `yaml:"pass"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslMode"`
}

// Supabase configures the hosted backend.
type Supabase struct {
	URL         string `yaml:"url"`
	AnonKey     string `yaml:"anonKey"`
	Email       string `yaml:"email"`
	Password    string `yaml:"password"`
	SessionFile string `yaml:"sessionFile"`
	Bucket      string `yaml:"bucket"`
}

// Auth configures local user sessions.
type Auth struct {
	JWTSecret     string        `yaml:"jwtSecret"`
	TokenTTL      time.Duration `yaml:"tokenTtl"`
	AdminEmail    string        `yaml:"adminEmail"`
	AdminPassword string        `yaml:"adminPassword"`
	LoginPerMin   int           `yaml:"loginPerMinute"`
}

// Map holds the initial map view.
type Map struct {
	DefaultLat  float64 `yaml:"defaultLat"`
	DefaultLon  float64 `yaml:"defaultLon"`
	DefaultZoom int     `yaml:"defaultZoom"`
}

// Log configures the process logger.
type Log struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Debug      bool   `yaml:"debug"`
}

// Schedule holds cron specs for background jobs. Empty disables a job.
type Schedule struct {
	PruneLog     string        `yaml:"pruneLog"`
	LogRetention time.Duration `yaml:"logRetention"`
	Warmup       string        `yaml:"warmup"`
	SessionCheck time.Duration `yaml:"sessionCheck"`
}

// Defaults returns the built-in configuration, centred on southern Norway.
func Defaults() Config {
	return Config{
		Port:        8765,
		Backend:     "sql",
		Concurrency: 6,
		DB: DB{
			Type:    "sqlite",
			Host:    "127.0.0.1",
			Port:    5432,
			User:    "postgres",
			Name:    "kalk",
			SSLMode: "prefer",
		},
		Supabase: Supabase{
			SessionFile: "kalk-session.json",
			Bucket:      "documents",
		},
		Auth: Auth{
			TokenTTL:    12 * time.Hour,
			LoginPerMin: 10,
		},
		Map: Map{DefaultLat: 58.7, DefaultLon: 7.6, DefaultZoom: 8},
		Log: Log{MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 30},
		Schedule: Schedule{
			PruneLog:     "0 3 * * *",
			LogRetention: 365 * 24 * time.Hour,
			Warmup:       "@hourly",
			SessionCheck: time.Minute,
		},
		CacheTTL:     30 * time.Second,
		DocumentsDir: "documents",
		EnvFile:      ".env",
	}
}

// Load parses args (without the program name) into a Config.
func Load(args []string, stderr io.Writer) (*Config, error) {
	cfg := Defaults()

	if path := scanConfigFlag(args); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
		cfg.ConfigFile = path
	}

	fs := flag.NewFlagSet("kalk-planner", flag.ContinueOnError)
	if stderr != nil {
		fs.SetOutput(stderr)
	}
	cfg.bind(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if err := loadDotEnv(cfg.EnvFile); err != nil {
		return nil, err
	}
	cfg.applyEnv(os.Getenv, explicit)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "YAML configuration file")
	fs.StringVar(&c.EnvFile, "env-file", c.EnvFile, "Optional .env file with secrets")
	fs.BoolVar(&c.Version, "version", false, "Show the application version")

	fs.IntVar(&c.Port, "port", c.Port, "Port for running the server")
	fs.StringVar(&c.Domain, "domain", c.Domain, "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
	fs.StringVar(&c.PublicURL, "public-url", c.PublicURL, "Public base URL printed in QR codes")
	fs.StringVar(&c.Backend, "backend", c.Backend, `Planning data backend: "sql" or "supabase"`)
	fs.IntVar(&c.Concurrency, "concurrency", c.Concurrency, "Maximum concurrent backend calls")
	fs.BoolVar(&c.TrustProxy, "trust-proxy", c.TrustProxy, "Take client addresses from X-Forwarded-For (only behind a reverse proxy)")

	fs.StringVar(&c.DB.Type, "db-type", c.DB.Type, "Type of the database driver: sqlite or pgx (postgresql)")
	fs.StringVar(&c.DB.Path, "db-path", c.DB.Path, "Path to the SQLite file (defaults to the current folder)")
	fs.StringVar(&c.DB.Conn, "db-conn", c.DB.Conn, "PostgreSQL connection URL; overrides the discrete -db-* flags")
	fs.StringVar(&c.DB.Host, "db-host", c.DB.Host, "Database host (pgx)")
	fs.IntVar(&c.DB.Port, "db-port", c.DB.Port, "Database port (pgx)")
	fs.StringVar(&c.DB.User, "db-user", c.DB.User, "Database user (pgx)")
	fs.StringVar(&c.DB.Pass, "db-pass", c.DB.Pass, "Database password (pgx)")
	fs.StringVar(&c.DB.Name, "db-name", c.DB.Name, "Database name (pgx)")
	fs.StringVar(&c.DB.SSLMode, "pg-ssl-mode", c.DB.SSLMode, "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")

	fs.StringVar(&c.Supabase.URL, "supabase-url", c.Supabase.URL, "Supabase project URL")
	fs.StringVar(&c.Supabase.SessionFile, "supabase-session-file", c.Supabase.SessionFile, "Where the backend session is persisted")
	fs.StringVar(&c.Supabase.Bucket, "supabase-bucket", c.Supabase.Bucket, "Storage bucket for uploaded documents")

	fs.DurationVar(&c.Auth.TokenTTL, "token-ttl", c.Auth.TokenTTL, "Lifetime of user session tokens")
	fs.StringVar(&c.Auth.AdminEmail, "admin-email", c.Auth.AdminEmail, "Seed an admin user with this e-mail when no users exist")
	fs.IntVar(&c.Auth.LoginPerMin, "login-rate", c.Auth.LoginPerMin, "Login attempts per minute per client")

	fs.Float64Var(&c.Map.DefaultLat, "default-lat", c.Map.DefaultLat, "Default map latitude")
	fs.Float64Var(&c.Map.DefaultLon, "default-lon", c.Map.DefaultLon, "Default map longitude")
	fs.IntVar(&c.Map.DefaultZoom, "default-zoom", c.Map.DefaultZoom, "Default map zoom")

	fs.StringVar(&c.Log.File, "log-file", c.Log.File, "Also write JSON logs to this rotated file")
	fs.BoolVar(&c.Log.Debug, "debug", c.Log.Debug, "Verbose logging")

	fs.DurationVar(&c.CacheTTL, "cache-ttl", c.CacheTTL, "Lifetime of cached map payloads")
	fs.StringVar(&c.DocumentsDir, "documents-dir", c.DocumentsDir, "Directory for uploaded documents")
}

// scanConfigFlag finds -config before the full flag set exists, so file
// values can become flag defaults.
func scanConfigFlag(args []string) string {
	for i, a := range args {
		if a == "--" {
			return ""
		}
		name := strings.TrimLeft(a, "-")
		if len(a)-len(name) < 1 || len(a)-len(name) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// LoadFile overlays values from a YAML file.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// applyEnv reads secrets from the environment. Values given as explicit
// flags are left alone.
func (c *Config) applyEnv(getenv func(string) string, explicit map[string]bool) {
	set := func(dst *string, key, flagName string) {
		if flagName != "" && explicit[flagName] {
			return
		}
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Auth.JWTSecret, "KALK_JWT_SECRET", "")
	set(&c.Auth.AdminPassword, "KALK_ADMIN_PASSWORD", "")
	set(&c.Auth.AdminEmail, "KALK_ADMIN_EMAIL", "admin-email")
	set(&c.DB.Pass, "KALK_DB_PASS", "db-pass")
	set(&c.DB.Conn, "DATABASE_URL", "db-conn")
	set(&c.Supabase.URL, "SUPABASE_URL", "supabase-url")
	set(&c.Supabase.AnonKey, "SUPABASE_ANON_KEY", "")
	set(&c.Supabase.Email, "SUPABASE_EMAIL", "")
	set(&c.Supabase.Password, "SUPABASE_PASSWORD", "")
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	var problems []string
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	switch c.Backend {
	case "sql":
	case "supabase":
		if c.Supabase.URL == "" || c.Supabase.AnonKey == "" {
			problems = append(problems, "supabase backend needs SUPABASE_URL and SUPABASE_ANON_KEY")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown backend %q", c.Backend))
	}
	switch strings.ToLower(c.DB.Type) {
	case "sqlite", "pgx":
	default:
		problems = append(problems, fmt.Sprintf("unsupported db type %q", c.DB.Type))
	}
	if c.Concurrency < 1 {
		problems = append(problems, "concurrency must be at least 1")
	}
	if c.Auth.TokenTTL < time.Minute {
		problems = append(problems, "token ttl must be at least one minute")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Database converts the DB section for database.NewDatabase.
func (c *Config) Database(logf func(string, ...any)) database.Config {
	return database.Config{
		DBType:      c.DB.Type,
		DBPath:      c.DB.Path,
		DBConn:      c.DB.Conn,
		DBHost:      c.DB.Host,
		DBPort:      c.DB.Port,
		DBUser:      c.DB.User,
		DBPass:      c.DB.Pass,
		DBName:      c.DB.Name,
		PGSSLMode:   c.DB.SSLMode,
		Port:        c.Port,
		Concurrency: c.Concurrency,
		Logf:        logf,
	}
}
