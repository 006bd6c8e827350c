package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func noEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"KALK_JWT_SECRET", "KALK_ADMIN_PASSWORD", "KALK_ADMIN_EMAIL", "KALK_DB_PASS",
		"DATABASE_URL", "SUPABASE_URL", "SUPABASE_ANON_KEY", "SUPABASE_EMAIL", "SUPABASE_PASSWORD"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestDefaults(t *testing.T) {
	noEnv(t)
	cfg, err := Load([]string{"-env-file", ""}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 8765, cfg.Port)
	assert.Equal(t, "sql", cfg.Backend)
	assert.Equal(t, "sqlite", cfg.DB.Type)
	assert.Equal(t, 12*time.Hour, cfg.Auth.TokenTTL)
}

func TestFileThenFlags(t *testing.T) {
	noEnv(t)
	path := writeFile(t, "kalk.yaml", `
port: 9000
db:
  type: pgx
  host: db.internal
  name: kalk2026
auth:
  tokenTtl: 2h
schedule:
  warmup: "*/30 * * * *"
`)
	cfg, err := Load([]string{"-config", path, "-port", "9100", "-env-file="}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port, "explicit flag wins over file")
	assert.Equal(t, "pgx", cfg.DB.Type)
	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.Equal(t, 5432, cfg.DB.Port, "untouched defaults survive")
	assert.Equal(t, 2*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "*/30 * * * *", cfg.Schedule.Warmup)
	assert.Equal(t, path, cfg.ConfigFile)
}

func TestUnknownYAMLKeyRejected(t *testing.T) {
	path := writeFile(t, "kalk.yaml", "prot: 9000\n")
	_, err := Load([]string{"--config=" + path}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prot")
}

func TestEnvFileSecrets(t *testing.T) {
	noEnv(t)
	env := writeFile(t, ".env", "SUPABASE_URL=https://abc.supabase.co\nSUPABASE_ANON_KEY=anon\nKALK_JWT_SECRET=s3cret\nKALK_DB_PASS=frompass\n")
	cfg, err := Load([]string{"-env-file", env, "-backend", "supabase", "-db-pass", "flagpass"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "https://abc.supabase.co", cfg.Supabase.URL)
	assert.Equal(t, "anon", cfg.Supabase.AnonKey)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "flagpass", cfg.DB.Pass, "explicit flag beats environment")
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Backend = "supabase"
	cfg.DB.Type = "genji"
	cfg.Port = 0
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "SUPABASE_URL")
	assert.Contains(t, err.Error(), "genji")
	assert.Contains(t, err.Error(), "port 0")
}

func TestScanConfigFlag(t *testing.T) {
	assert.Equal(t, "a.yaml", scanConfigFlag([]string{"-port", "1", "-config", "a.yaml"}))
	assert.Equal(t, "b.yaml", scanConfigFlag([]string{"--config=b.yaml"}))
	assert.Equal(t, "", scanConfigFlag([]string{"--", "-config", "c.yaml"}))
	assert.Equal(t, "", scanConfigFlag([]string{"config", "d.yaml"}))
}

func TestDatabaseConversion(t *testing.T) {
	cfg := Defaults()
	cfg.DB.Type = "pgx"
	cfg.DB.Pass = "pw"
	dbc := cfg.Database(nil)
	assert.Equal(t, "pgx", dbc.DBType)
	assert.Equal(t, "pw", dbc.DBPass)
	assert.Equal(t, cfg.Port, dbc.Port)
	assert.Equal(t, 6, dbc.Concurrency)
}
