package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

// InitSchema creates the base tables and the default table set.
func (db *Database) InitSchema(ctx context.Context) error {
	var stmts []string
	switch db.Driver {
	case "pgx":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
  id            BIGSERIAL PRIMARY KEY,
  email         TEXT NOT NULL UNIQUE,
  name          TEXT NOT NULL DEFAULT '',
  role          TEXT NOT NULL DEFAULT 'viewer',
  password_hash TEXT NOT NULL,
  created_at    BIGINT NOT NULL,
  last_login    BIGINT NOT NULL DEFAULT 0
)`,
			`CREATE TABLE IF NOT EXISTS action_log (
  id          BIGSERIAL PRIMARY KEY,
  at          BIGINT NOT NULL,
  actor       TEXT NOT NULL DEFAULT '',
  action      TEXT NOT NULL,
  target_type TEXT NOT NULL DEFAULT '',
  target_id   BIGINT NOT NULL DEFAULT 0,
  target_name TEXT NOT NULL DEFAULT '',
  details     TEXT NOT NULL DEFAULT '',
  prefix      TEXT NOT NULL DEFAULT ''
)`,
			`CREATE INDEX IF NOT EXISTS idx_action_log_at ON action_log (at)`,
			`CREATE TABLE IF NOT EXISTS documents (
  id           BIGSERIAL PRIMARY KEY,
  prefix       TEXT NOT NULL,
  target_type  TEXT NOT NULL,
  target_id    BIGINT NOT NULL,
  filename     TEXT NOT NULL,
  content_type TEXT NOT NULL DEFAULT '',
  size         BIGINT NOT NULL DEFAULT 0,
  storage_key  TEXT NOT NULL UNIQUE,
  uploaded_by  TEXT NOT NULL DEFAULT '',
  uploaded_at  BIGINT NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_target ON documents (prefix, target_type, target_id)`,
			`CREATE TABLE IF NOT EXISTS app_config (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at BIGINT NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS table_sets (
  prefix     TEXT PRIMARY KEY,
  year       INTEGER NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL
)`,
		}
	case "sqlite":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  email         TEXT NOT NULL UNIQUE,
  name          TEXT NOT NULL DEFAULT '',
  role          TEXT NOT NULL DEFAULT 'viewer',
  password_hash TEXT NOT NULL,
  created_at    INTEGER NOT NULL,
  last_login    INTEGER NOT NULL DEFAULT 0
)`,
			`CREATE TABLE IF NOT EXISTS action_log (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  at          INTEGER NOT NULL,
  actor       TEXT NOT NULL DEFAULT '',
  action      TEXT NOT NULL,
  target_type TEXT NOT NULL DEFAULT '',
  target_id   INTEGER NOT NULL DEFAULT 0,
  target_name TEXT NOT NULL DEFAULT '',
  details     TEXT NOT NULL DEFAULT '',
  prefix      TEXT NOT NULL DEFAULT ''
)`,
			`CREATE INDEX IF NOT EXISTS idx_action_log_at ON action_log (at)`,
			`CREATE TABLE IF NOT EXISTS documents (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  prefix       TEXT NOT NULL,
  target_type  TEXT NOT NULL,
  target_id    INTEGER NOT NULL,
  filename     TEXT NOT NULL,
  content_type TEXT NOT NULL DEFAULT '',
  size         INTEGER NOT NULL DEFAULT 0,
  storage_key  TEXT NOT NULL UNIQUE,
  uploaded_by  TEXT NOT NULL DEFAULT '',
  uploaded_at  INTEGER NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_target ON documents (prefix, target_type, target_id)`,
			`CREATE TABLE IF NOT EXISTS app_config (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at INTEGER NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS table_sets (
  prefix     TEXT PRIMARY KEY,
  year       INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
)`,
		}
	default:
		return fmt.Errorf("unsupported database type: %s", db.Driver)
	}

	if err := db.execAll(ctx, "init schema", stmts); err != nil {
		return err
	}
	if err := db.ensureTableSet(ctx, planner.DefaultPrefix, 0); err != nil {
		return err
	}
	db.logf("Database schema ready (%s)", db.Driver)
	return nil
}

func (db *Database) execAll(ctx context.Context, name string, stmts []string) error {
	return db.run(ctx, name, func(ctx context.Context) error {
		for _, stmt := range stmts {
			if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%s: %w\nSQL: %s", name, err, firstLine(stmt))
			}
		}
		return nil
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// tableSetDDL returns CREATE statements for the three planning tables.
// prefix must already be validated.
func tableSetDDL(driver, prefix string) []string {
	vt, lt, at := planner.Tables(prefix)
	id, boolean, bigint, real := "INTEGER PRIMARY KEY AUTOINCREMENT", "INTEGER", "INTEGER", "REAL"
	if driver == "pgx" {
		id, boolean, bigint, real = "BIGSERIAL PRIMARY KEY", "BOOLEAN", "BIGINT", "DOUBLE PRECISION"
	}
	falsy := "0"
	if driver == "pgx" {
		falsy = "FALSE"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id        %s,
  name      TEXT NOT NULL,
  fylke     TEXT NOT NULL DEFAULT '',
  kommune   TEXT NOT NULL DEFAULT '',
  latitude  %s NOT NULL DEFAULT 0,
  longitude %s NOT NULL DEFAULT 0,
  tonn      %s NOT NULL DEFAULT 0,
  done      %s NOT NULL DEFAULT %s,
  done_at   %s NOT NULL DEFAULT 0,
  done_by   TEXT NOT NULL DEFAULT '',
  comment   TEXT NOT NULL DEFAULT ''
)`, vt, id, real, real, real, boolean, falsy, bigint),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id        %s,
  code      TEXT NOT NULL,
  name      TEXT NOT NULL DEFAULT '',
  fylke     TEXT NOT NULL DEFAULT '',
  kommune   TEXT NOT NULL DEFAULT '',
  latitude  %s NOT NULL DEFAULT 0,
  longitude %s NOT NULL DEFAULT 0,
  priority  INTEGER NOT NULL DEFAULT 0,
  done      %s NOT NULL DEFAULT %s,
  done_at   %s NOT NULL DEFAULT 0,
  done_by   TEXT NOT NULL DEFAULT '',
  comment   TEXT NOT NULL DEFAULT ''
)`, lt, id, real, real, boolean, falsy, bigint),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id               %s,
  landingsplass_id %s NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
  vann_id          %s NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
  distance_km      %s,
  UNIQUE (landingsplass_id, vann_id)
)`, at, id, bigint, lt, bigint, vt, real),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_vann ON %s (vann_id)`, at, at),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_fylke ON %s (fylke)`, vt, vt),
	}
}
