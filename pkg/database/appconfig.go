package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

const (
	keyActivePrefix = "active_prefix"
	keyActiveYear   = "active_year"
)

// ActiveSet names the live table set.
type ActiveSet struct {
	Year   int    `json:"year"`
	Prefix string `json:"prefix"`
}

// GetConfig returns the value for key, or "" with ok=false when unset.
func (db *Database) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.run(ctx, "get config", func(ctx context.Context) error {
		return db.DB.GetContext(ctx, &value, db.q(`SELECT value FROM app_config WHERE key = ?`), key)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config %s: %w", key, err)
	}
	return value, true, nil
}

// SetConfig upserts key.
func (db *Database) SetConfig(ctx context.Context, key, value string) error {
	return db.tx(ctx, "set config", func(ctx context.Context, tx *sqlx.Tx) error {
		return setConfigTx(ctx, db, tx, key, value)
	})
}

func setConfigTx(ctx context.Context, db *Database, tx *sqlx.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, db.q(`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`), key, value, nowUnix())
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// AllConfig returns every key/value pair.
func (db *Database) AllConfig(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	err := db.run(ctx, "list config", func(ctx context.Context) error {
		return db.DB.SelectContext(ctx, &rows, `SELECT key, value FROM app_config ORDER BY key`)
	})
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// ActiveTableSet returns the live set; the default prefix and current year
// when nothing was activated yet.
func (db *Database) ActiveTableSet(ctx context.Context) (ActiveSet, error) {
	set := ActiveSet{Prefix: planner.DefaultPrefix, Year: time.Now().Year()}
	prefix, ok, err := db.GetConfig(ctx, keyActivePrefix)
	if err != nil {
		return set, err
	}
	if ok && prefix != "" {
		set.Prefix = prefix
	}
	year, ok, err := db.GetConfig(ctx, keyActiveYear)
	if err != nil {
		return set, err
	}
	if ok {
		if y, convErr := strconv.Atoi(year); convErr == nil {
			set.Year = y
		}
	}
	return set, nil
}

// ActivateTableSet makes prefix the live set. It must be registered.
func (db *Database) ActivateTableSet(ctx context.Context, year int, prefix string) error {
	if err := planner.ValidatePrefix(prefix); err != nil {
		return err
	}
	ok, err := db.TableSetExists(ctx, prefix)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("table set %s: %w", prefix, planner.ErrNotFound)
	}
	return db.SetActiveTableSet(ctx, year, prefix)
}

// SetActiveTableSet records the live set without checking the local
// registry; the hosted backend keeps its own list of sets.
func (db *Database) SetActiveTableSet(ctx context.Context, year int, prefix string) error {
	if err := planner.ValidatePrefix(prefix); err != nil {
		return err
	}
	return db.tx(ctx, "activate table set", func(ctx context.Context, tx *sqlx.Tx) error {
		if err := setConfigTx(ctx, db, tx, keyActivePrefix, prefix); err != nil {
			return err
		}
		return setConfigTx(ctx, db, tx, keyActiveYear, strconv.Itoa(year))
	})
}
