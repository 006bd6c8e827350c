package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

// ErrTableSetExists rejects creating a prefix twice.
var ErrTableSetExists = errors.New("table set already exists")

// ensureTableSet creates the tables for prefix if needed and registers it.
func (db *Database) ensureTableSet(ctx context.Context, prefix string, year int) error {
	if err := planner.ValidatePrefix(prefix); err != nil {
		return err
	}
	return db.tx(ctx, "ensure table set", func(ctx context.Context, tx *sqlx.Tx) error {
		for _, stmt := range tableSetDDL(db.Driver, prefix) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create %s tables: %w", prefix, err)
			}
		}
		return db.register(ctx, tx, prefix, year)
	})
}

func (db *Database) register(ctx context.Context, tx *sqlx.Tx, prefix string, year int) error {
	_, err := tx.ExecContext(ctx, db.q(`INSERT INTO table_sets (prefix, year, created_at)
SELECT ?, ?, ? WHERE NOT EXISTS (SELECT 1 FROM table_sets WHERE prefix = ?)`), prefix, year, nowUnix(), prefix)
	if err != nil {
		return fmt.Errorf("register %s: %w", prefix, err)
	}
	return nil
}

// TableSetExists reports whether prefix is registered.
func (db *Database) TableSetExists(ctx context.Context, prefix string) (bool, error) {
	var n int
	err := db.run(ctx, "table set exists", func(ctx context.Context) error {
		return db.DB.GetContext(ctx, &n, db.q(`SELECT COUNT(*) FROM table_sets WHERE prefix = ?`), prefix)
	})
	return n > 0, err
}

type tableSetRow struct {
	Prefix string `db:"prefix"`
	Year   int    `db:"year"`
}

// ListTableSets returns all registered sets with row counts.
func (db *Database) ListTableSets(ctx context.Context) ([]planner.TableSet, error) {
	var rows []tableSetRow
	err := db.run(ctx, "list table sets", func(ctx context.Context) error {
		return db.DB.SelectContext(ctx, &rows, `SELECT prefix, year FROM table_sets ORDER BY year DESC, prefix`)
	})
	if err != nil {
		return nil, fmt.Errorf("list table sets: %w", err)
	}
	active, err := db.ActiveTableSet(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]planner.TableSet, 0, len(rows))
	for _, r := range rows {
		ts := planner.TableSet{Prefix: r.Prefix, Year: r.Year, Active: r.Prefix == active.Prefix}
		if err := planner.ValidatePrefix(r.Prefix); err != nil {
			db.logf("skipping registered table set %q: %v", r.Prefix, err)
			continue
		}
		vt, lt, at := planner.Tables(r.Prefix)
		counts := []struct {
			table string
			dst   *int
		}{{vt, &ts.VannCount}, {lt, &ts.LandingsplassCount}, {at, &ts.AssociationCount}}
		for _, c := range counts {
			err := db.run(ctx, "count "+c.table, func(ctx context.Context) error {
				return db.DB.GetContext(ctx, c.dst, `SELECT COUNT(*) FROM `+c.table)
			})
			if err != nil {
				return nil, fmt.Errorf("count %s: %w", c.table, err)
			}
		}
		out = append(out, ts)
	}
	return out, nil
}

// CreateTableSet creates the tables for prefix, optionally copying rows from
// copyFrom and clearing completion state.
func (db *Database) CreateTableSet(ctx context.Context, prefix, copyFrom string, resetProgress bool) error {
	return db.CreateTableSetYear(ctx, prefix, 0, copyFrom, resetProgress)
}

// CreateTableSetYear is CreateTableSet with the year recorded in the registry.
func (db *Database) CreateTableSetYear(ctx context.Context, prefix string, year int, copyFrom string, resetProgress bool) error {
	if err := planner.ValidatePrefix(prefix); err != nil {
		return err
	}
	if copyFrom != "" {
		if err := planner.ValidatePrefix(copyFrom); err != nil {
			return err
		}
		if copyFrom == prefix {
			return fmt.Errorf("%w: cannot copy %s onto itself", planner.ErrInvalidPrefix, prefix)
		}
		ok, err := db.TableSetExists(ctx, copyFrom)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("source table set %s: %w", copyFrom, planner.ErrNotFound)
		}
	}
	exists, err := db.TableSetExists(ctx, prefix)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrTableSetExists, prefix)
	}

	return db.tx(ctx, "create table set", func(ctx context.Context, tx *sqlx.Tx) error {
		for _, stmt := range tableSetDDL(db.Driver, prefix) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create %s tables: %w", prefix, err)
			}
		}
		if copyFrom != "" {
			if err := db.copyRows(ctx, tx, copyFrom, prefix, resetProgress); err != nil {
				return err
			}
		}
		return db.register(ctx, tx, prefix, year)
	})
}

const (
	vannColumns  = "id, name, fylke, kommune, latitude, longitude, tonn, done, done_at, done_by, comment"
	lpColumns    = "id, code, name, fylke, kommune, latitude, longitude, priority, done, done_at, done_by, comment"
	assocColumns = "id, landingsplass_id, vann_id, distance_km"
)

func (db *Database) copyRows(ctx context.Context, tx *sqlx.Tx, from, to string, reset bool) error {
	fv, fl, fa := planner.Tables(from)
	tv, tl, ta := planner.Tables(to)
	stmts := []string{
		fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`, tv, vannColumns, vannColumns, fv),
		fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`, tl, lpColumns, lpColumns, fl),
		fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`, ta, assocColumns, assocColumns, fa),
	}
	if reset {
		falsy := "0"
		if db.Driver == "pgx" {
			falsy = "FALSE"
		}
		for _, t := range []string{tv, tl} {
			stmts = append(stmts, fmt.Sprintf(`UPDATE %s SET done = %s, done_at = 0, done_by = ''`, t, falsy))
		}
	}
	if db.Driver == "pgx" {
		// Copied ids bypass the sequences; move them past the copied rows.
		for _, t := range []string{tv, tl, ta} {
			stmts = append(stmts, fmt.Sprintf(
				`SELECT setval(pg_get_serial_sequence('%s', 'id'), COALESCE((SELECT MAX(id) FROM %s), 0) + 1, false)`, t, t))
		}
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("copy %s -> %s: %w", from, to, err)
		}
	}
	return nil
}

// DropTableSet removes a non-active table set.
func (db *Database) DropTableSet(ctx context.Context, prefix string) error {
	if err := planner.ValidatePrefix(prefix); err != nil {
		return err
	}
	active, err := db.ActiveTableSet(ctx)
	if err != nil {
		return err
	}
	if active.Prefix == prefix {
		return fmt.Errorf("%w: %s", planner.ErrActiveTableSet, prefix)
	}
	vt, lt, at := planner.Tables(prefix)
	return db.tx(ctx, "drop table set", func(ctx context.Context, tx *sqlx.Tx) error {
		for _, t := range []string{at, lt, vt} {
			if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+t); err != nil {
				return fmt.Errorf("drop %s: %w", t, err)
			}
		}
		_, err := tx.ExecContext(ctx, db.q(`DELETE FROM table_sets WHERE prefix = ?`), prefix)
		return err
	})
}
