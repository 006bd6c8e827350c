package database

import (
	"context"
	"fmt"

	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

func vannTable(prefix string) (string, error) {
	if err := planner.ValidatePrefix(prefix); err != nil {
		return "", err
	}
	vt, _, _ := planner.Tables(prefix)
	return vt, nil
}

// ListVann returns every water body in the set ordered by id.
func (db *Database) ListVann(ctx context.Context, prefix string) ([]planner.Vann, error) {
	vt, err := vannTable(prefix)
	if err != nil {
		return nil, err
	}
	var rows []planner.Vann
	err = db.run(ctx, "list vann", func(ctx context.Context) error {
		rows = rows[:0]
		return db.DB.SelectContext(ctx, &rows, `SELECT `+vannColumns+` FROM `+vt+` ORDER BY id`)
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", vt, err)
	}
	return rows, nil
}

// GetVann returns one water body.
func (db *Database) GetVann(ctx context.Context, prefix string, id int64) (planner.Vann, error) {
	vt, err := vannTable(prefix)
	if err != nil {
		return planner.Vann{}, err
	}
	var v planner.Vann
	err = db.run(ctx, "get vann", func(ctx context.Context) error {
		return db.DB.GetContext(ctx, &v, db.q(`SELECT `+vannColumns+` FROM `+vt+` WHERE id = ?`), id)
	})
	if err != nil {
		return planner.Vann{}, notFound(err)
	}
	return v, nil
}

// CreateVann inserts v and returns it with its new id.
func (db *Database) CreateVann(ctx context.Context, prefix string, v planner.Vann) (planner.Vann, error) {
	vt, err := vannTable(prefix)
	if err != nil {
		return planner.Vann{}, err
	}
	err = db.run(ctx, "create vann", func(ctx context.Context) error {
		return db.DB.GetContext(ctx, &v.ID, db.q(`INSERT INTO `+vt+`
(name, fylke, kommune, latitude, longitude, tonn, done, done_at, done_by, comment)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			v.Name, v.Fylke, v.Kommune, v.Latitude, v.Longitude, v.Tonn, v.Done, v.DoneAt, v.DoneBy, v.Comment)
	})
	if err != nil {
		return planner.Vann{}, fmt.Errorf("insert %s: %w", vt, err)
	}
	return v, nil
}

// UpdateVann overwrites every editable column of v.
func (db *Database) UpdateVann(ctx context.Context, prefix string, v planner.Vann) (planner.Vann, error) {
	vt, err := vannTable(prefix)
	if err != nil {
		return planner.Vann{}, err
	}
	err = db.run(ctx, "update vann", func(ctx context.Context) error {
		res, err := db.DB.ExecContext(ctx, db.q(`UPDATE `+vt+` SET
name = ?, fylke = ?, kommune = ?, latitude = ?, longitude = ?, tonn = ?, done = ?, done_at = ?, done_by = ?, comment = ?
WHERE id = ?`),
			v.Name, v.Fylke, v.Kommune, v.Latitude, v.Longitude, v.Tonn, v.Done, v.DoneAt, v.DoneBy, v.Comment, v.ID)
		if err != nil {
			return err
		}
		return mustAffect(res)
	})
	if err != nil {
		return planner.Vann{}, err
	}
	return v, nil
}

// DeleteVann removes a water body; its associations cascade.
func (db *Database) DeleteVann(ctx context.Context, prefix string, id int64) error {
	vt, err := vannTable(prefix)
	if err != nil {
		return err
	}
	_, _, at := planner.Tables(prefix)
	return db.run(ctx, "delete vann", func(ctx context.Context) error {
		// Explicit cleanup for SQLite connections opened without foreign_keys.
		if _, err := db.DB.ExecContext(ctx, db.q(`DELETE FROM `+at+` WHERE vann_id = ?`), id); err != nil {
			return err
		}
		res, err := db.DB.ExecContext(ctx, db.q(`DELETE FROM `+vt+` WHERE id = ?`), id)
		if err != nil {
			return err
		}
		return mustAffect(res)
	})
}

// SetVannDone records completion state.
func (db *Database) SetVannDone(ctx context.Context, prefix string, id int64, done bool, by string, at int64) (planner.Vann, error) {
	vt, err := vannTable(prefix)
	if err != nil {
		return planner.Vann{}, err
	}
	if !done {
		by, at = "", 0
	}
	err = db.run(ctx, "set vann done", func(ctx context.Context) error {
		res, err := db.DB.ExecContext(ctx, db.q(`UPDATE `+vt+` SET done = ?, done_at = ?, done_by = ? WHERE id = ?`), done, at, by, id)
		if err != nil {
			return err
		}
		return mustAffect(res)
	})
	if err != nil {
		return planner.Vann{}, err
	}
	return db.GetVann(ctx, prefix, id)
}

// importBatch bounds multi-row INSERT statements.
const importBatch = 200

// ImportVann bulk-inserts rows. PostgreSQL streams them with COPY.
func (db *Database) ImportVann(ctx context.Context, prefix string, rows []planner.Vann) (int, error) {
	vt, err := vannTable(prefix)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if db.Driver == "pgx" {
		var n int64
		err := db.run(ctx, "import vann", func(ctx context.Context) error {
			var err error
			n, err = db.copyVannPostgreSQL(ctx, vt, rows)
			return err
		})
		return int(n), err
	}

	inserted := 0
	for start := 0; start < len(rows); start += importBatch {
		end := start + importBatch
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		err := db.run(ctx, "import vann", func(ctx context.Context) error {
			_, err := db.DB.NamedExecContext(ctx, `INSERT INTO `+vt+`
(name, fylke, kommune, latitude, longitude, tonn, done, done_at, done_by, comment)
VALUES (:name, :fylke, :kommune, :latitude, :longitude, :tonn, :done, :done_at, :done_by, :comment)`, chunk)
			return err
		})
		if err != nil {
			return inserted, fmt.Errorf("import %s rows %d-%d: %w", vt, start+1, end, err)
		}
		inserted += len(chunk)
	}
	return inserted, nil
}
