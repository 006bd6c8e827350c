package database

import (
	"context"
	"fmt"

	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

func lpTable(prefix string) (string, error) {
	if err := planner.ValidatePrefix(prefix); err != nil {
		return "", err
	}
	_, lt, _ := planner.Tables(prefix)
	return lt, nil
}

// ListLandingsplasser returns every landing site ordered by id.
func (db *Database) ListLandingsplasser(ctx context.Context, prefix string) ([]planner.Landingsplass, error) {
	lt, err := lpTable(prefix)
	if err != nil {
		return nil, err
	}
	var rows []planner.Landingsplass
	err = db.run(ctx, "list landingsplasser", func(ctx context.Context) error {
		rows = rows[:0]
		return db.DB.SelectContext(ctx, &rows, `SELECT `+lpColumns+` FROM `+lt+` ORDER BY id`)
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", lt, err)
	}
	return rows, nil
}

func (db *Database) GetLandingsplass(ctx context.Context, prefix string, id int64) (planner.Landingsplass, error) {
	lt, err := lpTable(prefix)
	if err != nil {
		return planner.Landingsplass{}, err
	}
	var lp planner.Landingsplass
	err = db.run(ctx, "get landingsplass", func(ctx context.Context) error {
		return db.DB.GetContext(ctx, &lp, db.q(`SELECT `+lpColumns+` FROM `+lt+` WHERE id = ?`), id)
	})
	if err != nil {
		return planner.Landingsplass{}, notFound(err)
	}
	return lp, nil
}

func (db *Database) CreateLandingsplass(ctx context.Context, prefix string, lp planner.Landingsplass) (planner.Landingsplass, error) {
	lt, err := lpTable(prefix)
	if err != nil {
		return planner.Landingsplass{}, err
	}
	err = db.run(ctx, "create landingsplass", func(ctx context.Context) error {
		return db.DB.GetContext(ctx, &lp.ID, db.q(`INSERT INTO `+lt+`
(code, name, fylke, kommune, latitude, longitude, priority, done, done_at, done_by, comment)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			lp.Code, lp.Name, lp.Fylke, lp.Kommune, lp.Latitude, lp.Longitude, lp.Priority, lp.Done, lp.DoneAt, lp.DoneBy, lp.Comment)
	})
	if err != nil {
		return planner.Landingsplass{}, fmt.Errorf("insert %s: %w", lt, err)
	}
	return lp, nil
}

func (db *Database) UpdateLandingsplass(ctx context.Context, prefix string, lp planner.Landingsplass) (planner.Landingsplass, error) {
	lt, err := lpTable(prefix)
	if err != nil {
		return planner.Landingsplass{}, err
	}
	err = db.run(ctx, "update landingsplass", func(ctx context.Context) error {
		res, err := db.DB.ExecContext(ctx, db.q(`UPDATE `+lt+` SET
code = ?, name = ?, fylke = ?, kommune = ?, latitude = ?, longitude = ?, priority = ?, done = ?, done_at = ?, done_by = ?, comment = ?
WHERE id = ?`),
			lp.Code, lp.Name, lp.Fylke, lp.Kommune, lp.Latitude, lp.Longitude, lp.Priority, lp.Done, lp.DoneAt, lp.DoneBy, lp.Comment, lp.ID)
		if err != nil {
			return err
		}
		return mustAffect(res)
	})
	if err != nil {
		return planner.Landingsplass{}, err
	}
	return lp, nil
}

func (db *Database) DeleteLandingsplass(ctx context.Context, prefix string, id int64) error {
	lt, err := lpTable(prefix)
	if err != nil {
		return err
	}
	_, _, at := planner.Tables(prefix)
	return db.run(ctx, "delete landingsplass", func(ctx context.Context) error {
		if _, err := db.DB.ExecContext(ctx, db.q(`DELETE FROM `+at+` WHERE landingsplass_id = ?`), id); err != nil {
			return err
		}
		res, err := db.DB.ExecContext(ctx, db.q(`DELETE FROM `+lt+` WHERE id = ?`), id)
		if err != nil {
			return err
		}
		return mustAffect(res)
	})
}

func (db *Database) SetLandingsplassDone(ctx context.Context, prefix string, id int64, done bool, by string, at int64) (planner.Landingsplass, error) {
	lt, err := lpTable(prefix)
	if err != nil {
		return planner.Landingsplass{}, err
	}
	if !done {
		by, at = "", 0
	}
	err = db.run(ctx, "set landingsplass done", func(ctx context.Context) error {
		res, err := db.DB.ExecContext(ctx, db.q(`UPDATE `+lt+` SET done = ?, done_at = ?, done_by = ? WHERE id = ?`), done, at, by, id)
		if err != nil {
			return err
		}
		return mustAffect(res)
	})
	if err != nil {
		return planner.Landingsplass{}, err
	}
	return db.GetLandingsplass(ctx, prefix, id)
}
