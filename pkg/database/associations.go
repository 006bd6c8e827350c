package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
	"github.com/mvds-io/NextKalk-sub000/pkg/resilience"
)

// ListAssociations returns every link in the set.
func (db *Database) ListAssociations(ctx context.Context, prefix string) ([]planner.Association, error) {
	if err := planner.ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	_, _, at := planner.Tables(prefix)
	var rows []planner.Association
	err := db.run(ctx, "list associations", func(ctx context.Context) error {
		rows = rows[:0]
		return db.DB.SelectContext(ctx, &rows, `SELECT `+assocColumns+` FROM `+at+` ORDER BY id`)
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", at, err)
	}
	return rows, nil
}

// AddAssociation links a landing site and a water body.
func (db *Database) AddAssociation(ctx context.Context, prefix string, a planner.Association) (planner.Association, error) {
	if err := planner.ValidatePrefix(prefix); err != nil {
		return planner.Association{}, err
	}
	_, _, at := planner.Tables(prefix)
	err := db.run(ctx, "add association", func(ctx context.Context) error {
		err := db.DB.GetContext(ctx, &a.ID, db.q(`INSERT INTO `+at+` (landingsplass_id, vann_id, distance_km)
VALUES (?, ?, ?) RETURNING id`), a.LandingsplassID, a.VannID, a.DistanceKM)
		if isUniqueViolation(err) {
			return resilience.Permanent(planner.ErrDuplicateAssociation)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, planner.ErrDuplicateAssociation) {
			return planner.Association{}, planner.ErrDuplicateAssociation
		}
		return planner.Association{}, fmt.Errorf("insert %s: %w", at, err)
	}
	return a, nil
}

// RemoveAssociation deletes the link between the pair.
func (db *Database) RemoveAssociation(ctx context.Context, prefix string, landingsplassID, vannID int64) error {
	if err := planner.ValidatePrefix(prefix); err != nil {
		return err
	}
	_, _, at := planner.Tables(prefix)
	return db.run(ctx, "remove association", func(ctx context.Context) error {
		res, err := db.DB.ExecContext(ctx, db.q(`DELETE FROM `+at+` WHERE landingsplass_id = ? AND vann_id = ?`), landingsplassID, vannID)
		if err != nil {
			return err
		}
		return mustAffect(res)
	})
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
