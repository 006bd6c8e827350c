package database

import (
	"context"
	"fmt"
	"time"

	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

// ActionLog is one stored action log row.
type ActionLog struct {
	ID         int64  `db:"id" json:"id"`
	At         int64  `db:"at" json:"at"`
	Actor      string `db:"actor" json:"actor"`
	Action     string `db:"action" json:"action"`
	TargetType string `db:"target_type" json:"targetType"`
	TargetID   int64  `db:"target_id" json:"targetId"`
	TargetName string `db:"target_name" json:"targetName"`
	Details    string `db:"details" json:"details"`
	Prefix     string `db:"prefix" json:"prefix"`
}

// Record appends an entry; it satisfies planner.Journal.
func (db *Database) Record(ctx context.Context, e planner.LogEntry) error {
	return db.run(ctx, "record action", func(ctx context.Context) error {
		_, err := db.DB.ExecContext(ctx, db.q(`INSERT INTO action_log
(at, actor, action, target_type, target_id, target_name, details, prefix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			nowUnix(), e.Actor, e.Action, e.TargetType, e.TargetID, e.TargetName, e.Details, e.Prefix)
		return err
	})
}

// ListActions returns entries newest first.
func (db *Database) ListActions(ctx context.Context, limit, offset int) ([]ActionLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var rows []ActionLog
	err := db.run(ctx, "list actions", func(ctx context.Context) error {
		rows = rows[:0]
		return db.DB.SelectContext(ctx, &rows, db.q(`SELECT id, at, actor, action, target_type, target_id, target_name, details, prefix
FROM action_log ORDER BY at DESC, id DESC LIMIT ? OFFSET ?`), limit, offset)
	})
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return rows, nil
}

// PruneActions deletes entries older than maxAge and reports how many went.
func (db *Database) PruneActions(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	var n int64
	err := db.run(ctx, "prune actions", func(ctx context.Context) error {
		res, err := db.DB.ExecContext(ctx, db.q(`DELETE FROM action_log WHERE at < ?`), cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune actions: %w", err)
	}
	return n, nil
}
