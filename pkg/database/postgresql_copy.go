package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

var vannCopyColumns = []string{"name", "fylke", "kommune", "latitude", "longitude", "tonn", "done", "done_at", "done_by", "comment"}

// copyVannPostgreSQL streams rows into table with COPY. The connection is
// taken from the pool for the duration so pgx can drive the protocol
// directly.
func (db *Database) copyVannPostgreSQL(ctx context.Context, table string, rows []planner.Vann) (int64, error) {
	conn, err := db.DB.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("open postgres connection: %w", err)
	}
	defer conn.Close()

	src := make([][]any, 0, len(rows))
	for _, v := range rows {
		src = append(src, []any{v.Name, v.Fylke, v.Kommune, v.Latitude, v.Longitude, v.Tonn, v.Done, v.DoneAt, v.DoneBy, v.Comment})
	}

	var copied int64
	copyErr := conn.Raw(func(driverConn any) error {
		direct, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected postgres driver %T", driverConn)
		}
		n, err := direct.Conn().CopyFrom(ctx, pgx.Identifier{table}, vannCopyColumns, pgx.CopyFromRows(src))
		copied = n
		return err
	})
	if copyErr != nil {
		return 0, fmt.Errorf("copy into %s: %w", table, copyErr)
	}
	return copied, nil
}
