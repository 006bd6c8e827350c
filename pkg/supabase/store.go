package supabase

import (
	"context"
	"fmt"

	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

// Store implements planner.Repository and planner.TableSets against
// <prefix>_vann, <prefix>_lasteplass and <prefix>_associations.
type Store struct {
	c *Client
}

// NewStore wraps a client.
func NewStore(c *Client) *Store { return &Store{c: c} }

type vannRow struct {
	ID        int64   `json:"id,omitempty"`
	Name      string  `json:"name"`
	Fylke     string  `json:"fylke"`
	Kommune   string  `json:"kommune"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Tonn      float64 `json:"tonn"`
	Done      bool    `json:"done"`
	DoneAt    int64   `json:"done_at"`
	DoneBy    string  `json:"done_by"`
	Comment   string  `json:"comment"`
}

func (r vannRow) model() planner.Vann { return planner.Vann(r) }

func vannToRow(v planner.Vann) vannRow {
	r := vannRow(v)
	r.ID = 0
	return r
}

type lpRow struct {
	ID        int64   `json:"id,omitempty"`
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Fylke     string  `json:"fylke"`
	Kommune   string  `json:"kommune"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Priority  int     `json:"priority"`
	Done      bool    `json:"done"`
	DoneAt    int64   `json:"done_at"`
	DoneBy    string  `json:"done_by"`
	Comment   string  `json:"comment"`
}

func (r lpRow) model() planner.Landingsplass { return planner.Landingsplass(r) }

func lpToRow(lp planner.Landingsplass) lpRow {
	r := lpRow(lp)
	r.ID = 0
	return r
}

type assocRow struct {
	ID              int64    `json:"id,omitempty"`
	LandingsplassID int64    `json:"landingsplass_id"`
	VannID          int64    `json:"vann_id"`
	DistanceKM      *float64 `json:"distance_km"`
}

type doneRow struct {
	Done   bool   `json:"done"`
	DoneAt int64  `json:"done_at"`
	DoneBy string `json:"done_by"`
}

func tables(prefix string) (vann, lp, assoc string, err error) {
	if err = planner.ValidatePrefix(prefix); err != nil {
		return "", "", "", err
	}
	vann, lp, assoc = planner.Tables(prefix)
	return vann, lp, assoc, nil
}

func (s *Store) ListVann(ctx context.Context, prefix string) ([]planner.Vann, error) {
	vt, _, _, err := tables(prefix)
	if err != nil {
		return nil, err
	}
	var rows []vannRow
	if err := s.c.From(vt).Select("*").Order("id", true).Get(ctx, &rows); err != nil {
		return nil, fmt.Errorf("list %s: %w", vt, err)
	}
	out := make([]planner.Vann, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (s *Store) GetVann(ctx context.Context, prefix string, id int64) (planner.Vann, error) {
	vt, _, _, err := tables(prefix)
	if err != nil {
		return planner.Vann{}, err
	}
	var rows []vannRow
	if err := s.c.From(vt).Select("*").Eq("id", id).Limit(1).Get(ctx, &rows); err != nil {
		return planner.Vann{}, fmt.Errorf("get %s %d: %w", vt, id, err)
	}
	if len(rows) == 0 {
		return planner.Vann{}, planner.ErrNotFound
	}
	return rows[0].model(), nil
}

func (s *Store) CreateVann(ctx context.Context, prefix string, v planner.Vann) (planner.Vann, error) {
	vt, _, _, err := tables(prefix)
	if err != nil {
		return planner.Vann{}, err
	}
	var rows []vannRow
	if err := s.c.From(vt).Insert(ctx, vannToRow(v), &rows); err != nil {
		return planner.Vann{}, fmt.Errorf("insert %s: %w", vt, err)
	}
	if len(rows) == 0 {
		return planner.Vann{}, fmt.Errorf("insert %s: empty representation", vt)
	}
	return rows[0].model(), nil
}

func (s *Store) UpdateVann(ctx context.Context, prefix string, v planner.Vann) (planner.Vann, error) {
	vt, _, _, err := tables(prefix)
	if err != nil {
		return planner.Vann{}, err
	}
	var rows []vannRow
	if err := s.c.From(vt).Eq("id", v.ID).Update(ctx, vannToRow(v), &rows); err != nil {
		return planner.Vann{}, fmt.Errorf("update %s %d: %w", vt, v.ID, err)
	}
	if len(rows) == 0 {
		return planner.Vann{}, planner.ErrNotFound
	}
	return rows[0].model(), nil
}

func (s *Store) DeleteVann(ctx context.Context, prefix string, id int64) error {
	vt, _, at, err := tables(prefix)
	if err != nil {
		return err
	}
	if err := s.c.From(at).Eq("vann_id", id).Delete(ctx, nil); err != nil {
		return fmt.Errorf("delete links for vann %d: %w", id, err)
	}
	var rows []vannRow
	if err := s.c.From(vt).Eq("id", id).Delete(ctx, &rows); err != nil {
		return fmt.Errorf("delete %s %d: %w", vt, id, err)
	}
	if len(rows) == 0 {
		return planner.ErrNotFound
	}
	return nil
}

func (s *Store) SetVannDone(ctx context.Context, prefix string, id int64, done bool, by string, at int64) (planner.Vann, error) {
	vt, _, _, err := tables(prefix)
	if err != nil {
		return planner.Vann{}, err
	}
	patch := doneRow{Done: done, DoneAt: at, DoneBy: by}
	if !done {
		patch = doneRow{}
	}
	var rows []vannRow
	if err := s.c.From(vt).Eq("id", id).Update(ctx, patch, &rows); err != nil {
		return planner.Vann{}, fmt.Errorf("mark %s %d: %w", vt, id, err)
	}
	if len(rows) == 0 {
		return planner.Vann{}, planner.ErrNotFound
	}
	return rows[0].model(), nil
}

// importBatch keeps PostgREST request bodies reasonably small.
const importBatch = 500

func (s *Store) ImportVann(ctx context.Context, prefix string, rows []planner.Vann) (int, error) {
	vt, _, _, err := tables(prefix)
	if err != nil {
		return 0, err
	}
	n := 0
	for start := 0; start < len(rows); start += importBatch {
		end := start + importBatch
		if end > len(rows) {
			end = len(rows)
		}
		batch := make([]vannRow, 0, end-start)
		for _, v := range rows[start:end] {
			batch = append(batch, vannToRow(v))
		}
		if err := s.c.From(vt).Insert(ctx, batch, nil); err != nil {
			return n, fmt.Errorf("import %s rows %d-%d: %w", vt, start+1, end, err)
		}
		n += len(batch)
	}
	return n, nil
}

func (s *Store) ListLandingsplasser(ctx context.Context, prefix string) ([]planner.Landingsplass, error) {
	_, lt, _, err := tables(prefix)
	if err != nil {
		return nil, err
	}
	var rows []lpRow
	if err := s.c.From(lt).Select("*").Order("id", true).Get(ctx, &rows); err != nil {
		return nil, fmt.Errorf("list %s: %w", lt, err)
	}
	out := make([]planner.Landingsplass, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (s *Store) GetLandingsplass(ctx context.Context, prefix string, id int64) (planner.Landingsplass, error) {
	_, lt, _, err := tables(prefix)
	if err != nil {
		return planner.Landingsplass{}, err
	}
	var row lpRow
	if err := s.c.From(lt).Select("*").Eq("id", id).Single().Get(ctx, &row); err != nil {
		if isNoRows(err) {
			return planner.Landingsplass{}, planner.ErrNotFound
		}
		return planner.Landingsplass{}, fmt.Errorf("get %s %d: %w", lt, id, err)
	}
	return row.model(), nil
}

func (s *Store) CreateLandingsplass(ctx context.Context, prefix string, lp planner.Landingsplass) (planner.Landingsplass, error) {
	_, lt, _, err := tables(prefix)
	if err != nil {
		return planner.Landingsplass{}, err
	}
	var rows []lpRow
	if err := s.c.From(lt).Insert(ctx, lpToRow(lp), &rows); err != nil {
		return planner.Landingsplass{}, fmt.Errorf("insert %s: %w", lt, err)
	}
	if len(rows) == 0 {
		return planner.Landingsplass{}, fmt.Errorf("insert %s: empty representation", lt)
	}
	return rows[0].model(), nil
}

func (s *Store) UpdateLandingsplass(ctx context.Context, prefix string, lp planner.Landingsplass) (planner.Landingsplass, error) {
	_, lt, _, err := tables(prefix)
	if err != nil {
		return planner.Landingsplass{}, err
	}
	var rows []lpRow
	if err := s.c.From(lt).Eq("id", lp.ID).Update(ctx, lpToRow(lp), &rows); err != nil {
		return planner.Landingsplass{}, fmt.Errorf("update %s %d: %w", lt, lp.ID, err)
	}
	if len(rows) == 0 {
		return planner.Landingsplass{}, planner.ErrNotFound
	}
	return rows[0].model(), nil
}

func (s *Store) DeleteLandingsplass(ctx context.Context, prefix string, id int64) error {
	_, lt, at, err := tables(prefix)
	if err != nil {
		return err
	}
	if err := s.c.From(at).Eq("landingsplass_id", id).Delete(ctx, nil); err != nil {
		return fmt.Errorf("delete links for landingsplass %d: %w", id, err)
	}
	var rows []lpRow
	if err := s.c.From(lt).Eq("id", id).Delete(ctx, &rows); err != nil {
		return fmt.Errorf("delete %s %d: %w", lt, id, err)
	}
	if len(rows) == 0 {
		return planner.ErrNotFound
	}
	return nil
}

func (s *Store) SetLandingsplassDone(ctx context.Context, prefix string, id int64, done bool, by string, at int64) (planner.Landingsplass, error) {
	_, lt, _, err := tables(prefix)
	if err != nil {
		return planner.Landingsplass{}, err
	}
	patch := doneRow{Done: done, DoneAt: at, DoneBy: by}
	if !done {
		patch = doneRow{}
	}
	var rows []lpRow
	if err := s.c.From(lt).Eq("id", id).Update(ctx, patch, &rows); err != nil {
		return planner.Landingsplass{}, fmt.Errorf("mark %s %d: %w", lt, id, err)
	}
	if len(rows) == 0 {
		return planner.Landingsplass{}, planner.ErrNotFound
	}
	return rows[0].model(), nil
}

func (s *Store) ListAssociations(ctx context.Context, prefix string) ([]planner.Association, error) {
	_, _, at, err := tables(prefix)
	if err != nil {
		return nil, err
	}
	var rows []assocRow
	if err := s.c.From(at).Select("id,landingsplass_id,vann_id,distance_km").Order("id", true).Get(ctx, &rows); err != nil {
		return nil, fmt.Errorf("list %s: %w", at, err)
	}
	out := make([]planner.Association, len(rows))
	for i, r := range rows {
		out[i] = planner.Association(r)
	}
	return out, nil
}

func (s *Store) AddAssociation(ctx context.Context, prefix string, a planner.Association) (planner.Association, error) {
	_, _, at, err := tables(prefix)
	if err != nil {
		return planner.Association{}, err
	}
	row := assocRow(a)
	row.ID = 0
	var rows []assocRow
	if err := s.c.From(at).Insert(ctx, row, &rows); err != nil {
		if isUniqueViolation(err) {
			return planner.Association{}, planner.ErrDuplicateAssociation
		}
		return planner.Association{}, fmt.Errorf("insert %s: %w", at, err)
	}
	if len(rows) == 0 {
		return planner.Association{}, fmt.Errorf("insert %s: empty representation", at)
	}
	return planner.Association(rows[0]), nil
}

func (s *Store) RemoveAssociation(ctx context.Context, prefix string, landingsplassID, vannID int64) error {
	_, _, at, err := tables(prefix)
	if err != nil {
		return err
	}
	var rows []assocRow
	err = s.c.From(at).
		Eq("landingsplass_id", landingsplassID).
		Eq("vann_id", vannID).
		Delete(ctx, &rows)
	if err != nil {
		return fmt.Errorf("delete %s: %w", at, err)
	}
	if len(rows) == 0 {
		return planner.ErrNotFound
	}
	return nil
}

type tableSetRow struct {
	Prefix             string `json:"prefix"`
	Year               int    `json:"year"`
	Active             bool   `json:"active"`
	VannCount          int    `json:"vann_count"`
	LandingsplassCount int    `json:"landingsplass_count"`
	AssociationCount   int    `json:"association_count"`
}

// ListTableSets calls kalk_list_table_sets.
func (s *Store) ListTableSets(ctx context.Context) ([]planner.TableSet, error) {
	var rows []tableSetRow
	if err := s.c.RPC(ctx, "kalk_list_table_sets", nil, &rows); err != nil {
		return nil, fmt.Errorf("list table sets: %w", err)
	}
	out := make([]planner.TableSet, len(rows))
	for i, r := range rows {
		out[i] = planner.TableSet(r)
	}
	return out, nil
}

// CreateTableSet calls kalk_create_table_set; the function copies the
// three tables server-side.
func (s *Store) CreateTableSet(ctx context.Context, prefix, copyFrom string, resetProgress bool) error {
	if err := planner.ValidatePrefix(prefix); err != nil {
		return err
	}
	if copyFrom != "" {
		if err := planner.ValidatePrefix(copyFrom); err != nil {
			return err
		}
	}
	params := map[string]any{
		"new_prefix":     prefix,
		"copy_from":      copyFrom,
		"reset_progress": resetProgress,
	}
	if err := s.c.RPC(ctx, "kalk_create_table_set", params, nil); err != nil {
		return fmt.Errorf("create table set %s: %w", prefix, err)
	}
	return nil
}

// CountRows returns the exact vann row count of the set. The health
// endpoint calls it to prove the backend answers with our credentials.
func (s *Store) CountRows(ctx context.Context, prefix string) (int, error) {
	vt, _, _, err := tables(prefix)
	if err != nil {
		return 0, err
	}
	return s.c.From(vt).Count(ctx)
}
