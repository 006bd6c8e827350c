package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// LogEntry is one line of the action log written for every mutation.
type LogEntry struct {
	Actor      string
	Action     string
	TargetType string
	TargetID   int64
	TargetName string
	Details    string
	Prefix     string
}

// Journal persists action log entries.
type Journal interface {
	Record(ctx context.Context, e LogEntry) error
}

// Event notifies realtime subscribers that a table set changed.
type Event struct {
	Type   string `json:"type"`
	Prefix string `json:"prefix"`
	Entity string `json:"entity"`
	ID     int64  `json:"id,omitempty"`
	Done   *bool  `json:"done,omitempty"`
}

// Service applies validation, association rules and bookkeeping on top of a
// Repository. HTTP handlers talk to the Service only.
type Service struct {
	Repo    Repository
	Journal Journal
	Publish func(Event)
	Now     func() time.Time
	Logf    func(string, ...any)
}

// NewService wires a Service with the wall clock and no-op hooks.
func NewService(repo Repository, journal Journal, publish func(Event), logf func(string, ...any)) *Service {
	return &Service{Repo: repo, Journal: journal, Publish: publish, Now: time.Now, Logf: logf}
}

func (s *Service) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Record writes the action log and publishes the matching event. Failures
// are logged but never undo the mutation that already happened. Handlers
// for mutations outside the planning tables (documents, users) call it too.
func (s *Service) Record(ctx context.Context, e LogEntry, ev Event) {
	if s.Journal != nil {
		if err := s.Journal.Record(ctx, e); err != nil {
			s.logf("action log %s %s#%d: %v", e.Action, e.TargetType, e.TargetID, err)
		}
	}
	if s.Publish != nil {
		s.Publish(ev)
	}
}

// TargetName resolves a vann or landingsplass for attaching documents and
// returns its display name. Unknown targets give ErrNotFound.
func (s *Service) TargetName(ctx context.Context, prefix, targetType string, id int64) (string, error) {
	switch targetType {
	case "vann":
		v, err := s.Repo.GetVann(ctx, prefix, id)
		if err != nil {
			return "", err
		}
		return v.Name, nil
	case "landingsplass":
		lp, err := s.Repo.GetLandingsplass(ctx, prefix, id)
		if err != nil {
			return "", err
		}
		return lp.Name, nil
	}
	return "", fmt.Errorf("%w: unknown target type %q", ErrNotFound, targetType)
}

// Snapshot is the raw content of one table set.
type Snapshot struct {
	Vann            []Vann
	Landingsplasser []Landingsplass
	Associations    []Association
}

// Load fetches the three tables in parallel.
func (s *Service) Load(ctx context.Context, prefix string) (Snapshot, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := s.Repo.ListVann(gctx, prefix)
		snap.Vann = rows
		return err
	})
	g.Go(func() error {
		rows, err := s.Repo.ListLandingsplasser(gctx, prefix)
		snap.Landingsplasser = rows
		return err
	})
	g.Go(func() error {
		rows, err := s.Repo.ListAssociations(gctx, prefix)
		snap.Associations = rows
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("load %s: %w", prefix, err)
	}
	return snap, nil
}

// MapPayload returns the joined map data for a table set.
func (s *Service) MapPayload(ctx context.Context, prefix string, f Filter) (MapPayload, error) {
	snap, err := s.Load(ctx, prefix)
	if err != nil {
		return MapPayload{}, err
	}
	return BuildMapPayload(prefix, snap.Vann, snap.Landingsplasser, snap.Associations, f), nil
}

// Summary returns overall and per-fylke totals.
func (s *Service) Summary(ctx context.Context, prefix string) (Summary, error) {
	snap, err := s.Load(ctx, prefix)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(snap.Vann, snap.Landingsplasser, snap.Associations), nil
}

// Progress builds the progress plan for a table set.
func (s *Service) Progress(ctx context.Context, prefix string, year int, f Filter) (ProgressPlan, error) {
	snap, err := s.Load(ctx, prefix)
	if err != nil {
		return ProgressPlan{}, err
	}
	return BuildProgressPlan(prefix, year, snap.Vann, snap.Landingsplasser, snap.Associations, f, s.now()), nil
}

func doneAction(done bool) string {
	if done {
		return "mark_done"
	}
	return "mark_pending"
}

// SetVannDone toggles the completion of a water body.
func (s *Service) SetVannDone(ctx context.Context, prefix string, id int64, done bool, actor string) (Vann, error) {
	var at int64
	if done {
		at = s.now().Unix()
	}
	v, err := s.Repo.SetVannDone(ctx, prefix, id, done, actor, at)
	if err != nil {
		return Vann{}, err
	}
	s.Record(ctx,
		LogEntry{Actor: actor, Action: doneAction(done), TargetType: "vann", TargetID: id, TargetName: v.Name, Prefix: prefix},
		Event{Type: "status", Prefix: prefix, Entity: "vann", ID: id, Done: &done})
	return v, nil
}

// SetLandingsplassDone toggles the completion of a landing site.
func (s *Service) SetLandingsplassDone(ctx context.Context, prefix string, id int64, done bool, actor string) (Landingsplass, error) {
	var at int64
	if done {
		at = s.now().Unix()
	}
	lp, err := s.Repo.SetLandingsplassDone(ctx, prefix, id, done, actor, at)
	if err != nil {
		return Landingsplass{}, err
	}
	s.Record(ctx,
		LogEntry{Actor: actor, Action: doneAction(done), TargetType: "landingsplass", TargetID: id, TargetName: lp.Code, Prefix: prefix},
		Event{Type: "status", Prefix: prefix, Entity: "landingsplass", ID: id, Done: &done})
	return lp, nil
}

func cleanVann(v Vann) Vann {
	v.Name = strings.TrimSpace(v.Name)
	v.Fylke = strings.TrimSpace(v.Fylke)
	v.Kommune = strings.TrimSpace(v.Kommune)
	v.Comment = strings.TrimSpace(v.Comment)
	return v
}

func cleanLandingsplass(lp Landingsplass) Landingsplass {
	lp.Code = strings.TrimSpace(lp.Code)
	lp.Name = strings.TrimSpace(lp.Name)
	lp.Fylke = strings.TrimSpace(lp.Fylke)
	lp.Kommune = strings.TrimSpace(lp.Kommune)
	lp.Comment = strings.TrimSpace(lp.Comment)
	return lp
}

// CreateVann validates and stores a new water body.
func (s *Service) CreateVann(ctx context.Context, prefix string, v Vann, actor string) (Vann, error) {
	v = cleanVann(v)
	if err := Validate(v); err != nil {
		return Vann{}, err
	}
	created, err := s.Repo.CreateVann(ctx, prefix, v)
	if err != nil {
		return Vann{}, err
	}
	s.Record(ctx,
		LogEntry{Actor: actor, Action: "create", TargetType: "vann", TargetID: created.ID, TargetName: created.Name, Prefix: prefix},
		Event{Type: "created", Prefix: prefix, Entity: "vann", ID: created.ID})
	return created, nil
}

// UpdateVann validates and replaces an existing water body.
func (s *Service) UpdateVann(ctx context.Context, prefix string, v Vann, actor string) (Vann, error) {
	v = cleanVann(v)
	if err := Validate(v); err != nil {
		return Vann{}, err
	}
	updated, err := s.Repo.UpdateVann(ctx, prefix, v)
	if err != nil {
		return Vann{}, err
	}
	s.Record(ctx,
		LogEntry{Actor: actor, Action: "update", TargetType: "vann", TargetID: updated.ID, TargetName: updated.Name, Prefix: prefix},
		Event{Type: "updated", Prefix: prefix, Entity: "vann", ID: updated.ID})
	return updated, nil
}

// DeleteVann removes a water body together with its associations.
func (s *Service) DeleteVann(ctx context.Context, prefix string, id int64, actor string) error {
	v, err := s.Repo.GetVann(ctx, prefix, id)
	if err != nil {
		return err
	}
	if err := s.Repo.DeleteVann(ctx, prefix, id); err != nil {
		return err
	}
	s.Record(ctx,
		LogEntry{Actor: actor, Action: "delete", TargetType: "vann", TargetID: id, TargetName: v.Name, Prefix: prefix},
		Event{Type: "deleted", Prefix: prefix, Entity: "vann", ID: id})
	return nil
}

// CreateLandingsplass validates and stores a new landing site.
func (s *Service) CreateLandingsplass(ctx context.Context, prefix string, lp Landingsplass, actor string) (Landingsplass, error) {
	lp = cleanLandingsplass(lp)
	if err := Validate(lp); err != nil {
		return Landingsplass{}, err
	}
	created, err := s.Repo.CreateLandingsplass(ctx, prefix, lp)
	if err != nil {
		return Landingsplass{}, err
	}
	s.Record(ctx,
		LogEntry{Actor: actor, Action: "create", TargetType: "landingsplass", TargetID: created.ID, TargetName: created.Code, Prefix: prefix},
		Event{Type: "created", Prefix: prefix, Entity: "landingsplass", ID: created.ID})
	return created, nil
}

// UpdateLandingsplass validates and replaces an existing landing site.
func (s *Service) UpdateLandingsplass(ctx context.Context, prefix string, lp Landingsplass, actor string) (Landingsplass, error) {
	lp = cleanLandingsplass(lp)
	if err := Validate(lp); err != nil {
		return Landingsplass{}, err
	}
	updated, err := s.Repo.UpdateLandingsplass(ctx, prefix, lp)
	if err != nil {
		return Landingsplass{}, err
	}
	s.Record(ctx,
		LogEntry{Actor: actor, Action: "update", TargetType: "landingsplass", TargetID: updated.ID, TargetName: updated.Code, Prefix: prefix},
		Event{Type: "updated", Prefix: prefix, Entity: "landingsplass", ID: updated.ID})
	return updated, nil
}

// DeleteLandingsplass removes a landing site together with its associations.
func (s *Service) DeleteLandingsplass(ctx context.Context, prefix string, id int64, actor string) error {
	lp, err := s.Repo.GetLandingsplass(ctx, prefix, id)
	if err != nil {
		return err
	}
	if err := s.Repo.DeleteLandingsplass(ctx, prefix, id); err != nil {
		return err
	}
	s.Record(ctx,
		LogEntry{Actor: actor, Action: "delete", TargetType: "landingsplass", TargetID: id, TargetName: lp.Code, Prefix: prefix},
		Event{Type: "deleted", Prefix: prefix, Entity: "landingsplass", ID: id})
	return nil
}

// AddAssociation links a landing site to a water body. Both rows must exist
// and the pair must be new. Without an explicit distance one is computed
// from the coordinates.
func (s *Service) AddAssociation(ctx context.Context, prefix string, a Association, actor string) (Association, error) {
	if err := Validate(a); err != nil {
		return Association{}, err
	}
	lp, err := s.Repo.GetLandingsplass(ctx, prefix, a.LandingsplassID)
	if err != nil {
		return Association{}, fmt.Errorf("landingsplass %d: %w", a.LandingsplassID, err)
	}
	v, err := s.Repo.GetVann(ctx, prefix, a.VannID)
	if err != nil {
		return Association{}, fmt.Errorf("vann %d: %w", a.VannID, err)
	}
	existing, err := s.Repo.ListAssociations(ctx, prefix)
	if err != nil {
		return Association{}, err
	}
	for _, e := range existing {
		if e.LandingsplassID == a.LandingsplassID && e.VannID == a.VannID {
			return Association{}, ErrDuplicateAssociation
		}
	}
	if a.DistanceKM == nil && HasCoordinates(lp.Latitude, lp.Longitude) && HasCoordinates(v.Latitude, v.Longitude) {
		d := DistanceKM(lp.Latitude, lp.Longitude, v.Latitude, v.Longitude)
		a.DistanceKM = &d
	}
	created, err := s.Repo.AddAssociation(ctx, prefix, a)
	if err != nil {
		return Association{}, err
	}
	s.Record(ctx,
		LogEntry{Actor: actor, Action: "associate", TargetType: "landingsplass", TargetID: lp.ID, TargetName: lp.Code,
			Details: fmt.Sprintf("vann %d (%s)", v.ID, v.Name), Prefix: prefix},
		Event{Type: "associated", Prefix: prefix, Entity: "association", ID: created.ID})
	return created, nil
}

// RemoveAssociation unlinks a landing site from a water body.
func (s *Service) RemoveAssociation(ctx context.Context, prefix string, landingsplassID, vannID int64, actor string) error {
	if err := s.Repo.RemoveAssociation(ctx, prefix, landingsplassID, vannID); err != nil {
		return err
	}
	s.Record(ctx,
		LogEntry{Actor: actor, Action: "dissociate", TargetType: "landingsplass", TargetID: landingsplassID,
			Details: fmt.Sprintf("vann %d", vannID), Prefix: prefix},
		Event{Type: "dissociated", Prefix: prefix, Entity: "association"})
	return nil
}

// ImportVann validates every row before storing any of them.
func (s *Service) ImportVann(ctx context.Context, prefix string, rows []Vann, actor string) (int, error) {
	clean := make([]Vann, 0, len(rows))
	for i, v := range rows {
		v = cleanVann(v)
		if err := Validate(v); err != nil {
			return 0, fmt.Errorf("row %d: %w", i+1, err)
		}
		clean = append(clean, v)
	}
	n, err := s.Repo.ImportVann(ctx, prefix, clean)
	if err != nil {
		return 0, err
	}
	s.Record(ctx,
		LogEntry{Actor: actor, Action: "import", TargetType: "vann", Details: fmt.Sprintf("%d rows", n), Prefix: prefix},
		Event{Type: "imported", Prefix: prefix, Entity: "vann"})
	return n, nil
}
