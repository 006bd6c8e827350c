// Package archive manages yearly planning table sets: creating next year's
// set from the live one, listing sets and swapping which set is live.
package archive

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/mvds-io/NextKalk-sub000/pkg/database"
	"github.com/mvds-io/NextKalk-sub000/pkg/logger"
	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

// ActiveStore remembers which table set is live.
type ActiveStore interface {
	ActiveTableSet(ctx context.Context) (database.ActiveSet, error)
	SetActiveTableSet(ctx context.Context, year int, prefix string) error
}

// Archiver coordinates table sets, the live pointer and bookkeeping.
type Archiver struct {
	Sets    planner.TableSets
	Active  ActiveStore
	Journal planner.Journal
	Publish func(planner.Event)
	// OnActivate runs after the live set changed, e.g. to flush caches.
	OnActivate func(prefix string)
	Jobs       *logger.JobLog
	Now        func() time.Time
	Logf       func(string, ...any)
}

// CreateRequest describes a new yearly set.
type CreateRequest struct {
	Year int `json:"year"`
	// Prefix overrides the default vass_<year>.
	Prefix string `json:"prefix,omitempty"`
	// CopyFrom defaults to the live set; "-" starts empty.
	CopyFrom string `json:"copyFrom,omitempty"`
	Reset    bool   `json:"resetProgress"`
	Activate bool   `json:"activate"`
	Actor    string `json:"-"`
}

var (
	// ErrInvalidYear rejects years outside the supported range.
	ErrInvalidYear = errors.New("year must be between 2000 and 2100")

	yearSuffix = regexp.MustCompile(`_(\d{4})$`)
)

// PrefixForYear returns the conventional prefix for year.
func PrefixForYear(year int) string {
	return fmt.Sprintf("%s_%d", planner.DefaultPrefix, year)
}

// YearFromPrefix extracts a trailing four-digit year, or 0.
func YearFromPrefix(prefix string) int {
	m := yearSuffix.FindStringSubmatch(prefix)
	if m == nil {
		return 0
	}
	y, _ := strconv.Atoi(m[1])
	return y
}

func (a *Archiver) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Archiver) logf(format string, args ...any) {
	if a.Logf != nil {
		a.Logf(format, args...)
	}
}

// CreateYear creates the table set for req.Year.
func (a *Archiver) CreateYear(ctx context.Context, req CreateRequest) (planner.TableSet, error) {
	if req.Year < 2000 || req.Year > 2100 {
		return planner.TableSet{}, ErrInvalidYear
	}
	prefix := req.Prefix
	if prefix == "" {
		prefix = PrefixForYear(req.Year)
	}
	if err := planner.ValidatePrefix(prefix); err != nil {
		return planner.TableSet{}, err
	}

	copyFrom := req.CopyFrom
	if copyFrom == "" {
		active, err := a.Active.ActiveTableSet(ctx)
		if err != nil {
			return planner.TableSet{}, fmt.Errorf("resolve live set: %w", err)
		}
		copyFrom = active.Prefix
	} else if copyFrom == "-" {
		copyFrom = ""
	}

	jobID := "archive-" + prefix
	a.jobBegin(jobID)
	a.jobf(jobID, "creating %s for %d (copy from %q, reset=%t)", prefix, req.Year, copyFrom, req.Reset)

	started := a.now()
	if err := a.create(ctx, prefix, req.Year, copyFrom, req.Reset); err != nil {
		a.jobFail(jobID, err)
		return planner.TableSet{}, err
	}
	a.jobf(jobID, "tables created in %s", a.now().Sub(started))

	details := fmt.Sprintf("year=%d copyFrom=%s reset=%t", req.Year, copyFrom, req.Reset)
	a.record(ctx, planner.LogEntry{Actor: req.Actor, Action: "archive_create", TargetType: "table_set", TargetName: prefix, Details: details, Prefix: prefix})

	if req.Activate {
		if _, err := a.Activate(ctx, prefix, req.Year, req.Actor); err != nil {
			a.jobFail(jobID, fmt.Errorf("activate %s: %w", prefix, err))
			return planner.TableSet{}, err
		}
		a.jobf(jobID, "activated %s", prefix)
	}

	set, err := a.find(ctx, prefix)
	if err != nil {
		a.jobFail(jobID, err)
		return planner.TableSet{}, err
	}
	a.jobDone(jobID, fmt.Sprintf("created %s with %d vann, %d landingsplasser, %d associations",
		prefix, set.VannCount, set.LandingsplassCount, set.AssociationCount))
	return set, nil
}

func (a *Archiver) create(ctx context.Context, prefix string, year int, copyFrom string, reset bool) error {
	type yearCreator interface {
		CreateTableSetYear(ctx context.Context, prefix string, year int, copyFrom string, resetProgress bool) error
	}
	if yc, ok := a.Sets.(yearCreator); ok {
		return yc.CreateTableSetYear(ctx, prefix, year, copyFrom, reset)
	}
	return a.Sets.CreateTableSet(ctx, prefix, copyFrom, reset)
}

// List returns every set, newest year first, with Active taken from the
// live pointer.
func (a *Archiver) List(ctx context.Context) ([]planner.TableSet, error) {
	sets, err := a.Sets.ListTableSets(ctx)
	if err != nil {
		return nil, err
	}
	active, err := a.Active.ActiveTableSet(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sets {
		sets[i].Active = sets[i].Prefix == active.Prefix
		if sets[i].Year == 0 {
			sets[i].Year = YearFromPrefix(sets[i].Prefix)
		}
	}
	sort.SliceStable(sets, func(i, j int) bool {
		if sets[i].Year != sets[j].Year {
			return sets[i].Year > sets[j].Year
		}
		return sets[i].Prefix < sets[j].Prefix
	})
	return sets, nil
}

// Activate makes prefix the live set. year 0 takes the year from the set.
func (a *Archiver) Activate(ctx context.Context, prefix string, year int, actor string) (database.ActiveSet, error) {
	if err := planner.ValidatePrefix(prefix); err != nil {
		return database.ActiveSet{}, err
	}
	set, err := a.find(ctx, prefix)
	if err != nil {
		return database.ActiveSet{}, err
	}
	if year == 0 {
		year = set.Year
	}
	if year == 0 {
		year = a.now().Year()
	}
	if err := a.Active.SetActiveTableSet(ctx, year, prefix); err != nil {
		return database.ActiveSet{}, fmt.Errorf("activate %s: %w", prefix, err)
	}
	if a.OnActivate != nil {
		a.OnActivate(prefix)
	}
	a.record(ctx, planner.LogEntry{Actor: actor, Action: "archive_activate", TargetType: "table_set", TargetName: prefix, Details: "year=" + strconv.Itoa(year), Prefix: prefix})
	if a.Publish != nil {
		a.Publish(planner.Event{Type: "activated", Prefix: prefix, Entity: "table_set"})
	}
	a.logf("table set %s is now live (year %d)", prefix, year)
	return database.ActiveSet{Year: year, Prefix: prefix}, nil
}

func (a *Archiver) find(ctx context.Context, prefix string) (planner.TableSet, error) {
	sets, err := a.List(ctx)
	if err != nil {
		return planner.TableSet{}, err
	}
	for _, s := range sets {
		if s.Prefix == prefix {
			return s, nil
		}
	}
	return planner.TableSet{}, fmt.Errorf("table set %s: %w", prefix, planner.ErrNotFound)
}

func (a *Archiver) record(ctx context.Context, e planner.LogEntry) {
	if a.Journal == nil {
		return
	}
	if err := a.Journal.Record(ctx, e); err != nil {
		a.logf("action log %s: %v", e.Action, err)
	}
}

func (a *Archiver) jobBegin(id string) {
	if a.Jobs != nil {
		a.Jobs.Begin(id)
	}
}

func (a *Archiver) jobf(id, format string, args ...any) {
	if a.Jobs != nil {
		a.Jobs.Appendf(id, format, args...)
	}
}

func (a *Archiver) jobDone(id, summary string) {
	if a.Jobs != nil {
		a.Jobs.Success(id, summary)
	}
}

func (a *Archiver) jobFail(id string, err error) {
	if a.Jobs != nil {
		a.Jobs.FlushError(id, err)
	}
}
