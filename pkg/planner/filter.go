package planner

import (
	"strings"

	"github.com/paulmach/orb"
)

// Status narrows rows by completion state.
type Status string

const (
	StatusAll     Status = "all"
	StatusDone    Status = "done"
	StatusPending Status = "pending"
)

// ParseStatus maps query values (including the Norwegian labels used by the
// UI) onto a Status. Unknown values fall back to StatusAll.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "done", "ferdig", "utfort", "utført":
		return StatusDone
	case "pending", "gjenstar", "gjenstår", "ikke_ferdig":
		return StatusPending
	default:
		return StatusAll
	}
}

// Filter describes which rows the map and progress views should show.
// Aggregates are always computed over the full table set; the filter only hides rows.
type Filter struct {
	Fylke  string
	Status Status
	Query  string
	Bound  *orb.Bound
}

// Key renders the filter into a stable cache key fragment.
func (f Filter) Key() string {
	var sb strings.Builder
	sb.WriteString(normalizeFylke(f.Fylke))
	sb.WriteByte('|')
	sb.WriteString(string(f.Status))
	sb.WriteByte('|')
	sb.WriteString(strings.ToLower(strings.TrimSpace(f.Query)))
	if f.Bound != nil {
		b := *f.Bound
		sb.WriteByte('|')
		sb.WriteString(strings.Join([]string{
			ftoa(b.Min[0]), ftoa(b.Min[1]), ftoa(b.Max[0]), ftoa(b.Max[1]),
		}, ","))
	}
	return sb.String()
}

func (f Filter) matchFylke(fylke string) bool {
	want := normalizeFylke(f.Fylke)
	return want == "" || want == normalizeFylke(fylke)
}

func (f Filter) matchStatus(done bool) bool {
	switch f.Status {
	case StatusDone:
		return done
	case StatusPending:
		return !done
	default:
		return true
	}
}

func (f Filter) matchText(fields ...string) bool {
	q := strings.ToLower(strings.TrimSpace(f.Query))
	if q == "" {
		return true
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

func (f Filter) matchBound(lat, lon float64) bool {
	if f.Bound == nil {
		return true
	}
	return f.Bound.Contains(Point(lat, lon))
}

// MatchVann reports whether a water body passes the filter.
func (f Filter) MatchVann(v Vann) bool {
	return f.matchFylke(v.Fylke) &&
		f.matchStatus(v.Done) &&
		f.matchText(v.Name, v.Kommune, v.Comment) &&
		f.matchBound(v.Latitude, v.Longitude)
}

// MatchLandingsplass reports whether a landing site passes the filter.
func (f Filter) MatchLandingsplass(lp Landingsplass) bool {
	return f.matchFylke(lp.Fylke) &&
		f.matchStatus(lp.Done) &&
		f.matchText(lp.Code, lp.Name, lp.Kommune, lp.Comment) &&
		f.matchBound(lp.Latitude, lp.Longitude)
}
