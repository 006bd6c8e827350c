package planner

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// Totals carries the tonnage and count figures shown in summaries.
type Totals struct {
	VannCount              int     `json:"vannCount"`
	DoneVannCount          int     `json:"doneVannCount"`
	LandingsplassCount     int     `json:"landingsplassCount"`
	DoneLandingsplassCount int     `json:"doneLandingsplassCount"`
	TotalTonn              float64 `json:"totalTonn"`
	DoneTonn               float64 `json:"doneTonn"`
	RemainingTonn          float64 `json:"remainingTonn"`
	PercentTonn            float64 `json:"percentTonn"`
	PercentCount           float64 `json:"percentCount"`
	// Water bodies no landing site serves yet.
	UnassignedVannCount int     `json:"unassignedVannCount"`
	UnassignedTonn      float64 `json:"unassignedTonn"`
}

// FylkeSummary is Totals scoped to one county.
type FylkeSummary struct {
	Fylke string `json:"fylke"`
	Totals
}

// Summary is the overall picture plus a per-fylke breakdown sorted by name.
type Summary struct {
	Overall Totals         `json:"overall"`
	Fylker  []FylkeSummary `json:"fylker"`
}

// LinkedVann is a water body as seen from one landing site.
type LinkedVann struct {
	Vann
	DistanceKM *float64 `json:"distanceKm,omitempty"`
}

// LandingsplassView is a landing site joined with the water bodies it serves.
type LandingsplassView struct {
	Landingsplass
	Vann          []LinkedVann `json:"vann"`
	VannCount     int          `json:"vannCount"`
	DoneVannCount int          `json:"doneVannCount"`
	TotalTonn     float64      `json:"totalTonn"`
	DoneTonn      float64      `json:"doneTonn"`
	RemainingTonn float64      `json:"remainingTonn"`
}

// VannView is a water body with the ids of the landing sites serving it.
type VannView struct {
	Vann
	LandingsplassIDs []int64 `json:"landingsplassIds"`
}

// MapPayload is everything the map page needs in one response.
type MapPayload struct {
	Prefix          string              `json:"prefix"`
	Landingsplasser []LandingsplassView `json:"landingsplasser"`
	Vann            []VannView          `json:"vann"`
	Associations    []Association       `json:"associations"`
	Summary         Summary             `json:"summary"`
}

// index holds the O(n) lookup maps shared by all aggregations.
type index struct {
	vann      map[int64]Vann
	lps       map[int64]Landingsplass
	lpToVann  map[int64][]Association
	vannToLps map[int64][]int64
}

func buildIndex(vann []Vann, lps []Landingsplass, assocs []Association) index {
	idx := index{
		vann:      make(map[int64]Vann, len(vann)),
		lps:       make(map[int64]Landingsplass, len(lps)),
		lpToVann:  make(map[int64][]Association, len(lps)),
		vannToLps: make(map[int64][]int64, len(vann)),
	}
	for _, v := range vann {
		idx.vann[v.ID] = v
	}
	for _, lp := range lps {
		idx.lps[lp.ID] = lp
	}
	seen := make(map[[2]int64]struct{}, len(assocs))
	for _, a := range assocs {
		// Dangling or repeated links are ignored so a half-deleted row never
		// double counts tonnage.
		if _, ok := idx.vann[a.VannID]; !ok {
			continue
		}
		if _, ok := idx.lps[a.LandingsplassID]; !ok {
			continue
		}
		key := [2]int64{a.LandingsplassID, a.VannID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		idx.lpToVann[a.LandingsplassID] = append(idx.lpToVann[a.LandingsplassID], a)
		idx.vannToLps[a.VannID] = append(idx.vannToLps[a.VannID], a.LandingsplassID)
	}
	return idx
}

// tonn clamps negative or NaN tonnage to zero.
func tonn(v Vann) float64 {
	if math.IsNaN(v.Tonn) || v.Tonn < 0 {
		return 0
	}
	return v.Tonn
}

func (idx index) view(lp Landingsplass) LandingsplassView {
	view := LandingsplassView{Landingsplass: lp, Vann: []LinkedVann{}}
	for _, a := range idx.lpToVann[lp.ID] {
		v := idx.vann[a.VannID]
		view.Vann = append(view.Vann, LinkedVann{Vann: v, DistanceKM: a.DistanceKM})
		t := tonn(v)
		view.VannCount++
		view.TotalTonn += t
		if v.Done {
			view.DoneVannCount++
			view.DoneTonn += t
		}
	}
	sort.Slice(view.Vann, func(i, j int) bool {
		if view.Vann[i].Name != view.Vann[j].Name {
			return view.Vann[i].Name < view.Vann[j].Name
		}
		return view.Vann[i].ID < view.Vann[j].ID
	})
	view.TotalTonn = round2(view.TotalTonn)
	view.DoneTonn = round2(view.DoneTonn)
	view.RemainingTonn = round2(view.TotalTonn - view.DoneTonn)
	return view
}

// LandingsplassViews joins every landing site with its water bodies.
func LandingsplassViews(vann []Vann, lps []Landingsplass, assocs []Association) []LandingsplassView {
	idx := buildIndex(vann, lps, assocs)
	out := make([]LandingsplassView, 0, len(lps))
	for _, lp := range lps {
		out = append(out, idx.view(lp))
	}
	return out
}

// ==========================
// Tonnage aggregation
// ==========================

// Summarize computes overall and per-fylke totals. A water body linked to
// several landing sites counts once here even though every landing site view
// includes its full tonnage. Associations pointing at a missing landing site
// do not make a water body assigned.
func Summarize(vann []Vann, lps []Landingsplass, assocs []Association) Summary {
	lpIDs := make(map[int64]bool, len(lps))
	for _, lp := range lps {
		lpIDs[lp.ID] = true
	}
	assigned := make(map[int64]bool, len(assocs))
	for _, a := range assocs {
		if lpIDs[a.LandingsplassID] {
			assigned[a.VannID] = true
		}
	}

	byFylke := make(map[string]*FylkeSummary)
	label := func(fylke string) *FylkeSummary {
		name := fylkeLabel(fylke)
		key := normalizeFylke(name)
		fs, ok := byFylke[key]
		if !ok {
			fs = &FylkeSummary{Fylke: name}
			byFylke[key] = fs
		}
		return fs
	}

	var overall Totals
	for _, v := range vann {
		t := tonn(v)
		fs := label(v.Fylke)
		for _, tot := range []*Totals{&overall, &fs.Totals} {
			tot.VannCount++
			tot.TotalTonn += t
			if v.Done {
				tot.DoneVannCount++
				tot.DoneTonn += t
			}
			if !assigned[v.ID] {
				tot.UnassignedVannCount++
				tot.UnassignedTonn += t
			}
		}
	}
	for _, lp := range lps {
		fs := label(lp.Fylke)
		for _, tot := range []*Totals{&overall, &fs.Totals} {
			tot.LandingsplassCount++
			if lp.Done {
				tot.DoneLandingsplassCount++
			}
		}
	}

	finish(&overall)
	summary := Summary{Overall: overall, Fylker: make([]FylkeSummary, 0, len(byFylke))}
	for _, fs := range byFylke {
		finish(&fs.Totals)
		summary.Fylker = append(summary.Fylker, *fs)
	}
	sort.Slice(summary.Fylker, func(i, j int) bool {
		return summary.Fylker[i].Fylke < summary.Fylker[j].Fylke
	})
	return summary
}

func finish(t *Totals) {
	t.TotalTonn = round2(t.TotalTonn)
	t.DoneTonn = round2(t.DoneTonn)
	t.UnassignedTonn = round2(t.UnassignedTonn)
	t.RemainingTonn = round2(t.TotalTonn - t.DoneTonn)
	t.PercentTonn = percent(t.DoneTonn, t.TotalTonn)
	t.PercentCount = percent(float64(t.DoneVannCount), float64(t.VannCount))
}

// BuildMapPayload joins the three tables and applies the filter to the rows
// that are returned. Summary figures are computed before filtering.
func BuildMapPayload(prefix string, vann []Vann, lps []Landingsplass, assocs []Association, f Filter) MapPayload {
	idx := buildIndex(vann, lps, assocs)
	payload := MapPayload{
		Prefix:          prefix,
		Landingsplasser: []LandingsplassView{},
		Vann:            []VannView{},
		Associations:    []Association{},
		Summary:         Summarize(vann, lps, assocs),
	}

	visibleLP := make(map[int64]bool, len(lps))
	for _, lp := range lps {
		if !f.MatchLandingsplass(lp) {
			continue
		}
		visibleLP[lp.ID] = true
		payload.Landingsplasser = append(payload.Landingsplasser, idx.view(lp))
	}
	visibleVann := make(map[int64]bool, len(vann))
	for _, v := range vann {
		if !f.MatchVann(v) {
			continue
		}
		visibleVann[v.ID] = true
		ids := append([]int64{}, idx.vannToLps[v.ID]...)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		payload.Vann = append(payload.Vann, VannView{Vann: v, LandingsplassIDs: ids})
	}
	for _, links := range idx.lpToVann {
		for _, a := range links {
			if visibleLP[a.LandingsplassID] && visibleVann[a.VannID] {
				payload.Associations = append(payload.Associations, a)
			}
		}
	}
	sort.Slice(payload.Associations, func(i, j int) bool {
		ai, aj := payload.Associations[i], payload.Associations[j]
		if ai.LandingsplassID != aj.LandingsplassID {
			return ai.LandingsplassID < aj.LandingsplassID
		}
		return ai.VannID < aj.VannID
	})
	return payload
}

// fylkeLabel gives rows without a county a shared "Ukjent" bucket.
func fylkeLabel(fylke string) string {
	name := strings.TrimSpace(fylke)
	if name == "" {
		return "Ukjent"
	}
	return name
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func percent(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return math.Round(part/whole*1000) / 10
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
