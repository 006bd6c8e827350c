package planner

import (
	"sort"
	"strings"
	"time"
)

// FylkePlan lists the landing sites of one county in work order.
type FylkePlan struct {
	Fylke           string              `json:"fylke"`
	Totals          Totals              `json:"totals"`
	Landingsplasser []LandingsplassView `json:"landingsplasser"`
}

// ProgressPlan is the printable progress overview ("fremdriftsplan").
type ProgressPlan struct {
	Prefix      string      `json:"prefix"`
	Year        int         `json:"year,omitempty"`
	GeneratedAt time.Time   `json:"generatedAt"`
	Overall     Totals      `json:"overall"`
	Fylker      []FylkePlan `json:"fylker"`
	// Unassigned holds water bodies without any landing site so they are not
	// silently missing from the plan.
	Unassigned []Vann `json:"unassigned"`
}

// BuildProgressPlan groups landing sites by fylke. Inside a fylke they are
// ordered by priority (0 = unset, sorted last), then by code.
func BuildProgressPlan(prefix string, year int, vann []Vann, lps []Landingsplass, assocs []Association, f Filter, now time.Time) ProgressPlan {
	idx := buildIndex(vann, lps, assocs)
	summary := Summarize(vann, lps, assocs)
	totalsByFylke := make(map[string]Totals, len(summary.Fylker))
	for _, fs := range summary.Fylker {
		totalsByFylke[normalizeFylke(fs.Fylke)] = fs.Totals
	}

	plan := ProgressPlan{
		Prefix:      prefix,
		Year:        year,
		GeneratedAt: now,
		Overall:     summary.Overall,
		Fylker:      []FylkePlan{},
		Unassigned:  []Vann{},
	}

	groups := make(map[string]*FylkePlan)
	var order []string
	for _, lp := range lps {
		if !f.MatchLandingsplass(lp) {
			continue
		}
		name := fylkeLabel(lp.Fylke)
		key := normalizeFylke(name)
		group, ok := groups[key]
		if !ok {
			group = &FylkePlan{Fylke: name, Totals: totalsByFylke[key]}
			groups[key] = group
			order = append(order, key)
		}
		group.Landingsplasser = append(group.Landingsplasser, idx.view(lp))
	}

	sort.Strings(order)
	for _, key := range order {
		group := groups[key]
		sort.SliceStable(group.Landingsplasser, func(i, j int) bool {
			a, b := group.Landingsplasser[i], group.Landingsplasser[j]
			pa, pb := a.Priority, b.Priority
			if pa != pb {
				if pa == 0 {
					return false
				}
				if pb == 0 {
					return true
				}
				return pa < pb
			}
			return naturalLess(a.Code, b.Code)
		})
		plan.Fylker = append(plan.Fylker, *group)
	}

	for _, v := range vann {
		if len(idx.vannToLps[v.ID]) == 0 && f.MatchVann(v) {
			plan.Unassigned = append(plan.Unassigned, v)
		}
	}
	sort.Slice(plan.Unassigned, func(i, j int) bool {
		return plan.Unassigned[i].Name < plan.Unassigned[j].Name
	})
	return plan
}

// naturalLess orders codes such as "LP2" before "LP10".
func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		da, restA := leadingDigits(a)
		db, restB := leadingDigits(b)
		if da != "" && db != "" {
			na := strings.TrimLeft(da, "0")
			nb := strings.TrimLeft(db, "0")
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			if na != nb {
				return na < nb
			}
			a, b = restA, restB
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func leadingDigits(s string) (digits, rest string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i], s[i:]
}
