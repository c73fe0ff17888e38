// Package eligibility decides which reviewers may take a submission and in
// what order they should be tried. It never consults the ledger; loads are
// passed in by the caller.
package eligibility

import (
	"sort"

	"reviewline/internal/domain"
)

// Eligible returns the reviewers of roster qualified for profile p, in roster
// order.
func Eligible(roster []domain.Reviewer, p domain.Profile) []domain.Reviewer {
	var res []domain.Reviewer
	for _, rv := range roster {
		if rv.Qualified(p) {
			res = append(res, rv)
		}
	}
	return res
}

// Rank orders candidates by ascending load, breaking ties on reviewer id.
// Loads missing from the map fall back to the candidate's snapshot load.
// The result is a fresh slice of ids.
func Rank(candidates []domain.Reviewer, loads map[string]int) []string {
	type entry struct {
		id   string
		load int
	}
	entries := make([]entry, 0, len(candidates))
	for _, c := range candidates {
		load, ok := loads[c.ID]
		if !ok {
			load = c.Load
		}
		entries = append(entries, entry{id: c.ID, load: load})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].load != entries[j].load {
			return entries[i].load < entries[j].load
		}
		return entries[i].id < entries[j].id
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// Uncovered lists the profiles for which no reviewer in roster is qualified.
func Uncovered(roster []domain.Reviewer, profiles []domain.Profile) []domain.Profile {
	res := []domain.Profile{}
	for _, p := range profiles {
		if len(Eligible(roster, p)) == 0 {
			res = append(res, p)
		}
	}
	return res
}
