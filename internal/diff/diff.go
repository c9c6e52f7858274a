// Package diff classifies symbols between two builds by identity and content
// fingerprint. Classification is a pure function of its inputs.
package diff

import "sort"

// Result holds the four classification sets plus their counts. The id slices
// are sorted so identical inputs always yield identical output.
type Result struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
	Modified  []string `json:"modified"`
}

// Counts summarises the result for statistics.
func (r Result) Counts() (added, removed, unchanged, modified int) {
	return len(r.Added), len(r.Removed), len(r.Unchanged), len(r.Modified)
}

// CacheHitRate returns unchanged / (unchanged + modified + added). Removed
// symbols do not enter the denominator; an empty denominator yields 0.
func (r Result) CacheHitRate() float64 {
	denom := len(r.Unchanged) + len(r.Modified) + len(r.Added)
	if denom == 0 {
		return 0
	}
	return float64(len(r.Unchanged)) / float64(denom)
}

// Classify compares the previous version's symbol manifest against the current
// commit's. Both maps are symbol id -> fingerprint. Runs in O(|prev|+|curr|).
//
// Renames are not detected: a renamed symbol is one Removed plus one Added.
func Classify(prev, curr map[string]string) Result {
	var r Result

	for id, fp := range curr {
		prevFP, ok := prev[id]
		switch {
		case !ok:
			r.Added = append(r.Added, id)
		case prevFP == fp:
			r.Unchanged = append(r.Unchanged, id)
		default:
			r.Modified = append(r.Modified, id)
		}
	}
	for id := range prev {
		if _, ok := curr[id]; !ok {
			r.Removed = append(r.Removed, id)
		}
	}

	sort.Strings(r.Added)
	sort.Strings(r.Removed)
	sort.Strings(r.Unchanged)
	sort.Strings(r.Modified)
	return r
}
