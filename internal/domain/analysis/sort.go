package analysis

import "sort"

// SortForDisplay orders reports most severe first. Reports with the same
// severity are ordered by how many findings sit at that severity, then by
// recency. The stored severity of each report is left untouched.
func SortForDisplay(rs []*Report) {
	sort.SliceStable(rs, func(i, j int) bool {
		return displayLess(rs[i], rs[j])
	})
}

func displayLess(a, b *Report) bool {
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	if ta, tb := a.TopCount(), b.TopCount(); ta != tb {
		return ta > tb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}
