package logic

import "sort"

// RarestFirst orders pieces by the number of connected peers holding them, fewest first and
// lowest index among equals. Pieces no connected peer holds are left out.
func RarestFirst(pieces []int, availability []int) []int {
	ordered := make([]int, 0, len(pieces))
	for _, p := range pieces {
		if p >= 0 && p < len(availability) && availability[p] > 0 {
			ordered = append(ordered, p)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		ai, aj := availability[ordered[i]], availability[ordered[j]]
		if ai != aj {
			return ai < aj
		}
		return ordered[i] < ordered[j]
	})
	return ordered
}
