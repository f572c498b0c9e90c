package assign

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/ksiegai/abgate/internal/store"
)

// Bucket maps (sessionID, testID) onto [0, 1). The same pair always lands in
// the same place, so allocation decisions survive cookie loss.
func Bucket(sessionID, testID string) float64 {
	h := xxhash.Sum64String(sessionID + testID)
	return float64(h>>11) / (1 << 53)
}

// InAllocation reports whether the session takes part in the test at all.
func InAllocation(sessionID string, t *store.Test) bool {
	if t.TrafficAllocation <= 0 {
		return false
	}
	if t.TrafficAllocation >= 1 {
		return true
	}
	return Bucket(sessionID, t.ID) <= t.TrafficAllocation
}

// Weighted picks a variant index given r uniform in [0, 1). Weights are
// relative. Rounding that leaves r positive after the walk falls back to the
// first variant; the result is never out of range.
func Weighted(variants []store.Variant, r float64) int {
	total := 0.0
	for _, v := range variants {
		total += v.Weight
	}
	if total <= 0 {
		return 0
	}

	remaining := r * total
	for i, v := range variants {
		if v.Weight <= 0 {
			continue
		}
		remaining -= v.Weight
		if remaining <= 0 {
			return i
		}
	}
	return 0
}

// NextAlternate flips the per-browser toggle: no stored value or "1" gives 0,
// "0" gives 1.
func NextAlternate(last string, ok bool) int {
	if ok && last == "0" {
		return 1
	}
	return 0
}

func formatIndex(i int) string {
	return strconv.Itoa(i)
}
