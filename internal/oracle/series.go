package oracle

import (
	"sort"

	"github.com/brokkr/snapshot-engine/internal/model"
)

// series is an ascending, timestamp-unique list of price points for one coin.
// Callers serialize access through the owning coin's mutex.
type series struct {
	points []model.PricePoint
}

// insert merges pts into the series, keeping the first point seen for every
// timestamp. It returns how many points were added.
func (s *series) insert(pts []model.PricePoint) int {
	if len(pts) == 0 {
		return 0
	}

	incoming := make([]model.PricePoint, len(pts))
	copy(incoming, pts)
	sort.SliceStable(incoming, func(i, j int) bool {
		return incoming[i].TimestampMs < incoming[j].TimestampMs
	})

	merged := make([]model.PricePoint, 0, len(s.points)+len(incoming))
	i, j := 0, 0
	for i < len(s.points) || j < len(incoming) {
		var next model.PricePoint
		switch {
		case j >= len(incoming):
			next = s.points[i]
			i++
		case i >= len(s.points):
			next = incoming[j]
			j++
		case s.points[i].TimestampMs <= incoming[j].TimestampMs:
			next = s.points[i]
			i++
		default:
			next = incoming[j]
			j++
		}
		if n := len(merged); n > 0 && merged[n-1].TimestampMs == next.TimestampMs {
			continue
		}
		merged = append(merged, next)
	}

	added := len(merged) - len(s.points)
	s.points = merged
	return added
}

// nearest returns the point closest to tsMs if it lies strictly within
// tolerance of it. Ties resolve to the older point.
func (s *series) nearest(tsMs, tolerance int64) (model.PricePoint, bool) {
	n := len(s.points)
	if n == 0 {
		return model.PricePoint{}, false
	}

	idx := sort.Search(n, func(i int) bool { return s.points[i].TimestampMs >= tsMs })

	best := -1
	bestDiff := int64(0)
	if idx > 0 {
		best = idx - 1
		bestDiff = tsMs - s.points[idx-1].TimestampMs
	}
	if idx < n {
		diff := s.points[idx].TimestampMs - tsMs
		if best < 0 || diff < bestDiff {
			best = idx
			bestDiff = diff
		}
	}

	if bestDiff >= tolerance {
		return model.PricePoint{}, false
	}
	return s.points[best], true
}

func (s *series) len() int {
	return len(s.points)
}
