package airquality

import (
	"iter"
	"time"
)

// TimeRanges lazily splits window into consecutive [start, start+step)
// sub-intervals. Iteration stops once a sub-interval start reaches
// window.End, so the last sub-interval may extend past window.End.
func TimeRanges(window TimeWindow, step time.Duration) iter.Seq[TimeWindow] {
	return func(yield func(TimeWindow) bool) {
		if step <= 0 {
			return
		}
		for start := window.Start; start.Before(window.End); start = start.Add(step) {
			if !yield(TimeWindow{Start: start, End: start.Add(step)}) {
				return
			}
		}
	}
}
