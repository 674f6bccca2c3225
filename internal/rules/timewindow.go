package rules

import "sort"

// DataPoint is one retained sample of a stock's price/volume at an instant.
type DataPoint struct {
	TimestampMS   int64
	Price         float64
	Volume        float64
	ChangePercent float64
}

// TimeWindow is a bounded, ordered, compressed sequence of DataPoints
// spanning at most spanSeconds, per spec.md §4.5.2. It is not safe for
// concurrent use; each session owns its own windows (spec.md §9).
type TimeWindow struct {
	points      []DataPoint
	spanMS      int64
	compressPct float64 // e.g. 0.01 for 0.01%
}

const minRetentionMS = 30_000 // at least one point every 30s is retained

// NewTimeWindow builds a window spanning spanSeconds, compressing away
// points that differ by less than compressPct (e.g. 0.01) in both price and
// volume unless 30s have elapsed since the last kept point.
func NewTimeWindow(spanSeconds int, compressPct float64) *TimeWindow {
	return &TimeWindow{
		spanMS:      int64(spanSeconds) * 1000,
		compressPct: compressPct,
	}
}

// Add records a new sample. It is kept iff the window is empty, or its
// relative change vs the last kept point exceeds compressPct in price or
// volume, or minRetentionMS has elapsed since the last kept point.
// Expired points (older than spanMS relative to the newest point) are
// pruned via binary search on timestamp.
func (w *TimeWindow) Add(timestampMS int64, price, volume, changePercent float64) {
	keep := len(w.points) == 0
	if !keep {
		last := w.points[len(w.points)-1]
		if relChange(price, last.Price) > w.compressPct || relChange(volume, last.Volume) > w.compressPct {
			keep = true
		}
		if timestampMS-last.TimestampMS > minRetentionMS {
			keep = true
		}
	}
	if !keep {
		return
	}

	w.points = append(w.points, DataPoint{
		TimestampMS:   timestampMS,
		Price:         price,
		Volume:        volume,
		ChangePercent: changePercent,
	})
	w.prune(timestampMS)
}

// prune drops points older than spanMS relative to newest, via binary
// search on timestamp (points are monotonically increasing in time).
func (w *TimeWindow) prune(newestMS int64) {
	cutoff := newestMS - w.spanMS
	idx := sort.Search(len(w.points), func(i int) bool {
		return w.points[i].TimestampMS >= cutoff
	})
	if idx > 0 {
		w.points = append([]DataPoint(nil), w.points[idx:]...)
	}
}

// volumeAt returns the last kept point's volume with timestamp <= t, or
// (0, false) if no such point exists.
func (w *TimeWindow) volumeAt(t int64) (float64, bool) {
	idx := sort.Search(len(w.points), func(i int) bool {
		return w.points[i].TimestampMS > t
	}) - 1
	if idx < 0 {
		return 0, false
	}
	return w.points[idx].Volume, true
}

// CurrentIncrement returns latestVolume - volumeAt(now-1s), clamped >= 0.
func (w *TimeWindow) CurrentIncrement(nowMS int64) float64 {
	if len(w.points) == 0 {
		return 0
	}
	latest := w.points[len(w.points)-1].Volume
	prior, ok := w.volumeAt(nowMS - 1000)
	if !ok {
		return 0
	}
	inc := latest - prior
	if inc < 0 {
		return 0
	}
	return inc
}

// AverageIncrement returns the per-second average volume increment over the
// last periodMinutes minutes: (lastVolume-firstVolume)/timeSpanSeconds for
// points within that window, or 0 if fewer than two points qualify.
func (w *TimeWindow) AverageIncrement(nowMS int64, periodMinutes float64) float64 {
	cutoff := nowMS - int64(periodMinutes*60*1000)
	idx := sort.Search(len(w.points), func(i int) bool {
		return w.points[i].TimestampMS >= cutoff
	})
	window := w.points[idx:]
	if len(window) < 2 {
		return 0
	}
	first, last := window[0], window[len(window)-1]
	spanSec := float64(last.TimestampMS-first.TimestampMS) / 1000
	if spanSec <= 0 {
		return 0
	}
	return (last.Volume - first.Volume) / spanSec
}

// Len reports the number of retained points (for memory-envelope tests).
func (w *TimeWindow) Len() int { return len(w.points) }

// LastPrice returns the most recently retained point's price, or 0 if the
// window is empty. Because Add may compress a sample away, this is not
// necessarily the price of the most recent sample passed to Add.
func (w *TimeWindow) LastPrice() float64 {
	if len(w.points) == 0 {
		return 0
	}
	return w.points[len(w.points)-1].Price
}

func relChange(cur, prev float64) float64 {
	if prev == 0 {
		if cur == 0 {
			return 0
		}
		return 100
	}
	d := cur - prev
	if d < 0 {
		d = -d
	}
	return d / absF(prev) * 100
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
