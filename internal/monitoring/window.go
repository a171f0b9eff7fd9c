// Package monitoring tracks rolling gateway metrics and persists one
// message-log row per envelope.
package monitoring

import "time"

// slidingWindow keeps arrival and failure timestamps for the trailing span.
// Not self-locking; the owning service serializes access.
type slidingWindow struct {
	span     time.Duration
	arrivals []time.Time
	failures []time.Time
}

func newSlidingWindow(span time.Duration) *slidingWindow {
	return &slidingWindow{span: span}
}

func (w *slidingWindow) recordArrival(now time.Time) {
	w.arrivals = append(w.arrivals, now)
}

func (w *slidingWindow) recordFailure(now time.Time) {
	w.failures = append(w.failures, now)
}

// rates prunes expired entries and returns messages-per-second and the
// failure ratio over the window.
func (w *slidingWindow) rates(now time.Time) (messageRate, errorRate float64) {
	cutoff := now.Add(-w.span)
	w.arrivals = prune(w.arrivals, cutoff)
	w.failures = prune(w.failures, cutoff)

	messageRate = float64(len(w.arrivals)) / w.span.Seconds()
	if len(w.arrivals) > 0 {
		errorRate = float64(len(w.failures)) / float64(len(w.arrivals))
	}
	return messageRate, errorRate
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
