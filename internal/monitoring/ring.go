package monitoring

import (
	"sort"
	"time"
)

const ringSlots = 1440 // 24 hours at minute granularity

// ResourceSample is a point-in-time system reading attached to a minute
// slot.
type ResourceSample struct {
	CPUPercent    float64 `json:"cpu"`
	MemoryPercent float64 `json:"memory"`
	DiskPercent   float64 `json:"disk"`
	MessageRate   float64 `json:"message_rate"`
	ErrorRate     float64 `json:"error_rate"`
}

// MinutePoint is one entry of the metrics history series.
type MinutePoint struct {
	Minute    time.Time      `json:"minute"`
	Received  int64          `json:"received"`
	Success   int64          `json:"success"`
	Failed    int64          `json:"failed"`
	Resources ResourceSample `json:"resources"`
}

type ringSlot struct {
	minute    int64 // unix minute the slot currently represents
	received  int64
	success   int64
	failed    int64
	resources ResourceSample
	sampled   bool
}

// minuteRing is a fixed 1440-slot ring of per-minute counters plus resource
// samples. A slot is lazily reset when its minute rolls over. Not
// self-locking.
type minuteRing struct {
	slots [ringSlots]ringSlot
}

func (r *minuteRing) slotFor(now time.Time) *ringSlot {
	minute := now.Unix() / 60
	s := &r.slots[minute%ringSlots]
	if s.minute != minute {
		*s = ringSlot{minute: minute}
	}
	return s
}

func (r *minuteRing) addReceived(now time.Time) { r.slotFor(now).received++ }
func (r *minuteRing) addSuccess(now time.Time)  { r.slotFor(now).success++ }
func (r *minuteRing) addFailed(now time.Time)   { r.slotFor(now).failed++ }

func (r *minuteRing) sample(now time.Time, rs ResourceSample) {
	s := r.slotFor(now)
	s.resources = rs
	s.sampled = true
}

// history returns the per-minute series for the trailing window, sorted
// ascending by minute.
func (r *minuteRing) history(now time.Time, minutes int) []MinutePoint {
	if minutes <= 0 || minutes > ringSlots {
		minutes = ringSlots
	}
	nowMinute := now.Unix() / 60
	oldest := nowMinute - int64(minutes) + 1

	out := make([]MinutePoint, 0, minutes)
	for i := range r.slots {
		s := &r.slots[i]
		if s.minute < oldest || s.minute > nowMinute {
			continue
		}
		if s.received == 0 && s.success == 0 && s.failed == 0 && !s.sampled {
			continue
		}
		out = append(out, MinutePoint{
			Minute:    time.Unix(s.minute*60, 0).UTC(),
			Received:  s.received,
			Success:   s.success,
			Failed:    s.failed,
			Resources: s.resources,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minute.Before(out[j].Minute) })
	return out
}
