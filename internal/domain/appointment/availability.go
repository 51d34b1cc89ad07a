package appointment

import (
	"sort"
	"time"
)

// ResolveSlots slices the working window into bookable slots of exactly
// total length, stepping at the clinic granularity. A candidate start
// survives when the window [t, t+total) fits inside the working interval and
// touches no busy interval of the doctor or any participant. Each surviving
// slot then collects the rooms whose own busy set leaves it free; slots with
// no free room are dropped.
//
// Pure function: callers fetch the inputs, nothing here touches storage.
func ResolveSlots(window Interval, staffBusy []Interval, roomBusy map[string][]Interval, total, step time.Duration) []Slot {
	if total <= 0 || step <= 0 || !window.Start.Before(window.End) {
		return nil
	}

	busy := mergeIntervals(staffBusy)

	var slots []Slot
	for t := window.Start; !t.Add(total).After(window.End); t = t.Add(step) {
		candidate := Interval{Start: t, End: t.Add(total)}
		if overlapsAny(candidate, busy) {
			continue
		}

		var rooms []string
		for code, intervals := range roomBusy {
			if !overlapsAny(candidate, intervals) {
				rooms = append(rooms, code)
			}
		}
		if len(rooms) == 0 {
			continue
		}
		sort.Strings(rooms)

		slots = append(slots, Slot{Start: candidate.Start, End: candidate.End, RoomCodes: rooms})
	}
	return slots
}

func overlapsAny(candidate Interval, busy []Interval) bool {
	for _, b := range busy {
		if candidate.Overlaps(b) {
			return true
		}
	}
	return false
}

// mergeIntervals sorts and coalesces overlapping or touching intervals so
// the scan does fewer comparisons.
func mergeIntervals(in []Interval) []Interval {
	if len(in) < 2 {
		return in
	}

	sorted := make([]Interval, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	out := sorted[:1]
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}
