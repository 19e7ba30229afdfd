package summarize

import (
	"fmt"
	"strings"
	"time"

	"EventLens/internal/events"
)

// Fallback builds a narrative from counts, the first and last events and the
// most frequent event. It is deterministic and never empty.
func Fallback(evs []events.EnrichedEvent) string {
	if len(evs) == 0 {
		return "No events were recorded for this session."
	}

	counts := make(map[string]int, len(evs))
	var order []string
	described := 0
	for _, ev := range evs {
		if _, ok := counts[ev.Name]; !ok {
			order = append(order, ev.Name)
		}
		counts[ev.Name]++
		if ev.Described() {
			described++
		}
	}
	top := order[0]
	for _, name := range order[1:] {
		if counts[name] > counts[top] {
			top = name
		}
	}

	first, last := evs[0], evs[len(evs)-1]
	var b strings.Builder
	fmt.Fprintf(&b, "The session has %d %s across %d distinct event %s",
		len(evs), plural(len(evs), "event", "events"), len(order), plural(len(order), "type", "types"))
	if len(evs) == 1 {
		fmt.Fprintf(&b, ": %s at %s.", first.Name, stamp(first.Time()))
	} else {
		fmt.Fprintf(&b, ", starting with %s at %s and ending with %s at %s.",
			first.Name, stamp(first.Time()), last.Name, stamp(last.Time()))
	}
	if len(order) > 1 {
		fmt.Fprintf(&b, " The most frequent event is %s (%d %s).", top, counts[top], plural(counts[top], "time", "times"))
	}
	fmt.Fprintf(&b, " %d of %d events have a catalog description.", described, len(evs))
	return b.String()
}

func stamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05 UTC")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
