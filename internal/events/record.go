package events

import (
	"math"
	"sort"
	"time"
)

// Record is a single behavioural event occurrence.
type Record struct {
	Name       string     `json:"name"`
	Timestamp  float64    `json:"timestamp"`
	DistinctID string     `json:"distinct_id"`
	Properties Properties `json:"properties,omitempty"`
}

// Time converts the epoch-seconds timestamp to UTC.
func (r Record) Time() time.Time {
	sec, frac := math.Modf(r.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// Session is the ordered event stream of one user.
type Session struct {
	DistinctID string   `json:"distinct_id"`
	Events     []Record `json:"events"`
}

// NewSession copies records and orders them by timestamp. Records sharing a
// timestamp keep their source order.
func NewSession(distinctID string, records []Record) Session {
	evs := make([]Record, len(records))
	copy(evs, records)
	sort.SliceStable(evs, func(i, j int) bool {
		return evs[i].Timestamp < evs[j].Timestamp
	})
	return Session{DistinctID: distinctID, Events: evs}
}

func (s Session) Len() int { return len(s.Events) }

// Names returns the distinct event names in order of first appearance.
func (s Session) Names() []string {
	seen := make(map[string]struct{}, len(s.Events))
	out := make([]string, 0, len(s.Events))
	for _, ev := range s.Events {
		if _, ok := seen[ev.Name]; ok {
			continue
		}
		seen[ev.Name] = struct{}{}
		out = append(out, ev.Name)
	}
	return out
}

// EnrichedEvent pairs a record with its catalog description. A nil
// Description means no catalog entry met the similarity threshold.
type EnrichedEvent struct {
	Record
	Description *string `json:"description"`
}

func (e EnrichedEvent) Described() bool { return e.Description != nil }

// DescriptionOr returns the description or def when there is none.
func (e EnrichedEvent) DescriptionOr(def string) string {
	if e.Description == nil {
		return def
	}
	return *e.Description
}
