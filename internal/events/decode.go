package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformed is returned when an event document cannot be decoded.
var ErrMalformed = errors.New("events: malformed event")

// millisecond timestamps are anything past this many seconds (year 33658).
const msThreshold = 1e12

// wireEvent accepts both the native shape and the Mixpanel export shape.
type wireEvent struct {
	Name       string         `json:"name"`
	Event      string         `json:"event"`
	Timestamp  *float64       `json:"timestamp"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties"`
}

// Decode reads events from r. The input may be a JSON array or a stream of
// JSON objects (JSON lines). Each object is either
//
//	{"name": .., "timestamp": .., "distinct_id": .., "properties": {..}}
//
// or the Mixpanel export form
//
//	{"event": .., "properties": {"time": .., "distinct_id": .., ..}}
func Decode(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()

	var out []Record
	if first == '[' {
		var raws []wireEvent
		if err := dec.Decode(&raws); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		for i, raw := range raws {
			rec, err := raw.record()
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
			out = append(out, rec)
		}
		return out, nil
	}

	for i := 0; ; i++ {
		var raw wireEvent
		err := dec.Decode(&raw)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: event %d: %v", ErrMalformed, i, err)
		}
		rec, err := raw.record()
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// DecodeSessions decodes r and groups the events per distinct id.
func DecodeSessions(r io.Reader) ([]Session, error) {
	records, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return GroupSessions(records), nil
}

// GroupSessions splits records by distinct id. Sessions appear in order of
// each user's first record.
func GroupSessions(records []Record) []Session {
	index := make(map[string]int)
	var ids []string
	var groups [][]Record
	for _, rec := range records {
		i, ok := index[rec.DistinctID]
		if !ok {
			i = len(groups)
			index[rec.DistinctID] = i
			ids = append(ids, rec.DistinctID)
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}
	sessions := make([]Session, len(groups))
	for i := range groups {
		sessions[i] = NewSession(ids[i], groups[i])
	}
	return sessions
}

func (w wireEvent) record() (Record, error) {
	name := strings.TrimSpace(w.Name)
	if name == "" {
		name = strings.TrimSpace(w.Event)
	}
	if name == "" {
		return Record{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}

	raw := make(map[string]any, len(w.Properties))
	for k, v := range w.Properties {
		raw[k] = v
	}

	rec := Record{Name: name, DistinctID: w.DistinctID}
	if w.Timestamp != nil {
		rec.Timestamp = *w.Timestamp
	} else if t, ok := raw["time"]; ok {
		ts, err := toFloat(t)
		if err != nil {
			return Record{}, fmt.Errorf("%w: time: %v", ErrMalformed, err)
		}
		rec.Timestamp = ts
		delete(raw, "time")
	}
	if rec.Timestamp > msThreshold {
		rec.Timestamp /= 1000
	}
	if rec.DistinctID == "" {
		if id, ok := raw["distinct_id"]; ok {
			rec.DistinctID = fmt.Sprint(id)
			delete(raw, "distinct_id")
		}
	}

	props, err := PropertiesFromMap(raw)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(props) > 0 {
		rec.Properties = props
	}
	return rec, nil
}

func toFloat(x any) (float64, error) {
	switch t := x.(type) {
	case json.Number:
		return t.Float64()
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("unexpected %T", x)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if bytes.IndexByte([]byte(" \t\r\n"), b) >= 0 {
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}
