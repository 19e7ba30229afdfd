// Package catalog stores event-name descriptions alongside their embeddings
// and answers nearest-neighbour queries over them.
package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"
)

var (
	// ErrIndexUnavailable is returned when the backing index cannot be
	// reached. Queries never degrade to an empty result instead.
	ErrIndexUnavailable = errors.New("catalog index unavailable")
	// ErrNotFound is returned by Index.Get for unknown names.
	ErrNotFound = errors.New("catalog entry not found")
	// ErrBlankName marks source rows without an event name.
	ErrBlankName = errors.New("blank event name")
)

// Entry is one stored catalog row. Seq orders writes and breaks score ties.
type Entry struct {
	EventName   string
	Description string
	Embedding   []float32
	Seq         int64
	UpdatedAt   time.Time
}

// SourceEntry is an input row for Upsert.
type SourceEntry struct {
	EventName   string `json:"event_name"`
	Description string `json:"description"`
}

// Match is a scored query result.
type Match struct {
	EventName   string  `json:"event_name"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
	Seq         int64   `json:"-"`
}

// EntryFailure explains why one source row was not written.
type EntryFailure struct {
	EventName string
	Err       error
}

// UpsertReport summarizes one Upsert call.
type UpsertReport struct {
	Written   int
	Unchanged int
	Skipped   int
	Failed    []EntryFailure
}

// Index is the persistence backend of a Store. Implementations wrap
// connectivity failures in ErrIndexUnavailable.
type Index interface {
	// Get returns the stored entry or ErrNotFound.
	Get(ctx context.Context, name string) (Entry, error)
	// Put inserts or replaces the entry keyed by EventName. The embedding is
	// already normalised and Seq already assigned.
	Put(ctx context.Context, entry Entry) error
	// Nearest returns up to k matches ordered by descending score then
	// ascending Seq.
	Nearest(ctx context.Context, vec []float32, k int) ([]Match, error)
	Delete(ctx context.Context, name string) (bool, error)
	// Reset removes every entry and forgets the recorded dimension.
	Reset(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	// MaxSeq returns the highest Seq stored, or zero when empty.
	MaxSeq(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// NormalizeName turns snake_case, kebab-case, dotted and camelCase event
// names into lower-case space separated words.
func NormalizeName(name string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r == '_' || r == '-' || r == '.' || r == '/' || r == ':' || unicode.IsSpace(r):
			b.WriteByte(' ')
			prevLower = false
			continue
		case r == '$':
			continue
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte(' ')
			}
			r = unicode.ToLower(r)
			prevLower = false
		default:
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// EmbeddingText is the text embedded for a catalog row. It leads with the
// normalised name so that name-only queries land close to their entry.
func EmbeddingText(name, description string) string {
	n := NormalizeName(name)
	d := strings.TrimSpace(description)
	if d == "" {
		return n
	}
	return n + ": " + d
}

// rank orders matches by descending score, then ascending Seq, and keeps k.
func rank(matches []Match, k int) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Seq < matches[j].Seq
	})
	if k >= 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
