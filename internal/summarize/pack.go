package summarize

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"

	"EventLens/internal/events"
)

// TokenCounter measures prompt text against the model's context budget.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	codec tokenizer.Codec
}

func (c tiktokenCounter) Count(text string) int {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return approxCounter{}.Count(text)
	}
	return len(ids)
}

// approxCounter assumes four characters per token.
type approxCounter struct{}

func (approxCounter) Count(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// NewTokenCounter returns a tiktoken counter for encoding, or a
// characters/4 estimate when the encoding is unknown.
func NewTokenCounter(encoding string) TokenCounter {
	if encoding == "" {
		encoding = string(tokenizer.Cl100kBase)
	}
	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return approxCounter{}
	}
	return tiktokenCounter{codec: codec}
}

// Prop is one property kept for the prompt.
type Prop struct {
	Key   string
	Value string
}

// Run is a maximal stretch of consecutive events sharing one name.
type Run struct {
	// Index is the 1-based chronological position among all runs.
	Index       int
	Name        string
	Description string
	Described   bool
	Count       int
	Start       time.Time
	End         time.Time
	Props       []Prop
	Line        string
}

// Packed is the budget-bounded view of a session handed to the prompt.
type Packed struct {
	DistinctID string
	// Runs holds the kept runs in chronological order.
	Runs                []Run
	TotalRuns           int
	TotalEvents         int
	OmittedRuns         int
	OmittedEvents       int
	TrimmedProperties   bool
	ClippedDescriptions bool
	Tokens              int
}

// Truncated reports whether anything was left out or shortened.
func (p Packed) Truncated() bool {
	return p.OmittedRuns > 0 || p.TrimmedProperties || p.ClippedDescriptions
}

// Note is the truncation notice for the prompt, empty when nothing was cut.
func (p Packed) Note() string {
	if !p.Truncated() {
		return ""
	}
	var parts []string
	if p.OmittedRuns > 0 {
		parts = append(parts, fmt.Sprintf("%d of %d event groups (%d of %d events) were omitted to fit the input budget (gaps in the numbering show where)",
			p.OmittedRuns, p.TotalRuns, p.OmittedEvents, p.TotalEvents))
	}
	if p.TrimmedProperties {
		parts = append(parts, "property lists were shortened")
	}
	if p.ClippedDescriptions {
		parts = append(parts, "long descriptions were clipped")
	}
	return "NOTE: this list is incomplete: " + strings.Join(parts, "; ") + ". Do not describe the session as complete."
}

// PackOptions controls which parts of a session reach the prompt.
type PackOptions struct {
	// TokenBudget caps the tokens spent on event lines.
	TokenBudget      int
	MaxProperties    int
	DescriptionChars int
	// SalientKeys are preferred, in order, when choosing properties.
	SalientKeys []string
	Counter     TokenCounter
}

// Packer selects and serialises runs under a token budget.
type Packer struct {
	opts PackOptions
}

func NewPacker(opts PackOptions) *Packer {
	if opts.Counter == nil {
		opts.Counter = approxCounter{}
	}
	if opts.MaxProperties < 0 {
		opts.MaxProperties = 0
	}
	return &Packer{opts: opts}
}

// Pack collapses evs into runs, ranks them, keeps as many as the budget
// allows and returns the survivors in chronological order. The result
// depends only on evs and the options.
func (p *Packer) Pack(evs []events.EnrichedEvent) Packed {
	runs, trimmed, clipped := p.collapse(evs)
	out := Packed{TotalRuns: len(runs), TotalEvents: len(evs)}
	if len(evs) > 0 {
		out.DistinctID = evs[0].DistinctID
	}

	keep := make([]bool, len(runs))
	used := 0
	for _, i := range priorityOrder(runs) {
		cost := p.opts.Counter.Count(runs[i].Line + "\n")
		if p.opts.TokenBudget > 0 && used+cost > p.opts.TokenBudget {
			continue
		}
		keep[i] = true
		used += cost
	}

	for i, r := range runs {
		if !keep[i] {
			out.OmittedRuns++
			out.OmittedEvents += r.Count
			continue
		}
		out.Runs = append(out.Runs, r)
		out.TrimmedProperties = out.TrimmedProperties || trimmed[i]
		out.ClippedDescriptions = out.ClippedDescriptions || clipped[i]
	}
	out.Tokens = used
	return out
}

func (p *Packer) collapse(evs []events.EnrichedEvent) (runs []Run, trimmed, clipped []bool) {
	for i := 0; i < len(evs); {
		j := i + 1
		for j < len(evs) && evs[j].Name == evs[i].Name {
			j++
		}
		first, last := evs[i], evs[j-1]
		r := Run{
			Index:     len(runs) + 1,
			Name:      first.Name,
			Described: first.Described(),
			Count:     j - i,
			Start:     first.Time(),
			End:       last.Time(),
		}
		var clip bool
		if r.Described {
			r.Description, clip = clipText(*first.Description, p.opts.DescriptionChars)
		}
		var trim bool
		r.Props, trim = p.selectProps(first.Properties)
		// The run line shows the first event's properties only.
		for k := i + 1; k < j && !trim; k++ {
			trim = !sameProperties(first.Properties, evs[k].Properties)
		}
		r.Line = formatRun(r)

		runs = append(runs, r)
		trimmed = append(trimmed, trim)
		clipped = append(clipped, clip)
		i = j
	}
	return runs, trimmed, clipped
}

// selectProps keeps at most MaxProperties non-null properties: salient keys
// in their configured order, then the rest lexically.
func (p *Packer) selectProps(props events.Properties) ([]Prop, bool) {
	if len(props) == 0 {
		return nil, false
	}
	var ordered []string
	seen := make(map[string]struct{}, len(props))
	for _, k := range p.opts.SalientKeys {
		if v, ok := props[k]; ok && !v.IsNull() {
			if _, dup := seen[k]; !dup {
				ordered = append(ordered, k)
				seen[k] = struct{}{}
			}
		}
	}
	for _, k := range props.Keys() {
		if _, ok := seen[k]; ok || props[k].IsNull() {
			continue
		}
		ordered = append(ordered, k)
	}

	trimmed := len(ordered) > p.opts.MaxProperties
	if trimmed {
		ordered = ordered[:p.opts.MaxProperties]
	}
	out := make([]Prop, 0, len(ordered))
	for _, k := range ordered {
		v, _ := clipText(props[k].String(), p.opts.DescriptionChars)
		out = append(out, Prop{Key: k, Value: v})
	}
	return out, trimmed
}

func sameProperties(a, b events.Properties) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}

func clipText(s string, limit int) (string, bool) {
	s = strings.TrimSpace(s)
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:limit])) + "...", true
}

// formatRun renders one line of the event list:
//
//	3. time=2024-05-01T10:00:00Z event=app_open repeat=2 description="User opened the app" props="platform=ios; $os=iOS"
func formatRun(r Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d. time=%s event=%s", r.Index, r.Start.Format(time.RFC3339), r.Name)
	if r.Count > 1 {
		fmt.Fprintf(&b, " repeat=%d until=%s", r.Count, r.End.Format(time.RFC3339))
	}
	if r.Described {
		b.WriteString(" description=")
		b.WriteString(strconv.Quote(r.Description))
	} else {
		b.WriteString(" description=none")
	}
	if len(r.Props) > 0 {
		pairs := make([]string, len(r.Props))
		for i, p := range r.Props {
			pairs[i] = p.Key + "=" + p.Value
		}
		b.WriteString(" props=")
		b.WriteString(strconv.Quote(strings.Join(pairs, "; ")))
	}
	return b.String()
}

// priorityOrder ranks runs for inclusion: the first and last run, then
// described runs, then undescribed ones. Within a tier runs are spread over
// the timeline by breadth-first midpoint order.
func priorityOrder(runs []Run) []int {
	n := len(runs)
	if n == 0 {
		return nil
	}
	order := []int{0}
	if n > 1 {
		order = append(order, n-1)
	}
	var described, bare []int
	for i := 1; i < n-1; i++ {
		if runs[i].Described {
			described = append(described, i)
		} else {
			bare = append(bare, i)
		}
	}
	order = append(order, spread(described)...)
	return append(order, spread(bare)...)
}

func spread(idx []int) []int {
	type span struct{ lo, hi int }
	out := make([]int, 0, len(idx))
	queue := []span{{0, len(idx)}}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		if s.lo >= s.hi {
			continue
		}
		mid := (s.lo + s.hi) / 2
		out = append(out, idx[mid])
		queue = append(queue, span{s.lo, mid}, span{mid + 1, s.hi})
	}
	return out
}
