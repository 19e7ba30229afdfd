// Package summarize turns an enriched session into a word-bounded narrative.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"EventLens/internal/config"
	"EventLens/internal/events"
	"EventLens/internal/metrics"
	"EventLens/internal/retry"
	"EventLens/internal/runtime"
)

// State is a step of one summarization request.
type State int

const (
	StatePacking State = iota
	StatePrompting
	StateGenerating
	StateSucceeded
	StateFallback
)

func (s State) String() string {
	switch s {
	case StatePacking:
		return "PACKING"
	case StatePrompting:
		return "PROMPTING"
	case StateGenerating:
		return "GENERATING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFallback:
		return "FALLBACK"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := StatePacking; st <= StateFallback; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("summarize: unknown state %q", b)
}

// Narrative is the result of Summarize. State is always terminal.
type Narrative struct {
	Text  string `json:"text"`
	State State  `json:"state"`
	Words int    `json:"words"`
	// Truncated is set when the prompt did not carry the whole session.
	Truncated bool `json:"truncated"`
	// Clamped is set when the model's output was cut to the word ceiling.
	Clamped         bool   `json:"clamped"`
	TemplateVersion string `json:"template_version"`
	// Reason explains a fallback.
	Reason string `json:"reason,omitempty"`
}

// Generator is the generative boundary; runtime.Manager satisfies it.
type Generator interface {
	Generate(ctx context.Context, req runtime.Request) (runtime.Response, error)
}

// Options configures a Summarizer.
type Options struct {
	// MaxWords applies when a caller passes a non-positive ceiling.
	MaxWords        int
	TemplateVersion string
	Temperature     float64
	Timeout         time.Duration
	// Retry governs rate-limited generation attempts.
	Retry   retry.Policy
	Pack    PackOptions
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// OptionsFromConfig maps the summarizer section of the configuration.
func OptionsFromConfig(cfg config.SummarizerConfig) Options {
	return Options{
		MaxWords:        cfg.MaxWords,
		TemplateVersion: cfg.TemplateVersion,
		Temperature:     cfg.Temperature,
		Timeout:         config.DurationOr(cfg.Timeout, 60*time.Second),
		Retry:           retry.Once(500 * time.Millisecond),
		Pack: PackOptions{
			TokenBudget:      cfg.TokenBudget,
			MaxProperties:    cfg.MaxProperties,
			DescriptionChars: cfg.DescriptionChars,
			SalientKeys:      append([]string(nil), cfg.SalientKeys...),
			Counter:          NewTokenCounter(cfg.Encoding),
		},
	}
}

type Summarizer struct {
	gen      Generator
	packer   *Packer
	tmpl     *template.Template
	version  string
	maxWords int
	temp     float64
	timeout  time.Duration
	retry    retry.Policy
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New builds a Summarizer. An unknown template version is an error. A nil
// generator is allowed and makes every narrative a fallback.
func New(gen Generator, opts Options) (*Summarizer, error) {
	version := opts.TemplateVersion
	if version == "" {
		version = "v1"
	}
	tmpl, err := lookupTemplate(version)
	if err != nil {
		return nil, err
	}
	if opts.MaxWords <= 0 {
		opts.MaxWords = 200
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{
		gen:      gen,
		packer:   NewPacker(opts.Pack),
		tmpl:     tmpl,
		version:  version,
		maxWords: opts.MaxWords,
		temp:     opts.Temperature,
		timeout:  opts.Timeout,
		retry:    opts.Retry,
		logger:   logger.Named("summarize"),
		metrics:  opts.Metrics,
	}, nil
}

// Summarize never fails: any generation problem yields the deterministic
// fallback narrative. The returned text has at most maxWords words.
func (s *Summarizer) Summarize(ctx context.Context, evs []events.EnrichedEvent, maxWords int) Narrative {
	if maxWords <= 0 {
		maxWords = s.maxWords
	}
	n := s.summarize(ctx, evs, maxWords)
	n.TemplateVersion = s.version
	n.Words = len(strings.Fields(n.Text))
	s.metrics.Narrative(n.State.String(), n.Words)
	s.logger.Debug("narrative ready",
		zap.Stringer("state", n.State),
		zap.Int("words", n.Words),
		zap.Int("events", len(evs)),
		zap.Bool("truncated", n.Truncated),
		zap.String("reason", n.Reason),
	)
	return n
}

func (s *Summarizer) summarize(ctx context.Context, evs []events.EnrichedEvent, maxWords int) Narrative {
	s.enter(StatePacking)
	packed := s.packer.Pack(evs)
	if len(evs) == 0 {
		return s.fallback(evs, maxWords, packed, "empty session")
	}

	s.enter(StatePrompting)
	prompt, err := renderPrompt(s.tmpl, packed, maxWords)
	if err != nil {
		return s.fallback(evs, maxWords, packed, err.Error())
	}

	s.enter(StateGenerating)
	if s.gen == nil {
		return s.fallback(evs, maxWords, packed, "no generator configured")
	}
	text, err := s.generate(ctx, prompt, maxWords)
	if err != nil {
		return s.fallback(evs, maxWords, packed, err.Error())
	}
	clamped, cut := ClampWords(text, maxWords)
	if clamped == "" {
		return s.fallback(evs, maxWords, packed, "model returned no text")
	}
	return Narrative{Text: clamped, State: StateSucceeded, Truncated: packed.Truncated(), Clamped: cut}
}

func (s *Summarizer) generate(ctx context.Context, prompt string, maxWords int) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	req := runtime.Request{
		Prompt: prompt,
		Options: runtime.GenerationOptions{
			MaxTokens:   maxTokensFor(maxWords),
			Temperature: s.temp,
		},
	}

	var text string
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		resp, err := s.gen.Generate(ctx, req)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(resp.Text)
		return nil
	}, func(err error) bool {
		return errors.Is(err, runtime.ErrRateLimited)
	})
	return text, err
}

func (s *Summarizer) fallback(evs []events.EnrichedEvent, maxWords int, packed Packed, reason string) Narrative {
	text, _ := ClampWords(Fallback(evs), maxWords)
	s.logger.Info("using fallback narrative", zap.String("reason", reason))
	return Narrative{Text: text, State: StateFallback, Truncated: packed.Truncated(), Reason: reason}
}

func (s *Summarizer) enter(state State) {
	s.logger.Debug("summarizer state", zap.Stringer("state", state))
}

// maxTokensFor leaves room for roughly 1.4 tokens per English word.
func maxTokensFor(words int) int {
	return int(math.Ceil(float64(words)*1.4)) + 16
}

// ClampWords cuts text to at most max whitespace-separated words. It reports
// whether anything was removed.
func ClampWords(text string, max int) (string, bool) {
	text = strings.TrimSpace(text)
	if max <= 0 {
		return "", text != ""
	}
	words := strings.Fields(text)
	if len(words) <= max {
		return text, false
	}
	kept := strings.Join(words[:max], " ")
	kept = strings.TrimRight(kept, ",;:-")
	if !strings.HasSuffix(kept, ".") {
		kept += "..."
	}
	return kept, true
}
