// Package bench measures enrichment and summarization latency over recorded
// sessions. It drives anything that can enrich and summarize a session, so
// the same run works against a local pipeline or a remote server.
package bench

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"EventLens/internal/events"
	"EventLens/internal/pipeline"
)

// Service is what the runner exercises.
type Service interface {
	Enrich(ctx context.Context, s events.Session) ([]events.EnrichedEvent, error)
	Summarize(ctx context.Context, s events.Session, maxWords int) (pipeline.Result, error)
}

// Config controls the benchmark parameters.
type Config struct {
	// Iterations is how many times each session is run. The first run of a
	// session sees a cold description cache.
	Iterations int `json:"iterations"`
	// MaxWords is passed to Summarize; zero uses the service default.
	MaxWords int `json:"max_words"`
	// OutputPath is the optional JSON file to write results to.
	OutputPath string `json:"-"`
	Verbose    bool   `json:"-"`
}

func DefaultConfig() Config {
	return Config{Iterations: 3}
}

// IterationResult captures one enrich plus summarize pass over a session.
type IterationResult struct {
	DistinctID string        `json:"distinct_id"`
	Iteration  int           `json:"iteration"`
	Cold       bool          `json:"cold"`
	Events     int           `json:"events"`
	Described  int           `json:"described"`
	Enrich     time.Duration `json:"enrich_ns"`
	Summarize  time.Duration `json:"summarize_ns"`
	State      string        `json:"state,omitempty"`
	Words      int           `json:"words"`
	RSSBytes   int64         `json:"rss_bytes"`
	Error      string        `json:"error,omitempty"`
}

// SessionSummary aggregates the iterations of one session.
type SessionSummary struct {
	DistinctID string        `json:"distinct_id"`
	Events     int           `json:"events"`
	Iterations int           `json:"iterations"`
	Errors     int           `json:"errors"`
	ColdEnrich time.Duration `json:"cold_enrich_ns"`
	WarmEnrich DurationStats `json:"warm_enrich"`
	Summarize  DurationStats `json:"summarize"`
	Words      FloatStats    `json:"words"`
	// Coverage is the fraction of events that received a description.
	Coverage     float64        `json:"coverage"`
	CacheSpeedup float64        `json:"cache_speedup_pct,omitempty"`
	States       map[string]int `json:"states"`
	PeakRSSBytes int64          `json:"peak_rss_bytes"`
}

// Report is the top-level result container.
type Report struct {
	Timestamp time.Time         `json:"timestamp"`
	Config    Config            `json:"config"`
	Summaries []SessionSummary  `json:"summaries"`
	Raw       []IterationResult `json:"raw_results,omitempty"`
}

// Runner executes benchmarks against a Service.
type Runner struct {
	svc Service
	cfg Config
	out io.Writer
}

// NewRunner creates a benchmark runner printing progress to out.
func NewRunner(svc Service, cfg Config, out io.Writer) *Runner {
	if cfg.Iterations <= 0 {
		cfg.Iterations = DefaultConfig().Iterations
	}
	if out == nil {
		out = io.Discard
	}
	return &Runner{svc: svc, cfg: cfg, out: out}
}

// Run benchmarks every session in turn and returns the report. Per-iteration
// failures are recorded, not returned; only cancellation stops the run.
func (r *Runner) Run(ctx context.Context, sessions []events.Session) (*Report, error) {
	report := &Report{Timestamp: time.Now(), Config: r.cfg}

	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		fmt.Fprintf(r.out, "\n--- Session: %s (%d events) ---\n", s.DistinctID, s.Len())

		var results []IterationResult
		for i := 0; i < r.cfg.Iterations; i++ {
			res := r.runOnce(ctx, s, i)
			results = append(results, res)
			if r.cfg.Verbose {
				fmt.Fprintf(r.out, "  iteration %d: enrich=%v summarize=%v state=%s words=%d %s\n",
					i+1, res.Enrich.Round(time.Millisecond), res.Summarize.Round(time.Millisecond),
					res.State, res.Words, res.Error)
			}
		}
		report.Raw = append(report.Raw, results...)
		summary := summarizeSession(s.DistinctID, results)
		report.Summaries = append(report.Summaries, summary)
		printSummary(r.out, summary)
	}

	if r.cfg.OutputPath != "" {
		if err := saveReport(report, r.cfg.OutputPath); err != nil {
			fmt.Fprintf(r.out, "Warning: failed to save report: %v\n", err)
		} else {
			fmt.Fprintf(r.out, "\nResults saved to %s\n", r.cfg.OutputPath)
		}
	}
	return report, nil
}

func (r *Runner) runOnce(ctx context.Context, s events.Session, iteration int) IterationResult {
	res := IterationResult{
		DistinctID: s.DistinctID,
		Iteration:  iteration,
		Cold:       iteration == 0,
		Events:     s.Len(),
	}

	start := time.Now()
	evs, err := r.svc.Enrich(ctx, s)
	res.Enrich = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	for _, ev := range evs {
		if ev.Described() {
			res.Described++
		}
	}

	start = time.Now()
	out, err := r.svc.Summarize(ctx, s, r.cfg.MaxWords)
	res.Summarize = time.Since(start)
	res.RSSBytes = readRSS()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.State = out.Narrative.State.String()
	res.Words = out.Narrative.Words
	return res
}

func summarizeSession(distinctID string, results []IterationResult) SessionSummary {
	results = filterSession(results, distinctID)
	summary := SessionSummary{DistinctID: distinctID, States: map[string]int{}}
	if len(results) > 0 {
		summary.Events = results[0].Events
	}

	valid := filterValid(results)
	summary.Iterations = len(valid)
	summary.Errors = len(results) - len(valid)
	if len(valid) == 0 {
		return summary
	}

	var warm, gen []time.Duration
	var words []float64
	for _, r := range valid {
		if r.Cold {
			summary.ColdEnrich = r.Enrich
		} else {
			warm = append(warm, r.Enrich)
		}
		gen = append(gen, r.Summarize)
		words = append(words, float64(r.Words))
		summary.States[r.State]++
		if r.RSSBytes > summary.PeakRSSBytes {
			summary.PeakRSSBytes = r.RSSBytes
		}
	}
	summary.WarmEnrich = computeDurationStats(warm)
	summary.Summarize = computeDurationStats(gen)
	summary.Words = computeFloatStats(words)
	if valid[0].Events > 0 {
		summary.Coverage = float64(valid[0].Described) / float64(valid[0].Events)
	}

	if summary.ColdEnrich > 0 && len(warm) > 0 {
		improvement := float64(summary.ColdEnrich-summary.WarmEnrich.Mean) / float64(summary.ColdEnrich) * 100
		summary.CacheSpeedup = math.Round(improvement*10) / 10
	}
	return summary
}

func printSummary(w io.Writer, s SessionSummary) {
	fmt.Fprintf(w, "  Enrich:    cold=%v  warm avg=%v  p95=%v\n",
		s.ColdEnrich.Round(time.Millisecond),
		s.WarmEnrich.Mean.Round(time.Millisecond),
		s.WarmEnrich.P95.Round(time.Millisecond))
	fmt.Fprintf(w, "  Summarize: min=%v  avg=%v  p95=%v\n",
		s.Summarize.Min.Round(time.Millisecond),
		s.Summarize.Mean.Round(time.Millisecond),
		s.Summarize.P95.Round(time.Millisecond))
	fmt.Fprintf(w, "  Words:     avg=%.0f  max=%.0f\n", s.Words.Mean, s.Words.Max)
	fmt.Fprintf(w, "  Coverage:  %.0f%% of events described\n", s.Coverage*100)
	for _, state := range []string{"SUCCEEDED", "FALLBACK"} {
		if n := s.States[state]; n > 0 {
			fmt.Fprintf(w, "  %-10s %d\n", strings.ToLower(state)+":", n)
		}
	}
	if s.CacheSpeedup != 0 {
		fmt.Fprintf(w, "  Cache:     enrich improvement=%.1f%%\n", s.CacheSpeedup)
	}
	if s.PeakRSSBytes > 0 {
		fmt.Fprintf(w, "  RSS:       peak=%.1f MB\n", float64(s.PeakRSSBytes)/(1024*1024))
	}
	if s.Errors > 0 {
		fmt.Fprintf(w, "  Errors:    %d/%d\n", s.Errors, s.Iterations+s.Errors)
	}
}

func saveReport(report *Report, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// readRSS returns the resident set size in bytes from /proc/self/status, or
// 0 where that file does not exist.
func readRSS() int64 {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "VmRSS:" {
			kb, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0
			}
			return kb * 1024
		}
	}
	return 0
}
