package bench

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"EventLens/internal/events"
	"EventLens/internal/pipeline"
	"EventLens/internal/summarize"
)

func TestComputeFloatStats(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		s := computeFloatStats(nil)
		if s.Min != 0 || s.Max != 0 || s.Mean != 0 {
			t.Errorf("expected zero stats for empty input, got %+v", s)
		}
	})

	t.Run("unsorted input", func(t *testing.T) {
		s := computeFloatStats([]float64{50, 10, 30, 20, 40})
		if s.Min != 10 || s.Max != 50 || s.Mean != 30 || s.Median != 30 {
			t.Errorf("stats wrong: %+v", s)
		}
	})

	t.Run("even count median", func(t *testing.T) {
		s := computeFloatStats([]float64{10, 20, 30, 40})
		if s.Median != 25 {
			t.Errorf("Median = %f, want 25", s.Median)
		}
	})
}

func TestComputeDurationStats(t *testing.T) {
	s := computeDurationStats([]time.Duration{300 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond})
	if s.Min != 100*time.Millisecond || s.Max != 300*time.Millisecond {
		t.Errorf("Min=%v Max=%v", s.Min, s.Max)
	}
	if s.Mean != 200*time.Millisecond || s.Median != 200*time.Millisecond {
		t.Errorf("Mean=%v Median=%v, want 200ms", s.Mean, s.Median)
	}
	if s.P95 != 300*time.Millisecond {
		t.Errorf("P95 = %v, want 300ms", s.P95)
	}
}

func TestPercentileIndex(t *testing.T) {
	tests := []struct {
		n, pct, want int
	}{
		{0, 95, 0},
		{1, 95, 0},
		{5, 95, 4},
		{10, 50, 4},
		{100, 95, 94},
		{20, 95, 18},
	}
	for _, tt := range tests {
		if got := percentileIndex(tt.n, tt.pct); got != tt.want {
			t.Errorf("percentileIndex(%d, %d) = %d, want %d", tt.n, tt.pct, got, tt.want)
		}
	}
}

func TestSummarizeSessionCacheSpeedup(t *testing.T) {
	results := []IterationResult{
		{DistinctID: "u1", Cold: true, Events: 4, Described: 3, Enrich: 200 * time.Millisecond, Summarize: time.Second, State: "SUCCEEDED", Words: 40},
		{DistinctID: "u1", Events: 4, Described: 3, Enrich: 50 * time.Millisecond, Summarize: time.Second, State: "SUCCEEDED", Words: 42},
		{DistinctID: "u1", Events: 4, Error: "boom"},
		{DistinctID: "u2", Events: 1},
	}

	s := summarizeSession("u1", results)
	if s.Iterations != 2 || s.Errors != 1 {
		t.Fatalf("Iterations=%d Errors=%d, want 2 and 1", s.Iterations, s.Errors)
	}
	// (200-50)/200 = 75%
	if s.CacheSpeedup != 75.0 {
		t.Errorf("CacheSpeedup = %f, want 75", s.CacheSpeedup)
	}
	if s.Coverage != 0.75 {
		t.Errorf("Coverage = %f, want 0.75", s.Coverage)
	}
	if s.States["SUCCEEDED"] != 2 {
		t.Errorf("States = %v", s.States)
	}
	if s.Words.Mean != 41 {
		t.Errorf("Words.Mean = %f, want 41", s.Words.Mean)
	}
}

type fakeService struct {
	enrichCalls int
	failFirst   bool
}

func (f *fakeService) Enrich(_ context.Context, s events.Session) ([]events.EnrichedEvent, error) {
	f.enrichCalls++
	if f.failFirst && f.enrichCalls == 1 {
		return nil, errors.New("index unavailable")
	}
	desc := "described"
	out := make([]events.EnrichedEvent, len(s.Events))
	for i, ev := range s.Events {
		out[i] = events.EnrichedEvent{Record: ev}
		if i == 0 {
			out[i].Description = &desc
		}
	}
	return out, nil
}

func (f *fakeService) Summarize(ctx context.Context, s events.Session, maxWords int) (pipeline.Result, error) {
	evs, err := f.Enrich(ctx, s)
	if err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{
		DistinctID: s.DistinctID,
		Events:     evs,
		Narrative:  summarize.Narrative{Text: "ok", State: summarize.StateFallback, Words: 1},
	}, nil
}

func TestRunnerRun(t *testing.T) {
	sessions := []events.Session{
		events.NewSession("u1", []events.Record{{Name: "a", Timestamp: 1}, {Name: "b", Timestamp: 2}}),
		events.NewSession("u2", []events.Record{{Name: "c", Timestamp: 3}}),
	}
	path := filepath.Join(t.TempDir(), "out", "bench.json")
	svc := &fakeService{failFirst: true}

	report, err := NewRunner(svc, Config{Iterations: 2, OutputPath: path}, nil).Run(context.Background(), sessions)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Summaries) != 2 || len(report.Raw) != 4 {
		t.Fatalf("got %d summaries and %d raw results", len(report.Summaries), len(report.Raw))
	}
	u1 := report.Summaries[0]
	if u1.Errors != 1 || u1.Iterations != 1 {
		t.Errorf("u1 Errors=%d Iterations=%d, want 1 and 1", u1.Errors, u1.Iterations)
	}
	if u1.Coverage != 0.5 {
		t.Errorf("u1 Coverage = %f, want 0.5", u1.Coverage)
	}
	if report.Summaries[1].States["FALLBACK"] != 2 {
		t.Errorf("u2 States = %v", report.Summaries[1].States)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	var saved Report
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(saved.Summaries) != 2 || saved.Config.Iterations != 2 {
		t.Errorf("saved report = %+v", saved.Config)
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner(&fakeService{}, DefaultConfig(), nil).Run(ctx, []events.Session{events.NewSession("u", nil)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
