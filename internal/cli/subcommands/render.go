package subcommands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"EventLens/internal/catalog"
	"EventLens/internal/events"
	"EventLens/internal/pipeline"
	"EventLens/internal/summarize"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00D9FF"))

	describedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4ECDC4"))

	missingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666680")).
			Italic(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFE66D"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666680"))
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderEnriched(w io.Writer, distinctID string, evs []events.EnrichedEvent) {
	fmt.Fprintln(w, titleStyle.Render("Session "+distinctID))
	described := 0
	for _, ev := range evs {
		stamp := ev.Time().Format("2006-01-02 15:04:05")
		if ev.Described() {
			described++
			fmt.Fprintf(w, "  %s  %-28s %s\n", stamp, ev.Name, describedStyle.Render(*ev.Description))
			continue
		}
		fmt.Fprintf(w, "  %s  %-28s %s\n", stamp, ev.Name, missingStyle.Render("no description"))
	}
	fmt.Fprintln(w, statsStyle.Render(fmt.Sprintf("  %d of %d events described", described, len(evs))))
}

// narrativeMarkdown is the document glamour renders for one result.
func narrativeMarkdown(res pipeline.Result) string {
	n := res.Narrative
	var b strings.Builder
	fmt.Fprintf(&b, "## Session %s\n\n", res.DistinctID)
	b.WriteString(n.Text)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "_%d events, %d words, %s, template %s_", len(res.Events), n.Words, strings.ToLower(n.State.String()), n.TemplateVersion)
	if n.Truncated {
		b.WriteString("  \n_input was truncated to fit the model budget_")
	}
	b.WriteString("\n")
	return b.String()
}

// renderNarrative prints a result through glamour, or as plain text when
// plain is set or the terminal renderer cannot be built.
func renderNarrative(w io.Writer, res pipeline.Result, plain bool) {
	n := res.Narrative
	if !plain {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(80),
		)
		if err == nil {
			if out, err := r.Render(narrativeMarkdown(res)); err == nil {
				fmt.Fprint(w, out)
				if n.State == summarize.StateFallback && n.Reason != "" {
					fmt.Fprintln(w, warnStyle.Render("  fallback: "+n.Reason))
				}
				return
			}
		}
	}
	fmt.Fprintf(w, "Session %s\n%s\n", res.DistinctID, n.Text)
	if n.State == summarize.StateFallback && n.Reason != "" {
		fmt.Fprintf(w, "(fallback: %s)\n", n.Reason)
	}
}

func renderMatches(w io.Writer, query string, matches []catalog.Match) {
	if len(matches) == 0 {
		fmt.Fprintf(w, "No catalog entries for %q\n", query)
		return
	}
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Nearest entries for %q", query)))
	for i, m := range matches {
		fmt.Fprintf(w, "%2d. %-28s %s  %s\n", i+1, m.EventName,
			statsStyle.Render(fmt.Sprintf("(%.3f)", m.Score)), m.Description)
	}
}

func renderReport(w io.Writer, source string, rep catalog.UpsertReport) {
	fmt.Fprintln(w, titleStyle.Render("Catalog build from "+source))
	fmt.Fprintf(w, "  written: %d  unchanged: %d  skipped: %d  failed: %d\n",
		rep.Written, rep.Unchanged, rep.Skipped, len(rep.Failed))
	for _, f := range rep.Failed {
		fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("  %s: %v", f.EventName, f.Err)))
	}
}
