package summarize

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// Prompt templates are keyed by version. A released version is never edited;
// wording changes ship as a new version selected through configuration.
var templates = map[string]*template.Template{
	"v1": template.Must(template.New("v1").Parse(promptV1)),
}

const promptV1 = `You summarize one user's session in a product analytics tool.
Write a single plain paragraph of at most {{.MaxWords}} words describing what the user did, in chronological order.
Use the descriptions given below to explain events. An event with description=none has no known meaning: you may name it, but do not guess what it does.
{{- if .Note}}
{{.Note}}
{{- end}}

Session {{.DistinctID}}: {{.TotalEvents}} events in {{.TotalRuns}} groups, oldest first.
{{range .Runs}}{{.Line}}
{{end}}
Summary in at most {{.MaxWords}} words:`

type promptData struct {
	Packed
	Note     string
	MaxWords int
}

// TemplateVersions lists the known prompt template versions.
func TemplateVersions() []string {
	out := make([]string, 0, len(templates))
	for v := range templates {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func lookupTemplate(version string) (*template.Template, error) {
	t, ok := templates[version]
	if !ok {
		return nil, fmt.Errorf("summarize: unknown template version %q (known: %s)", version, strings.Join(TemplateVersions(), ", "))
	}
	return t, nil
}

func renderPrompt(t *template.Template, p Packed, maxWords int) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, promptData{Packed: p, Note: p.Note(), MaxWords: maxWords}); err != nil {
		return "", fmt.Errorf("summarize: render %s: %w", t.Name(), err)
	}
	return b.String(), nil
}
