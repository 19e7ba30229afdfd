package subcommands

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"EventLens/internal/summarize"
)

// RunConfig displays the resolved configuration.
func RunConfig(env Env) int {
	out := env.stdout()
	fmt.Fprintln(out, titleStyle.Render("=== EventLens Configuration ==="))

	data, err := yaml.Marshal(env.Config)
	if err != nil {
		return env.failf("Error marshaling config: %v", err)
	}
	fmt.Fprintln(out, string(data))
	fmt.Fprintln(out, statsStyle.Render(fmt.Sprintf("prompt templates: %v", summarize.TemplateVersions())))
	return 0
}
