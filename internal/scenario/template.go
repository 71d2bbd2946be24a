package scenario

import (
	"fmt"
	"maps"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// TemplateData is available to step templates.
type TemplateData struct {
	// Scenario is the scenario name
	Scenario string
	// Worker is the 1-based index of the worker running the step
	Worker int
	// Iteration is the 1-based repetition of the steps
	Iteration int
	// Vars holds scenario and run variables and stored step output
	Vars map[string]string
}

func parseTemplate(text string) (*template.Template, error) {
	t, err := template.New("step").
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}
	return t, nil
}

// Render expands a step template.
func Render(text string, data TemplateData) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := parseTemplate(text)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return b.String(), nil
}

// mergeVars returns a new map with later maps taking precedence.
func mergeVars(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, l := range layers {
		maps.Copy(out, l)
	}
	return out
}
