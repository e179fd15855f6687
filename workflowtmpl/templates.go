// Package workflowtmpl loads named workflow templates from a YAML file.
// A template pre-declares the ordered steps for a workflow type so API
// callers can create a workflow by type alone.
package workflowtmpl

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/approvalflow/orchestrator/engine"
	"github.com/approvalflow/orchestrator/model"
)

// Template is one named workflow definition.
type Template struct {
	Name  string         `yaml:"name"`
	Steps []TemplateStep `yaml:"steps"`
}

// TemplateStep is one step in a template. Input is arbitrary YAML,
// re-encoded to JSON when the template is instantiated.
type TemplateStep struct {
	Type    string                 `yaml:"type"`
	Handler string                 `yaml:"handler"`
	Input   map[string]interface{} `yaml:"input"`
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// Load reads path and returns the templates keyed by name.
func Load(path string) (map[string]Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflowtmpl: read %s: %w", path, err)
	}
	var f templateFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("workflowtmpl: parse %s: %w", path, err)
	}

	out := make(map[string]Template, len(f.Templates))
	for _, t := range f.Templates {
		if t.Name == "" {
			return nil, fmt.Errorf("workflowtmpl: template without a name in %s", path)
		}
		for i, s := range t.Steps {
			switch model.StepType(s.Type) {
			case model.StepTypeTask, model.StepTypeApproval:
			default:
				return nil, fmt.Errorf("workflowtmpl: template %q step %d: unknown type %q", t.Name, i, s.Type)
			}
		}
		out[t.Name] = t
	}
	return out, nil
}

// StepSpecs converts the template's steps into engine step specs.
func (t Template) StepSpecs() ([]engine.StepSpec, error) {
	specs := make([]engine.StepSpec, 0, len(t.Steps))
	for i, s := range t.Steps {
		input := json.RawMessage(`{}`)
		if s.Input != nil {
			b, err := json.Marshal(s.Input)
			if err != nil {
				return nil, fmt.Errorf("workflowtmpl: template %q step %d input: %w", t.Name, i, err)
			}
			input = b
		}
		specs = append(specs, engine.StepSpec{
			Type:        model.StepType(s.Type),
			TaskHandler: s.Handler,
			TaskInput:   input,
		})
	}
	return specs, nil
}
