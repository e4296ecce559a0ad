package workflow

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// - a repository carries one or more workflow files
//   * .spindle/workflows/ci.yml
//   * .spindle/workflows/visual.yml
// - every file is an independent workflow, triggered on its own
// - a workflow is a graph of jobs linked by `needs`
// - a job may fan out into several instances through its matrix
// - each instance runs its steps serially

type (
	Pipeline []Workflow

	// this is simply a structural representation of the workflow file
	Workflow struct {
		Name        string       `yaml:"name"`
		File        string       `yaml:"-"` // name of the workflow file
		On          Triggers     `yaml:"on"`
		Env         Params       `yaml:"env"`
		Concurrency *Concurrency `yaml:"concurrency"`
		Jobs        Jobs         `yaml:"jobs"`
	}

	Jobs []*Job

	Job struct {
		ID              string      `yaml:"-"` // key in the jobs mapping
		Name            string      `yaml:"name"`
		RunsOn          StringList  `yaml:"runs-on"`
		Needs           StringList  `yaml:"needs"`
		If              Expression  `yaml:"if"`
		Env             Params      `yaml:"env"`
		Outputs         Params      `yaml:"outputs"`
		Strategy        Strategy    `yaml:"strategy"`
		TimeoutMinutes  int         `yaml:"timeout-minutes"`
		ContinueOnError bool        `yaml:"continue-on-error"`
		NeedsPolicy     NeedsPolicy `yaml:"needs-policy"`
		Steps           []Step      `yaml:"steps"`
	}

	Strategy struct {
		Matrix      *Matrix `yaml:"matrix"`
		FailFast    bool    `yaml:"fail-fast"`
		MaxParallel int     `yaml:"max-parallel"`
	}

	Step struct {
		ID               string     `yaml:"id"`
		Name             string     `yaml:"name"`
		Uses             string     `yaml:"uses"`
		With             Params     `yaml:"with"`
		Run              string     `yaml:"run"`
		If               Expression `yaml:"if"`
		Env              Params     `yaml:"env"`
		ContinueOnError  bool       `yaml:"continue-on-error"`
		TimeoutMinutes   int        `yaml:"timeout-minutes"`
		WorkingDirectory string     `yaml:"working-directory"`
	}

	Concurrency struct {
		Group            string `yaml:"group"`
		CancelInProgress *bool  `yaml:"cancel-in-progress"`
	}

	// Expression is the source of a bare expression, as used by `if`.
	Expression string

	// Params is a flat string mapping; scalar values of any type are
	// kept in their textual form.
	Params map[string]string

	StringList []string
)

// NeedsPolicy decides whether a dependency whose matrix partially
// failed still satisfies its dependents.
type NeedsPolicy string

const (
	NeedsPolicyDefault NeedsPolicy = ""
	NeedsPolicyStrict  NeedsPolicy = "strict"
	NeedsPolicyPartial NeedsPolicy = "partial"
)

func (p NeedsPolicy) Valid() bool {
	switch p {
	case NeedsPolicyDefault, NeedsPolicyStrict, NeedsPolicyPartial:
		return true
	}
	return false
}

func FromFile(name string, contents []byte) (Workflow, error) {
	var wf Workflow

	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".jsonc":
		// json is a subset of yaml, so only the comments need to go
		contents = jsonc.ToJSON(contents)
	}

	err := yaml.Unmarshal(contents, &wf)
	if err != nil {
		return wf, err
	}

	wf.File = name
	if wf.Name == "" {
		wf.Name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}

	return wf, nil
}

// Job returns the job with the given id.
func (w *Workflow) Job(id string) (*Job, bool) {
	for _, j := range w.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return nil, false
}

// DisplayName is the job's name, or its id when it has none.
func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// StepID is the id under which a step's outputs are recorded; steps
// without one get a positional id.
func (j *Job) StepID(idx int) string {
	if id := j.Steps[idx].ID; id != "" {
		return id
	}
	return fmt.Sprintf("__step_%d", idx)
}

func (s *Step) DisplayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Uses != "":
		return s.Uses
	}
	line, _, _ := strings.Cut(strings.TrimSpace(s.Run), "\n")
	return "Run " + line
}

func (j *Jobs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: jobs must be a mapping", node.Line)
	}

	seen := make(map[string]bool)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if seen[key.Value] {
			return fmt.Errorf("line %d: job %q is defined twice", key.Line, key.Value)
		}
		seen[key.Value] = true

		var job Job
		if err := value.Decode(&job); err != nil {
			return fmt.Errorf("job %q: %w", key.Value, err)
		}
		job.ID = key.Value
		*j = append(*j, &job)
	}

	return nil
}

func (e *Expression) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected an expression", node.Line)
	}
	*e = Expression(node.Value)
	return nil
}

func (p *Params) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*p = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}

	out := make(Params, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: value of %q must be a scalar", value.Line, key.Value)
		}
		if value.Tag == "!!null" {
			out[key.Value] = ""
			continue
		}
		out[key.Value] = value.Value
	}

	*p = out
	return nil
}

func (c *Concurrency) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Group = node.Value
		return nil
	}

	type plain Concurrency
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = Concurrency(p)
	return nil
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
