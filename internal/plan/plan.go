// Package plan loads and executes YAML or TOML plans: ordered filesystem steps
// applied in one transaction, with nested, forked and parallel blocks that
// map onto dependent transactions.
package plan

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/jvs-project/txfs/pkg/model"
)

// Op names a step.
type Op string

const (
	OpWrite    Op = "write"
	OpAppend   Op = "append"
	OpMkdir    Op = "mkdir"
	OpDelete   Op = "delete"
	OpRmdir    Op = "rmdir"
	OpMove     Op = "move"
	OpMoveDir  Op = "move_dir"
	OpNested   Op = "nested"
	OpFork     Op = "fork"
	OpParallel Op = "parallel"
)

// Plan is the document read by `txfs apply`.
type Plan struct {
	Description string            `yaml:"description,omitempty" toml:"description,omitempty" json:"description,omitempty"`
	Options     Options           `yaml:"options,omitempty" toml:"options,omitempty" json:"options,omitempty"`
	Vars        map[string]string `yaml:"vars,omitempty" toml:"vars,omitempty" json:"vars,omitempty"`
	Steps       []Step            `yaml:"steps" toml:"steps" json:"steps"`
}

// Options override the configured transaction defaults. Empty fields keep
// them.
type Options struct {
	Isolation         string `yaml:"isolation,omitempty" toml:"isolation,omitempty" json:"isolation,omitempty"`
	Timeout           string `yaml:"timeout,omitempty" toml:"timeout,omitempty" json:"timeout,omitempty"`
	DependentOption   string `yaml:"dependent_option,omitempty" toml:"dependent_option,omitempty" json:"dependent_option,omitempty"`
	WaitForDependents *bool  `yaml:"wait_for_dependents,omitempty" toml:"wait_for_dependents,omitempty" json:"wait_for_dependents,omitempty"`
}

// Step is one operation. Path, To and Text are expanded with the plan's
// vars and the built-in placeholders.
type Step struct {
	Op        Op     `yaml:"op" toml:"op" json:"op"`
	Path      string `yaml:"path,omitempty" toml:"path,omitempty" json:"path,omitempty"`
	To        string `yaml:"to,omitempty" toml:"to,omitempty" json:"to,omitempty"`
	Text      string `yaml:"text,omitempty" toml:"text,omitempty" json:"text,omitempty"`
	Recursive bool   `yaml:"recursive,omitempty" toml:"recursive,omitempty" json:"recursive,omitempty"`
	Overwrite bool   `yaml:"overwrite,omitempty" toml:"overwrite,omitempty" json:"overwrite,omitempty"`
	// Mode applies to nested blocks: required (default) or requires_new.
	Mode  string `yaml:"mode,omitempty" toml:"mode,omitempty" json:"mode,omitempty"`
	Steps []Step `yaml:"steps,omitempty" toml:"steps,omitempty" json:"steps,omitempty"`
}

// Load reads and validates a plan file. Files ending in .toml are TOML,
// everything else YAML.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(data)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML plan. Unknown keys are rejected.
func Parse(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseTOML is Parse for TOML documents.
func ParseTOML(data []byte) (*Plan, error) {
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the options and every step.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	if _, err := p.Options.apply(model.DefaultOptions()); err != nil {
		return err
	}
	return validateSteps("steps", p.Steps)
}

func validateSteps(prefix string, steps []Step) error {
	for i, s := range steps {
		where := fmt.Sprintf("%s[%d]", prefix, i)
		if err := s.validate(where); err != nil {
			return err
		}
	}
	return nil
}

func (s Step) validate(where string) error {
	need := func(field, v string) error {
		if v == "" {
			return fmt.Errorf("%s: %s requires %s", where, s.Op, field)
		}
		return nil
	}
	switch s.Op {
	case OpWrite, OpAppend, OpMkdir, OpDelete, OpRmdir:
		return need("path", s.Path)
	case OpMove, OpMoveDir:
		if err := need("path", s.Path); err != nil {
			return err
		}
		return need("to", s.To)
	case OpNested, OpFork, OpParallel:
		if len(s.Steps) == 0 {
			return fmt.Errorf("%s: %s block has no steps", where, s.Op)
		}
		if s.Mode != "" {
			if s.Op != OpNested {
				return fmt.Errorf("%s: mode is only valid on nested blocks", where)
			}
			if m := model.ScopeMode(s.Mode); m != model.ModeRequired && m != model.ModeRequiresNew {
				return fmt.Errorf("%s: unsupported mode %q", where, s.Mode)
			}
		}
		return validateSteps(where+".steps", s.Steps)
	case "":
		return fmt.Errorf("%s: missing op", where)
	}
	return fmt.Errorf("%s: unknown op %q", where, s.Op)
}

// Count returns the number of leaf steps in the plan.
func (p *Plan) Count() int {
	return countSteps(p.Steps)
}

func countSteps(steps []Step) int {
	n := 0
	for _, s := range steps {
		if len(s.Steps) > 0 {
			n += countSteps(s.Steps)
			continue
		}
		n++
	}
	return n
}

func (o Options) apply(base model.TransactionOptions) (model.TransactionOptions, error) {
	if o.Isolation != "" {
		base.IsolationLevel = model.IsolationLevel(o.Isolation)
	}
	if o.DependentOption != "" {
		base.DependentOption = model.DependentCloneOption(o.DependentOption)
	}
	if o.WaitForDependents != nil {
		base.WaitForDependents = *o.WaitForDependents
	}
	if o.Timeout != "" {
		d, err := time.ParseDuration(o.Timeout)
		if err != nil {
			return base, fmt.Errorf("options.timeout: %w", err)
		}
		base.Timeout = d
	}
	if err := base.Normalize().Validate(); err != nil {
		return base, fmt.Errorf("options: %w", err)
	}
	return base, nil
}
