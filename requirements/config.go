package requirements

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rickchristie/regent"
)

// Config declares conditional requirements.
//
//	requirements:
//	  - tool: search
//	    only_after: [think]
//	    max_invocations: 3
//	  - tool: think
//	    force_at_step: 1
//	    consecutive_allowed: false
type Config struct {
	Requirements []ConditionalConfig `yaml:"requirements"`
}

// ConditionalConfig is the YAML form of a [Conditional]. Tools are referenced by name.
type ConditionalConfig struct {
	Tool                   string   `yaml:"tool"`
	Name                   string   `yaml:"name,omitempty"`
	Priority               *int     `yaml:"priority,omitempty"`
	Enabled                *bool    `yaml:"enabled,omitempty"`
	OnlyBefore             []string `yaml:"only_before,omitempty"`
	OnlyAfter              []string `yaml:"only_after,omitempty"`
	ForceAfter             []string `yaml:"force_after,omitempty"`
	MinInvocations         int      `yaml:"min_invocations,omitempty"`
	MaxInvocations         *int     `yaml:"max_invocations,omitempty"`
	ForceAtStep            *int     `yaml:"force_at_step,omitempty"`
	ConsecutiveAllowed     *bool    `yaml:"consecutive_allowed,omitempty"`
	OnlySuccessInvocations *bool    `yaml:"only_success_invocations,omitempty"`
}

// LoadConfig parses a single YAML document. Unknown keys are rejected.
func LoadConfig(r io.Reader) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, regent.NewError(regent.ErrConfiguration, "failed to parse requirements config", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, regent.Errorf(regent.ErrConfiguration, "failed to parse requirements config: expected single document")
	}
	return &cfg, nil
}

// LoadConfigFile reads and parses the file at path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, regent.NewError(regent.ErrConfiguration, fmt.Sprintf("cannot open %s", path), err)
	}
	defer f.Close()
	return LoadConfig(f)
}

// Build creates the declared requirements. The first invalid entry aborts the build.
func (c *Config) Build() ([]Requirement, error) {
	reqs := make([]Requirement, 0, len(c.Requirements))
	for i, rc := range c.Requirements {
		req, err := rc.Build()
		if err != nil {
			return nil, regent.NewError(
				regent.ErrConfiguration,
				fmt.Sprintf("requirements[%d] (%s) is invalid", i, rc.Tool),
				err,
			)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Build creates the conditional requirement.
func (c ConditionalConfig) Build() (*Conditional, error) {
	if c.Tool == "" {
		return nil, regent.Errorf(regent.ErrConfiguration, "missing tool")
	}

	var opts []Option
	if c.Name != "" {
		opts = append(opts, WithName(c.Name))
	}
	if c.Priority != nil {
		opts = append(opts, WithPriority(*c.Priority))
	}
	if c.Enabled != nil && !*c.Enabled {
		opts = append(opts, Disabled())
	}
	if len(c.OnlyBefore) > 0 {
		opts = append(opts, OnlyBefore(Names(c.OnlyBefore...)...))
	}
	if len(c.OnlyAfter) > 0 {
		opts = append(opts, OnlyAfter(Names(c.OnlyAfter...)...))
	}
	if len(c.ForceAfter) > 0 {
		opts = append(opts, ForceAfter(Names(c.ForceAfter...)...))
	}
	if c.MinInvocations != 0 {
		opts = append(opts, MinInvocations(c.MinInvocations))
	}
	if c.MaxInvocations != nil {
		opts = append(opts, MaxInvocations(*c.MaxInvocations))
	}
	if c.ForceAtStep != nil {
		opts = append(opts, ForceAtStep(*c.ForceAtStep))
	}
	if c.ConsecutiveAllowed != nil {
		opts = append(opts, ConsecutiveAllowed(*c.ConsecutiveAllowed))
	}
	if c.OnlySuccessInvocations != nil {
		opts = append(opts, OnlySuccessInvocations(*c.OnlySuccessInvocations))
	}
	return NewConditional(Name(c.Tool), opts...)
}
