package cli

import (
	"fmt"
	"os"

	"rollgate/internal/service"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"

	"gopkg.in/yaml.v3"
)

// Policy is a rollout plan kept next to the service it gates: the ladder of
// percentages and the gates every step is checked against.
type Policy struct {
	Namespace  string            `yaml:"namespace"`
	Flag       string            `yaml:"flag"`
	Steps      []float64         `yaml:"steps"`
	Stop       *PolicyStop       `yaml:"stop"`
	MinSamples *int              `yaml:"minSamples"`
	CoolDownMs *int64            `yaml:"coolDownMs"`
	Hysteresis *PolicyHysteresis `yaml:"hysteresis"`
	Shadow     *PolicyShadow     `yaml:"shadow"`
}

type PolicyStop struct {
	MaxErrorRate *float64 `yaml:"maxErrorRate"`
	MaxCLS       *float64 `yaml:"maxCLS"`
	MaxINP       *float64 `yaml:"maxINP"`
}

type PolicyHysteresis struct {
	ErrorRate *float64 `yaml:"errorRate"`
	CLS       *float64 `yaml:"CLS"`
	INP       *float64 `yaml:"INP"`
}

// PolicyShadow accepts `shadow: true|false` or `shadow: {pct, seedBy}`.
type PolicyShadow struct {
	service.ShadowInput
}

func (s *PolicyShadow) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var b bool
		if err := node.Decode(&b); err != nil {
			return fmt.Errorf("shadow must be a boolean or {pct, seedBy}: %w", err)
		}
		s.Enabled = &b
		return nil
	}
	var obj struct {
		Pct    float64 `yaml:"pct"`
		SeedBy string  `yaml:"seedBy"`
	}
	if err := node.Decode(&obj); err != nil {
		return fmt.Errorf("shadow must be a boolean or {pct, seedBy}: %w", err)
	}
	s.Pct, s.SeedBy = obj.Pct, constraints.SeedBy(obj.SeedBy)
	return nil
}

func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) Validate() error {
	ve := &v1.ValidationError{}
	if p.Namespace == "" {
		ve.Add("namespace", "is required")
	}
	if p.Flag == "" {
		ve.Add("flag", "is required")
	}
	if len(p.Steps) == 0 {
		ve.Add("steps", "needs at least one percentage")
	}
	last := -1.0
	for i, pct := range p.Steps {
		if pct < 0 || pct > 100 {
			ve.Add(fmt.Sprintf("steps[%d]", i), "must be within [0,100]")
		}
		if pct <= last {
			ve.Add(fmt.Sprintf("steps[%d]", i), "steps must increase")
		}
		last = pct
	}
	return ve.OrNil()
}

// Next returns the first step above current, or false at the end of the ladder.
func (p *Policy) Next(current float64) (float64, bool) {
	for _, pct := range p.Steps {
		if pct > current {
			return pct, true
		}
	}
	return 0, false
}

// Request builds the step request for moving to next.
func (p *Policy) Request(next float64) service.StepRequest {
	r := service.StepRequest{
		Namespace:  p.Namespace,
		NextPct:    next,
		MinSamples: p.MinSamples,
		CoolDownMs: p.CoolDownMs,
	}
	if p.Stop != nil {
		r.Stop = &v1.StopConditions{MaxErrorRate: p.Stop.MaxErrorRate, MaxCLS: p.Stop.MaxCLS, MaxINP: p.Stop.MaxINP}
	}
	if p.Hysteresis != nil {
		r.Hysteresis = &v1.Hysteresis{ErrorRate: p.Hysteresis.ErrorRate, CLS: p.Hysteresis.CLS, INP: p.Hysteresis.INP}
	}
	if p.Shadow != nil {
		in := p.Shadow.ShadowInput
		r.Shadow = &in
	}
	return r
}
