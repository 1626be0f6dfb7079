package eval

import (
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"
)

// Sample is one synthetic request used to preview a rollout.
type Sample struct {
	Seeds   v1.Seeds   `json:"seeds"`
	Context v1.Context `json:"context"`
}

type SampleResult struct {
	Sample
	Result
	InRollout bool `json:"inRollout"`
}

type PreviewReport struct {
	Pct      float64                    `json:"pct"`
	Total    int                        `json:"total"`
	Exposed  int                        `json:"exposed"`
	Shadowed int                        `json:"shadowed"`
	Reasons  map[constraints.Reason]int `json:"reasons"`
	Samples  []SampleResult             `json:"samples,omitempty"`
}

// Preview evaluates samples as if the global rollout were at pct. Overrides
// are not consulted. keep caps how many per-sample results are returned.
func Preview(cfg *v1.FlagConfig, samples []Sample, pct float64, keep int) PreviewReport {
	rep := PreviewReport{Pct: pct, Total: len(samples), Reasons: map[constraints.Reason]int{}}
	if cfg == nil {
		return rep
	}
	opts := Options{RolloutPctOverride: &pct}
	for _, s := range samples {
		res := Evaluate(cfg, s.Seeds, s.Context, v1.Overrides{}, opts)
		rep.Reasons[res.Reason]++
		if res.Hit {
			rep.Exposed++
		}
		if res.Shadow {
			rep.Shadowed++
		}
		if len(rep.Samples) < keep {
			rep.Samples = append(rep.Samples, SampleResult{
				Sample:    s,
				Result:    res,
				InRollout: InRollout(cfg, s.Seeds, pct),
			})
		}
	}
	return rep
}
