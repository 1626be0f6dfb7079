// Package eval resolves a flag's value for one request. Everything here is
// pure: no I/O, no locks, no mutation of its inputs.
package eval

import (
	"rollgate/internal/bucket"
	"rollgate/internal/segment"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"
)

// Options carries per-call knobs that sit outside the stored config.
type Options struct {
	// RolloutPctOverride replaces the plan percent for the global rollout step.
	RolloutPctOverride *float64
	// KillAll treats every flag as kill-switched.
	KillAll bool
}

type Result struct {
	Value  v1.Value           `json:"value"`
	Reason constraints.Reason `json:"reason"`
	// Segment is the index of the segment rule that decided, or -1.
	Segment int `json:"segment"`
	// Hit is set when a segment or global rollout bucketed the caller in.
	Hit bool `json:"hit,omitempty"`
	// Shadow reports membership of the shadow cohort. It never changes Value.
	Shadow bool `json:"shadow,omitempty"`
}

// Evaluate applies, in order: kill switch, user/namespace/global overrides,
// the first matching segment, the global rollout, the default value. The
// first step that applies decides; a rollout bucket miss serves the off value
// under that step's reason.
func Evaluate(cfg *v1.FlagConfig, seeds v1.Seeds, ctx v1.Context, ov v1.Overrides, opts Options) Result {
	res := Result{Segment: -1}
	if cfg == nil {
		res.Reason = constraints.ReasonDefault
		return res
	}
	res.Shadow = inShadow(cfg, seeds)

	if cfg.KillSwitch || opts.KillAll {
		res.Value, res.Reason = cfg.OffValue(), constraints.ReasonKillSwitch
		return res
	}

	switch {
	case ov.User != nil:
		res.Value, res.Reason = *ov.User, constraints.ReasonUserOverride
		return res
	case ov.Namespace != nil:
		res.Value, res.Reason = *ov.Namespace, constraints.ReasonNsOverride
		return res
	case ov.Global != nil:
		res.Value, res.Reason = *ov.Global, constraints.ReasonGlobalOverride
		return res
	}

	for i := range cfg.Segments {
		rule := cfg.Segments[i]
		if !segment.Matches(ctx, rule) {
			continue
		}
		if rule.Override != nil {
			res.Value, res.Reason, res.Segment = *rule.Override, constraints.ReasonSegmentOverride, i
			return res
		}
		if rule.Rollout != nil {
			seed := bucket.SeedValue(rule.Rollout.SeedBy, seeds, seedByDefault(cfg))
			hit := bucket.PctHit(bucket.Key(cfg.Key, cfg.Namespace, "seg", seed), rule.Rollout.Pct)
			res.Value, res.Reason, res.Segment, res.Hit = cohortValue(cfg, hit), constraints.ReasonSegmentRollout, i, hit
			return res
		}
	}

	if pct, ok := rolloutPct(cfg, opts); ok {
		res.Hit = globalHit(cfg, seeds, pct)
		res.Value, res.Reason = cohortValue(cfg, res.Hit), constraints.ReasonGlobalRollout
		return res
	}

	res.Value, res.Reason = cfg.DefaultValue, constraints.ReasonDefault
	return res
}

// cohortValue is the on value for rollout members. Non-members get false for
// bool flags and the default otherwise; the kill value is not involved.
func cohortValue(cfg *v1.FlagConfig, hit bool) v1.Value {
	if hit {
		return cfg.OnValue()
	}
	if cfg.DefaultValue.Kind() == constraints.TypeBool {
		return v1.Bool(false)
	}
	return cfg.DefaultValue
}

// InRollout reports whether seeds fall in the global rollout cohort at pct,
// ignoring overrides and segments.
func InRollout(cfg *v1.FlagConfig, seeds v1.Seeds, pct float64) bool {
	return globalHit(cfg, seeds, pct)
}

// globalHit buckets on "<flag>|<namespace>|<seed>". The plan's salt is kept
// as metadata and does not enter the key.
func globalHit(cfg *v1.FlagConfig, seeds v1.Seeds, pct float64) bool {
	var seedBy constraints.SeedBy
	if cfg.Rollout != nil {
		seedBy = cfg.Rollout.SeedBy
	}
	seed := bucket.SeedValue(seedBy, seeds, seedByDefault(cfg))
	return bucket.PctHit(bucket.Key(cfg.Key, cfg.Namespace, seed), pct)
}

func inShadow(cfg *v1.FlagConfig, seeds v1.Seeds) bool {
	if cfg.Rollout == nil || !cfg.Rollout.Shadow.Active() {
		return false
	}
	sh := cfg.Rollout.Shadow
	seed := bucket.SeedValue(sh.SeedBy, seeds, seedByDefault(cfg))
	return bucket.PctHit(bucket.Key(cfg.Key, cfg.Namespace, "shadow", seed), sh.Pct)
}

func rolloutPct(cfg *v1.FlagConfig, opts Options) (float64, bool) {
	if opts.RolloutPctOverride != nil {
		return *opts.RolloutPctOverride, true
	}
	if cfg.Rollout != nil {
		return cfg.Rollout.Percent, true
	}
	return 0, false
}

func seedByDefault(cfg *v1.FlagConfig) constraints.SeedBy {
	if cfg.Rollout != nil && cfg.Rollout.SeedByDefault != "" {
		return cfg.Rollout.SeedByDefault
	}
	if cfg.SeedByDefault != "" {
		return cfg.SeedByDefault
	}
	return constraints.SeedByUserID
}
