package v1

import (
	"encoding/json"
	"math"
	"regexp"

	"rollgate/pkg/constraints"
)

// FlagConfig is the stored definition of one flag. Key is unique within Namespace.
type FlagConfig struct {
	Key           string             `json:"key"`
	Namespace     string             `json:"namespace"`
	Description   string             `json:"description,omitempty"`
	DefaultValue  Value              `json:"defaultValue"`
	Enabled       bool               `json:"enabled"`
	KillSwitch    bool               `json:"killSwitch"`
	KillValue     *Value             `json:"killValue,omitempty"`
	SeedByDefault constraints.SeedBy `json:"seedByDefault,omitempty"`
	Segments      []SegmentRule      `json:"segments,omitempty"`
	Rollout       *RolloutPlan       `json:"rollout,omitempty"`
	Tags          []string           `json:"tags,omitempty"`
	Version       int64              `json:"version"`
	CreatedAt     int64              `json:"createdAt"`
	UpdatedAt     int64              `json:"updatedAt"`
}

// RolloutPlan is the percentage rollout state of a flag. Percent is the
// current cumulative exposure; Steps is its append-only history.
type RolloutPlan struct {
	Percent       float64            `json:"percent"`
	Salt          string             `json:"salt,omitempty"`
	SeedBy        constraints.SeedBy `json:"seedBy,omitempty"`
	SeedByDefault constraints.SeedBy `json:"seedByDefault,omitempty"`
	Steps         []RolloutStep      `json:"steps,omitempty"`
	Stop          *StopConditions    `json:"stop,omitempty"`
	Hysteresis    *Hysteresis        `json:"hysteresis,omitempty"`
	Shadow        *Shadow            `json:"shadow,omitempty"`
}

type RolloutStep struct {
	Pct  float64 `json:"pct"`
	At   int64   `json:"at"`
	Note string  `json:"note,omitempty"`
}

type StopConditions struct {
	MaxErrorRate *float64 `json:"maxErrorRate,omitempty"`
	MaxCLS       *float64 `json:"maxCLS,omitempty"`
	MaxINP       *float64 `json:"maxINP,omitempty"`
}

// Hysteresis margins are added to the matching stop threshold.
type Hysteresis struct {
	ErrorRate *float64 `json:"errorRate,omitempty"`
	CLS       *float64 `json:"CLS,omitempty"`
	INP       *float64 `json:"INP,omitempty"`
}

// Shadow exposes the treatment to a cohort for measurement only.
type Shadow struct {
	Pct    float64            `json:"pct"`
	SeedBy constraints.SeedBy `json:"seedBy,omitempty"`
}

// Active reports whether the shadow covers anyone. A nil or 0% shadow is off.
func (s *Shadow) Active() bool {
	return s != nil && s.Pct > 0
}

type SegmentRule struct {
	ID       string           `json:"id,omitempty"`
	If       SegmentPredicate `json:"if"`
	Override *Value           `json:"override,omitempty"`
	Rollout  *SegmentRollout  `json:"rollout,omitempty"`
}

// SegmentPredicate fields are ANDed; values inside a field are ORed.
type SegmentPredicate struct {
	Tenant     []string `json:"tenant,omitempty"`
	Locale     []string `json:"locale,omitempty"`
	Path       []string `json:"path,omitempty"`
	UAIncludes []string `json:"uaIncludes,omitempty"`
}

type SegmentRollout struct {
	Pct    float64            `json:"pct"`
	SeedBy constraints.SeedBy `json:"seedBy,omitempty"`
}

// Clone returns a deep copy, so a caller may mutate the result without
// touching a cached or stored config.
func (f *FlagConfig) Clone() *FlagConfig {
	if f == nil {
		return nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		panic("rollgate flag serialization failed: " + err.Error())
	}
	var out FlagConfig
	if err := json.Unmarshal(b, &out); err != nil {
		panic("rollgate flag deserialization failed: " + err.Error())
	}
	return &out
}

func (f *FlagConfig) ToJSON() string {
	b, err := json.Marshal(f)
	if err != nil {
		panic("rollgate flag serialization failed: " + err.Error())
	}
	return string(b)
}

// OnValue is served to members of a rollout cohort.
func (f *FlagConfig) OnValue() Value {
	if f.DefaultValue.Kind() == constraints.TypeBool {
		return Bool(true)
	}
	return f.DefaultValue
}

// OffValue is served while the kill switch is engaged.
func (f *FlagConfig) OffValue() Value {
	if f.KillValue != nil {
		return *f.KillValue
	}
	if f.DefaultValue.Kind() == constraints.TypeBool {
		return Bool(false)
	}
	return f.DefaultValue
}

// LastStepAt returns the time of the most recent recorded step, or 0.
func (p *RolloutPlan) LastStepAt() int64 {
	if p == nil || len(p.Steps) == 0 {
		return 0
	}
	return p.Steps[len(p.Steps)-1].At
}

var identRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// ValidIdent reports whether s may be used as a flag key or namespace.
func ValidIdent(s string) bool {
	return identRe.MatchString(s)
}

// Validate checks the config against the schema. It returns a
// *ValidationError listing every issue, or nil.
func (f *FlagConfig) Validate() error {
	ve := &ValidationError{}
	if !ValidIdent(f.Key) {
		ve.Add("key", "must match "+identRe.String())
	}
	if !ValidIdent(f.Namespace) {
		ve.Add("namespace", "must match "+identRe.String())
	}
	kind := f.DefaultValue.Kind()
	if kind == "" {
		ve.Add("defaultValue", "is required")
	}
	if f.KillValue != nil && f.KillValue.Kind() != kind {
		ve.Add("killValue", "must be of kind "+string(kind))
	}
	if !f.SeedByDefault.Valid() {
		ve.Add("seedByDefault", "unknown seed dimension "+string(f.SeedByDefault))
	}
	if f.Version < 0 {
		ve.Add("version", "must not be negative")
	}
	for i, seg := range f.Segments {
		field := "segments[" + itoa(i) + "]"
		switch {
		case seg.Override != nil && seg.Rollout != nil:
			ve.Add(field, "override and rollout are mutually exclusive")
		case seg.Override == nil && seg.Rollout == nil:
			ve.Add(field, "needs an override or a rollout")
		case seg.Override != nil && seg.Override.Kind() != kind:
			ve.Add(field+".override", "must be of kind "+string(kind))
		case seg.Rollout != nil:
			if !validPct(seg.Rollout.Pct) {
				ve.Add(field+".rollout.pct", "must be within [0,100]")
			}
			if !seg.Rollout.SeedBy.Valid() {
				ve.Add(field+".rollout.seedBy", "unknown seed dimension")
			}
		}
		for _, p := range seg.If.Path {
			if p == "" {
				ve.Add(field+".if.path", "empty glob")
			}
		}
	}
	if p := f.Rollout; p != nil {
		if !validPct(p.Percent) {
			ve.Add("rollout.percent", "must be within [0,100]")
		}
		if !p.SeedBy.Valid() || !p.SeedByDefault.Valid() {
			ve.Add("rollout.seedBy", "unknown seed dimension")
		}
		var last int64
		for i, st := range p.Steps {
			field := "rollout.steps[" + itoa(i) + "]"
			if !validPct(st.Pct) {
				ve.Add(field+".pct", "must be within [0,100]")
			}
			if st.At < last {
				ve.Add(field+".at", "steps must be in time order")
			}
			last = st.At
		}
		if s := p.Stop; s != nil {
			for name, v := range map[string]*float64{"maxErrorRate": s.MaxErrorRate, "maxCLS": s.MaxCLS, "maxINP": s.MaxINP} {
				if v != nil && !validNonNeg(*v) {
					ve.Add("rollout.stop."+name, "must be a non-negative number")
				}
			}
		}
		if h := p.Hysteresis; h != nil {
			for name, v := range map[string]*float64{"errorRate": h.ErrorRate, "CLS": h.CLS, "INP": h.INP} {
				if v != nil && !validNonNeg(*v) {
					ve.Add("rollout.hysteresis."+name, "must be a non-negative number")
				}
			}
		}
		if p.Shadow != nil {
			if !validPct(p.Shadow.Pct) {
				ve.Add("rollout.shadow.pct", "must be within [0,100]")
			}
			if !p.Shadow.SeedBy.Valid() {
				ve.Add("rollout.shadow.seedBy", "unknown seed dimension")
			}
		}
	}
	return ve.OrNil()
}

func validPct(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 100
}

func validNonNeg(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
