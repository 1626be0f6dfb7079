package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"

	"rollgate/internal/vitals"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"
	"rollgate/pkg/logger"

	"go.uber.org/zap"
)

// ShadowInput is the desired shadow state of a step. JSON true enables the
// shadow at the target percent, false disables it and an object sets it
// explicitly. A nil *ShadowInput keeps the current shadow.
type ShadowInput struct {
	Enabled *bool
	Pct     float64
	SeedBy  constraints.SeedBy
}

func (s *ShadowInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*s = ShadowInput{Enabled: &b}
		return nil
	}
	var obj struct {
		Pct    float64            `json:"pct"`
		SeedBy constraints.SeedBy `json:"seedBy"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.New("shadow must be a boolean or {pct, seedBy}")
	}
	*s = ShadowInput{Pct: obj.Pct, SeedBy: obj.SeedBy}
	return nil
}

func (s ShadowInput) MarshalJSON() ([]byte, error) {
	if s.Enabled != nil {
		return json.Marshal(*s.Enabled)
	}
	return json.Marshal(v1.Shadow{Pct: s.Pct, SeedBy: s.SeedBy})
}

// resolve returns the shadow to store for a step to targetPct.
func (s *ShadowInput) resolve(cur *v1.Shadow, targetPct float64, seedBy constraints.SeedBy) *v1.Shadow {
	if s == nil {
		return cur
	}
	if s.Enabled != nil {
		if !*s.Enabled || targetPct <= 0 {
			return nil
		}
		if cur != nil && cur.SeedBy != "" {
			seedBy = cur.SeedBy
		}
		return &v1.Shadow{Pct: targetPct, SeedBy: seedBy}
	}
	pct := clampPct(s.Pct)
	if pct <= 0 {
		return nil
	}
	return &v1.Shadow{Pct: pct, SeedBy: s.SeedBy}
}

type StepRequest struct {
	Namespace  string             `json:"namespace,omitempty"`
	NextPct    float64            `json:"nextPct"`
	Stop       *v1.StopConditions `json:"stop,omitempty"`
	MinSamples *int               `json:"minSamples,omitempty"`
	CoolDownMs *int64             `json:"coolDownMs,omitempty"`
	Hysteresis *v1.Hysteresis     `json:"hysteresis,omitempty"`
	DryRun     bool               `json:"dryRun,omitempty"`
	Shadow     *ShadowInput       `json:"shadow,omitempty"`
	// SnapshotID selects the metrics attribution; defaults to the flag's "on" snapshot.
	SnapshotID string `json:"snapshotId,omitempty"`
	Note       string `json:"note,omitempty"`
}

func (r StepRequest) Validate() error {
	ve := &v1.ValidationError{}
	if math.IsNaN(r.NextPct) || r.NextPct < 0 || r.NextPct > 100 {
		ve.Add("nextPct", "must be within [0,100]")
	}
	if r.MinSamples != nil && *r.MinSamples < 0 {
		ve.Add("minSamples", "must not be negative")
	}
	if r.CoolDownMs != nil && *r.CoolDownMs < 0 {
		ve.Add("coolDownMs", "must not be negative")
	}
	if r.Shadow != nil && r.Shadow.Enabled == nil && !r.Shadow.SeedBy.Valid() {
		ve.Add("shadow.seedBy", "unknown seed dimension")
	}
	return ve.OrNil()
}

type RolloutState struct {
	CurrentPct  float64          `json:"currentPct"`
	PreviousPct float64          `json:"previousPct"`
	Steps       []v1.RolloutStep `json:"steps"`
	Shadow      *v1.Shadow       `json:"shadow,omitempty"`
	Version     int64            `json:"version"`
}

// StepMetrics is the summary a decision was taken on. Denominator is the
// number of attributed samples.
type StepMetrics struct {
	SnapshotID  string   `json:"snapshotId"`
	Denominator int      `json:"denominator"`
	ErrorCount  int      `json:"errorCount"`
	ErrorRate   *float64 `json:"errorRate"`
	CLS         *float64 `json:"CLS"`
	INP         *float64 `json:"INP"`
}

type StepResult struct {
	OK        bool                 `json:"ok"`
	DryRun    bool                 `json:"dryRun,omitempty"`
	Decision  constraints.Decision `json:"decision,omitempty"`
	Rollout   *RolloutState        `json:"rollout,omitempty"`
	Unchanged bool                 `json:"unchanged,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Limit     *float64             `json:"limit,omitempty"`
	Actual    *float64             `json:"actual,omitempty"`
	Threshold *float64             `json:"threshold,omitempty"`
	RetryInMs int64                `json:"retryInMs,omitempty"`
	Metrics   StepMetrics          `json:"metrics"`
	// Blocked is set when the step was held by policy.
	Blocked *Block `json:"-"`
}

func (r *StepResult) block(b *Block) {
	r.OK = false
	r.Blocked = b
	r.Reason = b.Reason
	r.Limit, r.Actual, r.Threshold = b.Limit, b.Actual, b.Threshold
	r.RetryInMs = b.RetryInMs
	if r.DryRun {
		r.Decision = constraints.DecisionHold
	}
}

// RolloutController attempts one rollout step at a time. It keeps no timers;
// callers decide when to step.
type RolloutController struct {
	deps    Deps
	metrics vitals.Provider
}

func NewRolloutController(deps Deps, metrics vitals.Provider) *RolloutController {
	deps.defaults()
	if metrics == nil {
		metrics = vitals.NoData{}
	}
	return &RolloutController{deps: deps, metrics: metrics}
}

// Step evaluates the gates for moving the flag to req.NextPct and commits the
// step when none holds. A held step is not an error: it is reported through
// StepResult.Blocked.
func (c *RolloutController) Step(ctx context.Context, namespace, key string, req StepRequest) (*StepResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Namespace != "" {
		namespace = req.Namespace
	}
	cfg, err := c.deps.Store.GetFlag(ctx, namespace, key)
	if err != nil {
		return nil, err
	}

	snapshotID := req.SnapshotID
	if snapshotID == "" {
		snapshotID = vitals.SnapshotFor(namespace, key)
	}
	sum, hasData, err := c.summary(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	res := &StepResult{DryRun: req.DryRun, Metrics: stepMetrics(snapshotID, sum)}
	if b := c.check(cfg, req, sum, hasData); b != nil {
		res.block(b)
		c.deps.Observer.ObserveRolloutStep("blocked", b.Reason)
		logger.Info("rollout step held", zap.String("namespace", namespace), zap.String("key", key), zap.Float64("nextPct", req.NextPct), zap.String("reason", b.Reason))
		return res, nil
	}

	if req.DryRun {
		res.OK = true
		res.Decision = decide(cfg, req)
		res.Rollout = state(cfg, currentPct(cfg))
		c.deps.Observer.ObserveRolloutStep("dry_run", string(res.Decision))
		return res, nil
	}

	return c.commit(ctx, namespace, key, req, res)
}

func (c *RolloutController) summary(ctx context.Context, snapshotID string) (vitals.Summary, bool, error) {
	hasData, err := c.metrics.HasData(ctx, snapshotID)
	if err != nil {
		return vitals.Summary{}, false, err
	}
	sums, err := c.metrics.Summarize(ctx, snapshotID)
	if err != nil {
		return vitals.Summary{}, false, err
	}
	for _, s := range sums {
		if s.SnapshotID == snapshotID {
			return s, hasData, nil
		}
	}
	return vitals.Summary{SnapshotID: snapshotID}, hasData, nil
}

// check applies the gates in order and returns the first that holds.
func (c *RolloutController) check(cfg *v1.FlagConfig, req StepRequest, sum vitals.Summary, hasData bool) *Block {
	cur := currentPct(cfg)
	advancing := req.NextPct > cur

	if !req.DryRun && advancing && !hasData && !c.deps.Runtime.Load().AllowMissingMetrics {
		return &Block{Reason: ReasonMetricsUnavailable}
	}
	if req.MinSamples != nil && sum.SampleCount < *req.MinSamples {
		limit, actual := float64(*req.MinSamples), float64(sum.SampleCount)
		return &Block{Reason: ReasonMinSamples, Limit: &limit, Actual: &actual}
	}
	if req.CoolDownMs != nil && *req.CoolDownMs > 0 && advancing {
		if last := cfg.Rollout.LastStepAt(); last > 0 {
			if wait := remaining(last, *req.CoolDownMs, c.deps.Now().UnixMilli()); wait > 0 {
				return &Block{Reason: ReasonCoolDown, RetryInMs: wait}
			}
		}
	}

	stop, hyst := req.Stop, req.Hysteresis
	if cfg.Rollout != nil {
		if stop == nil {
			stop = cfg.Rollout.Stop
		}
		if hyst == nil {
			hyst = cfg.Rollout.Hysteresis
		}
	}
	if stop == nil {
		return nil
	}
	if hyst == nil {
		hyst = &v1.Hysteresis{}
	}
	gates := []struct {
		reason, metric string
		limit, margin  *float64
		actual         *float64
	}{
		{ReasonMaxErrorRate, "errorRate", stop.MaxErrorRate, hyst.ErrorRate, sum.ErrorRate},
		{ReasonMaxCLS, vitals.MetricCLS, stop.MaxCLS, hyst.CLS, sum.P75(vitals.MetricCLS)},
		{ReasonMaxINP, vitals.MetricINP, stop.MaxINP, hyst.INP, sum.P75(vitals.MetricINP)},
	}
	for _, g := range gates {
		if g.limit == nil {
			continue
		}
		if g.actual == nil {
			return &Block{Reason: missing(g.metric), Limit: ptr(*g.limit)}
		}
		threshold := *g.limit
		if g.margin != nil {
			threshold += *g.margin
		}
		if *g.actual > threshold {
			return &Block{Reason: g.reason, Limit: ptr(*g.limit), Actual: ptr(*g.actual), Threshold: &threshold}
		}
	}
	return nil
}

func (c *RolloutController) commit(ctx context.Context, namespace, key string, req StepRequest, res *StepResult) (*StepResult, error) {
	var (
		prevJSON  string
		committed *v1.FlagConfig
		held      *Block
	)
	err := c.deps.Store.WithLock(ctx, LockKey(namespace, key), c.deps.LockTTL, func(ctx context.Context) error {
		cur, err := c.deps.Store.GetFlag(ctx, namespace, key)
		if err != nil {
			return err
		}
		now := c.deps.Now().UnixMilli()
		prevPct := currentPct(cur)
		if req.CoolDownMs != nil && *req.CoolDownMs > 0 && req.NextPct > prevPct {
			if wait := remaining(cur.Rollout.LastStepAt(), *req.CoolDownMs, now); cur.Rollout.LastStepAt() > 0 && wait > 0 {
				held = &Block{Reason: ReasonCoolDown, RetryInMs: wait}
				return nil
			}
		}

		next := cur.Clone()
		if next.Rollout == nil {
			next.Rollout = &v1.RolloutPlan{}
		}
		plan := next.Rollout
		shadow := req.Shadow.resolve(plan.Shadow, req.NextPct, shadowSeedBy(next))
		if plan.Percent == req.NextPct && sameShadow(plan.Shadow, shadow) {
			res.Unchanged = true
			committed = cur
			return nil
		}

		at := now
		if last := plan.LastStepAt(); last > at {
			at = last
		}
		plan.Steps = append(plan.Steps, v1.RolloutStep{Pct: req.NextPct, At: at, Note: req.Note})
		plan.Percent = req.NextPct
		plan.Shadow = shadow
		next.Version = cur.Version + 1
		next.UpdatedAt = max(now, cur.UpdatedAt+1)
		if err := next.Validate(); err != nil {
			return err
		}
		if err := c.deps.Store.PutFlag(ctx, next); err != nil {
			return err
		}
		prevJSON = cur.ToJSON()
		committed = next
		return nil
	})
	if err != nil {
		c.deps.Observer.ObserveRolloutStep("error", errorOutcome(err))
		return nil, err
	}
	if held != nil {
		res.block(held)
		c.deps.Observer.ObserveRolloutStep("blocked", held.Reason)
		return res, nil
	}

	res.OK = true
	res.Decision = constraints.DecisionAdvance
	if res.Unchanged {
		res.Decision = constraints.DecisionHold
		res.Rollout = state(committed, currentPct(committed))
		c.deps.Observer.ObserveRolloutStep("unchanged", "")
		return res, nil
	}

	prev := 0.0
	if steps := committed.Rollout.Steps; len(steps) > 1 {
		prev = steps[len(steps)-2].Pct
	}
	res.Rollout = state(committed, prev)
	if committed.Rollout.Percent == prev && committed.Rollout.Shadow.Active() {
		res.Decision = constraints.DecisionShadow
	}
	logger.Info("rollout step committed",
		zap.String("namespace", namespace), zap.String("key", key),
		zap.Float64("pct", committed.Rollout.Percent), zap.Int64("version", committed.Version),
		zap.String("operator", GetOperator(ctx)))
	c.deps.record(ctx, namespace, key, constraints.AuditRolloutStep, prevJSON, committed.ToJSON())
	c.deps.publishFlag(ctx, committed)
	c.deps.Observer.ObserveRolloutStep("committed", string(res.Decision))
	return res, nil
}

// decide is the dry-run verdict for a step that passed every gate.
func decide(cfg *v1.FlagConfig, req StepRequest) constraints.Decision {
	var cur *v1.Shadow
	if cfg.Rollout != nil {
		cur = cfg.Rollout.Shadow
	}
	shadow := req.Shadow.resolve(cur, req.NextPct, shadowSeedBy(cfg))
	switch {
	case req.NextPct != currentPct(cfg):
		return constraints.DecisionAdvance
	case !sameShadow(cur, shadow) && shadow.Active():
		return constraints.DecisionShadow
	}
	return constraints.DecisionHold
}

func state(cfg *v1.FlagConfig, prev float64) *RolloutState {
	st := &RolloutState{CurrentPct: currentPct(cfg), PreviousPct: prev, Version: cfg.Version, Steps: []v1.RolloutStep{}}
	if cfg.Rollout != nil {
		st.Steps = cfg.Rollout.Steps
		st.Shadow = cfg.Rollout.Shadow
	}
	return st
}

func stepMetrics(snapshotID string, sum vitals.Summary) StepMetrics {
	return StepMetrics{
		SnapshotID:  snapshotID,
		Denominator: sum.SampleCount,
		ErrorCount:  sum.ErrorCount,
		ErrorRate:   sum.ErrorRate,
		CLS:         sum.P75(vitals.MetricCLS),
		INP:         sum.P75(vitals.MetricINP),
	}
}

func currentPct(cfg *v1.FlagConfig) float64 {
	if cfg == nil || cfg.Rollout == nil {
		return 0
	}
	return cfg.Rollout.Percent
}

func shadowSeedBy(cfg *v1.FlagConfig) constraints.SeedBy {
	if cfg.Rollout != nil && cfg.Rollout.SeedBy != "" {
		return cfg.Rollout.SeedBy
	}
	return cfg.SeedByDefault
}

func sameShadow(a, b *v1.Shadow) bool {
	if !a.Active() || !b.Active() {
		return a.Active() == b.Active()
	}
	return a.Pct == b.Pct && a.SeedBy == b.SeedBy
}

func remaining(lastAt, coolDownMs, nowMs int64) int64 {
	return lastAt + coolDownMs - nowMs
}

func clampPct(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func errorOutcome(err error) string {
	var ve *v1.ValidationError
	switch {
	case IsLocked(err):
		return "locked"
	case errors.As(err, &ve):
		return "invalid"
	}
	return "store"
}

func ptr(v float64) *float64 { return &v }
