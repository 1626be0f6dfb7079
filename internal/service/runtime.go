package service

import "sync/atomic"

// RuntimeConfig holds the switches that may change while the process runs.
type RuntimeConfig struct {
	// KillAll forces every flag to its off value.
	KillAll bool `json:"killAll"`
	// AllowMissingMetrics lets an advancing step commit when the metrics
	// source has no data for the flag's snapshot. Off, such a step is held
	// with metrics_unavailable.
	AllowMissingMetrics bool `json:"allowMissingMetrics"`
}

// Runtime is the reloadable RuntimeConfig shared by evaluation and the
// rollout controller. A Store is visible to the next evaluation or step.
type Runtime struct {
	v atomic.Pointer[RuntimeConfig]
}

func NewRuntime(cfg RuntimeConfig) *Runtime {
	r := &Runtime{}
	r.Store(cfg)
	return r
}

func (r *Runtime) Load() RuntimeConfig {
	if r == nil {
		return RuntimeConfig{}
	}
	return *r.v.Load()
}

func (r *Runtime) Store(cfg RuntimeConfig) {
	r.v.Store(&cfg)
}
