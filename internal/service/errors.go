package service

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

var (
	// ErrMetricsUnavailable means the metrics source has no data for the
	// snapshot, so an advance cannot be judged safe.
	ErrMetricsUnavailable = errors.New("metrics unavailable")
	// ErrRolloutBlocked is an expected policy hold.
	ErrRolloutBlocked = errors.New("rollout blocked")
	// ErrVersionConflict means a write named a version that is no longer current.
	ErrVersionConflict = errors.New("flag version conflict")

	ErrEtcdUnhealthy  = errors.New("etcd unhealthy")
	ErrStoreUnhealthy = errors.New("store unhealthy")
)

// Block reasons.
const (
	ReasonMetricsUnavailable = "metrics_unavailable"
	ReasonMinSamples         = "min_samples"
	ReasonCoolDown           = "cool_down"
	ReasonMaxErrorRate       = "maxErrorRate"
	ReasonMaxCLS             = "maxCLS"
	ReasonMaxINP             = "maxINP"
)

// Block explains why a rollout step did not proceed.
type Block struct {
	Reason    string   `json:"reason"`
	Limit     *float64 `json:"limit,omitempty"`
	Actual    *float64 `json:"actual,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	RetryInMs int64    `json:"retryInMs,omitempty"`
}

func (b *Block) Error() string {
	msg := "rollout blocked: " + b.Reason
	if b.Actual != nil && b.Threshold != nil {
		msg += fmt.Sprintf(" (actual %g > threshold %g)", *b.Actual, *b.Threshold)
	}
	if b.RetryInMs > 0 {
		msg += " (retry in " + strconv.FormatInt(b.RetryInMs, 10) + "ms)"
	}
	return msg
}

func (b *Block) Unwrap() error {
	if b.Reason == ReasonMetricsUnavailable {
		return ErrMetricsUnavailable
	}
	return ErrRolloutBlocked
}

// HTTPStatus is 409 for a breached threshold and 412 for every unmet
// precondition.
func (b *Block) HTTPStatus() int {
	switch b.Reason {
	case ReasonMaxErrorRate, ReasonMaxCLS, ReasonMaxINP:
		return http.StatusConflict
	}
	return http.StatusPreconditionFailed
}

func missing(metric string) string {
	return metric + "_missing"
}
