package req

import (
	"rollgate/internal/eval"
	"rollgate/internal/privacy"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"
)

// FlagURI addresses one flag in the control-plane routes.
type FlagURI struct {
	Namespace string `uri:"ns" binding:"required"`
	Key       string `uri:"key" binding:"required"`
}

type ListFlagsRequest struct {
	Namespace string `form:"namespace"`
}

type PutOverrideRequest struct {
	Scope     v1.OverrideScope `json:"scope"`
	Value     v1.Value         `json:"value"`
	Reason    string           `json:"reason"`
	ExpiresAt int64            `json:"expiresAt"`
}

type RemoveOverrideRequest struct {
	Scope string `form:"scope" binding:"required"`
	ID    string `form:"id"`
}

func (r RemoveOverrideRequest) ToScope() v1.OverrideScope {
	return v1.OverrideScope{Type: constraints.Scope(r.Scope), ID: r.ID}
}

type PreviewRequest struct {
	Pct     *float64      `json:"pct" binding:"required"`
	Samples []eval.Sample `json:"samples"`
	Keep    int           `json:"keep"`
}

type SummaryRequest struct {
	Snapshot string `form:"snapshot"`
}

type EraseRequest struct {
	privacy.Identifiers
	Source privacy.Source `json:"source"`
	Note   string         `json:"note"`
}

type WatchRequest struct {
	Rev       int64  `form:"rev"`
	Namespace string `form:"namespace"`
}
