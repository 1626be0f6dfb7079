package resp

import (
	"time"

	"rollgate/internal/model"
	"rollgate/internal/privacy"
	"rollgate/internal/vitals"
	v1 "rollgate/pkg/api/v1"
)

type PutFlagResponse struct {
	Version   int64 `json:"version"`
	UpdatedAt int64 `json:"updatedAt"`
}

type ListFlagsResponse struct {
	Data []*v1.FlagConfig `json:"data"`
}

type SnapshotResponse struct {
	Data      []v1.FlagConfig    `json:"data"`
	Overrides []v1.OverrideEntry `json:"overrides"`
	Revision  int64              `json:"revision"`
}

func NewSnapshotResponse(s v1.Snapshot) SnapshotResponse {
	return SnapshotResponse{Data: s.Flags, Overrides: s.Overrides, Revision: s.Revision}
}

type AuditLogItem struct {
	ID        int64     `json:"id"`
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Action    string    `json:"action"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Operator  string    `json:"operator"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func NewAuditLogItems(rows []model.FlagAudit) []AuditLogItem {
	items := make([]AuditLogItem, 0, len(rows))
	for _, a := range rows {
		items = append(items, AuditLogItem{
			ID:        a.ID,
			Namespace: a.Namespace,
			Key:       a.Key,
			Action:    a.Action,
			OldValue:  a.OldValue,
			NewValue:  a.NewValue,
			Operator:  a.Operator,
			TraceID:   a.TraceID,
			CreatedAt: a.CreatedAt,
		})
	}
	return items
}

// SummaryItem flattens a vitals summary into the fields a rollout step reads.
type SummaryItem struct {
	SnapshotID  string   `json:"snapshotId"`
	SampleCount int      `json:"sampleCount"`
	ErrorCount  int      `json:"errorCount"`
	ErrorRate   *float64 `json:"errorRate"`
	CLS         *float64 `json:"CLS"`
	INP         *float64 `json:"INP"`
	LCP         *float64 `json:"LCP"`
}

type SummaryResponse struct {
	Data []SummaryItem `json:"data"`
}

func NewSummaryResponse(sums []vitals.Summary) SummaryResponse {
	out := SummaryResponse{Data: make([]SummaryItem, 0, len(sums))}
	for _, s := range sums {
		out.Data = append(out.Data, SummaryItem{
			SnapshotID:  s.SnapshotID,
			SampleCount: s.SampleCount,
			ErrorCount:  s.ErrorCount,
			ErrorRate:   s.ErrorRate,
			CLS:         s.P75(vitals.MetricCLS),
			INP:         s.P75(vitals.MetricINP),
			LCP:         s.P75(vitals.MetricLCP),
		})
	}
	return out
}

type EraseResponse struct {
	At               int64                 `json:"at"`
	Purged           []privacy.PurgeReport `json:"purged"`
	RemovedOverrides int                   `json:"removedOverrides"`
}
