package model

import "time"

type FlagAudit struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	Namespace string    `json:"namespace" gorm:"size:128;index:idx_audit_flag"`
	Key       string    `json:"key" gorm:"column:flag_key;size:128;index:idx_audit_flag"`
	Action    string    `json:"action" gorm:"size:32"`
	OldValue  string    `json:"old_value" gorm:"type:text"`
	NewValue  string    `json:"new_value" gorm:"type:text"`
	Operator  string    `json:"operator" gorm:"size:64"`
	TraceID   string    `json:"trace_id" gorm:"size:36;index"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}
