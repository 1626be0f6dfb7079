package model

import "time"

// OutboxTask carries one change message (v1.Message JSON) waiting to be
// mirrored to etcd. It is written in the same transaction as the change, and
// tasks for one flag are delivered in id order.
type OutboxTask struct {
	ID        int64  `json:"id" gorm:"primaryKey"`
	Namespace string `json:"namespace" gorm:"size:128"`
	// Key is "<namespace>/<flag>".
	Key           string    `json:"key" gorm:"size:256;index"`
	Kind          string    `json:"kind" gorm:"size:16"`
	Payload       string    `json:"payload" gorm:"type:text"`
	Status        int       `json:"status" gorm:"index:idx_outbox_due,priority:1"`
	NextAttemptAt time.Time `json:"next_attempt_at" gorm:"index:idx_outbox_due,priority:2"`
	RetryCount    int       `json:"retry_count" gorm:"default:0"`
	LastError     string    `json:"last_error" gorm:"size:512"`
	TraceID       string    `json:"trace_id" gorm:"size:64;index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	StatusPending   = 0
	StatusCompleted = 1
	StatusFailed    = 2
)

const MaxOutboxRetries = 5
