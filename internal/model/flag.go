package model

import "time"

// FlagRecord is the row holding one flag config. Config is the JSON encoding
// of v1.FlagConfig; the other columns are copies kept for listing and search.
type FlagRecord struct {
	ID         uint64    `gorm:"primaryKey" json:"id"`
	Namespace  string    `gorm:"size:128;uniqueIndex:idx_flag_ns_key" json:"namespace"`
	Key        string    `gorm:"column:flag_key;size:128;uniqueIndex:idx_flag_ns_key" json:"key"`
	Config     string    `gorm:"type:text" json:"config"`
	Version    int64     `json:"version"`
	Enabled    bool      `json:"enabled"`
	KillSwitch bool      `json:"kill_switch"`
	RolloutPct float64   `json:"rollout_pct"`
	UpdatedBy  string    `gorm:"size:64" json:"updated_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OverrideRecord is one override entry. Value is the JSON encoding of v1.Value.
type OverrideRecord struct {
	ID        uint64 `gorm:"primaryKey" json:"id"`
	Namespace string `gorm:"size:128;uniqueIndex:idx_override_scope" json:"namespace"`
	Flag      string `gorm:"size:128;uniqueIndex:idx_override_scope" json:"flag"`
	ScopeType string `gorm:"size:16;uniqueIndex:idx_override_scope" json:"scope_type"`
	ScopeID   string `gorm:"size:128;uniqueIndex:idx_override_scope;index" json:"scope_id"`
	Value     string `gorm:"size:1024" json:"value"`
	Author    string `gorm:"size:64" json:"author"`
	Reason    string `gorm:"size:256" json:"reason"`
	UpdatedAt int64  `gorm:"autoUpdateTime:false" json:"updated_at"`
	ExpiresAt int64  `json:"expires_at"`
}
