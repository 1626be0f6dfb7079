package constraints

// Action is the change kind carried by stream messages.
type Action int32

const (
	DELETE Action = 0
	PUT    Action = 1
)

// MessageKind distinguishes flag config changes from override changes on the stream.
type MessageKind string

const (
	KindFlag     MessageKind = "flag"
	KindOverride MessageKind = "override"
	// KindPing is a hub heartbeat; it carries no change.
	KindPing MessageKind = "ping"
)

// ValueKind is the declared type of a flag's value.
type ValueKind string

const (
	TypeBool   ValueKind = "bool"
	TypeString ValueKind = "string"
	TypeNumber ValueKind = "number"
)

// SeedBy names the identity dimension hashed for bucketing.
type SeedBy string

const (
	SeedByUserID    SeedBy = "userId"
	SeedByCookie    SeedBy = "cookie"
	SeedByAnonID    SeedBy = "anonId"
	SeedByIPUA      SeedBy = "ipUa"
	SeedByNamespace SeedBy = "namespace"
)

func (s SeedBy) Valid() bool {
	switch s {
	case "", SeedByUserID, SeedByCookie, SeedByAnonID, SeedByIPUA, SeedByNamespace:
		return true
	}
	return false
}

// Reason explains which precedence rule produced an evaluated value.
type Reason string

const (
	ReasonKillSwitch      Reason = "killSwitch"
	ReasonUserOverride    Reason = "userOverride"
	ReasonNsOverride      Reason = "nsOverride"
	ReasonGlobalOverride  Reason = "globalOverride"
	ReasonSegmentOverride Reason = "segmentOverride"
	ReasonSegmentRollout  Reason = "segmentRollout"
	ReasonGlobalRollout   Reason = "globalRollout"
	ReasonDefault         Reason = "default"
)

// Scope is the target of an override entry.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeUser      Scope = "user"
	ScopeNamespace Scope = "namespace"
)

// Decision is the outcome reported by a rollout step attempt.
type Decision string

const (
	DecisionAdvance Decision = "advance"
	DecisionShadow  Decision = "shadow"
	DecisionHold    Decision = "hold"
)

// AuditAction is recorded in the flag audit trail.
type AuditAction string

const (
	AuditPut            AuditAction = "put"
	AuditRolloutStep    AuditAction = "rollout_step"
	AuditOverridePut    AuditAction = "override_put"
	AuditOverrideRemove AuditAction = "override_remove"
	AuditPrivacyErase   AuditAction = "privacy_erase"
)
