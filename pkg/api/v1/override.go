package v1

import (
	"rollgate/pkg/constraints"
)

// OverrideScope targets an override at everyone, one user or one namespace.
type OverrideScope struct {
	Type constraints.Scope `json:"type"`
	ID   string            `json:"id,omitempty"`
}

func GlobalScope() OverrideScope { return OverrideScope{Type: constraints.ScopeGlobal} }

func UserScope(id string) OverrideScope { return OverrideScope{Type: constraints.ScopeUser, ID: id} }

func NamespaceScope(id string) OverrideScope {
	return OverrideScope{Type: constraints.ScopeNamespace, ID: id}
}

func (s OverrideScope) String() string {
	if s.Type == constraints.ScopeGlobal {
		return string(s.Type)
	}
	return string(s.Type) + ":" + s.ID
}

func (s OverrideScope) Validate() error {
	switch s.Type {
	case constraints.ScopeGlobal:
		if s.ID != "" {
			return NewValidationError("scope.id", "global scope takes no id")
		}
	case constraints.ScopeUser, constraints.ScopeNamespace:
		if s.ID == "" {
			return NewValidationError("scope.id", "is required for "+string(s.Type)+" scope")
		}
	default:
		return NewValidationError("scope.type", "unknown scope "+string(s.Type))
	}
	return nil
}

// OverrideEntry pins a flag value for a scope. Entries are keyed by
// (Namespace, Flag, Scope).
type OverrideEntry struct {
	Namespace string        `json:"namespace"`
	Flag      string        `json:"flag"`
	Scope     OverrideScope `json:"scope"`
	Value     Value         `json:"value"`
	Author    string        `json:"author"`
	Reason    string        `json:"reason,omitempty"`
	UpdatedAt int64         `json:"updatedAt"`
	ExpiresAt int64         `json:"expiresAt,omitempty"`
}

// Expired reports whether the entry stopped applying at or before nowMs.
func (o OverrideEntry) Expired(nowMs int64) bool {
	return o.ExpiresAt > 0 && o.ExpiresAt <= nowMs
}

// Overrides holds the entries that apply to one evaluation.
type Overrides struct {
	User      *Value
	Namespace *Value
	Global    *Value
}

// ResolveOverrides picks the user, namespace and global entries that apply to
// the given user and namespace. Expired entries are ignored.
func ResolveOverrides(entries []OverrideEntry, userID, namespace string, nowMs int64) Overrides {
	var out Overrides
	for i := range entries {
		e := entries[i]
		if e.Expired(nowMs) {
			continue
		}
		v := e.Value
		switch e.Scope.Type {
		case constraints.ScopeUser:
			if userID != "" && e.Scope.ID == userID {
				out.User = &v
			}
		case constraints.ScopeNamespace:
			if namespace != "" && e.Scope.ID == namespace {
				out.Namespace = &v
			}
		case constraints.ScopeGlobal:
			out.Global = &v
		}
	}
	return out
}

// Seeds are the identifiers one evaluation may bucket on. They are never
// persisted with the flag.
type Seeds struct {
	UserID    string `json:"userId,omitempty"`
	Cookie    string `json:"cookie,omitempty"`
	IPUA      string `json:"ipUa,omitempty"`
	AnonID    string `json:"anonId,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

// Context is the request audience matched by segment rules.
type Context struct {
	Namespace string `json:"namespace,omitempty"`
	Tenant    string `json:"tenant,omitempty"`
	Locale    string `json:"locale,omitempty"`
	Path      string `json:"path,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}
