package privacy

import (
	"encoding/json"
	"strings"
)

// Index answers "is this identifier erased". A userId is also registered as
// the session id "u:<userId>".
type Index struct {
	sid  map[string]struct{}
	aid  map[string]struct{}
	user map[string]struct{}
}

func NewIndex(records ...Identifiers) *Index {
	idx := &Index{
		sid:  map[string]struct{}{},
		aid:  map[string]struct{}{},
		user: map[string]struct{}{},
	}
	for _, r := range records {
		idx.Add(r)
	}
	return idx
}

func (x *Index) Add(ids Identifiers) {
	ids = ids.Normalize()
	if s := first(ids.SID, ids.StableID); s != "" {
		x.sid[s] = struct{}{}
	}
	if ids.AID != "" {
		x.aid[ids.AID] = struct{}{}
	}
	if ids.UserID != "" {
		x.user[ids.UserID] = struct{}{}
		x.sid["u:"+ids.UserID] = struct{}{}
	}
}

func (x *Index) HasAny() bool {
	return x != nil && (len(x.sid) > 0 || len(x.aid) > 0 || len(x.user) > 0)
}

func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.sid) + len(x.aid) + len(x.user)
}

// Candidate carries the identifiers found on one log line.
type Candidate struct {
	SID       string `json:"sid"`
	SessionID string `json:"sessionId"`
	StableID  string `json:"stableId"`
	AID       string `json:"aid"`
	FFAID     string `json:"ff_aid"`
	UserID    string `json:"userId"`
}

// Lookup reports which field of c matched an erasure, if any.
func (x *Index) Lookup(c Candidate) (string, bool) {
	if !x.HasAny() {
		return "", false
	}
	if s := first(c.SID, c.SessionID, c.StableID); s != "" {
		if _, ok := x.sid[s]; ok {
			return "sid", true
		}
	}
	if a := first(c.AID, c.FFAID); a != "" {
		if _, ok := x.aid[a]; ok {
			return "aid", true
		}
	}
	if u := strings.TrimSpace(c.UserID); u != "" {
		if _, ok := x.user[u]; ok {
			return "userId", true
		}
	}
	return "", false
}

// IsErased reports whether any identifier of c has been erased.
func IsErased(x *Index, c Candidate) bool {
	_, ok := x.Lookup(c)
	return ok
}

// LineErased decodes the identifiers of an NDJSON line and checks them.
// Lines that are not JSON objects are never treated as erased.
func (x *Index) LineErased(line []byte) bool {
	if !x.HasAny() {
		return false
	}
	c, ok := ParseCandidate(line)
	return ok && IsErased(x, c)
}

// ParseCandidate extracts identifier fields from a JSON line. Non-string
// identifier values are ignored.
func ParseCandidate(line []byte) (Candidate, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Candidate{}, false
	}
	str := func(k string) string {
		v, ok := raw[k]
		if !ok {
			return ""
		}
		var s string
		if json.Unmarshal(v, &s) != nil {
			return ""
		}
		return s
	}
	return Candidate{
		SID:       str("sid"),
		SessionID: str("sessionId"),
		StableID:  str("stableId"),
		AID:       str("aid"),
		FFAID:     str("ff_aid"),
		UserID:    str("userId"),
	}, true
}

func first(values ...string) string {
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}
