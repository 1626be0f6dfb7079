package v1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"rollgate/pkg/constraints"
)

// Value is a flag value tagged with its kind. The zero Value is an unset
// value of no kind.
type Value struct {
	kind constraints.ValueKind
	b    bool
	s    string
	n    float64
}

func Bool(b bool) Value       { return Value{kind: constraints.TypeBool, b: b} }
func String(s string) Value   { return Value{kind: constraints.TypeString, s: s} }
func Number(n float64) Value  { return Value{kind: constraints.TypeNumber, n: n} }
func ValuePtr(v Value) *Value { return &v }

func (v Value) IsZero() bool                { return v.kind == "" }
func (v Value) Kind() constraints.ValueKind { return v.kind }

// AsBool reports the boolean payload; non-bool values are false.
func (v Value) AsBool() bool      { return v.kind == constraints.TypeBool && v.b }
func (v Value) AsString() string  { return v.s }
func (v Value) AsNumber() float64 { return v.n }

func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.b == o.b && v.s == o.s && v.n == o.n
}

// Interface unwraps the value for encoders that want a plain Go value.
func (v Value) Interface() any {
	switch v.kind {
	case constraints.TypeBool:
		return v.b
	case constraints.TypeString:
		return v.s
	case constraints.TypeNumber:
		return v.n
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case constraints.TypeBool:
		return strconv.FormatBool(v.b)
	case constraints.TypeString:
		return v.s
	case constraints.TypeNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	}
	return ""
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case bool:
		*v = Bool(x)
	case string:
		*v = String(x)
	case float64:
		*v = Number(x)
	default:
		return fmt.Errorf("flag value must be bool, string or number, got %s", data)
	}
	return nil
}

// ParseValue converts a textual value into the given kind, as used by the CLI
// and query-string inputs.
func ParseValue(kind constraints.ValueKind, raw string) (Value, error) {
	switch kind {
	case constraints.TypeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Value{}, fmt.Errorf("invalid bool %q", raw)
		}
		return Bool(b), nil
	case constraints.TypeNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q", raw)
		}
		return Number(n), nil
	case constraints.TypeString:
		return String(raw), nil
	}
	return Value{}, fmt.Errorf("unknown value kind %q", kind)
}
