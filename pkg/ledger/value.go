package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Kind is the type of an attribute value. Once an attribute name has been
// recorded with a kind, it keeps that kind for the lifetime of the ledger.
type Kind string

const (
	// KindNumber is a float64 value. Integers are stored as numbers.
	KindNumber Kind = "number"

	// KindString is a string value.
	KindString Kind = "string"

	// KindBool is a boolean value.
	KindBool Kind = "bool"

	// KindList is a list of numbers, e.g. per-step rewards.
	KindList Kind = "list"
)

// Value is a typed attribute value.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
	list []float64
}

// Number creates a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Int creates a numeric value from an integer.
func Int(i int) Value { return Value{kind: KindNumber, num: float64(i)} }

// String creates a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool creates a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List creates a list value. The slice is copied.
func List(xs []float64) Value {
	cp := make([]float64, len(xs))
	copy(cp, xs)
	return Value{kind: KindList, list: cp}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v is the zero Value (no kind).
func (v Value) IsZero() bool { return v.kind == "" }

// Float returns the numeric value.
func (v Value) Float() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// Str returns the string value.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// Boolean returns the boolean value.
func (v Value) Boolean() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// Floats returns a copy of the list value.
func (v Value) Floats() ([]float64, bool) {
	if v.kind != KindList {
		return nil, false
	}
	cp := make([]float64, len(v.list))
	copy(cp, v.list)
	return cp, true
}

// Interface returns the value as a plain Go value suitable for policy or script input.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindBool:
		return v.b
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, f := range v.list {
			out[i] = f
		}
		return out
	}
	return nil
}

// String formats the value for tables and logs.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return formatFloat(v.num)
	case KindString:
		return v.str
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindList:
		return fmt.Sprintf("[%d values]", len(v.list))
	}
	return ""
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == o.num
	case KindString:
		return v.str == o.str
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != o.list[i] {
				return false
			}
		}
	}
	return true
}

// MarshalJSON encodes the value as its natural JSON form.
// Non-finite numbers are encoded as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.num)
	case KindString:
		return json.Marshal(v.str)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		xs := make([]interface{}, len(v.list))
		for i, f := range v.list {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				xs[i] = nil
				continue
			}
			xs[i] = f
		}
		return json.Marshal(xs)
	}
	return []byte("null"), nil
}

// UnmarshalJSON decodes a number, string, bool or list of numbers.
// null decodes to the zero Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}

	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromInterface converts a decoded JSON or script value into a Value.
func FromInterface(raw interface{}) (Value, error) {
	switch x := raw.(type) {
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Int(x), nil
	case int64:
		return Number(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case []float64:
		return List(x), nil
	case []interface{}:
		xs := make([]float64, 0, len(x))
		for i, e := range x {
			switch n := e.(type) {
			case float64:
				xs = append(xs, n)
			case int:
				xs = append(xs, float64(n))
			case int64:
				xs = append(xs, float64(n))
			case nil:
				xs = append(xs, math.NaN())
			default:
				return Value{}, fmt.Errorf("list element %d has unsupported type %T", i, e)
			}
		}
		return List(xs), nil
	}
	return Value{}, fmt.Errorf("unsupported attribute type %T", raw)
}

// Attributes is the typed metrics mapping of one run unit.
type Attributes map[string]Value

// Clone returns a shallow copy of the attributes.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Keys returns the attribute names in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Float returns a numeric attribute.
func (a Attributes) Float(key string) (float64, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	return v.Float()
}

// Str returns a string attribute.
func (a Attributes) Str(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	return v.Str()
}

// Floats returns a list attribute.
func (a Attributes) Floats(key string) ([]float64, bool) {
	v, ok := a[key]
	if !ok {
		return nil, false
	}
	return v.Floats()
}

// ToMap converts the attributes to plain Go values.
func (a Attributes) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, len(a))
	for k, v := range a {
		out[k] = v.Interface()
	}
	return out
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%.0f", f)
	}
	return fmt.Sprintf("%.4g", f)
}
