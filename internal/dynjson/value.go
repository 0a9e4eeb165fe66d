// Package dynjson represents weakly-typed Hub payloads (meta, payload,
// runtime_meta fields) as a small set of tagged variants instead of bare
// interface{}. Callers narrow at the boundary with the AsX helpers; nothing
// below the boundary should type-switch on a concrete Go type.
package dynjson

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindText
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a tagged variant: Null | Bool | Number | Text | Array | Object.
// Exactly one of the typed fields is meaningful, selected by Kind.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

// Null returns the null variant.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// Text wraps a string.
func Text(s string) Value { return Value{kind: KindText, s: s} }

// Array wraps a slice of Values.
func Array(vs []Value) Value { return Value{kind: KindArray, arr: vs} }

// Object wraps a string-keyed map of Values.
func Object(m map[string]Value) Value { return Value{kind: KindObject, obj: m} }

// NewObject returns an empty, ready-to-populate Object variant.
func NewObject() Value { return Object(map[string]Value{}) }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool narrows to bool; ok is false for any other variant.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsNumber narrows to float64; ok is false for any other variant.
func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.n, true
}

// AsInt narrows to int, truncating a float64 Number; ok is false otherwise.
func (v Value) AsInt() (int, bool) {
	n, ok := v.AsNumber()
	if !ok {
		return 0, false
	}
	return int(n), true
}

// AsText narrows to string; ok is false for any other variant.
func (v Value) AsText() (string, bool) {
	if v.kind != KindText {
		return "", false
	}
	return v.s, true
}

// AsArray narrows to []Value; ok is false for any other variant.
func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

// AsObject narrows to map[string]Value; ok is false for any other variant.
func (v Value) AsObject() (map[string]Value, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return v.obj, true
}

// TextOr narrows to string, returning fallback when the variant is not Text
// or is absent (zero Value).
func (v Value) TextOr(fallback string) string {
	if s, ok := v.AsText(); ok {
		return s
	}
	return fallback
}

// Get looks up a key on an Object variant; returns Null for any other
// variant or a missing key.
func (v Value) Get(key string) Value {
	obj, ok := v.AsObject()
	if !ok {
		return Null()
	}
	if val, found := obj[key]; found {
		return val
	}
	return Null()
}

// GetPath walks nested Object lookups; returns Null if any hop misses.
func (v Value) GetPath(keys ...string) Value {
	cur := v
	for _, k := range keys {
		cur = cur.Get(k)
	}
	return cur
}

// Set assigns key on an Object variant, mutating the backing map in place.
// No-op if v is not an Object.
func (v Value) Set(key string, val Value) {
	if v.kind == KindObject && v.obj != nil {
		v.obj[key] = val
	}
}

// Keys returns the sorted key set of an Object variant, nil otherwise.
func (v Value) Keys() []string {
	obj, ok := v.AsObject()
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FromAny converts a decoded encoding/json tree (map[string]any, []any,
// string, float64, bool, nil) into a Value tree.
func FromAny(in any) Value {
	switch t := in.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case string:
		return Text(t)
	case []any:
		out := make([]Value, 0, len(t))
		for _, item := range t {
			out = append(out, FromAny(item))
		}
		return Array(out)
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, item := range t {
			out[k] = FromAny(item)
		}
		return Object(out)
	default:
		return Null()
	}
}

// Parse decodes raw JSON bytes into a Value tree.
func Parse(raw []byte) (Value, error) {
	if len(raw) == 0 {
		return Null(), nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Null(), fmt.Errorf("dynjson: parse: %w", err)
	}
	return FromAny(decoded), nil
}

// ToAny converts the Value tree back into plain Go values suitable for
// encoding/json.Marshal.
func (v Value) ToAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindText:
		return v.s
	case KindArray:
		out := make([]any, 0, len(v.arr))
		for _, item := range v.arr {
			out = append(out, item.ToAny())
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.ToAny()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*v = FromAny(decoded)
	return nil
}
