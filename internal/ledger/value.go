package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// maxDepth bounds payload nesting. Payloads deeper than this are rejected as
// circular: well-formed audit snapshots are shallow, and Go cannot otherwise
// detect reference cycles through maps and slices cheaply.
const maxDepth = 128

// Kind enumerates the payload value variants. Payloads arrive as JSON-shaped
// dynamic data; Value gives the canonical encoder an exhaustive, tagged
// representation of every variant.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is an immutable, recursively-defined payload value
// (null/bool/number/string/array/object).
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array returns an array value holding the given elements.
func Array(elems ...Value) Value { return Value{kind: KindArray, arr: elems} }

// Object returns an object value holding the given members.
func Object(members map[string]Value) Value { return Value{kind: KindObject, obj: members} }

// Kind returns the variant tag of v.
func (v Value) Kind() Kind { return v.kind }

// StringValue returns the underlying string; valid only for KindString.
func (v Value) StringValue() string { return v.s }

// FromAny converts JSON-shaped dynamic data (nil, bool, numbers, string,
// []any, map[string]any, json.Number, and Value itself) into a Value.
// Unsupported types, non-finite numbers, and structures nested beyond
// maxDepth fail with ErrEncoding.
func FromAny(data any) (Value, error) {
	return fromAny(data, 0)
}

func fromAny(data any, depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, fmt.Errorf("%w: nesting exceeds %d levels (circular structure?)", ErrEncoding, maxDepth)
	}

	switch d := data.(type) {
	case nil:
		return Null(), nil
	case Value:
		return d, nil
	case *Value:
		if d == nil {
			return Null(), nil
		}
		return *d, nil
	case bool:
		return Bool(d), nil
	case string:
		return String(d), nil
	case float64:
		return number(d)
	case float32:
		return number(float64(d))
	case int:
		return number(float64(d))
	case int8:
		return number(float64(d))
	case int16:
		return number(float64(d))
	case int32:
		return number(float64(d))
	case int64:
		return number(float64(d))
	case uint:
		return number(float64(d))
	case uint8:
		return number(float64(d))
	case uint16:
		return number(float64(d))
	case uint32:
		return number(float64(d))
	case uint64:
		return number(float64(d))
	case json.Number:
		f, err := d.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: invalid number %q", ErrEncoding, d.String())
		}
		return number(f)
	case []any:
		elems := make([]Value, 0, len(d))
		for i, e := range d {
			v, err := fromAny(e, depth+1)
			if err != nil {
				return Value{}, fmt.Errorf("array index %d: %w", i, err)
			}
			elems = append(elems, v)
		}
		return Value{kind: KindArray, arr: elems}, nil
	case map[string]any:
		members := make(map[string]Value, len(d))
		for k, e := range d {
			v, err := fromAny(e, depth+1)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			members[k] = v
		}
		return Value{kind: KindObject, obj: members}, nil
	case map[string]string:
		members := make(map[string]Value, len(d))
		for k, s := range d {
			members[k] = String(s)
		}
		return Value{kind: KindObject, obj: members}, nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported type %T", ErrEncoding, data)
	}
}

func number(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%w: non-finite number", ErrEncoding)
	}
	return Number(f), nil
}

// toAny converts v back into JSON-shaped dynamic data.
func (v Value) toAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.toAny()
		}
		return out
	case KindObject:
		m := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			m[k] = e.toAny()
		}
		return m
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.toAny())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// sortedKeys returns the object's member keys in ascending order.
// Valid only for KindObject.
func (v Value) sortedKeys() []string {
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
