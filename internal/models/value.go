package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
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
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}

	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is an opaque record payload: a tagged union of JSON primitives,
// arrays and objects. The zero Value is null. Numbers keep their decimal
// literal so integer amounts survive a round trip without float rounding.
//
// Values are treated as immutable. Accessors returning slices or maps hand
// out the underlying storage; callers must not modify it.
type Value struct {
	kind Kind
	b    bool
	num  json.Number
	s    string
	arr  []Value
	obj  map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps an integer.
func Int(n int64) Value {
	return Value{kind: KindNumber, num: json.Number(strconv.FormatInt(n, 10))}
}

// Float wraps a floating point number.
func Float(f float64) Value {
	return Value{kind: KindNumber, num: json.Number(strconv.FormatFloat(f, 'g', -1, 64))}
}

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array wraps a list of values.
func Array(items ...Value) Value {
	return Value{kind: KindArray, arr: slices.Clone(items)}
}

// Object wraps a map of values. The map is copied.
func Object(fields map[string]Value) Value {
	return Value{kind: KindObject, obj: maps.Clone(fields)}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean and whether v is a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsString returns the string and whether v is a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsFloat returns the number as float64 and whether v is a number.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}

	f, err := v.num.Float64()

	return f, err == nil
}

// AsInt returns the number as int64 and whether v is an integral number.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}

	n, err := v.num.Int64()

	return n, err == nil
}

// AsArray returns the elements and whether v is an array.
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }

// AsObject returns the fields and whether v is an object.
func (v Value) AsObject() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// Get returns the field named key when v is an object.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}

	f, ok := v.obj[key]

	return f, ok
}

// GetString returns the string field named key, or "" if absent or not a
// string.
func (v Value) GetString(key string) string {
	f, _ := v.Get(key)
	s, _ := f.AsString()

	return s
}

// GetTime parses the string field named key as an RFC 3339 timestamp.
func (v Value) GetTime(key string) (time.Time, bool) {
	s := v.GetString(key)
	if s == "" {
		return time.Time{}, false
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// With returns a copy of the object v with key set to field. A non-object
// v is treated as an empty object.
func (v Value) With(key string, field Value) Value {
	out := make(map[string]Value, len(v.obj)+1)
	if v.kind == KindObject {
		maps.Copy(out, v.obj)
	}

	out[key] = field

	return Value{kind: KindObject, obj: out}
}

// Equal reports whether v and o hold the same data.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}

	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		if v.num == o.num {
			return true
		}

		a, aok := v.AsFloat()
		b, bok := o.AsFloat()

		return aok && bok && a == b
	case KindString:
		return v.s == o.s
	case KindArray:
		return slices.EqualFunc(v.arr, o.arr, Value.Equal)
	case KindObject:
		return maps.EqualFunc(v.obj, o.obj, Value.Equal)
	}

	return false
}

// Any converts v into the plain Go representation produced by
// encoding/json (nil, bool, json.Number, string, []any, map[string]any).
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Any()
		}

		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Any()
		}

		return out
	}

	return nil
}

// FromAny converts a decoded JSON tree into a Value. Numeric Go types are
// accepted alongside json.Number so hand-built maps convert too.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Value{kind: KindNumber, num: t}, nil
	case float64:
		return Float(t), nil
	case float32:
		return Float(float64(t)), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case int32:
		return Int(int64(t)), nil
	case string:
		return String(t), nil
	case []any:
		arr := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}

			arr[i] = v
		}

		return Value{kind: KindArray, arr: arr}, nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", k, err)
			}

			obj[k] = v
		}

		return Value{kind: KindObject, obj: obj}, nil
	}

	return Value{}, fmt.Errorf("unsupported payload type %T", x)
}

// MustObject builds an object Value from a plain map and panics on
// unsupported types. Intended for literals in tests and fixtures.
func MustObject(fields map[string]any) Value {
	v, err := FromAny(fields)
	if err != nil {
		panic(err)
	}

	return v
}

// ParseValue decodes a JSON document into a Value.
func ParseValue(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Value{}, err
	}

	return v, nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decoding value: %w", err)
	}

	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}

	*v = parsed

	return nil
}
