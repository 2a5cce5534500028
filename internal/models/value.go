package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindDate
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "null"
	}
}

// Value is a section field value. The zero Value is null, which is how a
// cleared field is stored.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	t    time.Time
	list []Value
	m    map[string]Value
}

func Null() Value { return Value{} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Date(t time.Time) Value { return Value{kind: KindDate, t: t.UTC()} }
func List(items ...Value) Value { return Value{kind: KindList, list: append([]Value{}, items...)} }

// Map copies m into a map value. Keys become path segments, so a key that
// contains a dot or is blank is rejected.
func Map(m map[string]Value) (Value, error) {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		if err := checkMapKey(k); err != nil {
			return Value{}, err
		}
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}, nil
}

func checkMapKey(k string) error {
	if strings.TrimSpace(k) == "" {
		return fmt.Errorf("map key is empty")
	}
	if strings.Contains(k, ".") {
		return fmt.Errorf("map key %q contains '.'", k)
	}
	return nil
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) AsDate() (time.Time, bool) { return v.t, v.kind == KindDate }
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }
func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Filled reports whether the value counts towards completion: non-blank
// strings, any number or boolean, set dates and non-empty lists.
func (v Value) Filled() bool {
	switch v.kind {
	case KindString:
		return strings.TrimSpace(v.str) != ""
	case KindNumber, KindBool:
		return true
	case KindDate:
		return !v.t.IsZero()
	case KindList:
		return len(v.list) > 0
	default:
		return false
	}
}

// Clone deep-copies lists and maps.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, it := range v.list {
			items[i] = it.Clone()
		}
		return Value{kind: KindList, list: items}
	case KindMap:
		m := make(map[string]Value, len(v.m))
		for k, it := range v.m {
			m[k] = it.Clone()
		}
		return Value{kind: KindMap, m: m}
	default:
		return v
	}
}

// Interface converts to plain JSON types. Dates become RFC3339 strings.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindDate:
		return v.t.Format(time.RFC3339Nano)
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, it := range v.list {
			out[i] = it.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, it := range v.m {
			out[k] = it.Interface()
		}
		return out
	default:
		return nil
	}
}

// FromInterface converts decoded JSON (or native Go scalars) into a Value.
func FromInterface(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(f), nil
	case time.Time:
		return Date(t), nil
	case []interface{}:
		items := make([]Value, len(t))
		for i, it := range t {
			v, err := FromInterface(it)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, it := range t {
			if err := checkMapKey(k); err != nil {
				return Value{}, err
			}
			v, err := FromInterface(it)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Value{kind: KindMap, m: m}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON never infers dates; date-looking strings stay strings.
func (v *Value) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Data is the content of a section keyed by top-level field name.
type Data map[string]Value

// SplitPath splits a dotted field path, rejecting empty segments.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("field path is empty")
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("field path %q has an empty segment", path)
		}
	}
	return segs, nil
}

// Set writes v at path, creating intermediate maps. Any non-map value on
// the way is replaced by a map.
func (d Data) Set(path string, v Value) error {
	if d == nil {
		return fmt.Errorf("cannot set %q on nil data", path)
	}
	segs, err := SplitPath(path)
	if err != nil {
		return err
	}
	cur := map[string]Value(d)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok || next.kind != KindMap || next.m == nil {
			next = Value{kind: KindMap, m: make(map[string]Value)}
			cur[seg] = next
		}
		cur = next.m
	}
	cur[segs[len(segs)-1]] = v
	return nil
}

// Get reads the value at path.
func (d Data) Get(path string) (Value, bool) {
	segs, err := SplitPath(path)
	if err != nil {
		return Value{}, false
	}
	cur := map[string]Value(d)
	for i, seg := range segs {
		v, ok := cur[seg]
		if !ok {
			return Value{}, false
		}
		if i == len(segs)-1 {
			return v, true
		}
		if v.kind != KindMap {
			return Value{}, false
		}
		cur = v.m
	}
	return Value{}, false
}

// Flatten maps every leaf path to its value. Lists are leaves; empty maps
// contribute nothing.
func (d Data) Flatten() map[string]Value {
	out := make(map[string]Value)
	flattenInto(out, "", map[string]Value(d))
	return out
}

func flattenInto(out map[string]Value, prefix string, m map[string]Value) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if v.kind == KindMap {
			flattenInto(out, key, v.m)
			continue
		}
		out[key] = v
	}
}

// LeafKeys returns the sorted leaf paths of d.
func (d Data) LeafKeys() []string {
	flat := d.Flatten()
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone deep-copies d. A nil Data clones to an empty one.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v.Clone()
	}
	return out
}

// Interface converts d to plain JSON types.
func (d Data) Interface() map[string]interface{} {
	out := make(map[string]interface{}, len(d))
	for k, v := range d {
		out[k] = v.Interface()
	}
	return out
}
