package block

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValueKind tags the variant held by a Value
type ValueKind string

// Value kinds
const (
	KindNumber ValueKind = "number"
	KindString ValueKind = "string"
	KindBool   ValueKind = "bool"
	KindList   ValueKind = "list"
)

// Value is a strongly typed parameter value. Exactly one field matches Kind.
type Value struct {
	Kind   ValueKind
	Number float64
	Text   string
	Bool   bool
	List   []string
}

// Number returns a numeric value
func Number(v float64) Value { return Value{Kind: KindNumber, Number: v} }

// String returns a string value
func String(v string) Value { return Value{Kind: KindString, Text: v} }

// Bool returns a boolean value
func Bool(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// List returns a list value
func List(v ...string) Value { return Value{Kind: KindList, List: append([]string(nil), v...)} }

// FromAny converts a freeform value (as decoded from JSON or YAML) into a Value.
func FromAny(v any) (Value, error) {
	switch t := v.(type) {
	case Value:
		return t, nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q", t.String())
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case []string:
		return List(t...), nil
	case []any:
		items := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return Value{}, fmt.Errorf("list items must be strings, got %T", item)
			}
			items = append(items, s)
		}
		return List(items...), nil
	default:
		return Value{}, fmt.Errorf("unsupported parameter value of type %T", v)
	}
}

// Any returns the value as a plain Go value
func (v Value) Any() any {
	switch v.Kind {
	case KindNumber:
		return v.Number
	case KindString:
		return v.Text
	case KindBool:
		return v.Bool
	case KindList:
		return append([]string(nil), v.List...)
	}
	return nil
}

// IsWhole reports whether a numeric value has no fractional part
func (v Value) IsWhole() bool {
	return v.Kind == KindNumber && v.Number == math.Trunc(v.Number) && !math.IsInf(v.Number, 0)
}

// Equal compares two values
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Number == o.Number
	case KindString:
		return v.Text == o.Text
	case KindBool:
		return v.Bool == o.Bool
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if v.List[i] != o.List[i] {
				return false
			}
		}
		return true
	}
	return true
}

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'g', -1, 64)
	case KindString:
		return v.Text
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindList:
		return "[" + strings.Join(v.List, ",") + "]"
	}
	return ""
}

// MarshalJSON encodes the value as its plain JSON form
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// UnmarshalJSON infers the kind from the JSON token
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

// MarshalYAML encodes the value as its plain YAML form
func (v Value) MarshalYAML() (any, error) {
	return v.Any(), nil
}

// UnmarshalYAML infers the kind from the YAML node
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Parameters holds the concrete, typed parameter values of a block
type Parameters map[string]Value

// Clone returns a deep copy
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		if v.Kind == KindList {
			v.List = append([]string(nil), v.List...)
		}
		out[k] = v
	}
	return out
}

// Names returns parameter names in sorted order
func (p Parameters) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Float returns a numeric parameter or def when absent
func (p Parameters) Float(name string, def float64) float64 {
	if v, ok := p[name]; ok && v.Kind == KindNumber {
		return v.Number
	}
	return def
}

// Int returns an integer parameter or def when absent
func (p Parameters) Int(name string, def int) int {
	if v, ok := p[name]; ok && v.Kind == KindNumber {
		return int(v.Number)
	}
	return def
}

// Text returns a string parameter or def when absent
func (p Parameters) Text(name, def string) string {
	if v, ok := p[name]; ok && v.Kind == KindString {
		return v.Text
	}
	return def
}

// Flag returns a boolean parameter or def when absent
func (p Parameters) Flag(name string, def bool) bool {
	if v, ok := p[name]; ok && v.Kind == KindBool {
		return v.Bool
	}
	return def
}
