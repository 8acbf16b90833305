package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface representing a canonical field value.
// Only Null, String, Int and Bool implement it.
// There is deliberately no float variant: decimals are carried as Int minor units.
type Value interface {
	irValue() // Sealed - only these types implement it
}

// Null represents an absent value of a nullable field.
// Using an explicit type ensures all Values satisfy the sealed interface.
type Null struct{}

func (Null) irValue() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String represents a string value. Enum and timestamp fields are strings too.
type String string

func (String) irValue() {}

// Int represents an integer value. Always int64, never float64.
type Int int64

func (Int) irValue() {}

// Bool represents a boolean value.
type Bool bool

func (Bool) irValue() {}

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// TypeName returns the canonical type name of a value, used in validation messages.
func TypeName(v Value) string {
	switch v.(type) {
	case nil, Null:
		return "null"
	case String:
		return "string"
	case Int:
		return "int"
	case Bool:
		return "bool"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Fields is one canonical record: field name to scalar value.
// Use SortedKeys() for deterministic iteration.
type Fields map[string]Value

// F is a shorthand pair for building Fields in tests and fixtures.
type F struct {
	Key   string
	Value Value
}

// NewFields creates Fields from typed pairs.
// Example: NewFields(F{"name", String("Ada")}, F{"favorite", Bool(true)})
func NewFields(pairs ...F) Fields {
	f := make(Fields, len(pairs))
	for _, p := range pairs {
		f[p.Key] = p.Value
	}
	return f
}

// Clone returns a shallow copy. Values are immutable scalars so this is a full copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Equal reports whether both records hold the same fields and values.
// A missing key and an explicit Null are treated as equal.
func (f Fields) Equal(other Fields) bool {
	for k, v := range f {
		if !valueEqual(v, other[k]) {
			return false
		}
	}
	for k, v := range other {
		if _, ok := f[k]; !ok && !IsNull(v) {
			return false
		}
	}
	return true
}

// Merge returns a copy of f with every field of patch applied on top.
func (f Fields) Merge(patch Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = make(Fields, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// String returns the string value of a field, or "" when absent or not a string.
func (f Fields) String(name string) string {
	if s, ok := f[name].(String); ok {
		return string(s)
	}
	return ""
}

func valueEqual(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	return a == b
}

// CompareValues orders two values of the same type.
// Returns ok=false when the values are not comparable (different types or null).
func CompareValues(a, b Value) (cmp int, ok bool) {
	switch av := a.(type) {
	case String:
		bv, isStr := b.(String)
		if !isStr {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case Int:
		bv, isInt := b.(Int)
		if !isInt {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case Bool:
		bv, isBool := b.(Bool)
		if !isBool {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !bool(av):
			return -1, true
		}
		return 1, true
	default:
		return 0, false
	}
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings compares UTF-8 bytes, which differs outside the BMP.
func (f Fields) SortedKeys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings by UTF-16 code units as required by RFC 8785.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	for i := 0; i < min(len(a16), len(b16)); i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// MarshalJSON implements json.Marshaler with sorted keys.
// NOTE: this is not canonical marshaling (HTML escaping applies). Use
// MarshalCanonical for storage and hashing.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range f.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalValue(f[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler for Fields.
// Large integers are preserved via json.Number; floats, arrays and objects are rejected.
func (f *Fields) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = make(Fields, len(raw))
	for k, v := range raw {
		val, err := UnmarshalValue(v)
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		(*f)[k] = val
	}
	return nil
}

// MarshalValue marshals a single Value to JSON bytes.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return json.Marshal(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Bool:
		return json.Marshal(bool(val))
	default:
		return nil, fmt.Errorf("unknown Value type: %T", v)
	}
}

// UnmarshalValue decodes one JSON scalar into a Value.
// null becomes Null; non-integral numbers are rejected.
func UnmarshalValue(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return String(s), nil

	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil

	case 'n':
		return Null{}, nil

	case '[', '{':
		return nil, fmt.Errorf("nested values are not allowed in records: %s", string(data))

	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("floats not allowed in records: %s", string(data))
		}
		return Int(i), nil
	}
}
