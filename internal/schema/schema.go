package schema

import (
	"fmt"
	"slices"
	"time"

	"github.com/roach88/homebase/internal/ir"
)

// FieldType is the canonical type of a field.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeInt       FieldType = "int"
	TypeBool      FieldType = "bool"
	TypeEnum      FieldType = "enum"
	TypeTimestamp FieldType = "timestamp"
)

// ValidFieldTypes defines allowed field types.
var ValidFieldTypes = map[FieldType]bool{
	TypeString:    true,
	TypeInt:       true,
	TypeBool:      true,
	TypeEnum:      true,
	TypeTimestamp: true,
}

// RuleKind tags a coercion rule between wire and canonical values.
type RuleKind string

const (
	// RuleIdentity passes a value through after a type check.
	RuleIdentity RuleKind = "identity"
	// RuleIntBool maps integers to booleans: 0 is false, nonzero is true.
	RuleIntBool RuleKind = "int_bool"
	// RulePositiveBool maps integers to booleans: > 0 is true.
	RulePositiveBool RuleKind = "positive_bool"
	// RuleEnum accepts strings that are members of the declared set.
	RuleEnum RuleKind = "enum"
	// RuleTimestamp normalizes RFC 3339 strings to TimestampLayout in UTC.
	RuleTimestamp RuleKind = "timestamp"
	// RuleDecimal maps decimal strings to integer minor units at Field.Scale.
	RuleDecimal RuleKind = "decimal"
)

// ValidRuleKinds defines allowed rule kinds.
var ValidRuleKinds = map[RuleKind]bool{
	RuleIdentity:     true,
	RuleIntBool:      true,
	RulePositiveBool: true,
	RuleEnum:         true,
	RuleTimestamp:    true,
	RuleDecimal:      true,
}

// TimestampLayout is the canonical timestamp form. Fixed width, so
// lexicographic order is chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// VersionEncoding says how a record version is read from its version field.
type VersionEncoding string

const (
	// VersionTimestamp versions are Unix microseconds of a timestamp field.
	VersionTimestamp VersionEncoding = "timestamp"
	// VersionInt versions are the value of an int field.
	VersionInt VersionEncoding = "int"
)

// Field is one declared field of a schema.
type Field struct {
	Name     string
	Type     FieldType
	Nullable bool
	Values   []string // enum members
	Scale    int32    // decimal places for RuleDecimal
	Decode   RuleKind
	Encode   RuleKind
}

// HasValue reports whether s is a member of the field's enum set.
func (f Field) HasValue(s string) bool {
	for _, v := range f.Values {
		if v == s {
			return true
		}
	}
	return false
}

// Schema bundles the canonical shape and coercion rules of one kind.
type Schema struct {
	Kind            ir.Kind
	Version         int
	PrimaryKey      string
	VersionField    string
	VersionEncoding VersionEncoding
	Fields          []Field // Schema-declared order, used for decoding
}

// Field returns the named field declaration.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Clone returns a deep copy of s.
func (s *Schema) Clone() *Schema {
	out := *s
	out.Fields = make([]Field, len(s.Fields))
	for i, f := range s.Fields {
		f.Values = slices.Clone(f.Values)
		out.Fields[i] = f
	}
	return &out
}

// withDefaults fills omitted decode/encode rules. The encode rule defaults
// to the inverse of the decode rule.
func (s *Schema) withDefaults() {
	if s.VersionEncoding == "" {
		s.VersionEncoding = VersionTimestamp
	}
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Decode == "" {
			f.Decode = defaultRule(*f)
		}
		if f.Encode == "" {
			f.Encode = f.Decode
		}
	}
}

func defaultRule(f Field) RuleKind {
	switch {
	case f.Scale > 0:
		return RuleDecimal
	case f.Type == TypeEnum:
		return RuleEnum
	case f.Type == TypeTimestamp:
		return RuleTimestamp
	default:
		return RuleIdentity
	}
}

// Check validates the schema declaration and reports every problem found,
// not only the first.
func (s *Schema) Check() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("schema %s: "+format, append([]any{s.Kind}, args...)...))
	}

	if s.Kind == "" {
		add("kind is required")
	}
	if s.Version < 1 {
		add("version must be >= 1, got %d", s.Version)
	}

	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			add("field name is required")
			continue
		}
		if seen[f.Name] {
			add("duplicate field %q", f.Name)
		}
		seen[f.Name] = true

		if !ValidFieldTypes[f.Type] {
			add("field %q: unknown type %q", f.Name, f.Type)
		}
		if f.Type == TypeEnum && len(f.Values) == 0 {
			add("field %q: enum requires values", f.Name)
		}
		if f.Type != TypeEnum && len(f.Values) > 0 {
			add("field %q: values are only allowed on enum fields", f.Name)
		}
		for _, rule := range []RuleKind{f.Decode, f.Encode} {
			if err := checkRule(f, rule); err != nil {
				add("field %q: %v", f.Name, err)
			}
		}
	}

	pk, ok := s.Field(s.PrimaryKey)
	switch {
	case s.PrimaryKey == "":
		add("primary_key is required")
	case !ok:
		add("primary_key %q is not a declared field", s.PrimaryKey)
	case pk.Type != TypeString || pk.Nullable:
		add("primary_key %q must be a non-nullable string", s.PrimaryKey)
	}

	vf, ok := s.Field(s.VersionField)
	switch {
	case s.VersionField == "":
		add("version_field is required")
	case !ok:
		add("version_field %q is not a declared field", s.VersionField)
	case s.VersionEncoding == VersionTimestamp && vf.Type != TypeTimestamp:
		add("version_field %q must be a timestamp for timestamp versions", s.VersionField)
	case s.VersionEncoding == VersionInt && (vf.Type != TypeInt || vf.Decode != RuleIdentity):
		add("version_field %q must be a plain int for int versions", s.VersionField)
	case s.VersionEncoding != VersionTimestamp && s.VersionEncoding != VersionInt:
		add("unknown version_encoding %q", s.VersionEncoding)
	}

	return errs
}

func checkRule(f Field, rule RuleKind) error {
	if !ValidRuleKinds[rule] {
		return fmt.Errorf("unknown rule %q", rule)
	}
	switch rule {
	case RuleIntBool, RulePositiveBool:
		if f.Type != TypeBool {
			return fmt.Errorf("rule %s requires a bool field, got %s", rule, f.Type)
		}
	case RuleEnum:
		if f.Type != TypeEnum {
			return fmt.Errorf("rule enum requires an enum field, got %s", f.Type)
		}
	case RuleTimestamp:
		if f.Type != TypeTimestamp {
			return fmt.Errorf("rule timestamp requires a timestamp field, got %s", f.Type)
		}
	case RuleDecimal:
		if f.Type != TypeInt {
			return fmt.Errorf("rule decimal requires an int field, got %s", f.Type)
		}
		if f.Scale < 0 || f.Scale > 18 {
			return fmt.Errorf("decimal scale %d out of range [0, 18]", f.Scale)
		}
	case RuleIdentity:
		if f.Type == TypeEnum || f.Type == TypeTimestamp {
			return fmt.Errorf("rule identity cannot produce a %s field", f.Type)
		}
	}
	return nil
}

// VersionOf reads the record version from canonical fields.
// A null or missing version field is version 0.
func (s *Schema) VersionOf(fields ir.Fields) (ir.Version, error) {
	v := fields[s.VersionField]
	if ir.IsNull(v) {
		return 0, nil
	}
	switch s.VersionEncoding {
	case VersionInt:
		n, ok := v.(ir.Int)
		if !ok {
			return 0, fmt.Errorf("version field %q: expected int, got %s", s.VersionField, ir.TypeName(v))
		}
		return ir.Version(n), nil
	default:
		str, ok := v.(ir.String)
		if !ok {
			return 0, fmt.Errorf("version field %q: expected timestamp, got %s", s.VersionField, ir.TypeName(v))
		}
		t, err := time.Parse(TimestampLayout, string(str))
		if err != nil {
			return 0, fmt.Errorf("version field %q: %w", s.VersionField, err)
		}
		return ir.Version(t.UnixMicro()), nil
	}
}

// VersionValue is the canonical version field value for version v.
// Version 0 is Null.
func (s *Schema) VersionValue(v ir.Version) ir.Value {
	if v == 0 {
		return ir.Null{}
	}
	if s.VersionEncoding == VersionInt {
		return ir.Int(v)
	}
	return ir.String(time.UnixMicro(int64(v)).UTC().Format(TimestampLayout))
}

// KeyOf returns the primary key of a canonical record, or "".
func (s *Schema) KeyOf(fields ir.Fields) string {
	return fields.String(s.PrimaryKey)
}

// Fingerprint is the content hash of the schema's canonical description.
// Equal schemas have equal fingerprints.
func (s *Schema) Fingerprint() string {
	fields := make([]any, 0, len(s.Fields))
	for _, f := range s.Fields {
		values := make([]any, 0, len(f.Values))
		for _, v := range f.Values {
			values = append(values, v)
		}
		fields = append(fields, map[string]any{
			"name":     f.Name,
			"type":     string(f.Type),
			"nullable": f.Nullable,
			"values":   values,
			"scale":    int64(f.Scale),
			"decode":   string(f.Decode),
			"encode":   string(f.Encode),
		})
	}
	data, err := ir.MarshalCanonical(map[string]any{
		"kind":             string(s.Kind),
		"version":          s.Version,
		"primary_key":      s.PrimaryKey,
		"version_field":    s.VersionField,
		"version_encoding": string(s.VersionEncoding),
		"fields":           fields,
	})
	if err != nil {
		// Schema descriptions hold only strings, ints and bools.
		panic(fmt.Sprintf("schema fingerprint: %v", err))
	}
	return ir.SchemaHash(data)
}
