package codec

import (
	"fmt"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/schema"
)

// Codec decodes and encodes records of the kinds held by a registry.
type Codec struct {
	reg *schema.Registry
}

// New creates a Codec over reg.
func New(reg *schema.Registry) *Codec {
	return &Codec{reg: reg}
}

// Registry returns the registry backing the codec.
func (c *Codec) Registry() *schema.Registry {
	return c.reg
}

// Decoded is one successfully decoded wire row.
type Decoded struct {
	Index   int // Position in the input batch
	Key     string
	Fields  ir.Fields
	Version ir.Version
}

// Decode converts a wire record into canonical fields and reads its version.
// Fields are processed in schema-declared order; the first unrepresentable
// value aborts the record with *ir.ValidationError. Wire fields the schema
// does not declare are ignored.
func (c *Codec) Decode(kind ir.Kind, wire ir.WireRecord) (ir.Fields, ir.Version, error) {
	s, err := c.reg.Get(kind)
	if err != nil {
		return nil, 0, err
	}
	fields, version, verr := decode(s, wire)
	if verr != nil {
		return nil, 0, verr
	}
	return fields, version, nil
}

func decode(s *schema.Schema, wire ir.WireRecord) (ir.Fields, ir.Version, *ir.ValidationError) {
	key, _ := wire[s.PrimaryKey].(string)
	out := make(ir.Fields, len(s.Fields))

	for _, f := range s.Fields {
		raw, present := wire[f.Name]
		if raw == nil {
			if !f.Nullable {
				reason := "required field is null"
				if !present {
					reason = "required field is missing"
				}
				return nil, 0, &ir.ValidationError{Kind: s.Kind, Key: key, Field: f.Name, Reason: reason}
			}
			out[f.Name] = ir.Null{}
			continue
		}

		fn, ok := decoders[f.Decode]
		if !ok {
			return nil, 0, ir.NewValidationError(s.Kind, key, f.Name, "no decoder for rule %q", f.Decode)
		}
		v, err := fn(f, raw)
		if err != nil {
			return nil, 0, &ir.ValidationError{Kind: s.Kind, Key: key, Field: f.Name, Reason: err.Error()}
		}
		out[f.Name] = v
	}

	version, err := s.VersionOf(out)
	if err != nil {
		return nil, 0, ir.NewValidationError(s.Kind, key, s.VersionField, "%v", err)
	}
	return out, version, nil
}

// DecodeBatch decodes rows independently. A malformed row is reported and
// skipped; it never aborts the rest of the batch. The only returned error
// is an unknown kind.
func (c *Codec) DecodeBatch(kind ir.Kind, rows []ir.WireRecord) ([]Decoded, []*ir.ValidationError, error) {
	s, err := c.reg.Get(kind)
	if err != nil {
		return nil, nil, err
	}

	decoded := make([]Decoded, 0, len(rows))
	var invalid []*ir.ValidationError
	for i, row := range rows {
		fields, version, verr := decode(s, row)
		if verr != nil {
			invalid = append(invalid, verr)
			continue
		}
		decoded = append(decoded, Decoded{
			Index:   i,
			Key:     s.KeyOf(fields),
			Fields:  fields,
			Version: version,
		})
	}
	return decoded, invalid, nil
}

// Encode converts canonical fields to the wire encoding. Fields are
// assumed valid; values of an unexpected type encode as null.
func (c *Codec) Encode(kind ir.Kind, fields ir.Fields) (ir.WireRecord, error) {
	s, err := c.reg.Get(kind)
	if err != nil {
		return nil, err
	}

	out := make(ir.WireRecord, len(s.Fields))
	for _, f := range s.Fields {
		v := fields[f.Name]
		if ir.IsNull(v) {
			out[f.Name] = nil
			continue
		}
		out[f.Name] = encoders[f.Encode](f, v)
	}
	return out, nil
}

// Validate checks canonical fields against every invariant of the kind's
// schema: all declared fields present, types match, enum members, canonical
// timestamps, no undeclared fields.
func (c *Codec) Validate(kind ir.Kind, fields ir.Fields) error {
	s, err := c.reg.Get(kind)
	if err != nil {
		return err
	}
	return validate(s, fields)
}

func validate(s *schema.Schema, fields ir.Fields) error {
	key := s.KeyOf(fields)

	for _, name := range fields.SortedKeys() {
		if _, ok := s.Field(name); !ok {
			return ir.NewValidationError(s.Kind, key, name, "field is not declared")
		}
	}

	for _, f := range s.Fields {
		v, present := fields[f.Name]
		if !present {
			return ir.NewValidationError(s.Kind, key, f.Name, "required field is missing")
		}
		if ir.IsNull(v) {
			if !f.Nullable {
				return ir.NewValidationError(s.Kind, key, f.Name, "required field is null")
			}
			continue
		}
		if err := checkValue(f, v); err != nil {
			return ir.NewValidationError(s.Kind, key, f.Name, "%v", err)
		}
	}
	return nil
}

func checkValue(f schema.Field, v ir.Value) error {
	switch f.Type {
	case schema.TypeString:
		s, ok := v.(ir.String)
		if !ok {
			return fmt.Errorf("expected string, got %s", ir.TypeName(v))
		}
		return checkText(string(s))
	case schema.TypeInt:
		if _, ok := v.(ir.Int); !ok {
			return fmt.Errorf("expected int, got %s", ir.TypeName(v))
		}
	case schema.TypeBool:
		if _, ok := v.(ir.Bool); !ok {
			return fmt.Errorf("expected bool, got %s", ir.TypeName(v))
		}
	case schema.TypeEnum:
		s, ok := v.(ir.String)
		if !ok {
			return fmt.Errorf("expected string, got %s", ir.TypeName(v))
		}
		if err := checkText(string(s)); err != nil {
			return err
		}
		if !f.HasValue(string(s)) {
			return fmt.Errorf("value %q is not one of %v", s, f.Values)
		}
	case schema.TypeTimestamp:
		s, ok := v.(ir.String)
		if !ok {
			return fmt.Errorf("expected timestamp, got %s", ir.TypeName(v))
		}
		if _, err := time.Parse(schema.TimestampLayout, string(s)); err != nil {
			return fmt.Errorf("timestamp %q is not in canonical form", s)
		}
	}
	return nil
}

// Canonicalize completes a canonical payload supplied by a caller: missing
// nullable fields become Null, text is NFC normalized and RFC 3339
// timestamps are rewritten to the canonical form. The result is validated.
func (c *Codec) Canonicalize(kind ir.Kind, fields ir.Fields) (ir.Fields, error) {
	s, err := c.reg.Get(kind)
	if err != nil {
		return nil, err
	}

	out := fields.Clone()
	if out == nil {
		out = make(ir.Fields, len(s.Fields))
	}
	for _, f := range s.Fields {
		v, present := out[f.Name]
		if !present && f.Nullable {
			out[f.Name] = ir.Null{}
			continue
		}
		str, ok := v.(ir.String)
		if !ok {
			continue
		}
		switch f.Type {
		case schema.TypeString, schema.TypeEnum:
			if utf8.ValidString(string(str)) {
				out[f.Name] = ir.String(norm.NFC.String(string(str)))
			}
		case schema.TypeTimestamp:
			if t, err := time.Parse(time.RFC3339Nano, string(str)); err == nil {
				out[f.Name] = ir.String(t.UTC().Format(schema.TimestampLayout))
			}
		}
	}

	if err := validate(s, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeValue decodes one wire value of a declared field.
func (c *Codec) DecodeValue(kind ir.Kind, field string, raw any) (ir.Value, error) {
	s, err := c.reg.Get(kind)
	if err != nil {
		return nil, err
	}
	f, ok := s.Field(field)
	if !ok {
		return nil, ir.NewValidationError(kind, "", field, "field is not declared")
	}
	if raw == nil {
		if !f.Nullable {
			return nil, ir.NewValidationError(kind, "", field, "required field is null")
		}
		return ir.Null{}, nil
	}
	v, err := decoders[f.Decode](f, raw)
	if err != nil {
		return nil, &ir.ValidationError{Kind: kind, Field: field, Reason: err.Error()}
	}
	return v, nil
}

// EncodeValue encodes one canonical value of a declared field. Null
// encodes as nil.
func (c *Codec) EncodeValue(kind ir.Kind, field string, v ir.Value) (any, error) {
	s, err := c.reg.Get(kind)
	if err != nil {
		return nil, err
	}
	f, ok := s.Field(field)
	if !ok {
		return nil, ir.NewValidationError(kind, "", field, "field is not declared")
	}
	if ir.IsNull(v) {
		return nil, nil
	}
	return encoders[f.Encode](f, v), nil
}
