package query

import (
	"fmt"
	"regexp"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/schema"
)

// fieldName restricts field names to identifiers so they can be embedded in
// SQL JSON paths and URL parameters without quoting.
var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidFieldName reports whether name can be used in a compiled predicate.
func ValidFieldName(name string) bool {
	return fieldName.MatchString(name)
}

// Validate checks pred against a schema: every field is declared, every
// literal has the field's canonical type, enum literals are members and
// Greater is only used on ordered types. All problems are reported.
func Validate(pred Predicate, s *schema.Schema) []error {
	v := &validator{schema: s}
	v.validate(pred)
	return v.errs
}

// validator accumulates errors during traversal.
type validator struct {
	schema *schema.Schema
	errs   []error
}

func (v *validator) addError(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) validate(pred Predicate) {
	switch p := pred.(type) {
	case nil:
	case Equals:
		v.validateLiteral("equals", p.Field, p.Value, false)
	case *Equals:
		v.validateLiteral("equals", p.Field, p.Value, false)
	case Greater:
		v.validateLiteral("greater", p.Field, p.Value, true)
	case *Greater:
		v.validateLiteral("greater", p.Field, p.Value, true)
	case And:
		v.validateAll(p.Predicates)
	case *And:
		v.validateAll(p.Predicates)
	case Or:
		v.validateAll(p.Predicates)
	case *Or:
		v.validateAll(p.Predicates)
	case Not:
		v.validate(p.Predicate)
	case *Not:
		v.validate(p.Predicate)
	case Func, *Func:
		// Opaque; evaluated in memory only.
	default:
		v.addError("unknown predicate type %T", pred)
	}
}

func (v *validator) validateAll(preds []Predicate) {
	for _, p := range preds {
		v.validate(p)
	}
}

func (v *validator) validateLiteral(op, name string, value ir.Value, ordered bool) {
	if !ValidFieldName(name) {
		v.addError("%s: invalid field name %q", op, name)
		return
	}
	f, ok := v.schema.Field(name)
	if !ok {
		v.addError("%s: field %q is not declared on %s", op, name, v.schema.Kind)
		return
	}

	if ir.IsNull(value) {
		if ordered {
			v.addError("%s: field %q cannot be compared to null", op, name)
		}
		return
	}

	var typeOK bool
	switch f.Type {
	case schema.TypeString, schema.TypeEnum, schema.TypeTimestamp:
		_, typeOK = value.(ir.String)
	case schema.TypeInt:
		_, typeOK = value.(ir.Int)
	case schema.TypeBool:
		_, typeOK = value.(ir.Bool)
		if ordered {
			v.addError("%s: bool field %q is not ordered", op, name)
			return
		}
	}
	if !typeOK {
		v.addError("%s: field %q is %s, got %s", op, name, f.Type, ir.TypeName(value))
		return
	}

	if f.Type == schema.TypeEnum && !ordered {
		if s := value.(ir.String); !f.HasValue(string(s)) {
			v.addError("%s: %q is not a value of enum field %q", op, s, name)
		}
	}
}
