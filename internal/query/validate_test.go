package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/schema"
)

func appointmentSchema(t *testing.T) *schema.Schema {
	t.Helper()
	reg, err := schema.NewBuiltinRegistry()
	require.NoError(t, err)
	s, err := reg.Get(ir.KindAppointment)
	require.NoError(t, err)
	return s
}

func TestValidateAcceptsWellTypedPredicates(t *testing.T) {
	s := appointmentSchema(t)

	pred := And{Predicates: []Predicate{
		Equals{Field: "status", Value: ir.String("scheduled")},
		Equals{Field: "all_day", Value: ir.Bool(false)},
		Equals{Field: "location", Value: ir.Null{}},
		Greater{Field: "starts_at", Value: ir.String("2026-01-01T00:00:00.000000Z")},
		Not{Predicate: Func{Name: "custom"}},
	}}
	assert.Empty(t, Validate(pred, s))
	assert.Empty(t, Validate(nil, s))
}

func TestValidateReportsEveryProblem(t *testing.T) {
	s := appointmentSchema(t)

	pred := Or{Predicates: []Predicate{
		Equals{Field: "colour", Value: ir.String("red")},             // undeclared
		Equals{Field: "title", Value: ir.Int(1)},                    // type
		Equals{Field: "status", Value: ir.String("maybe")},          // enum member
		Greater{Field: "all_day", Value: ir.Bool(true)},             // bool not ordered
		Greater{Field: "starts_at", Value: ir.Null{}},               // null ordering
		Equals{Field: `title"); DROP TABLE x; --`, Value: ir.Null{}}, // name
	}}

	errs := Validate(pred, s)
	assert.Len(t, errs, 6)
}

func TestValidFieldName(t *testing.T) {
	assert.True(t, ValidFieldName("updated_at"))
	assert.True(t, ValidFieldName("_x1"))
	assert.False(t, ValidFieldName(""))
	assert.False(t, ValidFieldName("1x"))
	assert.False(t, ValidFieldName(`a"b`))
	assert.False(t, ValidFieldName("a.b"))
}
