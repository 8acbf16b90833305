// Package querysql compiles query predicates to parameterized SQLite SQL
// over the JSON body of stored records.
package querysql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/query"
)

// ErrNotCompilable is returned for predicates that only exist in memory
// (query.Func). Callers fall back to query.Match.
var ErrNotCompilable = errors.New("predicate is not compilable to SQL")

// DefaultColumn is the column holding canonical record JSON.
const DefaultColumn = "fields"

// Compiler compiles predicates against one JSON column.
//
// CRITICAL: All values are parameterized, never interpolated. Field names
// are restricted to identifiers by query.ValidFieldName.
type Compiler struct {
	Column string
}

// NewCompiler creates a compiler over column.
func NewCompiler(column string) *Compiler {
	return &Compiler{Column: column}
}

// Compile compiles pred against DefaultColumn.
func Compile(pred query.Predicate) (string, []any, error) {
	return NewCompiler(DefaultColumn).Compile(pred)
}

// Compile converts pred to a WHERE fragment and its parameters.
// A nil predicate compiles to "1 = 1".
func (c *Compiler) Compile(pred query.Predicate) (string, []any, error) {
	switch p := pred.(type) {
	case nil:
		return "1 = 1", nil, nil
	case query.Equals:
		return c.compileEquals(p)
	case *query.Equals:
		return c.compileEquals(*p)
	case query.Greater:
		return c.compileGreater(p)
	case *query.Greater:
		return c.compileGreater(*p)
	case query.And:
		return c.compileJoin(p.Predicates, " AND ", "1 = 1")
	case *query.And:
		return c.compileJoin(p.Predicates, " AND ", "1 = 1")
	case query.Or:
		return c.compileJoin(p.Predicates, " OR ", "1 = 0")
	case *query.Or:
		return c.compileJoin(p.Predicates, " OR ", "1 = 0")
	case query.Not:
		return c.compileNot(p)
	case *query.Not:
		return c.compileNot(*p)
	case query.Func:
		return "", nil, fmt.Errorf("%w: func %q", ErrNotCompilable, p.Name)
	case *query.Func:
		return "", nil, fmt.Errorf("%w: func %q", ErrNotCompilable, p.Name)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", pred)
	}
}

// extract returns the json_extract expression for a field.
func (c *Compiler) extract(field string) (string, error) {
	if !query.ValidFieldName(field) {
		return "", fmt.Errorf("invalid field name %q", field)
	}
	return fmt.Sprintf(`json_extract(%s, '$."%s"')`, c.Column, field), nil
}

// compileEquals compiles to "expr = ?", or "expr IS NULL" for null.
// json_extract yields NULL for both a JSON null and a missing key.
func (c *Compiler) compileEquals(eq query.Equals) (string, []any, error) {
	expr, err := c.extract(eq.Field)
	if err != nil {
		return "", nil, err
	}
	if ir.IsNull(eq.Value) {
		return expr + " IS NULL", nil, nil
	}
	param, err := valueToParam(eq.Value)
	if err != nil {
		return "", nil, err
	}
	return expr + " = ?", []any{param}, nil
}

func (c *Compiler) compileGreater(gt query.Greater) (string, []any, error) {
	expr, err := c.extract(gt.Field)
	if err != nil {
		return "", nil, err
	}
	if ir.IsNull(gt.Value) {
		return "1 = 0", nil, nil
	}
	param, err := valueToParam(gt.Value)
	if err != nil {
		return "", nil, err
	}
	// typeof guards keep SQLite's cross-type ordering out of the result.
	return fmt.Sprintf("(%s > ? AND typeof(%s) = ?)", expr, expr), []any{param, sqlType(gt.Value)}, nil
}

func (c *Compiler) compileJoin(preds []query.Predicate, sep, empty string) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}

	parts := make([]string, 0, len(preds))
	var params []any
	for _, p := range preds {
		sql, ps, err := c.Compile(p)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+sql+")")
		params = append(params, ps...)
	}
	return strings.Join(parts, sep), params, nil
}

// compileNot treats NULL as false so NOT matches query.Match.
func (c *Compiler) compileNot(n query.Not) (string, []any, error) {
	sql, params, err := c.Compile(n.Predicate)
	if err != nil {
		return "", nil, err
	}
	return "NOT COALESCE((" + sql + "), 0)", params, nil
}

// valueToParam converts a Value to a SQLite parameter. Bools become 0/1
// because json_extract returns JSON booleans as integers.
func valueToParam(v ir.Value) (any, error) {
	switch val := v.(type) {
	case ir.String:
		return string(val), nil
	case ir.Int:
		return int64(val), nil
	case ir.Bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("unsupported value type for SQL parameter: %T", v)
	}
}

func sqlType(v ir.Value) string {
	switch v.(type) {
	case ir.String:
		return "text"
	default:
		return "integer"
	}
}
