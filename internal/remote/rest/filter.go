package rest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/homebase/internal/codec"
	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/query"
)

// errInMemoryOnly is returned for predicates containing query.Func.
// Fetch falls back to an unfiltered read matched in memory.
var errInMemoryOnly = errors.New("predicate cannot be expressed as a filter")

// filterWriter renders predicates in the PostgREST logic tree syntax:
//
//	and(id.eq.a,or(rev.gt.3,not.body.is.null))
type filterWriter struct {
	codec *codec.Codec
	kind  ir.Kind
	pk    string
}

// render returns the logic tree of pred, or "" when pred matches all rows.
func (w *filterWriter) render(pred query.Predicate) (string, error) {
	switch p := pred.(type) {
	case nil:
		return "", nil
	case query.Equals:
		if ir.IsNull(p.Value) {
			return p.Field + ".is.null", nil
		}
		lit, err := w.literal(p.Field, p.Value)
		if err != nil {
			return "", err
		}
		return p.Field + ".eq." + lit, nil
	case *query.Equals:
		return w.render(*p)
	case query.Greater:
		lit, err := w.literal(p.Field, p.Value)
		if err != nil {
			return "", err
		}
		return p.Field + ".gt." + lit, nil
	case *query.Greater:
		return w.render(*p)
	case query.And:
		return w.group("and", p.Predicates)
	case *query.And:
		return w.group("and", p.Predicates)
	case query.Or:
		if len(p.Predicates) == 0 {
			// Matches nothing: the primary key is never null.
			return w.pk + ".is.null", nil
		}
		return w.group("or", p.Predicates)
	case *query.Or:
		return w.render(*p)
	case query.Not:
		inner, err := w.render(p.Predicate)
		if err != nil {
			return "", err
		}
		if inner == "" {
			return w.pk + ".is.null", nil
		}
		return "not." + inner, nil
	case *query.Not:
		return w.render(*p)
	case query.Func, *query.Func:
		return "", errInMemoryOnly
	default:
		return "", fmt.Errorf("unsupported predicate %T", pred)
	}
}

func (w *filterWriter) group(op string, preds []query.Predicate) (string, error) {
	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		s, err := w.render(p)
		if err != nil {
			return "", err
		}
		if s != "" {
			parts = append(parts, s)
		}
	}
	switch len(parts) {
	case 0:
		return "", nil
	case 1:
		return parts[0], nil
	}
	return op + "(" + strings.Join(parts, ",") + ")", nil
}

// literal encodes v as the field's wire value and quotes it when it holds
// characters reserved by the filter grammar.
func (w *filterWriter) literal(field string, v ir.Value) (string, error) {
	wire, err := w.codec.EncodeValue(w.kind, field, v)
	if err != nil {
		return "", err
	}

	var s string
	switch val := wire.(type) {
	case string:
		s = val
	case int64:
		s = strconv.FormatInt(val, 10)
	case bool:
		s = strconv.FormatBool(val)
	default:
		return "", fmt.Errorf("field %q: cannot filter on %T", field, wire)
	}
	return quoteLiteral(s), nil
}

func quoteLiteral(s string) string {
	if s != "" && !strings.ContainsAny(s, `,.:()" \`) {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
