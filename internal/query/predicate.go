package query

import "github.com/roach88/homebase/internal/ir"

// Predicate is a filter over canonical fields.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode() // Marker method - seals interface to this package
}

// Equals matches records whose field equals Value. Equals with ir.Null{}
// matches records where the field is null or missing.
type Equals struct {
	Field string
	Value ir.Value
}

func (Equals) predicateNode() {}

// Greater matches records whose field orders strictly after Value.
// Values of different types never match. Canonical timestamps order
// chronologically because their layout is fixed width.
type Greater struct {
	Field string
	Value ir.Value
}

func (Greater) predicateNode() {}

// And matches when all predicates match. Empty And matches everything.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or matches when any predicate matches. Empty Or matches nothing.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Not inverts a predicate.
type Not struct {
	Predicate Predicate
}

func (Not) predicateNode() {}

// Func is an arbitrary in-memory predicate. Name is used in diagnostics.
type Func struct {
	Name string
	Fn   func(ir.Fields) bool
}

func (Func) predicateNode() {}

// All returns an And of preds, dropping nil entries. A single predicate is
// returned as is; no predicates yields nil (match everything).
func All(preds ...Predicate) Predicate {
	var out []Predicate
	for _, p := range preds {
		if p != nil {
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return And{Predicates: out}
	}
}

// Match evaluates pred against fields. A nil predicate matches everything.
func Match(pred Predicate, fields ir.Fields) bool {
	switch p := pred.(type) {
	case nil:
		return true
	case Equals:
		return equalValues(fields[p.Field], p.Value)
	case *Equals:
		return equalValues(fields[p.Field], p.Value)
	case Greater:
		return greater(fields[p.Field], p.Value)
	case *Greater:
		return greater(fields[p.Field], p.Value)
	case And:
		return matchAll(p.Predicates, fields)
	case *And:
		return matchAll(p.Predicates, fields)
	case Or:
		return matchAny(p.Predicates, fields)
	case *Or:
		return matchAny(p.Predicates, fields)
	case Not:
		return !Match(p.Predicate, fields)
	case *Not:
		return !Match(p.Predicate, fields)
	case Func:
		return p.Fn != nil && p.Fn(fields)
	case *Func:
		return p.Fn != nil && p.Fn(fields)
	default:
		return false
	}
}

func equalValues(a, b ir.Value) bool {
	if ir.IsNull(a) || ir.IsNull(b) {
		return ir.IsNull(a) && ir.IsNull(b)
	}
	return a == b
}

func greater(a, b ir.Value) bool {
	cmp, ok := ir.CompareValues(a, b)
	return ok && cmp > 0
}

func matchAll(preds []Predicate, fields ir.Fields) bool {
	for _, p := range preds {
		if !Match(p, fields) {
			return false
		}
	}
	return true
}

func matchAny(preds []Predicate, fields ir.Fields) bool {
	for _, p := range preds {
		if Match(p, fields) {
			return true
		}
	}
	return false
}

// HasFunc reports whether pred contains a Func anywhere, which makes it
// impossible to compile for a backend.
func HasFunc(pred Predicate) bool {
	switch p := pred.(type) {
	case Func, *Func:
		return true
	case And:
		return anyFunc(p.Predicates)
	case *And:
		return anyFunc(p.Predicates)
	case Or:
		return anyFunc(p.Predicates)
	case *Or:
		return anyFunc(p.Predicates)
	case Not:
		return HasFunc(p.Predicate)
	case *Not:
		return HasFunc(p.Predicate)
	default:
		return false
	}
}

func anyFunc(preds []Predicate) bool {
	for _, p := range preds {
		if HasFunc(p) {
			return true
		}
	}
	return false
}
