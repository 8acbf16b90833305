// Package query provides a portable filter representation over canonical
// record fields.
//
// The same predicate is evaluated three ways: in memory by Match, against
// the SQLite record table by package querysql, and against the remote store
// as PostgREST parameters by package rest. Func predicates carry arbitrary
// Go code and are only evaluated in memory; compilers reject them and
// callers fall back to Match.
//
// Predicate is a sealed interface using the marker method pattern, so
// backends can switch over every predicate type exhaustively:
//
//	switch p := pred.(type) {
//	case Equals:
//	case Greater:
//	case And:
//	case Or:
//	case Not:
//	case Func:
//	}
//
// A missing field and an explicit null are indistinguishable to every
// predicate, matching the behavior of json_extract in SQLite.
package query
