// Package schema is the registry of entity schemas.
//
// A Schema describes one entity kind twice: the canonical shape held in
// memory and the local store, and the per-field rules that convert between
// that shape and the remote wire encoding. Schemas are declared in CUE and
// compiled at startup; the registry is sealed before any record flows.
package schema
