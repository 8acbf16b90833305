// Package codec converts records between the remote wire encoding and the
// canonical model.
//
// Every record entering or leaving the local store passes through a Codec.
// Decoding applies each field's decode rule in schema order and stops at
// the first value it cannot represent; the failure is returned as an
// *ir.ValidationError value, never a panic. Encoding is the deterministic
// inverse and only fails for unregistered kinds.
package codec
