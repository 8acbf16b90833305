package schema

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/homebase/internal/ir"
)

var (
	// ErrSchemaConflict is returned when a kind is registered twice with
	// different schemas. Callers at startup treat it as fatal.
	ErrSchemaConflict = errors.New("schema conflict")

	// ErrSealed is returned by Register after Seal.
	ErrSealed = errors.New("registry is sealed")
)

// Registry holds one schema per entity kind.
// It is safe for concurrent use and immutable after Seal.
type Registry struct {
	mu      sync.RWMutex
	schemas map[ir.Kind]*Schema
	prints  map[ir.Kind]string
	order   []ir.Kind
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[ir.Kind]*Schema),
		prints:  make(map[ir.Kind]string),
	}
}

// Register adds a copy of s. Registering an identical schema again is a
// no-op. Later changes to s do not reach the registry.
func (r *Registry) Register(s *Schema) error {
	if s == nil {
		return fmt.Errorf("register: nil schema")
	}
	s = s.Clone()
	s.withDefaults()
	if errs := s.Check(); len(errs) > 0 {
		return fmt.Errorf("register %s: %w", s.Kind, errors.Join(errs...))
	}
	fp := s.Fingerprint()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.prints[s.Kind]; ok {
		if existing == fp {
			return nil
		}
		return fmt.Errorf("%w: kind %q already registered with fingerprint %.12s, got %.12s",
			ErrSchemaConflict, s.Kind, existing, fp)
	}
	if r.sealed {
		return fmt.Errorf("register %s: %w", s.Kind, ErrSealed)
	}

	r.schemas[s.Kind] = s
	r.prints[s.Kind] = fp
	r.order = append(r.order, s.Kind)
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(schemas ...*Schema) {
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

// Get returns the schema of kind, shared and read-only. Unregistered
// kinds fail with *ir.UnknownKindError.
func (r *Registry) Get(kind ir.Kind) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[kind]
	if !ok {
		return nil, &ir.UnknownKindError{Kind: kind}
	}
	return s, nil
}

// Kinds lists registered kinds in registration order.
func (r *Registry) Kinds() []ir.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ir.Kind, len(r.order))
	copy(out, r.order)
	return out
}

// Seal forbids further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// NewBuiltinRegistry returns a registry holding the built-in kinds plus
// extra, sealed.
func NewBuiltinRegistry(extra ...*Schema) (*Registry, error) {
	builtin, err := Builtin()
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	for _, s := range append(builtin, extra...) {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	r.Seal()
	return r, nil
}
