package schema

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/homebase/internal/ir"
)

//go:embed definitions.cue
var definitionsCUE []byte

//go:embed entities.cue
var entitiesCUE []byte

// Builtin compiles the embedded declarations of the built-in kinds.
func Builtin() ([]*Schema, error) {
	return CompileCUE(entitiesCUE, "entities.cue")
}

// BuiltinSource returns the embedded CUE source of the built-in kinds.
func BuiltinSource() []byte {
	return entitiesCUE
}

// CompileCUE compiles every `entity: <kind>: {...}` declaration in src.
// The source is unified with the closed #Root definition first, so unknown
// attributes and ill-typed values are reported with their source position.
//
//	schemas, err := CompileCUE([]byte(`entity: tag: { version: 1, fields: [...] }`), "tags.cue")
func CompileCUE(src []byte, filename string) ([]*Schema, error) {
	ctx := cuecontext.New()

	defs := ctx.CompileBytes(definitionsCUE, cue.Filename("definitions.cue"))
	if err := defs.Err(); err != nil {
		return nil, fmt.Errorf("compile definitions: %w", err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v = defs.LookupPath(cue.ParsePath("#Root")).Unify(v)
	if err := v.Validate(); err != nil {
		return nil, formatCUEError(err)
	}

	entities := v.LookupPath(cue.ParsePath("entity"))
	if !entities.Exists() {
		return nil, &CompileError{
			Field:   "entity",
			Message: "no entity declarations found",
			Pos:     v.Pos(),
		}
	}

	iter, err := entities.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var schemas []*Schema
	for iter.Next() {
		s, err := CompileEntity(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}
	return schemas, nil
}

// CompileEntity parses one entity declaration into a Schema and checks it.
func CompileEntity(kind string, v cue.Value) (*Schema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	s := &Schema{Kind: ir.Kind(kind)}
	prefix := "entity." + kind

	version, err := v.LookupPath(cue.ParsePath("version")).Int64()
	if err != nil {
		return nil, formatCUEError(err)
	}
	s.Version = int(version)

	if s.PrimaryKey, err = v.LookupPath(cue.ParsePath("primary_key")).String(); err != nil {
		return nil, formatCUEError(err)
	}
	if s.VersionField, err = v.LookupPath(cue.ParsePath("version_field")).String(); err != nil {
		return nil, formatCUEError(err)
	}
	enc, err := v.LookupPath(cue.ParsePath("version_encoding")).String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	s.VersionEncoding = VersionEncoding(enc)

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	fieldIter, err := fieldsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for fieldIter.Next() {
		f, err := parseField(fieldIter.Value())
		if err != nil {
			return nil, err
		}
		s.Fields = append(s.Fields, f)
	}
	if len(s.Fields) == 0 {
		return nil, &CompileError{
			Field:   prefix + ".fields",
			Message: "at least one field is required",
			Pos:     v.Pos(),
		}
	}

	s.withDefaults()
	if errs := s.Check(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, &CompileError{
			Field:   prefix,
			Message: strings.Join(msgs, "; "),
			Pos:     v.Pos(),
		}
	}
	return s, nil
}

func parseField(v cue.Value) (Field, error) {
	var f Field
	var err error

	if f.Name, err = v.LookupPath(cue.ParsePath("name")).String(); err != nil {
		return f, formatCUEError(err)
	}
	typ, err := v.LookupPath(cue.ParsePath("type")).String()
	if err != nil {
		return f, formatCUEError(err)
	}
	f.Type = FieldType(typ)

	// Optional attributes are only read when set.
	if nv, ok := lookupSet(v, "nullable"); ok {
		if f.Nullable, err = nv.Bool(); err != nil {
			return f, formatCUEError(err)
		}
	}
	if sv, ok := lookupSet(v, "scale"); ok {
		scale, err := sv.Int64()
		if err != nil {
			return f, formatCUEError(err)
		}
		f.Scale = int32(scale)
	}
	if vv, ok := lookupSet(v, "values"); ok {
		iter, err := vv.List()
		if err != nil {
			return f, formatCUEError(err)
		}
		for iter.Next() {
			s, err := iter.Value().String()
			if err != nil {
				return f, formatCUEError(err)
			}
			f.Values = append(f.Values, s)
		}
	}
	if dv, ok := lookupSet(v, "decode"); ok {
		rule, err := dv.String()
		if err != nil {
			return f, formatCUEError(err)
		}
		f.Decode = RuleKind(rule)
	}
	if ev, ok := lookupSet(v, "encode"); ok {
		rule, err := ev.String()
		if err != nil {
			return f, formatCUEError(err)
		}
		f.Encode = RuleKind(rule)
	}
	return f, nil
}

func lookupSet(v cue.Value, name string) (cue.Value, bool) {
	fv := v.LookupPath(cue.ParsePath(name))
	return fv, fv.Exists() && fv.IsConcrete()
}

// LoadDir compiles every .cue file of dir in lexical order.
// All files are compiled; errors are collected rather than stopping at the first.
func LoadDir(dir string) ([]*Schema, []error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("schema directory: %w", err)}
	}
	if !info.IsDir() {
		return nil, []error{fmt.Errorf("not a directory: %s", dir)}
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, []error{err}
	}
	sort.Strings(matches)

	var schemas []*Schema
	var errs []error
	for _, path := range matches {
		src, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		compiled, err := CompileCUE(src, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		schemas = append(schemas, compiled...)
	}
	return schemas, errs
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	if positions := errors.Positions(firstErr); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
