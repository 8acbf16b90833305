package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/schema"
)

// FieldView describes one declared field.
type FieldView struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Nullable bool     `json:"nullable,omitempty"`
	Values   []string `json:"values,omitempty"`
	Scale    int32    `json:"scale,omitempty"`
	Decode   string   `json:"decode"`
	Encode   string   `json:"encode"`
}

// SchemaView describes one registered kind.
type SchemaView struct {
	Kind            ir.Kind     `json:"kind"`
	Version         int         `json:"version"`
	PrimaryKey      string      `json:"primary_key"`
	VersionField    string      `json:"version_field"`
	VersionEncoding string      `json:"version_encoding"`
	Fingerprint     string      `json:"fingerprint"`
	Fields          []FieldView `json:"fields"`
}

func schemaView(s *schema.Schema) SchemaView {
	v := SchemaView{
		Kind:            s.Kind,
		Version:         s.Version,
		PrimaryKey:      s.PrimaryKey,
		VersionField:    s.VersionField,
		VersionEncoding: string(s.VersionEncoding),
		Fingerprint:     s.Fingerprint(),
		Fields:          make([]FieldView, 0, len(s.Fields)),
	}
	for _, f := range s.Fields {
		v.Fields = append(v.Fields, FieldView{
			Name:     f.Name,
			Type:     string(f.Type),
			Nullable: f.Nullable,
			Values:   f.Values,
			Scale:    f.Scale,
			Decode:   string(f.Decode),
			Encode:   string(f.Encode),
		})
	}
	return v
}

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Show and validate entity schemas",
	}
	cmd.AddCommand(newSchemaShowCommand(rootOpts))
	cmd.AddCommand(newSchemaValidateCommand(rootOpts))
	return cmd
}

func newSchemaShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [kind]",
		Short: "Show registered kinds",
		Long: `Show the built-in kinds plus those of the configured schema directory.

Examples:
  homebase schema show
  homebase schema show appointment --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app, out *OutputFormatter) error {
				return runSchemaShow(a.codec.Registry(), out, args)
			})
		},
	}
}

func runSchemaShow(reg *schema.Registry, out *OutputFormatter, args []string) error {
	kinds := reg.Kinds()
	if len(args) == 1 {
		kinds = []ir.Kind{ir.Kind(args[0])}
	}

	views := make([]SchemaView, 0, len(kinds))
	for _, k := range kinds {
		s, err := reg.Get(k)
		if err != nil {
			return out.Fail(ExitCommandError, "schema not found", err)
		}
		views = append(views, schemaView(s))
	}

	return out.Success(views, func(w io.Writer) {
		for i, v := range views {
			if i > 0 {
				fmt.Fprintln(w)
			}
			printSchema(w, v)
		}
	})
}

func printSchema(w io.Writer, v SchemaView) {
	fmt.Fprintf(w, "%s v%d (key %s, version %s as %s)\n", v.Kind, v.Version, v.PrimaryKey, v.VersionField, v.VersionEncoding)
	for _, f := range v.Fields {
		var attrs []string
		if f.Nullable {
			attrs = append(attrs, "nullable")
		}
		if len(f.Values) > 0 {
			attrs = append(attrs, "values "+strings.Join(f.Values, "|"))
		}
		if f.Scale > 0 {
			attrs = append(attrs, fmt.Sprintf("scale %d", f.Scale))
		}
		if f.Decode != string(schema.RuleIdentity) {
			attrs = append(attrs, "decode "+f.Decode)
		}
		line := fmt.Sprintf("  %-14s %s", f.Name, f.Type)
		if len(attrs) > 0 {
			line += " (" + strings.Join(attrs, ", ") + ")"
		}
		fmt.Fprintln(w, line)
	}
}

// SchemaValidateResult is the output of schema validate.
type SchemaValidateResult struct {
	Valid  bool      `json:"valid"`
	Kinds  []ir.Kind `json:"kinds"`
	Errors []string  `json:"errors,omitempty"`
}

func newSchemaValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Compile CUE schema files",
		Long: `Compile every .cue file of a directory and check that its kinds can be
registered next to the built-in ones. All problems are reported.

Exit codes:
  0 - All schemas valid
  1 - One or more schemas invalid
  2 - Command error (missing directory)

Example:
  homebase schema validate ./schemas`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchemaValidate(newFormatter(cmd, rootOpts), args[0])
		},
	}
}

func runSchemaValidate(out *OutputFormatter, dir string) error {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		_ = out.Error(ErrCodeNotFound, fmt.Sprintf("schema directory not found: %s", dir), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("schema directory not found: %s", dir))
	}

	schemas, errs := schema.LoadDir(dir)
	result := SchemaValidateResult{Kinds: []ir.Kind{}}
	for _, err := range errs {
		result.Errors = append(result.Errors, err.Error())
	}
	if len(errs) == 0 {
		reg, err := schema.NewBuiltinRegistry(schemas...)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			for _, s := range schemas {
				result.Kinds = append(result.Kinds, s.Kind)
			}
			out.VerboseLog("registry holds %d kinds", len(reg.Kinds()))
		}
	}
	result.Valid = len(result.Errors) == 0

	err := out.Report(result.Valid, result, func(w io.Writer) {
		if result.Valid {
			fmt.Fprintf(w, "✓ %d schemas valid\n", len(result.Kinds))
			for _, k := range result.Kinds {
				fmt.Fprintf(w, "  %s\n", k)
			}
			return
		}
		fmt.Fprintf(w, "✗ %d errors\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	})
	if err != nil {
		return err
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "schema validation failed")
	}
	return nil
}
