package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/homebase/internal/codec"
	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/query"
)

// RecordView is a local record as shown to users: wire-encoded fields
// plus sync metadata.
type RecordView struct {
	Kind     ir.Kind       `json:"kind"`
	Key      string        `json:"key"`
	State    ir.SyncState  `json:"state"`
	Version  ir.Version    `json:"version"`
	Deleted  bool          `json:"deleted,omitempty"`
	Record   ir.WireRecord `json:"record"`
	Conflict ir.WireRecord `json:"conflict,omitempty"`
}

func viewOf(cd *codec.Codec, e ir.Entry) (RecordView, error) {
	wire, err := cd.Encode(e.Kind, e.Fields)
	if err != nil {
		return RecordView{}, err
	}
	v := RecordView{
		Kind:    e.Kind,
		Key:     e.Key,
		State:   e.State,
		Version: e.Version,
		Deleted: e.Deleted,
		Record:  wire,
	}
	if e.Conflict != nil && !e.Conflict.Deleted {
		remoteWire, err := cd.Encode(e.Kind, e.Conflict.Fields)
		if err != nil {
			return RecordView{}, err
		}
		v.Conflict = remoteWire
	}
	return v, nil
}

func printRecord(w io.Writer, v RecordView) {
	line, err := ir.MarshalCanonical(map[string]any(v.Record))
	if err != nil {
		line = []byte(fmt.Sprint(v.Record))
	}
	fmt.Fprintf(w, "%s/%s [%s v%d] %s\n", v.Kind, v.Key, v.State, v.Version, line)
	if v.Conflict != nil {
		remoteLine, err := ir.MarshalCanonical(map[string]any(v.Conflict))
		if err != nil {
			remoteLine = []byte(fmt.Sprint(v.Conflict))
		}
		fmt.Fprintf(w, "  remote: %s\n", remoteLine)
	}
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> <key>",
		Short: "Show one local record",
		Long: `Show a record from the local store, with its sync state.

Example:
  homebase get contact 0192f3a4-...`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app, out *OutputFormatter) error {
				return runGet(ctx, a, out, ir.Kind(args[0]), args[1])
			})
		},
	}
}

func runGet(ctx context.Context, a *app, out *OutputFormatter, kind ir.Kind, key string) error {
	entry, ok, err := a.client.Get(ctx, kind, key)
	if err != nil {
		return out.Fail(exitCodeFor(err), "get failed", err)
	}
	if !ok {
		_ = out.Error(ErrCodeNotFound, fmt.Sprintf("%s/%s not found", kind, key), nil)
		return NewExitError(ExitFailure, "record not found")
	}
	view, err := viewOf(a.codec, entry)
	if err != nil {
		return out.Fail(ExitFailure, "get failed", err)
	}
	return out.Success(view, func(w io.Writer) { printRecord(w, view) })
}

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Where []string
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <kind>",
		Short: "List local records of a kind",
		Long: `List records of a kind from the local store, deleted ones excluded.

Filters are field=value (equality) or field>value (greater than); several
--where flags must all hold. Values are JSON when they parse as JSON and
plain strings otherwise.

Examples:
  homebase query contact
  homebase query contact --where favorite=1
  homebase query appointment --where 'starts_at>2025-01-01T00:00:00Z'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app, out *OutputFormatter) error {
				return runQuery(ctx, a, out, ir.Kind(args[0]), opts.Where)
			})
		},
	}

	cmd.Flags().StringArrayVar(&opts.Where, "where", nil, "filter as field=value or field>value (repeatable)")

	return cmd
}

func runQuery(ctx context.Context, a *app, out *OutputFormatter, kind ir.Kind, where []string) error {
	pred, err := parseWhere(a.codec, kind, where)
	if err != nil {
		return out.Fail(exitCodeFor(err), "invalid filter", err)
	}

	entries, err := a.client.QueryAll(ctx, kind, pred)
	if err != nil {
		return out.Fail(exitCodeFor(err), "query failed", err)
	}

	views := make([]RecordView, 0, len(entries))
	for _, e := range entries {
		v, err := viewOf(a.codec, e)
		if err != nil {
			return out.Fail(ExitFailure, "query failed", err)
		}
		views = append(views, v)
	}

	return out.Success(views, func(w io.Writer) {
		if len(views) == 0 {
			fmt.Fprintln(w, "No records.")
			return
		}
		for _, v := range views {
			printRecord(w, v)
		}
	})
}

// parseWhere turns --where clauses into one predicate. No clauses
// means every record.
func parseWhere(cd *codec.Codec, kind ir.Kind, clauses []string) (query.Predicate, error) {
	preds := make([]query.Predicate, 0, len(clauses))
	for _, clause := range clauses {
		op := strings.IndexAny(clause, "=>")
		if op <= 0 {
			return nil, fmt.Errorf("invalid clause %q: expected field=value or field>value", clause)
		}
		field := strings.TrimSpace(clause[:op])
		if !query.ValidFieldName(field) {
			return nil, fmt.Errorf("invalid field name %q", field)
		}
		v, err := cd.DecodeValue(kind, field, parseLiteral(clause[op+1:]))
		if err != nil {
			return nil, err
		}
		if clause[op] == '=' {
			preds = append(preds, query.Equals{Field: field, Value: v})
		} else {
			preds = append(preds, query.Greater{Field: field, Value: v})
		}
	}
	return query.All(preds...), nil
}

// parseLiteral reads text as JSON, keeping numbers exact. Text that is
// not a JSON scalar is a plain string.
func parseLiteral(text string) any {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return text
	}
	switch v.(type) {
	case map[string]any, []any:
		return text
	}
	return v
}

// MutateOptions holds flags for the mutate command.
type MutateOptions struct {
	*RootOptions
	Data string // JSON object of wire values
	Key  string // primary key, merged into the payload
}

// NewMutateCommand creates the mutate command.
func NewMutateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mutate <kind> <insert|update|delete>",
		Short: "Apply a local mutation and queue it for delivery",
		Long: `Apply an insert, update or delete to the local store and queue it in
the outbox. The payload is a JSON object of wire values; updates only
need the fields they change. Nothing is written if the payload fails
validation.

Examples:
  homebase mutate tag insert --data '{"label":"urgent"}'
  homebase mutate contact update --key 0192f3a4-... --data '{"favorite":1}'
  homebase mutate contact delete --key 0192f3a4-...`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app, out *OutputFormatter) error {
				return runMutate(ctx, a, out, opts, ir.Kind(args[0]), ir.Mutation(args[1]))
			})
		},
	}

	cmd.Flags().StringVar(&opts.Data, "data", "", "payload as a JSON object")
	cmd.Flags().StringVar(&opts.Key, "key", "", "primary key of the record")

	return cmd
}

func runMutate(ctx context.Context, a *app, out *OutputFormatter, opts *MutateOptions, kind ir.Kind, m ir.Mutation) error {
	payload, err := decodePayload(a.codec, kind, opts.Data, opts.Key)
	if err != nil {
		return out.Fail(exitCodeFor(err), "invalid payload", err)
	}

	entry, err := a.client.Mutate(ctx, kind, m, payload)
	if err != nil {
		return out.Fail(exitCodeFor(err), "mutation refused", err)
	}
	a.log.Debug("mutation queued", "kind", kind, "key", entry.Key, "mutation", m)

	view, err := viewOf(a.codec, entry)
	if err != nil {
		return out.Fail(ExitFailure, "mutation applied but not renderable", err)
	}
	return out.Success(view, func(w io.Writer) {
		fmt.Fprintf(w, "Queued %s of %s/%s\n", m, kind, entry.Key)
		printRecord(w, view)
	})
}

// decodePayload decodes a JSON object of wire values field by field.
func decodePayload(cd *codec.Codec, kind ir.Kind, data, key string) (ir.Fields, error) {
	s, err := cd.Registry().Get(kind)
	if err != nil {
		return nil, err
	}

	raw := map[string]any{}
	if data != "" {
		dec := json.NewDecoder(bytes.NewReader([]byte(data)))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("payload is not a JSON object: %w", err)
		}
	}
	if key != "" {
		raw[s.PrimaryKey] = key
	}

	fields := make(ir.Fields, len(raw))
	for name, v := range raw {
		value, err := cd.DecodeValue(kind, name, v)
		if err != nil {
			return nil, err
		}
		fields[name] = value
	}
	return fields, nil
}

// exitCodeFor maps errors caused by the command line to ExitCommandError.
func exitCodeFor(err error) int {
	if errors.Is(err, ir.ErrUnknownKind) {
		return ExitCommandError
	}
	return ExitFailure
}
