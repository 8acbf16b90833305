package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/homebase/internal/client"
	"github.com/roach88/homebase/internal/codec"
	"github.com/roach88/homebase/internal/config"
	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/outbox"
	"github.com/roach88/homebase/internal/reconcile"
	"github.com/roach88/homebase/internal/remote"
	"github.com/roach88/homebase/internal/remote/rest"
	"github.com/roach88/homebase/internal/schema"
	"github.com/roach88/homebase/internal/store"
)

// app is everything a command needs, opened from the config.
type app struct {
	cfg    *config.Config
	store  *store.Store
	codec  *codec.Codec
	engine *reconcile.Engine
	client *client.Client
	log    *slog.Logger
}

// Close releases the local store.
func (a *app) Close() error {
	return a.store.Close()
}

// openApp loads the config and opens the local store and sync client.
// Failures are reported on out and returned as ExitCommandError.
func openApp(ctx context.Context, opts *RootOptions, out *OutputFormatter) (*app, error) {
	fail := func(code, message string, err error) error {
		_ = out.Error(code, fmt.Sprintf("%s: %v", message, err), nil)
		return WrapExitError(ExitCommandError, message, err)
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fail(ErrCodeConfig, "failed to load config", err)
	}

	logger, err := newLogger(cfg, opts, out.errWriter())
	if err != nil {
		return nil, fail(ErrCodeConfig, "invalid logging config", err)
	}

	reg, err := loadRegistry(cfg.SchemaDir)
	if err != nil {
		return nil, fail(ErrCodeSchema, "failed to load schemas", err)
	}
	cd := codec.New(reg)

	logger.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fail(ErrCodeStore, "failed to open database", err)
	}

	a, err := assemble(ctx, cfg, opts, st, cd, logger)
	if err != nil {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
		return nil, fail(ErrorCode(err), "failed to start", err)
	}
	return a, nil
}

func assemble(ctx context.Context, cfg *config.Config, opts *RootOptions, st *store.Store, cd *codec.Codec, logger *slog.Logger) (*app, error) {
	engine, err := reconcile.New(ctx, st, cd, reconcile.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("reconciliation: %w", err)
	}

	rs, err := newRemote(cfg, opts, cd, logger)
	if err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}

	kinds := make([]ir.Kind, 0, len(cfg.Sync.Kinds))
	for _, k := range cfg.Sync.Kinds {
		kinds = append(kinds, ir.Kind(k))
	}
	c, err := client.New(engine, rs, client.Options{
		Kinds:         kinds,
		Timeout:       cfg.GetTimeout(),
		FlushInterval: cfg.GetFlushInterval(),
		Policy: outbox.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.GetBaseDelay(),
			MaxDelay:    cfg.GetMaxDelay(),
			Concurrency: cfg.Sync.Concurrency,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("sync config: %w", err)
	}

	return &app{
		cfg:    cfg,
		store:  st,
		codec:  cd,
		engine: engine,
		client: c,
		log:    logger,
	}, nil
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// newLogger builds the process logger. --verbose forces debug level;
// --format json switches to the JSON handler so stderr stays machine
// readable too.
func newLogger(cfg *config.Config, opts *RootOptions, stderr io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if opts.Format == "json" {
		return slog.New(slog.NewJSONHandler(stderr, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(stderr, hopts)), nil
}

// loadRegistry registers the built-in kinds plus the schemas of dir.
func loadRegistry(dir string) (*schema.Registry, error) {
	var extra []*schema.Schema
	if dir != "" {
		schemas, errs := schema.LoadDir(dir)
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		extra = schemas
	}
	return schema.NewBuiltinRegistry(extra...)
}

// newRemote builds the remote store: the REST client when a URL is
// configured, otherwise offline. Either way it is wrapped in a session
// that refuses calls once the token expires.
func newRemote(cfg *config.Config, opts *RootOptions, cd *codec.Codec, logger *slog.Logger) (remote.Store, error) {
	var rs remote.Store
	switch {
	case opts.NewRemote != nil:
		custom, err := opts.NewRemote(cfg, cd)
		if err != nil {
			return nil, err
		}
		rs = custom
	case cfg.Remote.URL != "":
		tables := make(map[ir.Kind]string, len(cfg.Remote.Tables))
		for k, t := range cfg.Remote.Tables {
			tables[ir.Kind(k)] = t
		}
		rc, err := rest.New(rest.Config{
			URL:     cfg.Remote.URL,
			APIKey:  cfg.Remote.APIKey,
			Token:   cfg.Remote.Token,
			Timeout: cfg.GetTimeout(),
			Tables:  tables,
		}, cd, rest.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		rs = rc
	default:
		logger.Debug("no remote configured, running offline")
		rs = remote.Offline{}
	}

	sess, err := remote.NewSession(rs, cfg.Remote.Token)
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}
	return sess, nil
}

// withApp opens the app for cmd, runs fn and closes the store.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app, out *OutputFormatter) error) error {
	out := newFormatter(cmd, opts)
	ctx := commandContext(cmd)

	a, err := openApp(ctx, opts, out)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			a.log.Error("error closing database", "error", closeErr)
		}
	}()

	return fn(ctx, a, out)
}
