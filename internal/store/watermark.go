package store

import (
	"context"
	"fmt"

	"github.com/roach88/homebase/internal/ir"
)

// AdvanceWatermark raises the watermark of kind to version. Lower versions
// never move it back.
func (t *Tx) AdvanceWatermark(ctx context.Context, kind ir.Kind, version ir.Version) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO watermarks (kind, version) VALUES (?, ?)
		ON CONFLICT(kind) DO UPDATE SET version = MAX(version, excluded.version)
	`, string(kind), int64(version))
	if err != nil {
		return fmt.Errorf("advance watermark %s: %w", kind, err)
	}
	return nil
}

// ResetWatermark forgets the watermark of kind so the next pull is a full one.
func (t *Tx) ResetWatermark(ctx context.Context, kind ir.Kind) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM watermarks WHERE kind = ?`, string(kind)); err != nil {
		return fmt.Errorf("reset watermark %s: %w", kind, err)
	}
	return nil
}

// Watermark returns the highest remote version applied for kind, or 0.
func (s *Store) Watermark(ctx context.Context, kind ir.Kind) (ir.Version, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT version FROM watermarks WHERE kind = ?), 0)
	`, string(kind)).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("watermark %s: %w", kind, err)
	}
	return ir.Version(v), nil
}

// Watermarks returns every stored watermark ordered by kind.
func (s *Store) Watermarks(ctx context.Context) ([]ir.Watermark, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, version FROM watermarks ORDER BY kind COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("watermarks: %w", err)
	}
	defer rows.Close()

	out := []ir.Watermark{}
	for rows.Next() {
		var kind string
		var v int64
		if err := rows.Scan(&kind, &v); err != nil {
			return nil, fmt.Errorf("watermarks: %w", err)
		}
		out = append(out, ir.Watermark{Kind: ir.Kind(kind), Version: ir.Version(v)})
	}
	return out, rows.Err()
}
