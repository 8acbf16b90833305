package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/query"
)

// ErrSessionExpired is returned instead of a remote call once the session
// token has expired.
var ErrSessionExpired = errors.New("session token expired")

// Session is the explicitly passed session context: a remote handle plus
// the auth token it was opened with. Session implements Store and refuses
// every call once the token's exp claim has passed.
//
// The token is parsed without verification; the remote verifies it. Only
// the expiry is inspected here.
type Session struct {
	remote    Store
	token     string
	expiresAt time.Time // zero: no expiry
	now       func() time.Time
}

// NewSession opens a session over remote. An empty token is an anonymous
// session without expiry.
func NewSession(remote Store, token string) (*Session, error) {
	s := &Session{remote: remote, token: token, now: time.Now}
	if token == "" {
		return s, nil
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	if claims.ExpiresAt != nil {
		s.expiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// Token returns the raw session token.
func (s *Session) Token() string {
	return s.token
}

// ExpiresAt returns the token expiry. ok is false when it never expires.
func (s *Session) ExpiresAt() (t time.Time, ok bool) {
	return s.expiresAt, !s.expiresAt.IsZero()
}

// Expired reports whether the token has expired.
func (s *Session) Expired() bool {
	return !s.expiresAt.IsZero() && !s.now().Before(s.expiresAt)
}

func (s *Session) check() error {
	if s.Expired() {
		return Permanent(fmt.Errorf("%w at %s", ErrSessionExpired, s.expiresAt.UTC().Format(time.RFC3339)))
	}
	return nil
}

// Fetch implements Store.
func (s *Session) Fetch(ctx context.Context, kind ir.Kind, pred query.Predicate) ([]ir.WireRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.remote.Fetch(ctx, kind, pred)
}

// Upsert implements Store.
func (s *Session) Upsert(ctx context.Context, kind ir.Kind, rows []ir.WireRecord) (Result, error) {
	if err := s.check(); err != nil {
		return Result{}, err
	}
	return s.remote.Upsert(ctx, kind, rows)
}

// Delete implements Store.
func (s *Session) Delete(ctx context.Context, kind ir.Kind, rows []ir.WireRecord) (Result, error) {
	if err := s.check(); err != nil {
		return Result{}, err
	}
	return s.remote.Delete(ctx, kind, rows)
}

// Subscribe implements Store.
func (s *Session) Subscribe(ctx context.Context, kind ir.Kind) (<-chan ir.ChangeEvent, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.remote.Subscribe(ctx, kind)
}
