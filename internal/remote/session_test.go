package remote

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/testutil"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestSession_Anonymous(t *testing.T) {
	s, err := NewSession(NewMemory(testutil.NewRegistry(t)), "")
	require.NoError(t, err)

	_, ok := s.ExpiresAt()
	assert.False(t, ok)
	assert.False(t, s.Expired())
}

func TestSession_ReadsExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	s, err := NewSession(NewMemory(testutil.NewRegistry(t)), signedToken(t, exp))
	require.NoError(t, err)

	got, ok := s.ExpiresAt()
	require.True(t, ok)
	assert.True(t, exp.Equal(got))
	assert.False(t, s.Expired())
}

func TestSession_ExpiredTokenRefusesCalls(t *testing.T) {
	mem := NewMemory(testutil.NewRegistry(t))
	s, err := NewSession(mem, signedToken(t, time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Fetch(ctx, testutil.KindNote, nil)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.True(t, IsPermanent(err))

	_, err = s.Upsert(ctx, testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", "x", 0)})
	assert.ErrorIs(t, err, ErrSessionExpired)

	_, err = s.Subscribe(ctx, testutil.KindNote)
	assert.ErrorIs(t, err, ErrSessionExpired)

	assert.Equal(t, 0, mem.Calls(testutil.KindNote), "no call reaches the remote")
}

func TestSession_DelegatesWhileValid(t *testing.T) {
	mem := NewMemory(testutil.NewRegistry(t))
	s, err := NewSession(mem, signedToken(t, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	res, err := s.Upsert(context.Background(), testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", "x", 0)})
	require.NoError(t, err)
	assert.Len(t, res.Committed, 1)
	assert.Equal(t, 1, mem.Len(testutil.KindNote))
}

func TestSession_MalformedToken(t *testing.T) {
	_, err := NewSession(NewMemory(testutil.NewRegistry(t)), "not-a-jwt")
	assert.Error(t, err)
}
