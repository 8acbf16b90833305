package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/homebase/internal/ir"
)

func TestNoteDecodes(t *testing.T) {
	c := NewCodec(t)

	fields, version, err := c.Decode(KindNote, Note("n-1", "hello", 3))
	require.NoError(t, err)
	assert.Equal(t, ir.Version(3), version)
	assert.True(t, NoteFields("n-1", "hello", 3).Equal(fields))
}

func TestRegistryIsSealed(t *testing.T) {
	reg := NewRegistry(t)
	assert.True(t, reg.Sealed())
	assert.Contains(t, reg.Kinds(), KindNote)
}

func TestRecordingSleeper(t *testing.T) {
	var s RecordingSleeper
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.Sleep(ctx, time.Second))
	cancel()
	assert.ErrorIs(t, s.Sleep(ctx, time.Minute), context.Canceled)
	assert.Equal(t, []time.Duration{time.Second}, s.Sleeps())
}
