package uuid

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsTimeOrderedV7(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewID()
	require.NoError(t, err)
	second, err := gen.NewID()
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.Less(t, first, second, "v7 ids sort by creation time")
	parsed, err := uuid.Parse(first)
	require.NoError(t, err)
	require.EqualValues(t, 7, parsed.Version())
}

func TestNewIDFallsBackToRandom(t *testing.T) {
	t.Parallel()

	gen := &Generator{v7: func() (uuid.UUID, error) { return uuid.Nil, errors.New("clock unavailable") }}
	id, err := gen.NewID()
	require.NoError(t, err)
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	require.EqualValues(t, 4, parsed.Version())
}
