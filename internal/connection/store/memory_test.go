package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xerolink/internal/connection/models"
)

func TestInMemorySessionStore(t *testing.T) {
	ctx := context.Background()
	s := NewInMemorySessionStore()

	_, err := s.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	sess := models.NewSession("s-1")
	require.NoError(t, s.Save(ctx, sess))

	found, err := s.FindByID(ctx, "s-1")
	require.NoError(t, err)
	assert.Same(t, sess, found)
	assert.Equal(t, 1, s.Count())

	require.NoError(t, s.Delete(ctx, "s-1"))
	_, err = s.FindByID(ctx, "s-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, s.Count())
}
