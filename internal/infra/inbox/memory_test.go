package inbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRemembersAndEvicts(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	seen := func(id string) bool {
		ok, err := s.Seen(ctx, id)
		require.NoError(t, err)
		return ok
	}
	assert.False(t, seen("a"))
	assert.True(t, seen("a"))
	assert.False(t, seen("b"))
	assert.False(t, seen("c"))
	assert.False(t, seen("a"), "oldest id is evicted once full")
	assert.True(t, seen("c"))
}
