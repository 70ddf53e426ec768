package dispatch

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionOverflowDropsOldest(t *testing.T) {
	s := NewSession("a", uuid.New(), 2, nil)
	require.NoError(t, s.SendRaw([]byte{1}))
	require.NoError(t, s.SendRaw([]byte{2}))
	require.NoError(t, s.SendRaw([]byte{3})) // over capacity, drops {1}

	got := s.drain()
	require.Len(t, got, 2)
	assert.Equal(t, []byte{2}, got[0], "oldest queued packet must be the one dropped")
	assert.Equal(t, []byte{3}, got[1])
}

func TestSessionDrainEmptiesQueue(t *testing.T) {
	s := NewSession("a", uuid.New(), 4, nil)
	s.SendRaw([]byte{1})
	s.SendRaw([]byte{2})

	first := s.drain()
	require.Len(t, first, 2)
	second := s.drain()
	assert.Nil(t, second, "drain must return nothing once already emptied")
}

func TestSessionSendRawAfterCloseFails(t *testing.T) {
	s := NewSession("a", uuid.New(), 4, nil)
	s.Close()
	err := s.SendRaw([]byte{1})
	assert.ErrorIs(t, err, errSessionClosed)
	assert.True(t, s.IsClosed())
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	s := NewSession("a", uuid.New(), 4, nil)
	s.Close()
	s.Close() // must not panic by closing done a second time
	assert.True(t, s.IsClosed())
}
