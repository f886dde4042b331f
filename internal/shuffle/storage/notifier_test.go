package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotifierPendingCount(t *testing.T) {
	n := NewFlushNotifier()
	require.Equal(t, 0, n.Pending())

	n.IncPending()
	n.IncPending()
	require.Equal(t, 2, n.Pending())

	n.DecPending()
	require.Equal(t, 1, n.Pending())
}

func TestNotifierFirstErrorWins(t *testing.T) {
	n := NewFlushNotifier()
	require.False(t, n.HasError())
	require.NoError(t, n.Err())

	first := errors.New("first")
	second := errors.New("second")
	n.SetError(first)
	n.SetError(second)

	require.True(t, n.HasError())
	require.ErrorIs(t, n.Err(), first)
}
