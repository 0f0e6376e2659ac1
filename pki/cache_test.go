package pki

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/server"
)

func TestUsernameCachesHit(t *testing.T) {
	owner, err := crypto.NewAccountKey()
	require.NoError(t, err)

	calls := 0
	cache := New(func(crypto.PublicKey) (string, error) {
		calls++
		return "alice", nil
	})

	name, err := cache.Username(owner.Public())
	require.NoError(t, err)
	require.Equal(t, "alice", name)

	name, err = cache.Username(owner.Public())
	require.NoError(t, err)
	require.Equal(t, "alice", name)
	require.Equal(t, 1, calls)
}

func TestUsernameCachesNegative(t *testing.T) {
	owner, err := crypto.NewAccountKey()
	require.NoError(t, err)

	calls := 0
	cache := New(func(crypto.PublicKey) (string, error) {
		calls++
		return "", server.ErrUserNotFound
	})

	name, err := cache.Username(owner.Public())
	require.NoError(t, err)
	require.Equal(t, unknownUsername, name)

	_, err = cache.Username(owner.Public())
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}
