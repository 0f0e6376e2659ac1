package fake

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/filetree"
	"github.com/lockbook/lb-core/server"
)

func TestUpsertRejectsStaleBase(t *testing.T) {
	owner, err := crypto.NewAccountKey()
	require.NoError(t, err)

	s := New()
	c := s.Client()

	root := filetree.Record{ID: uuid.New(), Owner: owner.Public()}
	root.Parent = root.ID
	root.Version = 1

	require.NoError(t, c.Upsert([]server.FileDiff{{Old: nil, New: root}}))

	ids, err := c.GetFileIds(owner.Public())
	require.NoError(t, err)
	require.True(t, ids[root.ID])

	updated := root
	updated.Version = 2
	require.NoError(t, c.Upsert([]server.FileDiff{{Old: &root, New: updated}}))

	// Resubmitting against the now-stale base (Version 1, when the server
	// has moved to 2) must be rejected as a conflict.
	stale := root
	stale.Version = 2
	err = c.Upsert([]server.FileDiff{{Old: &root, New: stale}})
	require.Error(t, err)
	require.ErrorIs(t, err, server.ErrConflict)

	updates, err := c.GetUpdates(owner.Public(), 0)
	require.NoError(t, err)
	require.Len(t, updates.Files, 1)
	require.Equal(t, uint64(2), updates.Files[0].Version)
}

func TestGetUsernameUnknownOwner(t *testing.T) {
	owner, err := crypto.NewAccountKey()
	require.NoError(t, err)

	s := New()
	_, err = s.Client().GetUsername(owner.Public())
	require.ErrorIs(t, err, server.ErrUserNotFound)

	s.SetUsername(owner.Public(), "alice")
	name, err := s.Client().GetUsername(owner.Public())
	require.NoError(t, err)
	require.Equal(t, "alice", name)
}

func TestChangeDocRoundTrips(t *testing.T) {
	owner, err := crypto.NewAccountKey()
	require.NoError(t, err)

	s := New()
	c := s.Client()

	hmac := [32]byte{1, 2, 3}
	root := filetree.Record{ID: uuid.New(), Owner: owner.Public(), DocumentHMAC: &hmac}
	root.Parent = root.ID
	root.Version = 1

	err = c.ChangeDoc(server.DocDiff{
		Diff:       server.FileDiff{Old: nil, New: root},
		Ciphertext: crypto.EncryptedValue("ciphertext"),
	})
	require.NoError(t, err)

	got, err := c.GetDoc(root.ID, hmac)
	require.NoError(t, err)
	require.Equal(t, crypto.EncryptedValue("ciphertext"), got)
}
