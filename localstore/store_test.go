package localstore

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/filetree"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return New(db)
}

func TestMetadataRoundTrips(t *testing.T) {
	s := newTestStore(t)

	owner, err := crypto.NewAccountKey()
	require.NoError(t, err)

	root := filetree.Record{ID: uuid.New(), Owner: owner.Public(), Version: 1}
	root.Parent = root.ID
	root = filetree.Sign(root, owner)

	require.NoError(t, s.SaveBase([]filetree.Record{root}))

	loaded, err := s.LoadBase()
	require.NoError(t, err)
	got, ok := loaded.Find(root.ID)
	require.True(t, ok)
	require.Equal(t, root.ID, got.ID)
	require.Equal(t, root.Version, got.Version)
	require.True(t, got.Owner.Equal(owner.Public()))
	require.True(t, filetree.Verify(got))

	require.NoError(t, s.SaveLocal([]filetree.Record{root}))
	patch, err := s.LoadLocalPatch()
	require.NoError(t, err)
	require.Contains(t, patch, root.ID)
}

func TestAccountStateRoundTrips(t *testing.T) {
	s := newTestStore(t)

	root, err := s.Root()
	require.NoError(t, err)
	require.Equal(t, uuid.Nil, root)

	lastSynced, err := s.LastSynced()
	require.NoError(t, err)
	require.Equal(t, uint64(0), lastSynced)

	id := uuid.New()
	require.NoError(t, s.SetRoot(id))
	require.NoError(t, s.SetLastSynced(42))

	got, err := s.Root()
	require.NoError(t, err)
	require.Equal(t, id, got)

	synced, err := s.LastSynced()
	require.NoError(t, err)
	require.Equal(t, uint64(42), synced)
}

func TestDocumentsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	id := uuid.New()
	hmac := [32]byte{1, 2, 3}

	_, err := s.Get(id, hmac)
	require.ErrorIs(t, err, filetree.ErrNotFound)

	require.NoError(t, s.Put(id, hmac, crypto.EncryptedValue("ciphertext")))
	got, err := s.Get(id, hmac)
	require.NoError(t, err)
	require.Equal(t, crypto.EncryptedValue("ciphertext"), got)

	require.NoError(t, s.Delete(id))
	_, err = s.Get(id, hmac)
	require.ErrorIs(t, err, filetree.ErrNotFound)
}

func TestUsernameLookupRoundTrips(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Username("alice-key")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetUsername("alice-key", "alice"))
	name, ok, err := s.Username("alice-key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", name)
}
