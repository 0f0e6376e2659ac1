package merge

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/filetree"
)

type mapKeyring map[string]crypto.SymmetricKey

func (m mapKeyring) RootKey(owner crypto.PublicKey) (crypto.SymmetricKey, error) {
	k, ok := m[owner.String()]
	if !ok {
		return crypto.SymmetricKey{}, filetree.ErrNotFound
	}
	return k, nil
}

func enc(t *testing.T, key crypto.SymmetricKey, s string) crypto.EncryptedValue {
	t.Helper()
	v, err := crypto.EncryptBytes(key, []byte(s))
	require.NoError(t, err)
	return v
}

func wrap(t *testing.T, parentKey, child crypto.SymmetricKey) crypto.EncryptedValue {
	t.Helper()
	v, err := crypto.EncryptBytes(parentKey, child[:])
	require.NoError(t, err)
	return v
}

func freshBase(t *testing.T) (*filetree.Store, crypto.AccountKey, mapKeyring, crypto.SymmetricKey, uuid.UUID) {
	t.Helper()
	owner, err := crypto.NewAccountKey()
	require.NoError(t, err)
	rootKey, err := crypto.RandomSymmetricKey()
	require.NoError(t, err)
	keyring := mapKeyring{owner.Public().String(): rootKey}
	base := filetree.NewStore()
	root := filetree.Record{ID: uuid.New(), Owner: owner.Public()}
	root.Parent = root.ID
	root.SecretName = enc(t, rootKey, "root")
	root = filetree.Sign(root, owner)
	base.Insert(root)
	return base, owner, keyring, rootKey, root.ID
}

// TestMergePathConflictRenamesLoser reproduces scenario 6 from the testable
// properties: two replicas each create a same-named file offline; the
// higher-id participant is suffix-incremented so both names survive.
func TestMergePathConflictRenamesLoser(t *testing.T) {
	base, owner, keyring, rootKey, rootID := freshBase(t)

	remoteKey, err := crypto.RandomSymmetricKey()
	require.NoError(t, err)
	remoteFile := filetree.Record{
		ID:              uuid.New(),
		Parent:          rootID,
		Type:            filetree.Document,
		Owner:           owner.Public(),
		SecretName:      enc(t, rootKey, "todo"),
		FolderAccessKey: wrap(t, rootKey, remoteKey),
	}
	remoteFile = filetree.Sign(remoteFile, owner)
	remote := filetree.NewStore()
	remote.Insert(remoteFile)

	localOverlay := filetree.Stage(base)
	mutator := filetree.NewMutator(localOverlay, owner.Public())
	localKey, err := crypto.RandomSymmetricKey()
	require.NoError(t, err)
	localFile := mutator.Create(rootID, filetree.Document, enc(t, rootKey, "todo"), wrap(t, rootKey, localKey))
	localFile = filetree.Sign(localFile, owner)
	localOverlay.Insert(localFile)

	patch, err := Run(base, remote, localOverlay, owner, keyring, Options{})
	require.NoError(t, err)

	names := map[uuid.UUID]string{}
	candidate := filetree.Stage(base)
	for _, id := range remote.Ids() {
		r, _ := remote.Find(id)
		candidate.Insert(r)
	}
	for id, r := range patch {
		if r == nil {
			candidate.Remove(id)
		} else {
			candidate.Insert(*r)
		}
	}
	for _, id := range candidate.Ids() {
		r, _ := candidate.Find(id)
		if r.IsRoot() {
			continue
		}
		plain, err := crypto.DecryptBytes(rootKey, r.SecretName)
		require.NoError(t, err)
		names[id] = string(plain)
	}
	require.Len(t, names, 2)
	var got []string
	for _, n := range names {
		got = append(got, n)
	}
	require.Contains(t, got, "todo")
	require.Contains(t, got, "todo-1")
}

// TestMergeNoConflictIsStable verifies an uncontested local creation
// survives merge unchanged when remote has nothing new.
func TestMergeNoConflictIsStable(t *testing.T) {
	base, owner, keyring, rootKey, rootID := freshBase(t)
	remote := filetree.NewStore() // no remote changes

	localOverlay := filetree.Stage(base)
	mutator := filetree.NewMutator(localOverlay, owner.Public())
	localKey, err := crypto.RandomSymmetricKey()
	require.NoError(t, err)
	localFile := mutator.Create(rootID, filetree.Document, enc(t, rootKey, "notes.md"), wrap(t, rootKey, localKey))
	localFile = filetree.Sign(localFile, owner)
	localOverlay.Insert(localFile)

	patch, err := Run(base, remote, localOverlay, owner, keyring, Options{})
	require.NoError(t, err)
	require.Contains(t, patch, localFile.ID)
	require.NotNil(t, patch[localFile.ID])
}
