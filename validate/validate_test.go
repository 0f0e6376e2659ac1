package validate

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/filetree"
	"github.com/lockbook/lb-core/lazy"
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

func freshTree(t *testing.T) (*filetree.Store, crypto.AccountKey, mapKeyring, crypto.SymmetricKey, uuid.UUID) {
	t.Helper()
	owner, err := crypto.NewAccountKey()
	require.NoError(t, err)
	rootKey, err := crypto.RandomSymmetricKey()
	require.NoError(t, err)
	keyring := mapKeyring{owner.Public().String(): rootKey}
	store := filetree.NewStore()
	root := filetree.Record{ID: uuid.New(), Owner: owner.Public()}
	root.Parent = root.ID
	root.SecretName = enc(t, rootKey, "root")
	store.Insert(root)
	return store, owner, keyring, rootKey, root.ID
}

func TestValidateEmptyTreeIsOk(t *testing.T) {
	store, owner, keyring, _, rootID := freshTree(t)
	view := lazy.New(store, owner, keyring)
	f := Validate(store, view, owner.Public())
	require.Nil(t, f)
	_ = rootID
}

func TestValidatePathConflict(t *testing.T) {
	store, owner, keyring, rootKey, rootID := freshTree(t)
	for i := 0; i < 2; i++ {
		k, err := crypto.RandomSymmetricKey()
		require.NoError(t, err)
		store.Insert(filetree.Record{
			ID:              uuid.New(),
			Parent:          rootID,
			Type:            filetree.Document,
			Owner:           owner.Public(),
			SecretName:      enc(t, rootKey, "todo"),
			FolderAccessKey: wrap(t, rootKey, k),
		})
	}
	view := lazy.New(store, owner, keyring)
	f := Validate(store, view, owner.Public())
	require.NotNil(t, f)
	_, ok := f.(PathConflict)
	require.True(t, ok)
	require.True(t, f.Resolvable())
}

func TestValidateNonFolderWithChildren(t *testing.T) {
	store, owner, keyring, rootKey, rootID := freshTree(t)
	docKey, err := crypto.RandomSymmetricKey()
	require.NoError(t, err)
	doc := filetree.Record{
		ID:              uuid.New(),
		Parent:          rootID,
		Type:            filetree.Document,
		Owner:           owner.Public(),
		SecretName:      enc(t, rootKey, "doc"),
		FolderAccessKey: wrap(t, rootKey, docKey),
	}
	store.Insert(doc)
	childKey, err := crypto.RandomSymmetricKey()
	require.NoError(t, err)
	store.Insert(filetree.Record{
		ID:              uuid.New(),
		Parent:          doc.ID,
		Type:            filetree.Document,
		Owner:           owner.Public(),
		SecretName:      enc(t, docKey, "child"),
		FolderAccessKey: wrap(t, docKey, childKey),
	})
	view := lazy.New(store, owner, keyring)
	f := Validate(store, view, owner.Public())
	require.NotNil(t, f)
	_, ok := f.(NonFolderWithChildren)
	require.True(t, ok)
	require.False(t, f.Resolvable())
}

func TestValidateBrokenLink(t *testing.T) {
	store, owner, keyring, rootKey, rootID := freshTree(t)
	link := filetree.Record{
		ID:         uuid.New(),
		Parent:     rootID,
		Type:       filetree.Link,
		LinkTarget: uuid.New(),
		Owner:      owner.Public(),
		SecretName: enc(t, rootKey, "link"),
	}
	store.Insert(link)
	view := lazy.New(store, owner, keyring)
	f := Validate(store, view, owner.Public())
	require.NotNil(t, f)
	_, ok := f.(BrokenLink)
	require.True(t, ok)
}

func TestValidateOwnedLink(t *testing.T) {
	store, owner, keyring, rootKey, rootID := freshTree(t)
	targetKey, err := crypto.RandomSymmetricKey()
	require.NoError(t, err)
	target := filetree.Record{
		ID:              uuid.New(),
		Parent:          rootID,
		Type:            filetree.Document,
		Owner:           owner.Public(),
		SecretName:      enc(t, rootKey, "target"),
		FolderAccessKey: wrap(t, rootKey, targetKey),
	}
	store.Insert(target)
	link := filetree.Record{
		ID:         uuid.New(),
		Parent:     rootID,
		Type:       filetree.Link,
		LinkTarget: target.ID,
		Owner:      owner.Public(),
		SecretName: enc(t, rootKey, "link"),
	}
	store.Insert(link)
	view := lazy.New(store, owner, keyring)
	f := Validate(store, view, owner.Public())
	require.NotNil(t, f)
	_, ok := f.(OwnedLink)
	require.True(t, ok)
}

// TestValidateFileNameTooLong checks that a name over filetree.MaxNameBytes
// is reported as FileNameTooLong, not NonDecryptableFileName: view.Name
// returns "" on every error path, so checkNames must distinguish the two by
// inspecting the wrapped error, not the discarded name string.
func TestValidateFileNameTooLong(t *testing.T) {
	store, owner, keyring, rootKey, rootID := freshTree(t)
	docKey, err := crypto.RandomSymmetricKey()
	require.NoError(t, err)
	longName := make([]byte, filetree.MaxNameBytes+1)
	for i := range longName {
		longName[i] = 'a'
	}
	store.Insert(filetree.Record{
		ID:              uuid.New(),
		Parent:          rootID,
		Type:            filetree.Document,
		Owner:           owner.Public(),
		SecretName:      enc(t, rootKey, string(longName)),
		FolderAccessKey: wrap(t, rootKey, docKey),
	})
	view := lazy.New(store, owner, keyring)
	f := Validate(store, view, owner.Public())
	require.NotNil(t, f)
	_, ok := f.(FileNameTooLong)
	require.True(t, ok)
}

func TestValidateSharedLink(t *testing.T) {
	store, owner, keyring, rootKey, rootID := freshTree(t)

	folderKey, err := crypto.RandomSymmetricKey()
	require.NoError(t, err)
	grantee, err := crypto.NewAccountKey()
	require.NoError(t, err)
	ecdh, err := owner.SharedSymmetricKey(grantee.Public())
	require.NoError(t, err)
	wrappedKey, err := crypto.EncryptBytes(ecdh, folderKey[:])
	require.NoError(t, err)

	shared := filetree.Record{
		ID:              uuid.New(),
		Parent:          rootID,
		Type:            filetree.Folder,
		Owner:           owner.Public(),
		SecretName:      enc(t, rootKey, "shared"),
		FolderAccessKey: wrap(t, rootKey, folderKey),
		UserAccessKeys: []filetree.UserAccessKey{{
			EncryptedBy:  owner.Public(),
			EncryptedFor: grantee.Public(),
			Mode:         filetree.Write,
			AccessKey:    wrappedKey,
		}},
	}
	store.Insert(shared)

	targetKey, err := crypto.RandomSymmetricKey()
	require.NoError(t, err)
	target := filetree.Record{
		ID:              uuid.New(),
		Parent:          rootID,
		Type:            filetree.Document,
		Owner:           owner.Public(),
		SecretName:      enc(t, rootKey, "target"),
		FolderAccessKey: wrap(t, rootKey, targetKey),
	}
	store.Insert(target)

	link := filetree.Record{
		ID:         uuid.New(),
		Parent:     shared.ID,
		Type:       filetree.Link,
		LinkTarget: target.ID,
		Owner:      owner.Public(),
		SecretName: enc(t, folderKey, "link"),
	}
	store.Insert(link)

	view := lazy.New(store, owner, keyring)
	f := Validate(store, view, owner.Public())
	require.NotNil(t, f)
	sl, ok := f.(SharedLink)
	require.True(t, ok)
	require.True(t, sl.Resolvable())
}

// TestValidateDuplicateLink puts target under a folder owned by a different
// user (a received share root) so the two local links pointing at it hit
// checkLinks' duplicate-target rule rather than OwnedLink.
func TestValidateDuplicateLink(t *testing.T) {
	store, owner, keyring, rootKey, rootID := freshTree(t)

	grantee, err := crypto.NewAccountKey()
	require.NoError(t, err)
	foreignFolderKey, err := crypto.RandomSymmetricKey()
	require.NoError(t, err)
	ecdh, err := grantee.SharedSymmetricKey(owner.Public())
	require.NoError(t, err)
	wrappedKey, err := crypto.EncryptBytes(ecdh, foreignFolderKey[:])
	require.NoError(t, err)

	foreignFolder := filetree.Record{
		ID:              uuid.New(),
		Parent:          rootID,
		Type:            filetree.Folder,
		Owner:           grantee.Public(),
		SecretName:      enc(t, rootKey, "received"),
		FolderAccessKey: wrap(t, rootKey, foreignFolderKey),
		UserAccessKeys: []filetree.UserAccessKey{{
			EncryptedBy:  grantee.Public(),
			EncryptedFor: owner.Public(),
			Mode:         filetree.Write,
			AccessKey:    wrappedKey,
		}},
	}
	store.Insert(foreignFolder)

	targetKey, err := crypto.RandomSymmetricKey()
	require.NoError(t, err)
	target := filetree.Record{
		ID:              uuid.New(),
		Parent:          foreignFolder.ID,
		Type:            filetree.Document,
		Owner:           grantee.Public(),
		SecretName:      enc(t, foreignFolderKey, "target"),
		FolderAccessKey: wrap(t, foreignFolderKey, targetKey),
	}
	store.Insert(target)

	linkA := filetree.Record{
		ID:         uuid.New(),
		Parent:     rootID,
		Type:       filetree.Link,
		LinkTarget: target.ID,
		Owner:      owner.Public(),
		SecretName: enc(t, rootKey, "link-a"),
	}
	store.Insert(linkA)
	linkB := filetree.Record{
		ID:         uuid.New(),
		Parent:     rootID,
		Type:       filetree.Link,
		LinkTarget: target.ID,
		Owner:      owner.Public(),
		SecretName: enc(t, rootKey, "link-b"),
	}
	store.Insert(linkB)

	view := lazy.New(store, owner, keyring)
	f := Validate(store, view, owner.Public())
	require.NotNil(t, f)
	dl, ok := f.(DuplicateLink)
	require.True(t, ok)
	require.Equal(t, target.ID, dl.Target)
}
