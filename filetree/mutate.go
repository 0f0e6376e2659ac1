package filetree

import (
	"github.com/google/uuid"

	"github.com/lockbook/lb-core/crypto"
)

// Mutator applies the unvalidated mutation primitives to a staged overlay.
// Every method performs the field edit and leaves the resulting record
// unsigned (Signature is cleared); the caller signs before the record is
// persisted or pushed. Validation is a separate pass (package validate);
// the only checks made inline are Move's own-subtree check, AddShare's
// root check and CreateLink's owned-target and shared-parent checks.
type Mutator struct {
	overlay *StagedOverlay
	owner   crypto.PublicKey
}

// NewMutator returns a Mutator that stages edits as the given user.
func NewMutator(overlay *StagedOverlay, owner crypto.PublicKey) *Mutator {
	return &Mutator{overlay: overlay, owner: owner}
}

// Create stages a brand-new file: a fresh id, a fresh symmetric key (left to
// the caller to encrypt into SecretName/FolderAccessKey since that requires
// the parent's folder key), and no prior presence in base.
func (m *Mutator) Create(parent uuid.UUID, typ FileType, secretName crypto.EncryptedValue, folderAccessKey crypto.EncryptedValue) Record {
	r := Record{
		ID:              uuid.New(),
		Parent:          parent,
		Type:            typ,
		Owner:           m.owner,
		SecretName:      secretName,
		FolderAccessKey: folderAccessKey,
	}
	m.overlay.Insert(r)
	return r
}

// CreateLink stages a new Link, checking the two preconditions that can be
// decided from the local overlay alone before ever reaching a sync: a link
// may not point at a file the linking user already owns, and it may not sit
// anywhere under a folder shared outward. Both are also checked by
// validate.Validate (as OwnedLink/SharedLink) and resolved by the merge loop
// when they only arise from a concurrent edit on the other replica;
// CreateLink catches the case the local overlay can see on its own,
// synchronously.
func (m *Mutator) CreateLink(parent, target uuid.UUID, targetOwner crypto.PublicKey, secretName crypto.EncryptedValue) (Record, error) {
	if targetOwner.Equal(m.owner) {
		return Record{}, errorf("CreateLink", "%w", ErrLinkOwnedFile)
	}
	cur := parent
	for i := 0; i < len(m.overlay.Ids())+1; i++ {
		r, ok := m.overlay.Find(cur)
		if !ok {
			break
		}
		for _, g := range r.UserAccessKeys {
			if !g.Deleted {
				return Record{}, errorf("CreateLink", "%w", ErrLinkInShare)
			}
		}
		if r.IsRoot() {
			break
		}
		cur = r.Parent
	}
	r := m.Create(parent, Link, secretName, nil)
	r.LinkTarget = target
	m.overlay.Insert(r)
	return r, nil
}

// Rename stages a new SecretName for id, re-encrypted by the caller under
// the same parent folder key (the plaintext name changed, the key did not).
func (m *Mutator) Rename(id uuid.UUID, secretName crypto.EncryptedValue) (Record, error) {
	r, ok := m.overlay.Find(id)
	if !ok {
		return Record{}, errorf("Rename", "%w: %s", ErrNotFound, id)
	}
	r = r.Clone()
	r.SecretName = secretName
	r.Signature = nil
	m.overlay.Insert(r)
	return r, nil
}

// Move stages a new parent and a re-encrypted FolderAccessKey (the file's
// own key, now wrapped under the new parent's folder key) and SecretName
// (the name ciphertext depends on the parent's folder key too).
//
// Rejects moving id into its own subtree before staging anything: walking
// newParent's ancestor chain looking for id catches the obvious local case
// synchronously, rather than surfacing it as a validate.Cycle only once a
// sync round-trips through the merge loop. A cycle introduced by two
// replicas moving into each other concurrently still only surfaces there,
// since neither replica's local overlay alone contains the cycle.
func (m *Mutator) Move(id, newParent uuid.UUID, secretName, folderAccessKey crypto.EncryptedValue) (Record, error) {
	r, ok := m.overlay.Find(id)
	if !ok {
		return Record{}, errorf("Move", "%w: %s", ErrNotFound, id)
	}
	cur := newParent
	for i := 0; i < len(m.overlay.Ids())+1; i++ {
		if cur == id {
			return Record{}, errorf("Move", "%w", ErrCycle)
		}
		p, ok := m.overlay.Find(cur)
		if !ok || p.IsRoot() {
			break
		}
		cur = p.Parent
	}
	r = r.Clone()
	r.Parent = newParent
	r.SecretName = secretName
	r.FolderAccessKey = folderAccessKey
	r.Signature = nil
	m.overlay.Insert(r)
	return r, nil
}

// Delete stages ExplicitlyDeleted=true. It does not remove the record from
// the overlay: a deleted record must still be visible so the lazy view can
// compute implicit deletion for its former descendants, and so pruning can
// later drop it once the server confirms.
func (m *Mutator) Delete(id uuid.UUID) (Record, error) {
	r, ok := m.overlay.Find(id)
	if !ok {
		return Record{}, errorf("Delete", "%w: %s", ErrNotFound, id)
	}
	r = r.Clone()
	r.ExplicitlyDeleted = true
	r.Signature = nil
	m.overlay.Insert(r)
	return r, nil
}

// AddShare stages an upsert of one grant. Sharing a root is rejected
// outright: a root has no FolderAccessKey of its own to wrap for a grantee
// (it's derived, not stored, per crypto.AccountKey.RootKey), so there is no
// key a share grant on it could ever carry.
func (m *Mutator) AddShare(id uuid.UUID, grant UserAccessKey) (Record, error) {
	r, ok := m.overlay.Find(id)
	if !ok {
		return Record{}, errorf("AddShare", "%w: %s", ErrNotFound, id)
	}
	if r.IsRoot() {
		return Record{}, errorf("AddShare", "%w", ErrShareRoot)
	}
	r = r.Clone()
	r.UserAccessKeys = WithUpsertedGrant(r.UserAccessKeys, grant)
	r.Signature = nil
	m.overlay.Insert(r)
	return r, nil
}

// DeleteShare stages the grant for (by,for) as deleted, without removing it
// from the slice, so merge can still see what was revoked.
func (m *Mutator) DeleteShare(id uuid.UUID, by, forUser crypto.PublicKey) (Record, error) {
	r, ok := m.overlay.Find(id)
	if !ok {
		return Record{}, errorf("DeleteShare", "%w: %s", ErrNotFound, id)
	}
	r = r.Clone()
	for i := range r.UserAccessKeys {
		if r.UserAccessKeys[i].EncryptedBy.Equal(by) && r.UserAccessKeys[i].EncryptedFor.Equal(forUser) {
			r.UserAccessKeys[i].Deleted = true
		}
	}
	r.Signature = nil
	m.overlay.Insert(r)
	return r, nil
}

// UpdateDocument stages a new content digest for a document (the content
// bytes themselves are the document store's concern, keyed by this hmac).
func (m *Mutator) UpdateDocument(id uuid.UUID, hmac [32]byte) (Record, error) {
	r, ok := m.overlay.Find(id)
	if !ok {
		return Record{}, errorf("UpdateDocument", "%w: %s", ErrNotFound, id)
	}
	r = r.Clone()
	r.DocumentHMAC = &hmac
	r.Signature = nil
	m.overlay.Insert(r)
	return r, nil
}
