// Package lazy implements the computed view over a filetree.Tree: plaintext
// names, effective deletion, decrypted keys, children, ancestors and link
// targets, all derived on demand and memoized.
//
// Every View is tied to one tree snapshot: after a promotion (staged ->
// base) its cached derivations would silently go stale, so the View must not
// be used as it was. Reset rebinds it: it swaps in the new tree and discards
// every cache.
package lazy

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/filetree"
)

// Keyring resolves the one key a user holds outside the tree: the symmetric
// key of their own root, which has no FolderAccessKey to decrypt. Share
// grants are decrypted by View.Key itself (ECDH with the acting account
// key); every other file's key comes from walking FolderAccessKey up the
// parent chain.
type Keyring interface {
	// RootKey returns the symmetric key for the user's own root folder.
	RootKey(owner crypto.PublicKey) (crypto.SymmetricKey, error)
}

// View is the lazy computed view over one tree snapshot.
type View struct {
	tree    filetree.Tree
	user    crypto.AccountKey
	keyring Keyring

	names    map[uuid.UUID]string
	keys     map[uuid.UUID]crypto.SymmetricKey
	implicit map[uuid.UUID]bool

	childrenComputed bool
	children         map[uuid.UUID][]uuid.UUID

	linkedByComputed bool
	linkedBy         map[uuid.UUID]uuid.UUID
}

// New returns a view over tree, decrypting as the given user.
func New(tree filetree.Tree, user crypto.AccountKey, keyring Keyring) *View {
	v := &View{tree: tree, user: user, keyring: keyring}
	v.reset()
	return v
}

// Reset rebinds the view to a new tree snapshot and discards every cache.
// Call this after any promotion (staged overlay folded into base): caches
// are tied to a tree snapshot and must not survive it.
func (v *View) Reset(tree filetree.Tree) {
	v.tree = tree
	v.reset()
}

func (v *View) reset() {
	v.names = make(map[uuid.UUID]string)
	v.keys = make(map[uuid.UUID]crypto.SymmetricKey)
	v.implicit = make(map[uuid.UUID]bool)
	v.childrenComputed = false
	v.children = nil
	v.linkedByComputed = false
	v.linkedBy = nil
}

// Key returns the decrypted symmetric key for id, walking the folder-key
// chain from the record's owning user's root down to id, caching every hop.
//
// Walks iteratively up to the nearest resolved anchor (root, share root or
// an already-cached hop), then decrypts back down: the straight-line
// recursive version this replaced had the same unterminated-on-a-cycle
// hazard fixed in ImplicitlyDeleted below, for the same reason (a
// merge-loop candidate can carry a genuine parent cycle for one pass before
// validate.Cycle rejects it).
func (v *View) Key(id uuid.UUID) (crypto.SymmetricKey, error) {
	if k, ok := v.keys[id]; ok {
		return k, nil
	}
	var chain []filetree.Record
	visited := make(map[uuid.UUID]bool)
	cur := id
	for i := 0; i < len(v.tree.Ids())+1; i++ {
		if k, ok := v.keys[cur]; ok {
			return v.unwindKeyChain(chain, k)
		}
		if visited[cur] {
			return crypto.SymmetricKey{}, fmt.Errorf("lazy.Key: %w: cycle at %s", filetree.ErrNotFound, cur)
		}
		visited[cur] = true

		r, ok := v.tree.Find(cur)
		if !ok {
			return crypto.SymmetricKey{}, fmt.Errorf("lazy.Key: %w: %s", filetree.ErrNotFound, cur)
		}
		if r.IsRoot() {
			k, err := v.keyring.RootKey(r.Owner)
			if err != nil {
				return crypto.SymmetricKey{}, fmt.Errorf("lazy.Key: root %s: %w", cur, err)
			}
			return v.unwindKeyChain(chain, k)
		}
		// A share root: the acting user has a direct grant for this file
		// rather than visibility into its parent's folder key.
		if grant, ok := r.AccessKeyFor(v.user.Public(), false); ok && len(grant.AccessKey) > 0 {
			shared, err := v.user.SharedSymmetricKey(grant.EncryptedBy)
			if err != nil {
				return crypto.SymmetricKey{}, fmt.Errorf("lazy.Key: share root %s: %w", cur, err)
			}
			plain, err := crypto.DecryptBytes(shared, grant.AccessKey)
			if err != nil {
				return crypto.SymmetricKey{}, fmt.Errorf("lazy.Key: %w: share root %s: %v", filetree.ErrNotFound, cur, err)
			}
			var k crypto.SymmetricKey
			copy(k[:], plain)
			return v.unwindKeyChain(chain, k)
		}
		chain = append(chain, r)
		cur = r.Parent
	}
	return crypto.SymmetricKey{}, fmt.Errorf("lazy.Key: %w: cycle at %s", filetree.ErrNotFound, id)
}

// unwindKeyChain decrypts chain (ordered nearest-id-first, furthest-ancestor
// last) back down from key, the already-resolved key belonging to the
// ancestor one hop above chain's last entry, caching every hop.
func (v *View) unwindKeyChain(chain []filetree.Record, key crypto.SymmetricKey) (crypto.SymmetricKey, error) {
	for i := len(chain) - 1; i >= 0; i-- {
		r := chain[i]
		plain, err := crypto.DecryptBytes(key, r.FolderAccessKey)
		if err != nil {
			return crypto.SymmetricKey{}, fmt.Errorf("lazy.Key: %w: %s", filetree.ErrNotFound, r.ID)
		}
		var k crypto.SymmetricKey
		copy(k[:], plain)
		v.keys[r.ID] = k
		key = k
	}
	return key, nil
}

// Name decrypts and returns the plaintext name for id.
func (v *View) Name(id uuid.UUID) (string, error) {
	if n, ok := v.names[id]; ok {
		return n, nil
	}
	r, ok := v.tree.Find(id)
	if !ok {
		return "", fmt.Errorf("lazy.Name: %w: %s", filetree.ErrNotFound, id)
	}
	var key crypto.SymmetricKey
	var err error
	if r.IsRoot() {
		key, err = v.keyring.RootKey(r.Owner)
	} else {
		key, err = v.Key(r.Parent)
	}
	if err != nil {
		return "", err
	}
	plain, err := crypto.DecryptBytes(key, r.SecretName)
	if err != nil {
		return "", fmt.Errorf("lazy.Name: %s: %w", id, filetree.ErrInvalidName)
	}
	name, err := filetree.ValidateName(string(plain))
	if err != nil {
		return "", fmt.Errorf("lazy.Name: %s: %w", id, err)
	}
	v.names[id] = name
	return name, nil
}

// ImplicitlyDeleted reports whether id is implicitly deleted: whether any
// ancestor up to (and including) the first share root is explicitly deleted
// or itself implicitly deleted.
//
// Walks iteratively rather than recursing straight up the parent chain: a
// parent cycle (a transient state the merge loop can have in hand before
// validate.Cycle gets a chance to reject it, see buildDeletionsOnlyPatch)
// would otherwise recurse forever. A cycle is reported as "not deleted"
// here; it is validate's job to reject the tree outright.
func (v *View) ImplicitlyDeleted(id uuid.UUID) (bool, error) {
	if b, ok := v.implicit[id]; ok {
		return b, nil
	}
	var chain []uuid.UUID
	visited := make(map[uuid.UUID]bool)
	cur := id
	for i := 0; i < len(v.tree.Ids())+1; i++ {
		if b, ok := v.implicit[cur]; ok {
			return v.memoizeChain(chain, b)
		}
		if visited[cur] {
			// Cycle: no ancestor explicitly deleted before looping back.
			return v.memoizeChain(chain, false)
		}
		visited[cur] = true
		chain = append(chain, cur)

		r, ok := v.tree.Find(cur)
		if !ok {
			return false, fmt.Errorf("lazy.ImplicitlyDeleted: %w: %s", filetree.ErrNotFound, cur)
		}
		if r.IsRoot() {
			return v.memoizeChain(chain, false)
		}
		// A share root of the acting user ends the walk, as the root does.
		if grant, ok := r.AccessKeyFor(v.user.Public(), false); ok && len(grant.AccessKey) > 0 {
			return v.memoizeChain(chain, false)
		}
		parent, ok := v.tree.Find(r.Parent)
		if !ok {
			return false, fmt.Errorf("lazy.ImplicitlyDeleted: %w: parent of %s", filetree.ErrNotFound, cur)
		}
		if parent.ExplicitlyDeleted {
			return v.memoizeChain(chain, true)
		}
		cur = r.Parent
	}
	return v.memoizeChain(chain, false)
}

// memoizeChain records deleted for every id walked this call, so a repeat
// query for any link in the chain is O(1), matching the original
// single-recursion cache's behavior.
func (v *View) memoizeChain(chain []uuid.UUID, deleted bool) (bool, error) {
	for _, id := range chain {
		v.implicit[id] = deleted
	}
	return deleted, nil
}

// EffectivelyDeleted is ExplicitlyDeleted(id) || ImplicitlyDeleted(id).
func (v *View) EffectivelyDeleted(id uuid.UUID) (bool, error) {
	r, ok := v.tree.Find(id)
	if !ok {
		return false, fmt.Errorf("lazy.EffectivelyDeleted: %w: %s", filetree.ErrNotFound, id)
	}
	if r.ExplicitlyDeleted {
		return true, nil
	}
	return v.ImplicitlyDeleted(id)
}

func (v *View) ensureChildren() {
	if v.childrenComputed {
		return
	}
	v.children = make(map[uuid.UUID][]uuid.UUID)
	for _, id := range v.tree.Ids() {
		r, _ := v.tree.Find(id)
		if r.IsRoot() {
			continue
		}
		v.children[r.Parent] = append(v.children[r.Parent], id)
	}
	v.childrenComputed = true
}

// Children returns the ids whose Parent is parentID. Computed once per
// snapshot on first use, then served from cache.
func (v *View) Children(parentID uuid.UUID) []uuid.UUID {
	v.ensureChildren()
	return v.children[parentID]
}

func (v *View) ensureLinkedBy() {
	if v.linkedByComputed {
		return
	}
	v.linkedBy = make(map[uuid.UUID]uuid.UUID)
	for _, id := range v.tree.Ids() {
		r, _ := v.tree.Find(id)
		if r.Type != filetree.Link || r.ExplicitlyDeleted {
			continue
		}
		v.linkedBy[r.LinkTarget] = id
	}
	v.linkedByComputed = true
}

// LinkedBy returns the id of the non-deleted link pointing at targetID, if
// any.
func (v *View) LinkedBy(targetID uuid.UUID) (uuid.UUID, bool) {
	v.ensureLinkedBy()
	id, ok := v.linkedBy[targetID]
	return id, ok
}

// AccessMode walks the Parent chain from id up to the root and returns the
// maximum access mode user holds for id, via ownership of or a grant on id
// or an ancestor. Links are not followed: the linked-by map is not
// consulted.
func (v *View) AccessMode(user crypto.PublicKey, id uuid.UUID) filetree.AccessMode {
	best := filetree.None
	seen := make(map[uuid.UUID]bool)
	cur := id
	limit := len(v.tree.Ids())
	for {
		if seen[cur] || len(seen) > limit {
			break
		}
		seen[cur] = true
		r, ok := v.tree.Find(cur)
		if !ok {
			break
		}
		if r.Owner.Equal(user) {
			best = best.Stronger(filetree.Owner)
		}
		if grant, ok := r.AccessKeyFor(user, false); ok {
			best = best.Stronger(grant.Mode)
		}
		if r.IsRoot() {
			break
		}
		cur = r.Parent
	}
	return best
}
