package merge

import (
	"github.com/google/uuid"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/filetree"
	"github.com/lockbook/lb-core/lazy"
)

// localTouchedIDs returns every id the local overlay patched, in a stable
// order (sorted by string form) so the topological creation pass in
// buildFullPatch behaves deterministically across runs.
func localTouchedIDs(localPatch map[uuid.UUID]*filetree.Record) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(localPatch))
	for id := range localPatch {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1].String() > ids[j].String(); j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// buildDeletionsOnlyPatch builds a throwaway patch containing only
// creations, moves (minus files_to_unmove) and deletes, with nothing else,
// used only to ask "what ends up effectively deleted".
func buildDeletionsOnlyPatch(baseRemote, base filetree.Tree, localPatch map[uuid.UUID]*filetree.Record, c *constraints) map[uuid.UUID]*filetree.Record {
	out := make(map[uuid.UUID]*filetree.Record)
	for _, id := range localTouchedIDs(localPatch) {
		localRec := localPatch[id]
		if localRec == nil {
			out[id] = nil
			continue
		}
		baseRec, existedInBase := base.Find(id)
		if !existedInBase {
			r := localRec.Clone()
			out[id] = &r
			continue
		}
		r := baseRec.Clone()
		if localRec.Parent != baseRec.Parent && !c.filesToUnmove[id] {
			r.Parent = localRec.Parent
		}
		if localRec.ExplicitlyDeleted {
			r.ExplicitlyDeleted = true
		}
		out[id] = &r
	}
	return out
}

// effectivelyDeletedSet builds candidate = stage(baseRemote)+patch and
// returns the ids it considers effectively deleted.
func effectivelyDeletedSet(baseRemote filetree.Tree, patch map[uuid.UUID]*filetree.Record, actingUser crypto.AccountKey, keyring Keyring) map[uuid.UUID]bool {
	overlay := filetree.Stage(baseRemote)
	for id, r := range patch {
		if r == nil {
			overlay.Remove(id)
		} else {
			overlay.Insert(*r)
		}
	}
	view := lazy.New(overlay, actingUser, keyring)
	out := make(map[uuid.UUID]bool)
	for _, id := range overlay.Ids() {
		if deleted, err := view.EffectivelyDeleted(id); err == nil && deleted {
			out[id] = true
		}
	}
	return out
}

// buildFullPatch assembles the full candidate patch: content merges,
// share-grant folding, link cleanup, and every other per-id reconciliation
// rule the loop applies once deletionsOnly has settled what's deleted.
func buildFullPatch(
	baseRemote, base filetree.Tree,
	localPatch, deletionsOnly map[uuid.UUID]*filetree.Record,
	c *constraints,
	actingUser crypto.AccountKey,
	keyring Keyring,
	opts Options,
) map[uuid.UUID]*filetree.Record {
	out := make(map[uuid.UUID]*filetree.Record)
	deletedByDeletionsOnly := effectivelyDeletedSet(baseRemote, deletionsOnly, actingUser, keyring)

	touched := localTouchedIDs(localPatch)

	// (a) Creations, retried until no progress (topological defer).
	pending := make(map[uuid.UUID]filetree.Record)
	for _, id := range touched {
		localRec := localPatch[id]
		if localRec == nil {
			continue
		}
		if _, existedInBase := base.Find(id); existedInBase {
			continue
		}
		if c.linksToDelete[id] {
			continue
		}
		pending[id] = *localRec
	}
	for progress := true; progress && len(pending) > 0; {
		progress = false
		for id, r := range pending {
			if r.IsRoot() {
				out[id] = recPtr(r)
				delete(pending, id)
				progress = true
				continue
			}
			if _, ok := out[r.Parent]; ok {
				out[id] = recPtr(r)
				delete(pending, id)
				progress = true
				continue
			}
			if _, ok := baseRemote.Find(r.Parent); ok {
				out[id] = recPtr(r)
				delete(pending, id)
				progress = true
			}
		}
	}
	// Any id still pending has no resolvable topological order (its parent
	// never materializes); drop it rather than loop forever. A subsequent
	// validation pass will report the resulting orphan.
	for id, r := range pending {
		out[id] = recPtr(r)
	}

	// (b), (c) Moves and renames.
	for _, id := range touched {
		localRec := localPatch[id]
		if localRec == nil {
			continue
		}
		baseRec, existedInBase := base.Find(id)
		if !existedInBase {
			continue // already created above
		}
		remoteRec, existedInRemote := baseRemote.Find(id)
		if !existedInRemote {
			remoteRec = baseRec
		}
		cur := out[id]
		if cur == nil {
			r := remoteRec.Clone()
			cur = &r
		}
		moved := localRec.Parent != baseRec.Parent && remoteRec.Parent == baseRec.Parent && !c.filesToUnmove[id]
		if moved {
			cur.Parent = localRec.Parent
			cur.FolderAccessKey = localRec.FolderAccessKey
		}
		// A rename-only SecretName swap only makes sense alongside the
		// parent it was encrypted for: either local never moved the file
		// (localRec.Parent == baseRec.Parent, so a plain rename under the
		// unchanged parent key), or the move actually went through above.
		// Vetoing a move (files_to_unmove) must veto the accompanying
		// re-encrypted name too, or the name ends up undecryptable under
		// the parent it actually landed at.
		if (localRec.Parent == baseRec.Parent || moved) &&
			!bytesEqual(localRec.SecretName, baseRec.SecretName) && bytesEqual(remoteRec.SecretName, baseRec.SecretName) {
			cur.SecretName = localRec.SecretName
		}
		out[id] = cur
	}

	// (d), (e) Share grants and conflict-driven unshares.
	for _, id := range touched {
		localRec := localPatch[id]
		if localRec == nil {
			continue
		}
		if c.filesToUnshare[id] {
			continue
		}
		cur := out[id]
		if cur == nil {
			r, ok := baseRemote.Find(id)
			if !ok {
				continue
			}
			cur = recPtr(r)
		}
		for _, grant := range localRec.UserAccessKeys {
			existing, ok := cur.AccessKeyFor(grant.EncryptedFor, true)
			switch {
			case !ok:
				cur.UserAccessKeys = filetree.WithUpsertedGrant(cur.UserAccessKeys, grant)
			case grant.Deleted && !existing.Deleted:
				cur.UserAccessKeys = filetree.WithUpsertedGrant(cur.UserAccessKeys, grant)
			case grant.Mode > existing.Mode:
				cur.UserAccessKeys = filetree.WithUpsertedGrant(cur.UserAccessKeys, grant)
			}
		}
		out[id] = cur
	}

	// (h, links) links_to_delete, applied before the rename/content passes
	// so a deleted link never enters them.
	for id := range c.linksToDelete {
		r, ok := out[id]
		if !ok {
			found, exists := baseRemote.Find(id)
			if !exists {
				continue
			}
			r = recPtr(found)
		}
		r.ExplicitlyDeleted = true
		out[id] = r
	}

	// (f) Rename increments, decrypting/re-encrypting through a view over
	// the patch built so far.
	if len(c.renameIncrements) > 0 {
		intermediate := filetree.Stage(baseRemote)
		for id, r := range out {
			intermediate.Insert(*r)
		}
		view := lazy.New(intermediate, actingUser, keyring)
		for id, n := range c.renameIncrements {
			r, ok := out[id]
			if !ok {
				found, exists := intermediate.Find(id)
				if !exists {
					continue
				}
				r = recPtr(found)
			}
			parentKey, err := view.Key(r.Parent)
			if err != nil {
				continue
			}
			name, err := view.Name(id)
			if err != nil {
				continue
			}
			renamed := filetree.IncrementedName(name, n)
			ciphertext, err := crypto.EncryptBytes(parentKey, []byte(renamed))
			if err != nil {
				continue
			}
			r.SecretName = ciphertext
			out[id] = r
		}
	}

	// (g) Content edits.
	if opts.Docs != nil {
		intermediate := filetree.Stage(baseRemote)
		for id, r := range out {
			intermediate.Insert(*r)
		}
		view := lazy.New(intermediate, actingUser, keyring)
		textMerger := opts.TextMerger
		for _, id := range touched {
			localRec := localPatch[id]
			if localRec == nil || localRec.Type != filetree.Document {
				continue
			}
			baseRec, existedInBase := base.Find(id)
			if !existedInBase {
				continue
			}
			remoteRec, existedInRemote := baseRemote.Find(id)
			if !existedInRemote {
				remoteRec = baseRec
			}
			cur, ok := out[id]
			if !ok {
				continue
			}
			key, err := view.Key(id)
			if err != nil {
				continue
			}
			name, err := view.Name(id)
			if err != nil {
				continue
			}
			result, err := mergeContent(id, key, name, baseRec, remoteRec, *localRec, opts.Docs, textMerger, opts.DrawingMerger, func() uuid.UUID { return c.duplicateIDFor(id) })
			if err != nil {
				continue
			}
			if result.duplicate {
				dup := cur.Clone()
				dup.ID = result.duplicateID
				dup.DocumentHMAC = result.newHMAC
				parentKey, err := view.Key(cur.Parent)
				if err == nil {
					if renamed, err2 := crypto.EncryptBytes(parentKey, []byte(filetree.IncrementedName(name, 1))); err2 == nil {
						dup.SecretName = renamed
					}
				}
				out[dup.ID] = &dup
				continue
			}
			cur.DocumentHMAC = result.newHMAC
			out[id] = cur
		}
	}

	// (h) Deletions: anything effectively deleted per the deletions-only
	// patch but not yet reflected here.
	for id := range deletedByDeletionsOnly {
		r, ok := out[id]
		if !ok {
			found, exists := baseRemote.Find(id)
			if !exists {
				continue
			}
			r = recPtr(found)
		}
		if !r.ExplicitlyDeleted {
			if localRec, touched := localPatch[id]; touched && localRec != nil && localRec.ExplicitlyDeleted {
				r.ExplicitlyDeleted = true
			}
		}
		out[id] = r
	}

	for id, r := range out {
		signed := filetree.Sign(*r, actingUser)
		out[id] = &signed
	}

	return out
}

func recPtr(r filetree.Record) *filetree.Record {
	c := r.Clone()
	return &c
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
