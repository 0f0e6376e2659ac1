// Package validate implements the validator: it checks every structural
// invariant against a candidate tree (usually a staged overlay) and returns
// a typed, exhaustive failure indicating which constraint was violated,
// tagged with whether the merge loop can resolve it by adjusting a
// constraint and retrying, or whether it indicates a bug.
package validate

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/filetree"
	"github.com/lockbook/lb-core/lazy"
)

// Failure is the sealed set of validator outcomes.
type Failure interface {
	error
	// Resolvable reports whether the merge loop can absorb this failure by
	// adding a constraint and retrying, as opposed to it indicating a bug.
	Resolvable() bool
}

type Cycle struct{ IDs []uuid.UUID }

func (f Cycle) Error() string  { return fmt.Sprintf("cycle among %v", f.IDs) }
func (Cycle) Resolvable() bool { return true }

type PathConflict struct{ IDs []uuid.UUID }

func (f PathConflict) Error() string  { return fmt.Sprintf("path conflict among %v", f.IDs) }
func (PathConflict) Resolvable() bool { return true }

type SharedLink struct{ Link, Ancestor uuid.UUID }

func (f SharedLink) Error() string {
	return fmt.Sprintf("link %s is under shared ancestor %s", f.Link, f.Ancestor)
}
func (SharedLink) Resolvable() bool { return true }

type DuplicateLink struct{ Target uuid.UUID }

func (f DuplicateLink) Error() string  { return fmt.Sprintf("duplicate link to %s", f.Target) }
func (DuplicateLink) Resolvable() bool { return true }

type BrokenLink struct{ Link uuid.UUID }

func (f BrokenLink) Error() string  { return fmt.Sprintf("broken link %s", f.Link) }
func (BrokenLink) Resolvable() bool { return true }

type OwnedLink struct{ Link uuid.UUID }

func (f OwnedLink) Error() string  { return fmt.Sprintf("link %s targets a file its user owns", f.Link) }
func (OwnedLink) Resolvable() bool { return true }

type Orphan struct{ ID uuid.UUID }

func (f Orphan) Error() string  { return fmt.Sprintf("orphan %s", f.ID) }
func (Orphan) Resolvable() bool { return false }

type NonFolderWithChildren struct{ ID uuid.UUID }

func (f NonFolderWithChildren) Error() string {
	return fmt.Sprintf("non-folder %s has children", f.ID)
}
func (NonFolderWithChildren) Resolvable() bool { return false }

type FileWithDifferentOwnerParent struct{ ID uuid.UUID }

func (f FileWithDifferentOwnerParent) Error() string {
	return fmt.Sprintf("file %s has a different owner than its parent", f.ID)
}
func (FileWithDifferentOwnerParent) Resolvable() bool { return false }

type FileNameTooLong struct{ ID uuid.UUID }

func (f FileNameTooLong) Error() string  { return fmt.Sprintf("file %s name too long", f.ID) }
func (FileNameTooLong) Resolvable() bool { return false }

type NonDecryptableFileName struct{ ID uuid.UUID }

func (f NonDecryptableFileName) Error() string {
	return fmt.Sprintf("file %s name not decryptable", f.ID)
}
func (NonDecryptableFileName) Resolvable() bool { return false }

// Validate checks every structural invariant against tree. actingUser is
// not consulted directly (ownership and sharing checks only need the
// record-local owner/grant fields) but documents the perspective the
// ownership and sharing checks are evaluated from.
func Validate(tree filetree.Tree, view *lazy.View, actingUser crypto.PublicKey) Failure {
	_ = actingUser

	ids := tree.Ids()

	if f := checkCyclesAndOrphans(tree, ids); f != nil {
		return f
	}
	if f := checkChildrenKinds(tree, view, ids); f != nil {
		return f
	}
	if f := checkOwnershipBoundary(tree, ids); f != nil {
		return f
	}
	if f := checkNames(tree, view, ids); f != nil {
		return f
	}
	if f := checkPathConflicts(tree, view, ids); f != nil {
		return f
	}
	if f := checkLinks(tree, view, ids); f != nil {
		return f
	}
	return nil
}

func checkCyclesAndOrphans(tree filetree.Tree, ids []uuid.UUID) Failure {
	for _, id := range ids {
		r, _ := tree.Find(id)
		if r.IsRoot() {
			continue
		}

		visited := map[uuid.UUID]bool{id: true}
		cur := id
		resolved := false
		for i := 0; i < len(ids)+1; i++ {
			r, ok := tree.Find(cur)
			if !ok {
				// Unresolvable parent: allowed only if this id itself, the
				// starting point, carries a direct access grant (share root).
				break
			}
			if r.IsRoot() {
				resolved = true
				break
			}
			parent, ok := tree.Find(r.Parent)
			if !ok {
				break
			}
			if parent.Type != filetree.Folder && !parent.IsRoot() {
				return NonFolderWithChildren{ID: r.Parent}
			}
			if visited[r.Parent] {
				return Cycle{IDs: cycleMembers(visited)}
			}
			visited[r.Parent] = true
			cur = r.Parent
		}
		if !resolved {
			start, _ := tree.Find(id)
			if len(start.UserAccessKeys) == 0 {
				return Orphan{ID: id}
			}
		}
	}
	return nil
}

func cycleMembers(visited map[uuid.UUID]bool) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	return out
}

func checkChildrenKinds(tree filetree.Tree, view *lazy.View, ids []uuid.UUID) Failure {
	for _, id := range ids {
		r, _ := tree.Find(id)
		if r.Type == filetree.Folder || r.IsRoot() {
			continue
		}
		if len(view.Children(id)) > 0 {
			return NonFolderWithChildren{ID: id}
		}
	}
	return nil
}

func checkOwnershipBoundary(tree filetree.Tree, ids []uuid.UUID) Failure {
	for _, id := range ids {
		r, _ := tree.Find(id)
		if r.IsRoot() {
			continue
		}
		parent, ok := tree.Find(r.Parent)
		if !ok {
			continue // reported by checkCyclesAndOrphans already
		}
		// A share root's owner legitimately differs from its parent's
		// owner, since ownership does not cross a share boundary; such a
		// file carries grants of its own.
		if len(r.UserAccessKeys) > 0 && !r.Owner.Equal(parent.Owner) {
			continue
		}
		if !r.Owner.Equal(parent.Owner) {
			return FileWithDifferentOwnerParent{ID: id}
		}
	}
	return nil
}

func checkNames(tree filetree.Tree, view *lazy.View, ids []uuid.UUID) Failure {
	for _, id := range ids {
		name, err := view.Name(id)
		if err != nil {
			if errors.Is(err, filetree.ErrNameTooLong) {
				return FileNameTooLong{ID: id}
			}
			return NonDecryptableFileName{ID: id}
		}
		if len(name) > filetree.MaxNameBytes {
			return FileNameTooLong{ID: id}
		}
	}
	return nil
}

func checkPathConflicts(tree filetree.Tree, view *lazy.View, ids []uuid.UUID) Failure {
	byParent := make(map[uuid.UUID]map[string][]uuid.UUID)
	for _, id := range ids {
		r, _ := tree.Find(id)
		if r.IsRoot() {
			continue
		}
		deleted, err := view.EffectivelyDeleted(id)
		if err != nil || deleted {
			continue
		}
		name, err := view.Name(id)
		if err != nil {
			continue
		}
		if byParent[r.Parent] == nil {
			byParent[r.Parent] = make(map[string][]uuid.UUID)
		}
		byParent[r.Parent][name] = append(byParent[r.Parent][name], id)
	}
	for _, byName := range byParent {
		for _, siblings := range byName {
			if len(siblings) > 1 {
				return PathConflict{IDs: siblings}
			}
		}
	}
	return nil
}

func checkLinks(tree filetree.Tree, view *lazy.View, ids []uuid.UUID) Failure {
	targets := make(map[uuid.UUID][]uuid.UUID)
	for _, id := range ids {
		r, _ := tree.Find(id)
		if r.Type != filetree.Link {
			continue
		}
		deleted, err := view.EffectivelyDeleted(id)
		if err != nil || deleted {
			continue
		}
		target, ok := tree.Find(r.LinkTarget)
		targetDeleted := false
		if ok {
			targetDeleted, _ = view.EffectivelyDeleted(r.LinkTarget)
		}
		if !ok || targetDeleted {
			return BrokenLink{Link: id}
		}
		targets[r.LinkTarget] = append(targets[r.LinkTarget], id)

		// Walk ancestors of the link; if any ancestor up to the share root
		// carries an outward grant, the link sits under a shared folder.
		cur := r.Parent
		for i := 0; i < len(ids)+1; i++ {
			p, ok := tree.Find(cur)
			if !ok {
				break
			}
			if len(p.UserAccessKeys) > 0 {
				for _, g := range p.UserAccessKeys {
					if !g.Deleted {
						return SharedLink{Link: id, Ancestor: cur}
					}
				}
			}
			if p.IsRoot() {
				break
			}
			cur = p.Parent
		}
		if target.Owner.Equal(r.Owner) {
			return OwnedLink{Link: id}
		}
	}
	for target, links := range targets {
		if len(links) > 1 {
			return DuplicateLink{Target: target}
		}
	}
	return nil
}
