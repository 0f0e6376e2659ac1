// Package merge implements the merge loop: given base, remote and local
// trees, it produces a single patch such that folding it atop (base ∪
// remote) validates clean, preserving as many local edits as it can by
// iteratively adding constraints and retrying.
//
// Rather than a single-file 3-way walk, the loop runs constraint-driven to
// a fixed point: a conflict spans a whole subtree here (a move, a share, a
// chain of links) more often than one file at a time, so each retry adds
// the constraint the last validation failure implies and rebuilds the
// candidate tree from scratch.
package merge

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/drawing"
	"github.com/lockbook/lb-core/filetree"
	"github.com/lockbook/lb-core/lazy"
	"github.com/lockbook/lb-core/textmerge"
	"github.com/lockbook/lb-core/validate"
)

// maxIterations bounds the constraint-adding loop. Each successful
// iteration either emits a patch, adds at least one new element to some
// constraint set or raises a rename increment; since constraints only grow
// and the tree is finite, this
// is a generous bound that only ever fires on a genuine "no progress" bug.
const maxIterations = 4096

// Keyring is the lazy.Keyring this package needs to build views over its
// working trees.
type Keyring = lazy.Keyring

// Options configures one merge run. TextMerger and DrawingMerger default to
// textmerge.Default{} and drawing.TakeRemote{} respectively when nil/omitted
// by the caller (the CLI passes textmerge.Default{} explicitly; tests may
// substitute fakes).
type Options struct {
	Docs          DocumentStore
	TextMerger    TextMerger
	DrawingMerger drawing.Merger
}

// Run executes the merge loop and returns the winning patch: the set of
// record edits (insert or tombstone) to fold atop base ∪ remote. local is
// the staged overlay of unpushed local mutations atop base; its Patch()
// gives exactly the set of locally-touched ids the loop has to reconcile.
func Run(base, remote filetree.Tree, local *filetree.StagedOverlay, actingUser crypto.AccountKey, keyring Keyring, opts Options) (map[uuid.UUID]*filetree.Record, error) {
	if opts.DrawingMerger == nil {
		opts.DrawingMerger = drawing.TakeRemote{}
	}
	if opts.TextMerger == nil {
		opts.TextMerger = textmerge.Default{}
	}

	baseRemote := filetree.Stage(base)
	for _, id := range remote.Ids() {
		r, _ := remote.Find(id)
		baseRemote.Insert(r)
	}

	localPatch := local.Patch()

	c := newConstraints()
	var lastFingerprint string
	stuckCount := 0

	for i := 0; i < maxIterations; i++ {
		deletionsOnly := buildDeletionsOnlyPatch(baseRemote, base, localPatch, c)
		full := buildFullPatch(baseRemote, base, localPatch, deletionsOnly, c, actingUser, keyring, opts)

		candidate := filetree.Stage(baseRemote)
		for id, r := range full {
			if r == nil {
				candidate.Remove(id)
			} else {
				candidate.Insert(*r)
			}
		}

		view := lazy.New(candidate, actingUser, keyring)
		if addedLink := sweepBrokenLinks(candidate, view, c); addedLink {
			view.Reset(candidate)
			continue
		}

		failure := validate.Validate(candidate, view, actingUser.Public())
		if failure == nil {
			return candidate.Patch(), nil
		}

		if !failure.Resolvable() {
			return nil, fmt.Errorf("merge.Run: unresolvable validation failure: %w", failure)
		}

		if !applyConstraint(failure, c, candidate) {
			return nil, fmt.Errorf("merge.Run: resolvable failure made no progress: %w", failure)
		}

		fp := c.fingerprint()
		if fp == lastFingerprint {
			stuckCount++
			if stuckCount > 3 {
				return nil, fmt.Errorf("merge.Run: constraint set stopped growing on %w", failure)
			}
		} else {
			stuckCount = 0
		}
		lastFingerprint = fp

		log.WithFields(log.Fields{
			"iteration": i,
			"failure":   failure.Error(),
		}).Debug("merge: constraint added, retrying")
	}
	return nil, fmt.Errorf("merge.Run: exceeded %d iterations without converging", maxIterations)
}

// applyConstraint adds the constraint appropriate to failure, returning
// false if failure carries no id the loop can act on, which Run reports as
// an unexpected "no progress" condition rather than retrying forever.
func applyConstraint(failure validate.Failure, c *constraints, candidate filetree.Tree) bool {
	switch f := failure.(type) {
	case validate.Cycle:
		// Unmove the smallest participant not already unmoved: a participant
		// whose move came from remote has no local move to revert, so the
		// cycle survives its unmove and the next-smallest is tried.
		var pending []uuid.UUID
		for _, id := range f.IDs {
			if !c.filesToUnmove[id] {
				pending = append(pending, id)
			}
		}
		if len(pending) == 0 {
			return false
		}
		c.unmove(lowestID(pending))
		return true
	case validate.PathConflict:
		if len(f.IDs) == 0 {
			return false
		}
		// Increment every participant but the lexicographically smallest,
		// so the loop converges in one pass per conflicted group rather
		// than alternating which file keeps the bare name.
		smallest := lowestID(f.IDs)
		for _, id := range f.IDs {
			if id != smallest {
				c.bumpRenameIncrement(id)
			}
		}
		return true
	case validate.SharedLink:
		c.deleteLink(f.Link)
		return true
	case validate.DuplicateLink:
		return deleteAllButLowest(candidate, f.Target, c)
	case validate.BrokenLink:
		c.deleteLink(f.Link)
		return true
	case validate.OwnedLink:
		c.deleteLink(f.Link)
		return true
	default:
		return false
	}
}

// deleteAllButLowest finds every non-deleted link pointing at target and
// stages links_to_delete for all but the lexicographically smallest,
// keeping exactly one survivor, since at most one link to a target may
// exist at once.
func deleteAllButLowest(candidate filetree.Tree, target uuid.UUID, c *constraints) bool {
	var links []uuid.UUID
	for _, id := range candidate.Ids() {
		r, _ := candidate.Find(id)
		if r.Type == filetree.Link && r.LinkTarget == target && !r.ExplicitlyDeleted && !c.linksToDelete[id] {
			links = append(links, id)
		}
	}
	if len(links) < 2 {
		return false
	}
	smallest := lowestID(links)
	for _, id := range links {
		if id != smallest {
			c.deleteLink(id)
		}
	}
	return true
}

// lowestID returns the lexicographically smallest id: the deterministic
// tie-break unmoves the smaller id of a cycle first and lets the smaller id
// of a path conflict or duplicate link keep its name or survive, since it
// needs no extra state beyond the ids already in hand.
func lowestID(ids []uuid.UUID) uuid.UUID {
	min := ids[0]
	for _, id := range ids[1:] {
		if id.String() < min.String() {
			min = id
		}
	}
	return min
}

// sweepBrokenLinks scans every link in tree and stages links_to_delete for
// any whose target is gone or effectively deleted. Returns true if it added
// a new constraint, meaning the caller should rebuild and revalidate before
// trusting the rest of the candidate.
func sweepBrokenLinks(tree filetree.Tree, view *lazy.View, c *constraints) bool {
	added := false
	for _, id := range tree.Ids() {
		r, _ := tree.Find(id)
		if r.Type != filetree.Link || r.ExplicitlyDeleted {
			continue
		}
		if c.linksToDelete[id] {
			continue
		}
		target, ok := tree.Find(r.LinkTarget)
		deleted := false
		if ok {
			deleted, _ = view.EffectivelyDeleted(r.LinkTarget)
		}
		if !ok || deleted {
			c.deleteLink(id)
			added = true
		}
	}
	return added
}
