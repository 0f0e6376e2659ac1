package filetree

import (
	"github.com/google/uuid"
)

// Store is an ordered id->record map. Insertion order is preserved for
// deterministic iteration (Ids()) but plays no role in correctness.
type Store struct {
	byID  map[uuid.UUID]Record
	order []uuid.UUID
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{byID: make(map[uuid.UUID]Record)}
}

// Find returns the record for id, or false if absent.
func (s *Store) Find(id uuid.UUID) (Record, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Insert adds or replaces the record keyed by its own ID.
func (s *Store) Insert(r Record) {
	if _, exists := s.byID[r.ID]; !exists {
		s.order = append(s.order, r.ID)
	}
	s.byID[r.ID] = r
}

// Remove deletes id from the store. A no-op if absent.
func (s *Store) Remove(id uuid.UUID) {
	if _, exists := s.byID[id]; !exists {
		return
	}
	delete(s.byID, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Ids returns every id in insertion order.
func (s *Store) Ids() []uuid.UUID {
	out := make([]uuid.UUID, len(s.order))
	copy(out, s.order)
	return out
}

// Len reports the number of records currently held.
func (s *Store) Len() int {
	return len(s.byID)
}

// Clone returns a store holding the same records, independent of the
// receiver for future Insert/Remove calls.
func (s *Store) Clone() *Store {
	c := NewStore()
	for _, id := range s.order {
		c.Insert(s.byID[id])
	}
	return c
}

// Tree is a read-only composition of zero or more stores/overlays, resolved
// through Find. Both Store and StagedOverlay implement it, which lets the
// merge loop and the lazy view operate uniformly over base, local, and
// nested staged trees.
type Tree interface {
	Find(id uuid.UUID) (Record, bool)
	Ids() []uuid.UUID
}

var (
	_ Tree = (*Store)(nil)
	_ Tree = (*StagedOverlay)(nil)
)

// patchEntry is one upper-layer entry in a StagedOverlay: either a
// replacement record, or a tombstone recording a removal.
type patchEntry struct {
	record  Record
	removed bool
}

// StagedOverlay composes a lower Tree (e.g. base, or another overlay) with
// an in-memory upper patch, without mutating the lower tree. Reads resolve
// the upper patch first. Overlays nest arbitrarily: merge composes
// base -> base+remote -> (base+remote)+local -> ((base+remote)+local)+merge,
// each step a new StagedOverlay atop the previous one.
type StagedOverlay struct {
	lower Tree
	upper map[uuid.UUID]patchEntry
	// order preserves first-touch order of ids newly introduced in upper,
	// appended after the lower tree's own order in Ids().
	order []uuid.UUID
}

// Stage returns a new overlay atop lower with an empty patch.
func Stage(lower Tree) *StagedOverlay {
	return &StagedOverlay{lower: lower, upper: make(map[uuid.UUID]patchEntry)}
}

func (o *StagedOverlay) touch(id uuid.UUID) {
	if _, ok := o.upper[id]; !ok {
		o.order = append(o.order, id)
	}
}

// Find resolves id, preferring the upper patch.
func (o *StagedOverlay) Find(id uuid.UUID) (Record, bool) {
	if e, ok := o.upper[id]; ok {
		if e.removed {
			return Record{}, false
		}
		return e.record, true
	}
	return o.lower.Find(id)
}

// Insert stages a record, shadowing whatever the lower tree holds for that id.
func (o *StagedOverlay) Insert(r Record) {
	o.touch(r.ID)
	o.upper[r.ID] = patchEntry{record: r}
}

// Remove stages a tombstone for id, shadowing the lower tree's record.
func (o *StagedOverlay) Remove(id uuid.UUID) {
	o.touch(id)
	o.upper[id] = patchEntry{removed: true}
}

// Ids returns the union of lower ids (minus tombstoned ones) and ids newly
// introduced in the upper patch, lower-tree order first.
func (o *StagedOverlay) Ids() []uuid.UUID {
	var out []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, id := range o.lower.Ids() {
		if e, ok := o.upper[id]; ok {
			if e.removed {
				continue
			}
		}
		out = append(out, id)
		seen[id] = true
	}
	for _, id := range o.order {
		if seen[id] {
			continue
		}
		if e := o.upper[id]; e.removed {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Promote folds the upper patch into a new flat Store, discarding the
// distinction between lower and upper. Any lazy-view caches keyed to the
// pre-promotion tree must be discarded by the caller (see lazy.View.Reset).
func (o *StagedOverlay) Promote() *Store {
	out := NewStore()
	for _, id := range o.Ids() {
		r, _ := o.Find(id)
		out.Insert(r)
	}
	return out
}

// Unstage discards the upper patch, returning the lower tree unchanged.
func (o *StagedOverlay) Unstage() Tree {
	return o.lower
}

// Patch exposes the staged changes as a map, used by the sync driver to
// build the local or merge delta it needs to push or fold. A nil *Record
// value denotes a removal.
func (o *StagedOverlay) Patch() map[uuid.UUID]*Record {
	out := make(map[uuid.UUID]*Record, len(o.upper))
	for id, e := range o.upper {
		if e.removed {
			out[id] = nil
			continue
		}
		r := e.record
		out[id] = &r
	}
	return out
}
