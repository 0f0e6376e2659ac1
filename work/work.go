// Package work implements the work calculator: the sync driver's prune and
// fetch-metadata phases run against immutable inputs, with no document I/O
// and no writes, producing the list of pending units a caller can show as a
// dry-run before committing to a real sync.
package work

import (
	"github.com/google/uuid"

	"github.com/lockbook/lb-core/filetree"
)

// Kind tags a WorkUnit as originating locally or on the server.
type Kind int

const (
	LocalChange Kind = iota
	ServerChange
)

func (k Kind) String() string {
	if k == LocalChange {
		return "local"
	}
	return "server"
}

// WorkUnit is one planned synchronization action.
type WorkUnit struct {
	Kind Kind
	ID   uuid.UUID
}

// Plan is the full result of a work calculation: the units pending, and
// the server metadata clock the calculation was run against.
type Plan struct {
	Units          []WorkUnit
	ServerAsOfTime uint64
}

// Calculate determines what a sync would do without doing it. local is the
// staged overlay of unpushed local mutations; serverIDs is the live id set
// from GetFileIds (phase 1's prune input); updated is GetUpdates' result
// (phase 2's fetch-metadata input); asOf is the metadata clock GetUpdates
// returned alongside it.
func Calculate(base filetree.Tree, local *filetree.StagedOverlay, serverIDs map[uuid.UUID]bool, updated []filetree.Record, asOf uint64) *Plan {
	plan := &Plan{ServerAsOfTime: asOf}

	for id := range local.Patch() {
		plan.Units = append(plan.Units, WorkUnit{Kind: LocalChange, ID: id})
	}

	for _, r := range updated {
		if !serverIDs[r.ID] {
			// Pruned: the server no longer tracks it, so GetUpdates
			// reporting it would be stale; skip rather than plan a pull.
			continue
		}
		plan.Units = append(plan.Units, WorkUnit{Kind: ServerChange, ID: r.ID})
	}

	// Anything base still believes exists but the server has pruned is
	// also a server-originated change: a deletion to absorb locally.
	for _, id := range base.Ids() {
		if !serverIDs[id] {
			plan.Units = append(plan.Units, WorkUnit{Kind: ServerChange, ID: id})
		}
	}

	return plan
}

// IsNoOp reports whether the plan represents zero pending work, the
// condition a second consecutive sync with nothing changed relies on to
// be a true no-op.
func (p *Plan) IsNoOp() bool {
	return len(p.Units) == 0
}
