package merge

import "github.com/google/uuid"

// constraints is the evolving set the merge loop accumulates across
// iterations. Each failed validation pass adds to exactly one of
// these sets/maps and the iteration restarts; the loop terminates once a
// candidate patch validates clean, or a constraint addition would make no
// further progress.
type constraints struct {
	filesToUnmove    map[uuid.UUID]bool
	filesToUnshare   map[uuid.UUID]bool
	linksToDelete    map[uuid.UUID]bool
	renameIncrements map[uuid.UUID]int
	duplicateFileIDs map[uuid.UUID]uuid.UUID
}

func newConstraints() *constraints {
	return &constraints{
		filesToUnmove:    make(map[uuid.UUID]bool),
		filesToUnshare:   make(map[uuid.UUID]bool),
		linksToDelete:    make(map[uuid.UUID]bool),
		renameIncrements: make(map[uuid.UUID]int),
		duplicateFileIDs: make(map[uuid.UUID]uuid.UUID),
	}
}

// fingerprint captures enough of the constraint state to detect "no
// progress": the set sizes plus the total of all rename increments, so a
// repeated bump of an already-incremented name still counts as progress,
// while re-adding a set member that is already present does not.
func (c *constraints) fingerprint() string {
	increments := 0
	for _, n := range c.renameIncrements {
		increments += n
	}
	return itoa(len(c.filesToUnmove)) + "/" +
		itoa(len(c.filesToUnshare)) + "/" +
		itoa(len(c.linksToDelete)) + "/" +
		itoa(increments) + "/" +
		itoa(len(c.duplicateFileIDs))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func (c *constraints) unmove(id uuid.UUID)  { c.filesToUnmove[id] = true }
func (c *constraints) unshare(id uuid.UUID) { c.filesToUnshare[id] = true }
func (c *constraints) deleteLink(id uuid.UUID) {
	c.linksToDelete[id] = true
}

func (c *constraints) bumpRenameIncrement(id uuid.UUID) {
	c.renameIncrements[id]++
}

func (c *constraints) duplicateIDFor(original uuid.UUID) uuid.UUID {
	if dup, ok := c.duplicateFileIDs[original]; ok {
		return dup
	}
	dup := uuid.New()
	c.duplicateFileIDs[original] = dup
	return dup
}
