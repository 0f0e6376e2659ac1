// Package textmerge implements the default byte-level 3-way merger for
// text-like documents. It is one concrete instance of the "text-like"
// content-edit merge strategy the merge package treats as an external
// collaborator; callers needing a different merger can supply their own and
// bypass this package entirely.
//
// The diff core is a plain longest-common-subsequence walk over lines, the
// same shape as a Myers diff restricted to whole lines, driving a three-way
// merge that emits git-style conflict markers on overlap.
package textmerge

import (
	"bytes"
	"fmt"
)

// ConflictMarkersStart/Separator/End match git's merge-file output, so a
// downstream editor already speaking that convention needs no adaptation.
const (
	ConflictMarkersStart     = "<<<<<<< local"
	ConflictMarkersSeparator = "======="
	ConflictMarkersEnd       = ">>>>>>> remote"
)

// Default adapts Merge to merge.TextMerger, so callers wiring up
// merge.Options can write textmerge.Default{} instead of a closure.
type Default struct{}

func (Default) Merge(base, local, remote []byte) ([]byte, error) {
	return Merge(base, local, remote)
}

// Merge performs a 3-way merge of base/local/remote, returning merged bytes.
// When local and remote touch disjoint regions the result is conflict-free;
// otherwise the overlapping region is wrapped in conflict markers and err
// reports ErrConflict. Both outcomes return valid bytes; it's the caller's
// choice whether conflict markers are acceptable to store as-is.
func Merge(base, local, remote []byte) ([]byte, error) {
	baseLines := splitLines(base)
	localLines := splitLines(local)
	remoteLines := splitLines(remote)

	localOps := diffLines(baseLines, localLines)
	remoteOps := diffLines(baseLines, remoteLines)

	var out bytes.Buffer
	li, ri, bi := 0, 0, 0
	conflict := false
	for bi < len(baseLines) || li < len(localLines) || ri < len(remoteLines) {
		lo, hasLocal := opAt(localOps, bi)
		ro, hasRemote := opAt(remoteOps, bi)

		switch {
		case !hasLocal && !hasRemote:
			if bi < len(baseLines) {
				out.WriteString(baseLines[bi])
				bi++
				li++
				ri++
			} else {
				bi, li, ri = advance(baseLines, localLines, remoteLines, bi, li, ri)
			}
		case hasLocal && !hasRemote:
			out.WriteString(strJoin(lo.inserted))
			bi += lo.baseLen
			li += len(lo.inserted)
			ri += lo.baseLen
		case !hasLocal && hasRemote:
			out.WriteString(strJoin(ro.inserted))
			bi += ro.baseLen
			li += ro.baseLen
			ri += len(ro.inserted)
		default:
			if sameOp(lo, ro) {
				out.WriteString(strJoin(lo.inserted))
				bi += lo.baseLen
				li += len(lo.inserted)
				ri += len(ro.inserted)
			} else {
				conflict = true
				out.WriteString(ConflictMarkersStart + "\n")
				out.WriteString(strJoin(lo.inserted))
				out.WriteString(ConflictMarkersSeparator + "\n")
				out.WriteString(strJoin(ro.inserted))
				out.WriteString(ConflictMarkersEnd + "\n")
				step := lo.baseLen
				if ro.baseLen > step {
					step = ro.baseLen
				}
				bi += step
				li += len(lo.inserted)
				ri += len(ro.inserted)
			}
		}
	}
	if conflict {
		return out.Bytes(), fmt.Errorf("%w", ErrConflict)
	}
	return out.Bytes(), nil
}

// ErrConflict is returned alongside marker-laden output so a caller can
// distinguish a clean merge from one needing manual resolution, without
// textmerge.Merge itself failing the sync.
var ErrConflict = conflictErr("textmerge: overlapping edit, conflict markers inserted")

type conflictErr string

func (e conflictErr) Error() string { return string(e) }

func strJoin(lines []string) string {
	var b bytes.Buffer
	for _, l := range lines {
		b.WriteString(l)
	}
	return b.String()
}
