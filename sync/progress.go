package sync

import "github.com/google/uuid"

// Progress is one structured progress event: current/total counts a phase
// has processed so far, optionally naming the file just touched.
type Progress struct {
	Phase   string
	Current int
	Total   int
	File    uuid.UUID
	Message string
}

// ProgressFunc receives Progress events as a sync runs. The caller may pass
// nil to opt out entirely.
type ProgressFunc func(Progress)

func report(fn ProgressFunc, phase string, current, total int, file uuid.UUID, message string) {
	if fn == nil {
		return
	}
	fn(Progress{Phase: phase, Current: current, Total: total, File: file, Message: message})
}
