package sync

import (
	"github.com/google/uuid"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/filetree"
)

// Documents is the local, disk-backed, content-addressed document byte
// store: blobs live at paths keyed by (id, hmac). It structurally
// satisfies merge.DocumentStore (Get/Put), so a Documents value can be
// handed straight to merge.Options without either package importing the
// other.
type Documents interface {
	Get(id uuid.UUID, hmac [32]byte) (crypto.EncryptedValue, error)
	Put(id uuid.UUID, hmac [32]byte, ciphertext crypto.EncryptedValue) error

	// Delete removes every blob stored for id, regardless of hmac. Called
	// during prune for ids the server no longer tracks.
	Delete(id uuid.UUID) error
}

// Persistence is the metadata half of local storage: base metadata, local
// metadata, root and last-synced clock. A Driver loads these once at
// construction and writes them back only at commit, so persistence need
// not be transactional mid-sync. Both SaveBase and
// SaveLocal take a full replacement snapshot rather than an incremental
// patch: a Driver always has the whole tree in memory by the time it
// commits, and a full overwrite is simpler to reason about than a
// merge-on-disk.
type Persistence interface {
	SaveBase(records []filetree.Record) error
	SaveLocal(records []filetree.Record) error
	SetRoot(id uuid.UUID) error
	SetLastSynced(version uint64) error
}
