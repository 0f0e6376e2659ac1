// Package server is the client side of the wire protocol: a thin interface
// over the five request types plus GetUsername, an HTTP implementation,
// and (under server/fake) an in-memory fake for tests. The server
// implementation itself lives elsewhere; this package only needs to exist
// so the sync driver has a concrete collaborator to call.
package server

import (
	"github.com/google/uuid"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/filetree"
)

// FileDiff is one Upsert entry: the base record the client believes the
// server holds (nil for a creation) and the new signed record.
type FileDiff struct {
	Old *filetree.Record
	New filetree.Record
}

// DocDiff is one ChangeDoc request: the diff plus the new ciphertext.
type DocDiff struct {
	Diff       FileDiff
	Ciphertext crypto.EncryptedValue
}

// Updates is GetUpdates' response.
type Updates struct {
	Files               []filetree.Record
	AsOfMetadataVersion uint64
}

// Client is the set of calls the sync driver and work calculator make
// against the server. All payloads are signed by the caller; Client
// implementations are responsible for attaching that signature to the
// transport, not for computing it (filetree.Sign already did that).
//
// Record.Version is predicted by the caller before signing (base version
// plus one, or one for a creation) rather than assigned by the server: the
// version is part of the signed bytes (filetree.signingBytes), so a server
// that reassigned it on acceptance would invalidate the signature it just
// accepted. Upsert/ChangeDoc therefore only confirm or reject a diff; they
// never hand back a record. The server's own metadata clock
// (AsOfMetadataVersion) is a separate monotonic sequence used purely for
// GetUpdates pagination and is unrelated to any one record's Version.
type Client interface {
	// GetFileIds returns every id the server still retains for this user.
	GetFileIds(user crypto.PublicKey) (map[uuid.UUID]bool, error)

	// GetUpdates returns every record changed since sinceMetadataVersion.
	GetUpdates(user crypto.PublicKey, sinceMetadataVersion uint64) (Updates, error)

	// GetDoc returns the ciphertext for (id, hmac).
	GetDoc(id uuid.UUID, hmac [32]byte) (crypto.EncryptedValue, error)

	// Upsert submits a batch of file diffs atomically.
	Upsert(diffs []FileDiff) error

	// ChangeDoc pushes one document's new content.
	ChangeDoc(d DocDiff) error

	// GetUsername resolves an owner's public key to a display name, or
	// returns ErrUserNotFound if the server has no record of it.
	GetUsername(owner crypto.PublicKey) (string, error)
}

// ErrConflict is returned by Upsert/ChangeDoc when a diff's Old does not
// match what the server currently holds. The sync driver does not handle it
// specially: Sync returns the error and that sync ends there.
type conflictErr string

func (e conflictErr) Error() string { return string(e) }

const ErrConflict = conflictErr("server: diff base does not match server state")

// ErrUserNotFound is returned by GetUsername for an owner the server has
// no record of, distinct from a transport failure.
type userNotFoundErr string

func (e userNotFoundErr) Error() string { return string(e) }

const ErrUserNotFound = userNotFoundErr("server: user not found")
