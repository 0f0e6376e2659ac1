// Package filetree implements the two-tier file-metadata store: an ordered
// id->record map, kept separately for the base (last-known server state)
// and local (staged edits atop base) tiers, plus the staged overlay used
// transiently during merge.
//
// Records are addressed by a stable id, never held by pointer across a
// mutation. Every mutating primitive performs its field edit and returns the
// record unsigned, for the caller to sign (see Sign); apart from a few
// boundary checks in Mutator, validation is a separate pass (see package
// validate).
package filetree

import (
	"github.com/google/uuid"

	"github.com/lockbook/lb-core/crypto"
)

// FileType discriminates the three kinds of file record.
type FileType int

const (
	Document FileType = iota
	Folder
	Link
)

func (t FileType) String() string {
	switch t {
	case Document:
		return "document"
	case Folder:
		return "folder"
	case Link:
		return "link"
	default:
		return "unknown"
	}
}

// AccessMode is the strength of a grant in UserAccessKey.
type AccessMode int

const (
	None AccessMode = iota
	Read
	Write
	Owner
)

// Stronger returns the stronger of the two modes.
func (m AccessMode) Stronger(other AccessMode) AccessMode {
	if other > m {
		return other
	}
	return m
}

// UserAccessKey is one grant in a file record's user_access_keys set.
// At most one grant may exist per (EncryptedBy, EncryptedFor) pair;
// Deleted marks the grant as revoked without removing it, so peers can
// converge on the revocation during merge.
type UserAccessKey struct {
	EncryptedBy  crypto.PublicKey
	EncryptedFor crypto.PublicKey
	Mode         AccessMode
	AccessKey    crypto.EncryptedValue
	Deleted      bool
}

func sameGrantPair(a, b UserAccessKey) bool {
	return a.EncryptedBy.Equal(b.EncryptedBy) && a.EncryptedFor.Equal(b.EncryptedFor)
}

// Record is the signed, immutable-once-signed unit of metadata. A mutation
// never edits a Record in place; it produces a new Record value with its
// Signature cleared, which the caller signs again (see mutate.go and Sign).
type Record struct {
	ID     uuid.UUID
	Parent uuid.UUID

	Type       FileType
	LinkTarget uuid.UUID // only meaningful when Type == Link

	Owner crypto.PublicKey

	SecretName      crypto.EncryptedValue // ciphertext+HMAC, decrypts under parent's folder key
	FolderAccessKey crypto.EncryptedValue // this file's key, encrypted under parent's folder key; empty for roots/share targets

	UserAccessKeys []UserAccessKey

	DocumentHMAC      *[32]byte // nil means "empty document" or non-document
	ExplicitlyDeleted bool

	Version uint64 // predicted by the signer as one past the base it diffed against (one, for a creation); the server stores it verbatim rather than reassigning it, since it is part of the signed bytes

	Signature []byte // owner's signature over every other field
}

// IsRoot reports whether this record is its own parent.
func (r Record) IsRoot() bool {
	return r.Parent == r.ID
}

// Clone returns a deep-enough copy for a mutation to modify safely. Slices
// are copied; nothing else in the model holds mutable shared state.
func (r Record) Clone() Record {
	c := r
	if r.UserAccessKeys != nil {
		c.UserAccessKeys = append([]UserAccessKey(nil), r.UserAccessKeys...)
	}
	if r.SecretName != nil {
		c.SecretName = append(crypto.EncryptedValue(nil), r.SecretName...)
	}
	if r.FolderAccessKey != nil {
		c.FolderAccessKey = append(crypto.EncryptedValue(nil), r.FolderAccessKey...)
	}
	if r.DocumentHMAC != nil {
		h := *r.DocumentHMAC
		c.DocumentHMAC = &h
	}
	return c
}

// AccessKeyFor returns the grant this record carries for the given user, if
// any (ignoring deleted grants unless includeDeleted is set).
func (r Record) AccessKeyFor(user crypto.PublicKey, includeDeleted bool) (UserAccessKey, bool) {
	for _, k := range r.UserAccessKeys {
		if k.EncryptedFor.Equal(user) && (includeDeleted || !k.Deleted) {
			return k, true
		}
	}
	return UserAccessKey{}, false
}

// WithUpsertedGrant returns a new set of grants with the given grant applied:
// inserted if no grant exists yet for its (by,for) pair, otherwise replaced.
// This enforces the at-most-one-grant-per-pair rule by construction.
func WithUpsertedGrant(keys []UserAccessKey, grant UserAccessKey) []UserAccessKey {
	out := make([]UserAccessKey, 0, len(keys)+1)
	replaced := false
	for _, k := range keys {
		if sameGrantPair(k, grant) {
			out = append(out, grant)
			replaced = true
			continue
		}
		out = append(out, k)
	}
	if !replaced {
		out = append(out, grant)
	}
	return out
}
