package merge

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/drawing"
	"github.com/lockbook/lb-core/filetree"
)

// DocumentStore is the content-addressed document byte store the merge
// loop reads from and writes to during content-edit merge: blobs live at
// paths keyed by (id, hmac). Both Get and Put deal in ciphertext; the
// caller decrypts/encrypts around the store.
type DocumentStore interface {
	Get(id uuid.UUID, hmac [32]byte) (crypto.EncryptedValue, error)
	Put(id uuid.UUID, hmac [32]byte, ciphertext crypto.EncryptedValue) error
}

// TextMerger is the text-like content-edit strategy's contract, satisfied
// by textmerge.Default (an adapter over textmerge.Merge). A conflict is reported via a non-nil error alongside
// marker-laden bytes; both outcomes are accepted.
type TextMerger interface {
	Merge(base, local, remote []byte) ([]byte, error)
}

// contentResult is what mergeContent decides for one conflicted document:
// either a new hmac to install at the same id, or a fresh duplicate id
// carrying the local content, leaving the original id's hmac as remote's.
type contentResult struct {
	id           uuid.UUID
	newHMAC      *[32]byte
	duplicate    bool
	duplicateID  uuid.UUID
	duplicateKey crypto.SymmetricKey
}

// mergeContent resolves one document's content-edit merge. key is id's
// decrypted symmetric key (unchanged by a content edit, since a
// rename/move already re-wraps FolderAccessKey; content edits never touch
// the key). name is id's plaintext name, used only for classification.
func mergeContent(
	id uuid.UUID,
	key crypto.SymmetricKey,
	name string,
	base, remote, local filetree.Record,
	docs DocumentStore,
	textMerger TextMerger,
	drawingMerger drawing.Merger,
	nextID func() uuid.UUID,
) (*contentResult, error) {
	baseHMAC, remoteHMAC, localHMAC := base.DocumentHMAC, remote.DocumentHMAC, local.DocumentHMAC

	if hmacEqual(remoteHMAC, baseHMAC) {
		// No remote change: push local's content unchanged (nothing to
		// re-encrypt, the record's own hmac already reflects it).
		return &contentResult{id: id, newHMAC: localHMAC}, nil
	}
	if hmacEqual(localHMAC, baseHMAC) {
		// No local change: take remote's content as-is.
		return &contentResult{id: id, newHMAC: remoteHMAC}, nil
	}
	if hmacEqual(remoteHMAC, localHMAC) {
		// Convergent edit: both sides landed on the same bytes.
		return &contentResult{id: id, newHMAC: remoteHMAC}, nil
	}

	// True conflict. Dispatch on document type.
	switch Classify(name) {
	case TextLike:
		return mergeTextLike(id, key, base, remote, local, docs, textMerger)
	case Drawing:
		return mergeDrawing(id, key, base, remote, local, docs, drawingMerger)
	default:
		return duplicateContent(id, key, local, docs, nextID)
	}
}

func mergeTextLike(id uuid.UUID, key crypto.SymmetricKey, base, remote, local filetree.Record, docs DocumentStore, merger TextMerger) (*contentResult, error) {
	basePlain, err := readPlain(docs, id, key, base.DocumentHMAC)
	if err != nil {
		return nil, fmt.Errorf("merge.mergeTextLike: base: %w", err)
	}
	remotePlain, err := readPlain(docs, id, key, remote.DocumentHMAC)
	if err != nil {
		return nil, fmt.Errorf("merge.mergeTextLike: remote: %w", err)
	}
	localPlain, err := readPlain(docs, id, key, local.DocumentHMAC)
	if err != nil {
		return nil, fmt.Errorf("merge.mergeTextLike: local: %w", err)
	}

	merged, mergeErr := merger.Merge(basePlain, localPlain, remotePlain)
	// mergeErr signals "conflict markers present", a valid outcome here;
	// only a store/encrypt failure below aborts.
	hmac, err := writePlain(docs, id, key, merged)
	if err != nil {
		return nil, fmt.Errorf("merge.mergeTextLike: write: %w", err)
	}
	_ = mergeErr
	return &contentResult{id: id, newHMAC: hmac}, nil
}

func mergeDrawing(id uuid.UUID, key crypto.SymmetricKey, base, remote, local filetree.Record, docs DocumentStore, merger drawing.Merger) (*contentResult, error) {
	basePlain, err := readPlain(docs, id, key, base.DocumentHMAC)
	if err != nil {
		return nil, fmt.Errorf("merge.mergeDrawing: base: %w", err)
	}
	remotePlain, err := readPlain(docs, id, key, remote.DocumentHMAC)
	if err != nil {
		return nil, fmt.Errorf("merge.mergeDrawing: remote: %w", err)
	}
	merged, err := merger.Merge(basePlain, remotePlain)
	if err != nil {
		return nil, fmt.Errorf("merge.mergeDrawing: %w", err)
	}
	hmac, err := writePlain(docs, id, key, merged)
	if err != nil {
		return nil, fmt.Errorf("merge.mergeDrawing: write: %w", err)
	}
	return &contentResult{id: id, newHMAC: hmac}, nil
}

// duplicateContent is the fallback for "other" document types: the local
// content moves to a fresh id (the original stays at remote's
// content), sharing the same symmetric key since the duplicate is just a
// renamed copy, not a re-keyed file.
func duplicateContent(id uuid.UUID, key crypto.SymmetricKey, local filetree.Record, docs DocumentStore, nextID func() uuid.UUID) (*contentResult, error) {
	localPlain, err := readPlain(docs, id, key, local.DocumentHMAC)
	if err != nil {
		return nil, fmt.Errorf("merge.duplicateContent: local: %w", err)
	}
	dupID := nextID()
	hmac, err := writePlain(docs, dupID, key, localPlain)
	if err != nil {
		return nil, fmt.Errorf("merge.duplicateContent: write: %w", err)
	}
	return &contentResult{id: id, duplicate: true, duplicateID: dupID, newHMAC: hmac, duplicateKey: key}, nil
}

func readPlain(docs DocumentStore, id uuid.UUID, key crypto.SymmetricKey, hmac *[32]byte) ([]byte, error) {
	if hmac == nil {
		return nil, nil
	}
	ciphertext, err := docs.Get(id, *hmac)
	if err != nil {
		return nil, err
	}
	return crypto.DecryptBytes(key, ciphertext)
}

func writePlain(docs DocumentStore, id uuid.UUID, key crypto.SymmetricKey, plain []byte) (*[32]byte, error) {
	ciphertext, err := crypto.EncryptBytes(key, plain)
	if err != nil {
		return nil, err
	}
	digest := crypto.HMAC(key, plain)
	if err := docs.Put(id, digest, ciphertext); err != nil {
		return nil, err
	}
	h := digest
	return &h, nil
}

func hmacEqual(a, b *[32]byte) bool {
	if a == nil || b == nil {
		return a == b
	}
	return bytes.Equal(a[:], b[:])
}
