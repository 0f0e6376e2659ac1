// Package crypto wraps the cryptographic primitives the sync core treats as
// black boxes: AES-GCM for symmetric encryption of names, keys and document
// content, X25519 ECDH for deriving the shared secret behind a share grant's
// access_key, Ed25519 for signing file records, and HMAC-SHA256 for content
// digests and name identity.
//
// Nothing in this package implements new cryptography; it only adapts
// standard-library primitives to the shapes the rest of the module needs.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// SymmetricKey is a 256-bit AES key, used both as a file's own symmetric key
// (encrypting its name and document content) and as a folder key (encrypting
// the folder_access_key of its children).
type SymmetricKey [32]byte

// RandomSymmetricKey generates a fresh key for a newly-created file.
func RandomSymmetricKey() (SymmetricKey, error) {
	var k SymmetricKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, errors.Wrap(err, "crypto.RandomSymmetricKey")
	}
	return k, nil
}

// EncryptedValue is ciphertext produced by EncryptBytes: a random nonce
// followed by the AES-GCM sealed output. The nonce travels with the
// ciphertext because GCM requires it for decryption and it need not be
// secret.
type EncryptedValue []byte

// EncryptBytes seals plaintext under key with a fresh random nonce.
func EncryptBytes(key SymmetricKey, plaintext []byte) (EncryptedValue, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "crypto.EncryptBytes: nonce")
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptBytes opens ciphertext produced by EncryptBytes.
func DecryptBytes(key SymmetricKey, ciphertext EncryptedValue) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("crypto.DecryptBytes: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "crypto.DecryptBytes")
	}
	return plaintext, nil
}

func newGCM(key SymmetricKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "crypto.newGCM: aes.NewCipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "crypto.newGCM: cipher.NewGCM")
	}
	return gcm, nil
}

// HMAC computes the canonical content digest used as a document_hmac, and,
// separately, as the ciphertext-level duplicate-name identity.
func HMAC(key SymmetricKey, data []byte) [32]byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(data)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// AccountKey is a user account's private key material: an Ed25519 key used
// to sign file records, and an independently generated X25519 key used to
// agree on the symmetric key behind a share grant's access_key. Lockbook
// accounts are identified by a single exported string; both keys travel
// together so the account behaves as one credential.
type AccountKey struct {
	signing ed25519.PrivateKey
	agree   *ecdh.PrivateKey
}

// PublicKey is the public half of an AccountKey: the Ed25519 verification
// key (identity, used in owner/encrypted_by/encrypted_for comparisons and
// signature checks) paired with the X25519 key-agreement key.
type PublicKey struct {
	verify ed25519.PublicKey
	agree  *ecdh.PublicKey
}

// NewAccountKey generates a fresh account key pair.
func NewAccountKey() (AccountKey, error) {
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return AccountKey{}, errors.Wrap(err, "crypto.NewAccountKey: ed25519")
	}
	agree, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return AccountKey{}, errors.Wrap(err, "crypto.NewAccountKey: x25519")
	}
	return AccountKey{signing: signing, agree: agree}, nil
}

func (k AccountKey) Public() PublicKey {
	return PublicKey{verify: k.signing.Public().(ed25519.PublicKey), agree: k.agree.PublicKey()}
}

// Bytes returns the concatenated ed25519-seed||x25519-scalar private key
// material, for writing an account to disk (account export). Callers must
// treat the result as a secret: anyone holding it can sign as this account
// and decrypt everything shared with it.
func (k AccountKey) Bytes() []byte {
	out := make([]byte, 0, ed25519.SeedSize+32)
	out = append(out, k.signing.Seed()...)
	out = append(out, k.agree.Bytes()...)
	return out
}

// ParseAccountKey parses the concatenated bytes produced by Bytes (account
// import).
func ParseAccountKey(b []byte) (AccountKey, error) {
	if len(b) != ed25519.SeedSize+32 {
		return AccountKey{}, errors.Errorf("crypto.ParseAccountKey: want %d bytes, got %d", ed25519.SeedSize+32, len(b))
	}
	signing := ed25519.NewKeyFromSeed(b[:ed25519.SeedSize])
	agree, err := ecdh.X25519().NewPrivateKey(b[ed25519.SeedSize:])
	if err != nil {
		return AccountKey{}, errors.Wrap(err, "crypto.ParseAccountKey")
	}
	return AccountKey{signing: signing, agree: agree}, nil
}

// String hex-encodes Bytes, the form account export/import moves over text
// (config files, clipboard, QR codes).
func (k AccountKey) String() string {
	return fmt.Sprintf("%x", k.Bytes())
}

// ParseAccountKeyString is the inverse of String.
func ParseAccountKeyString(s string) (AccountKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return AccountKey{}, errors.Wrap(err, "crypto.ParseAccountKeyString")
	}
	return ParseAccountKey(b)
}

// Sign signs data (a canonical encoding of a record's non-signature fields).
func (k AccountKey) Sign(data []byte) []byte {
	return ed25519.Sign(k.signing, data)
}

// SharedSymmetricKey derives the AES key used to encrypt a share grant's
// access_key from an X25519 shared secret between the two accounts.
func (k AccountKey) SharedSymmetricKey(other PublicKey) (SymmetricKey, error) {
	secret, err := k.agree.ECDH(other.agree)
	if err != nil {
		return SymmetricKey{}, errors.Wrap(err, "crypto.SharedSymmetricKey")
	}
	return SymmetricKey(sha256.Sum256(secret)), nil
}

// RootKey derives the symmetric key for this account's own root folder.
// A root's FolderAccessKey is always empty (nothing above it can wrap a
// key for it), so unlike every other file's key it cannot be recovered by
// walking the parent chain; deriving it from the account's own signing
// key instead means any device holding the account key recomputes the
// same root key without syncing or storing it separately.
func (k AccountKey) RootKey() SymmetricKey {
	mac := hmac.New(sha256.New, k.signing.Seed())
	mac.Write([]byte("lockbook-root-key"))
	var out SymmetricKey
	copy(out[:], mac.Sum(nil))
	return out
}

// Verify checks a signature produced by Sign.
func (k PublicKey) Verify(data, signature []byte) bool {
	return ed25519.Verify(k.verify, data, signature)
}

func (k PublicKey) Bytes() []byte {
	out := make([]byte, 0, len(k.verify)+32)
	out = append(out, k.verify...)
	out = append(out, k.agree.Bytes()...)
	return out
}

// ParsePublicKey parses the concatenated verify||agree bytes produced by Bytes.
func ParsePublicKey(b []byte) (PublicKey, error) {
	if len(b) != ed25519.PublicKeySize+32 {
		return PublicKey{}, errors.Errorf("crypto.ParsePublicKey: want %d bytes, got %d", ed25519.PublicKeySize+32, len(b))
	}
	agree, err := ecdh.X25519().NewPublicKey(b[ed25519.PublicKeySize:])
	if err != nil {
		return PublicKey{}, errors.Wrap(err, "crypto.ParsePublicKey")
	}
	return PublicKey{verify: append(ed25519.PublicKey(nil), b[:ed25519.PublicKeySize]...), agree: agree}, nil
}

func (k PublicKey) String() string {
	return fmt.Sprintf("%x", k.Bytes())
}

// IsZero reports whether k is the zero value (no identity set).
func (k PublicKey) IsZero() bool {
	return k.verify == nil
}

// Equal reports whether two public keys represent the same account.
func (k PublicKey) Equal(other PublicKey) bool {
	if k.IsZero() || other.IsZero() {
		return k.IsZero() == other.IsZero()
	}
	return hmac.Equal(k.verify, other.verify)
}

// MarshalJSON encodes the key as its hex-encoded wire bytes, so a Record
// round-trips through the server's JSON API unchanged.
func (k PublicKey) MarshalJSON() ([]byte, error) {
	if k.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(hex.EncodeToString(k.Bytes()))
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (k *PublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "crypto.PublicKey.UnmarshalJSON")
	}
	if s == "" {
		*k = PublicKey{}
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return errors.Wrap(err, "crypto.PublicKey.UnmarshalJSON: decode hex")
	}
	parsed, err := ParsePublicKey(b)
	if err != nil {
		return errors.Wrap(err, "crypto.PublicKey.UnmarshalJSON")
	}
	*k = parsed
	return nil
}
