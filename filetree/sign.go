package filetree

import (
	"bytes"
	"encoding/binary"

	"github.com/lockbook/lb-core/crypto"
)

// signingBytes produces a canonical encoding of every field except
// Signature itself, the input to Sign/Verify. It deliberately does not
// round-trip (it is not a Codec, see localstore for that); it only needs to
// be a deterministic function of the signed fields.
func signingBytes(r Record) []byte {
	var buf bytes.Buffer
	buf.Write(r.ID[:])
	buf.Write(r.Parent[:])
	binary.Write(&buf, binary.BigEndian, int32(r.Type))
	buf.Write(r.LinkTarget[:])
	buf.Write(r.Owner.Bytes())
	buf.Write(r.SecretName)
	buf.Write(r.FolderAccessKey)
	binary.Write(&buf, binary.BigEndian, int32(len(r.UserAccessKeys)))
	for _, k := range r.UserAccessKeys {
		buf.Write(k.EncryptedBy.Bytes())
		buf.Write(k.EncryptedFor.Bytes())
		binary.Write(&buf, binary.BigEndian, int32(k.Mode))
		buf.Write(k.AccessKey)
		if k.Deleted {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	if r.DocumentHMAC != nil {
		buf.WriteByte(1)
		buf.Write(r.DocumentHMAC[:])
	} else {
		buf.WriteByte(0)
	}
	if r.ExplicitlyDeleted {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.Write(&buf, binary.BigEndian, r.Version)
	return buf.Bytes()
}

// Sign re-signs r as owner, returning the signed record. The caller must
// already have set Owner to owner.Public() (or be transferring ownership,
// which requires a fresh signature from the new owner).
func Sign(r Record, owner crypto.AccountKey) Record {
	r.Signature = owner.Sign(signingBytes(r))
	return r
}

// Verify checks that r's signature was produced by r.Owner.
func Verify(r Record) bool {
	if r.Signature == nil {
		return false
	}
	return r.Owner.Verify(signingBytes(r), r.Signature)
}
