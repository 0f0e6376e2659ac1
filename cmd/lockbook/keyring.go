package main

import (
	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/filetree"
)

// accountKeyring is the lazy.Keyring backing every CLI command: the only
// key it can resolve is the acting user's own root, deterministically
// derived from the account key (see crypto.AccountKey.RootKey). Share
// grants never go through Keyring; lazy.View derives those via ECDH
// against the grant itself.
type accountKeyring struct {
	account crypto.AccountKey
}

func (k accountKeyring) RootKey(owner crypto.PublicKey) (crypto.SymmetricKey, error) {
	if !owner.Equal(k.account.Public()) {
		return crypto.SymmetricKey{}, filetree.ErrNotFound
	}
	return k.account.RootKey(), nil
}
