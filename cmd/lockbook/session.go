package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/internal/config"
	"github.com/lockbook/lb-core/localstore"
)

// session bundles the resolved config, account key and local database a
// sync or status command needs, built once per invocation rather than
// re-resolved piecemeal inside each RunE.
type session struct {
	cfg     *config.C
	account crypto.AccountKey
	store   *localstore.Store
	db      *localstore.DB
}

func openSession(base string) (*session, error) {
	cfg, err := config.Load(base)
	if err != nil {
		return nil, errors.Wrap(err, "session: load config")
	}

	raw, err := os.ReadFile(cfg.AccountKeyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "session: read account key file %q", cfg.AccountKeyFile)
	}
	account, err := crypto.ParseAccountKeyString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, errors.Wrap(err, "session: parse account key")
	}

	db, err := localstore.Open(cfg.DatabaseFile)
	if err != nil {
		return nil, errors.Wrap(err, "session: open local database")
	}

	return &session{cfg: cfg, account: account, store: localstore.New(db), db: db}, nil
}

func (s *session) Close() error {
	return s.db.Close()
}
