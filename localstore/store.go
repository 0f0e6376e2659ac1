package localstore

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/filetree"
	"github.com/lockbook/lb-core/sync"
)

var (
	_ sync.Persistence = (*Store)(nil)
	_ sync.Documents   = (*Store)(nil)
)

// Store is the sqlite-backed implementation of sync.Persistence and
// sync.Documents. A Store is bound to one account's local database; there
// is no multi-account sharing, one base directory per account.
type Store struct {
	db *DB
}

// New returns a Store backed by db.
func New(db *DB) *Store { return &Store{db: db} }

const (
	keyRoot       = "root"
	keyLastSynced = "last_synced"
)

// SaveBase replaces the entire base_metadata table with records, matching
// the full-snapshot-over-incremental-patch semantics sync.Persistence
// documents.
func (s *Store) SaveBase(records []filetree.Record) error {
	return s.replaceMetadata("base_metadata", records)
}

// SaveLocal replaces the entire local_metadata table with records.
func (s *Store) SaveLocal(records []filetree.Record) error {
	return s.replaceMetadata("local_metadata", records)
}

func (s *Store) replaceMetadata(table string, records []filetree.Record) error {
	tx, err := s.db.conn.Begin()
	if err != nil {
		return errors.Wrapf(err, "localstore: begin replace %s", table)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM " + table); err != nil {
		return errors.Wrapf(err, "localstore: clear %s", table)
	}
	stmt, err := tx.Prepare("INSERT INTO " + table + " (id, data) VALUES (?, ?)")
	if err != nil {
		return errors.Wrapf(err, "localstore: prepare insert %s", table)
	}
	defer stmt.Close()

	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return errors.Wrapf(err, "localstore: marshal record %s", r.ID)
		}
		if _, err := stmt.Exec(r.ID.String(), data); err != nil {
			return errors.Wrapf(err, "localstore: insert %s record %s", table, r.ID)
		}
	}
	return errors.Wrapf(tx.Commit(), "localstore: commit replace %s", table)
}

func (s *Store) loadMetadata(table string) ([]filetree.Record, error) {
	rows, err := s.db.conn.Query("SELECT data FROM " + table)
	if err != nil {
		return nil, errors.Wrapf(err, "localstore: load %s", table)
	}
	defer rows.Close()

	var out []filetree.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrapf(err, "localstore: scan %s", table)
		}
		var r filetree.Record
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, errors.Wrapf(err, "localstore: unmarshal %s row", table)
		}
		out = append(out, r)
	}
	return out, errors.Wrapf(rows.Err(), "localstore: iterate %s", table)
}

// LoadBase reconstructs a *filetree.Store from base_metadata, for seeding a
// sync.Driver at startup.
func (s *Store) LoadBase() (*filetree.Store, error) {
	records, err := s.loadMetadata("base_metadata")
	if err != nil {
		return nil, err
	}
	store := filetree.NewStore()
	for _, r := range records {
		store.Insert(r)
	}
	return store, nil
}

// LoadLocalPatch reconstructs the local patch map from local_metadata, for
// seeding a sync.Driver at startup.
func (s *Store) LoadLocalPatch() (map[uuid.UUID]*filetree.Record, error) {
	records, err := s.loadMetadata("local_metadata")
	if err != nil {
		return nil, err
	}
	patch := make(map[uuid.UUID]*filetree.Record, len(records))
	for i := range records {
		patch[records[i].ID] = &records[i]
	}
	return patch, nil
}

// SetRoot persists the account's root file id.
func (s *Store) SetRoot(id uuid.UUID) error {
	return s.setAccountState(keyRoot, id.String())
}

// Root returns the previously persisted root id, or uuid.Nil if none has
// been set yet (a brand-new account, pre-first-sync).
func (s *Store) Root() (uuid.UUID, error) {
	value, ok, err := s.getAccountState(keyRoot)
	if err != nil || !ok {
		return uuid.Nil, err
	}
	return uuid.Parse(value)
}

// SetLastSynced persists the metadata clock reached by the most recent
// successful sync.
func (s *Store) SetLastSynced(version uint64) error {
	return s.setAccountState(keyLastSynced, strconv.FormatUint(version, 10))
}

// LastSynced returns the last persisted metadata clock, or zero for a
// brand-new account.
func (s *Store) LastSynced() (uint64, error) {
	value, ok, err := s.getAccountState(keyLastSynced)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseUint(value, 10, 64)
}

func (s *Store) setAccountState(key, value string) error {
	_, err := s.db.conn.Exec(
		"INSERT INTO account_state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return errors.Wrapf(err, "localstore: set account_state %s", key)
}

func (s *Store) getAccountState(key string) (string, bool, error) {
	var value string
	err := s.db.conn.QueryRow("SELECT value FROM account_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "localstore: get account_state %s", key)
	}
	return value, true, nil
}

// Get returns a document's ciphertext for the id and hmac the caller
// already resolved against metadata.
func (s *Store) Get(id uuid.UUID, hmac [32]byte) (crypto.EncryptedValue, error) {
	var ciphertext []byte
	err := s.db.conn.QueryRow(
		"SELECT ciphertext FROM documents WHERE id = ? AND hmac = ?",
		id.String(), hex.EncodeToString(hmac[:]),
	).Scan(&ciphertext)
	if err == sql.ErrNoRows {
		return nil, filetree.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "localstore: get document %s", id)
	}
	return crypto.EncryptedValue(ciphertext), nil
}

// Put stores a document's ciphertext, content-addressed by (id, hmac).
func (s *Store) Put(id uuid.UUID, hmac [32]byte, ciphertext crypto.EncryptedValue) error {
	_, err := s.db.conn.Exec(
		"INSERT INTO documents (id, hmac, ciphertext) VALUES (?, ?, ?) ON CONFLICT(id, hmac) DO UPDATE SET ciphertext = excluded.ciphertext",
		id.String(), hex.EncodeToString(hmac[:]), []byte(ciphertext),
	)
	return errors.Wrapf(err, "localstore: put document %s", id)
}

// Delete removes every stored blob for id, regardless of hmac. Called
// during prune for a server-dropped id, whose bytes are removed outright.
func (s *Store) Delete(id uuid.UUID) error {
	_, err := s.db.conn.Exec("DELETE FROM documents WHERE id = ?", id.String())
	return errors.Wrapf(err, "localstore: delete document %s", id)
}

// SetUsername persists a resolved owner -> display name mapping, so
// pki.Cache can be seeded from disk instead of re-resolving every owner on
// every process start.
func (s *Store) SetUsername(owner string, username string) error {
	_, err := s.db.conn.Exec(
		"INSERT INTO pub_key_lookup (owner, username) VALUES (?, ?) ON CONFLICT(owner) DO UPDATE SET username = excluded.username",
		owner, username,
	)
	return errors.Wrapf(err, "localstore: set pub_key_lookup %s", owner)
}

// Username returns a previously persisted display name for owner, if any.
func (s *Store) Username(owner string) (string, bool, error) {
	var username string
	err := s.db.conn.QueryRow("SELECT username FROM pub_key_lookup WHERE owner = ?", owner).Scan(&username)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "localstore: get pub_key_lookup %s", owner)
	}
	return username, true, nil
}
