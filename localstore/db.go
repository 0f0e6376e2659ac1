// Package localstore is the sqlite-backed implementation of persisted
// state: base/local metadata, root, last_synced, pub_key_lookup, plus the
// content-addressed document blobs, all behind a migrated schema rather
// than a flat key-value file.
package localstore

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	_ "modernc.org/sqlite" // pure Go driver, registers as "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the sqlite connection backing a Store. Use ":memory:" for tests.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path, sets
// pragmas favoring durability over raw throughput (this is a local
// single-writer database, not a server), and brings the schema up to date
// via goose migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "localstore.Open")
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "localstore.Open: %s", pragma)
		}
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	log.WithField("path", path).Debug("localstore: database ready")
	return &DB{conn: conn}, nil
}

func migrate(conn *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "localstore.migrate: sub filesystem")
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, sub)
	if err != nil {
		return errors.Wrap(err, "localstore.migrate: new provider")
	}
	results, err := provider.Up(context.Background())
	if err != nil {
		return errors.Wrap(err, "localstore.migrate: up")
	}
	for _, r := range results {
		log.WithField("migration", r.Source.Path).Debug("localstore: applied migration")
	}
	return nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}
