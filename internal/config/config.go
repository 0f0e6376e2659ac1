package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

var (
	// DefaultBaseDirectoryPath is where the CLI stores its config, account
	// key and local database. It defaults to $LOCKBOOK_BASE if set,
	// otherwise $HOME/.lockbook.
	DefaultBaseDirectoryPath string

	// DefaultSyncConcurrency bounds document fetch/push fan-out when the
	// config file omits sync-concurrency.
	DefaultSyncConcurrency = runtime.NumCPU()
)

func init() {
	if base := os.Getenv("LOCKBOOK_BASE"); base != "" {
		DefaultBaseDirectoryPath = base
	} else {
		DefaultBaseDirectoryPath = os.ExpandEnv("$HOME/.lockbook")
	}
}

// C is lockbook's configuration: the account key location, the server to
// sync against, and the local database path, loaded from a flat key-value
// file.
type C struct {
	// ServerAddress is the base URL of the sync server.
	ServerAddress string

	// AccountKeyFile holds the account's exported private key material,
	// authenticating every request via its signature rather than an OAuth
	// flow.
	AccountKeyFile string

	// SyncConcurrency bounds document fetch/push fan-out.
	SyncConcurrency int

	// DatabaseFile is the sqlite file backing localstore.
	DatabaseFile string

	// base is the directory the config file itself lives in; relative
	// paths above are resolved against it.
	base string
}

// Load loads the configuration from the file called "config" in base.
// Permission bits beyond 0700 are rejected outright, since the file
// indirectly names key material.
func Load(base string) (*C, error) {
	filename := filepath.Join(base, "config")
	fi, err := os.Stat(filename)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if fi.Mode()&0077 != 0 {
		return nil, errorf("Load", "%q: mode is %#o, want at most %#o", filename, fi.Mode()&0777, fi.Mode()&0700)
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	c, err := load(f)
	if err != nil {
		return nil, err
	}
	c.base = base
	if c.AccountKeyFile != "" && !filepath.IsAbs(c.AccountKeyFile) {
		c.AccountKeyFile = filepath.Clean(filepath.Join(base, c.AccountKeyFile))
	}
	if c.DatabaseFile == "" {
		c.DatabaseFile = filepath.Join(base, "lockbook.db")
	} else if !filepath.IsAbs(c.DatabaseFile) {
		c.DatabaseFile = filepath.Clean(filepath.Join(base, c.DatabaseFile))
	}
	if c.SyncConcurrency <= 0 {
		c.SyncConcurrency = DefaultSyncConcurrency
	}
	return c, nil
}

func load(f io.Reader) (*C, error) {
	c := C{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		i := strings.IndexAny(line, " \t")
		if i == -1 {
			return nil, errorf("load", "no separator in %q", line)
		}
		key, val := line[:i], strings.TrimSpace(line[i:])
		switch key {
		case "server-address":
			c.ServerAddress = val
		case "account-key-file":
			c.AccountKeyFile = val
		case "database-file":
			c.DatabaseFile = val
		case "sync-concurrency":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, errorf("load", "sync-concurrency: %w", err)
			}
			c.SyncConcurrency = n
		default:
			return nil, errorf("load", "unknown key %q", key)
		}
	}
	if err := s.Err(); err != nil {
		return nil, errorf("load", "%w", err)
	}
	return &c, nil
}

// Initialize writes a fresh config file at baseDir, pointing at the given
// server address and an as-yet-unwritten account key file, so a
// fresh "lockbook account new" has a usable default to edit afterward.
func Initialize(baseDir, serverAddress string) error {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return errorf("Initialize", "%q: could not mkdir: %w", baseDir, err)
	}
	path := filepath.Join(baseDir, "config")
	if _, err := os.Stat(path); err == nil {
		return errorf("Initialize", "%q: already exists", path)
	} else if !os.IsNotExist(err) {
		return errorf("Initialize", "%q: could not determine if it exists: %w", path, err)
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "server-address %s\n", serverAddress)
	buf.WriteString("account-key-file account.key\n")
	buf.WriteString("database-file lockbook.db\n")
	fmt.Fprintf(&buf, "sync-concurrency %d\n", DefaultSyncConcurrency)
	if err := os.WriteFile(path, []byte(buf.String()), 0600); err != nil {
		return errorf("Initialize", "%q: %w", path, err)
	}
	return nil
}
