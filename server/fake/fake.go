// Package fake is an in-memory implementation of server.Client for tests,
// letting sync/merge tests exercise real wire semantics (conflict
// detection on Upsert/ChangeDoc, versioning, deletion-doesn't-free-an-id)
// without a network.
package fake

import (
	"sync"

	"github.com/google/uuid"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/filetree"
	"github.com/lockbook/lb-core/server"
)

type doc struct {
	hmac       [32]byte
	ciphertext crypto.EncryptedValue
}

// Server is a single-tenant in-memory backend. It tracks a monotonic
// metadata clock, bumped on every accepted Upsert, matching the real
// server's "AsOfMetadataVersion" semantics closely enough for tests.
//
// The clock is deliberately not the same number as Record.Version: Version
// is part of what the caller signs (filetree.signingBytes) and is predicted
// by the caller as base+1, so the server must store it verbatim rather than
// reassign it. changedAt instead records, per id, the clock tick at which
// it last changed, giving GetUpdates something server-assigned and
// monotonic across the whole account to page against.
type Server struct {
	mu        sync.Mutex
	files     map[uuid.UUID]filetree.Record
	changedAt map[uuid.UUID]uint64
	docs      map[uuid.UUID]doc
	version   uint64
	usernames map[string]string
}

// New returns an empty backend.
func New() *Server {
	return &Server{
		files:     make(map[uuid.UUID]filetree.Record),
		changedAt: make(map[uuid.UUID]uint64),
		docs:      make(map[uuid.UUID]doc),
		usernames: make(map[string]string),
	}
}

// SetUsername registers a display name for owner, as if an account had
// been created against this server.
func (s *Server) SetUsername(owner crypto.PublicKey, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usernames[owner.String()] = username
}

// Client returns a server.Client talking to this backend directly, with no
// network or serialization involved.
func (s *Server) Client() server.Client {
	return &client{s: s}
}

type client struct {
	s *Server
}

func (c *client) GetFileIds(user crypto.PublicKey) (map[uuid.UUID]bool, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[uuid.UUID]bool)
	for id, r := range s.files {
		if r.Owner.Equal(user) {
			out[id] = true
		}
	}
	return out, nil
}

func (c *client) GetUpdates(user crypto.PublicKey, since uint64) (server.Updates, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var files []filetree.Record
	for id, r := range s.files {
		if r.Owner.Equal(user) && s.changedAt[id] > since {
			files = append(files, r)
		}
	}
	return server.Updates{Files: files, AsOfMetadataVersion: s.version}, nil
}

func (c *client) GetDoc(id uuid.UUID, hmac [32]byte) (crypto.EncryptedValue, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok || d.hmac != hmac {
		return nil, errNotFound
	}
	return d.ciphertext, nil
}

// Upsert validates, for each diff, that the caller's claimed New.Version is
// exactly the next version after what the server currently holds (one, for
// a creation), matching the version the caller already signed over. A
// mismatch here means either the caller's base is stale or it mispredicted
// the next version; either way the caller must refetch.
func (c *client) Upsert(diffs []server.FileDiff) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range diffs {
		current, exists := s.files[d.New.ID]
		if d.Old == nil {
			if exists || d.New.Version != 1 {
				return server.ErrConflict
			}
		} else {
			if !exists || current.Version != d.Old.Version || d.New.Version != current.Version+1 {
				return server.ErrConflict
			}
		}
	}

	s.version++
	for _, d := range diffs {
		s.files[d.New.ID] = d.New
		s.changedAt[d.New.ID] = s.version
	}
	return nil
}

func (c *client) ChangeDoc(d server.DocDiff) error {
	if err := c.Upsert([]server.FileDiff{d.Diff}); err != nil {
		return err
	}
	hmac := d.Diff.New.DocumentHMAC
	if hmac == nil {
		return nil
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[d.Diff.New.ID] = doc{hmac: *hmac, ciphertext: d.Ciphertext}
	return nil
}

func (c *client) GetUsername(owner crypto.PublicKey) (string, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.usernames[owner.String()]
	if !ok {
		return "", server.ErrUserNotFound
	}
	return name, nil
}

type notFoundErr string

func (e notFoundErr) Error() string { return string(e) }

const errNotFound = notFoundErr("fake: document not found")
