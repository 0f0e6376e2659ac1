// Package pki implements the public-key cache: a lazily populated owner ->
// username lookup, with negative caching for owners the server no longer
// recognizes.
package pki

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/server"
)

// unknownUsername is substituted for an owner GetUsername reports as gone.
const unknownUsername = "<unknown>"

// Lookup resolves a public key to a username, the single network call the
// cache wraps.
type Lookup func(owner crypto.PublicKey) (string, error)

// Cache is an append-only owner->username cache: entries, once populated
// during a sync, are never invalidated.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]string
	lookup  Lookup
}

// New returns a Cache that calls lookup on a miss.
func New(lookup Lookup) *Cache {
	return &Cache{entries: make(map[string]string), lookup: lookup}
}

// Username returns the cached username for owner, populating the cache on
// a miss. A server-confirmed UserNotFound populates unknownUsername so a
// repeated pull referencing the same since-deleted owner doesn't re-hit the
// server every sync.
func (c *Cache) Username(owner crypto.PublicKey) (string, error) {
	key := owner.String()

	c.mu.RLock()
	if name, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return name, nil
	}
	c.mu.RUnlock()

	name, err := c.lookup(owner)
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(err, server.ErrUserNotFound) {
		c.entries[key] = unknownUsername
		log.WithField("owner", key).Debug("pki: caching unknown owner")
		return unknownUsername, nil
	}
	if err != nil {
		return "", err
	}
	c.entries[key] = name
	return name, nil
}

// Ensure populates the cache for owner without returning the username.
func (c *Cache) Ensure(owner crypto.PublicKey) error {
	_, err := c.Username(owner)
	return err
}

// Len reports how many owners are cached, including negative entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
