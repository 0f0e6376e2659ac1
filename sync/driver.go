// Package sync implements the sync driver: the eight-phase pipeline that
// reconciles a local tree against the server. The lighter-weight work
// calculator used to preview what a sync would do is package work.
//
// Phases 4 and 7 fan document transfers out across a bounded worker pool
// built on golang.org/x/sync's errgroup+semaphore pairing, and phase
// transitions are logged with logrus.
package sync

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/filetree"
	"github.com/lockbook/lb-core/lazy"
	"github.com/lockbook/lb-core/merge"
	"github.com/lockbook/lb-core/pki"
	"github.com/lockbook/lb-core/server"
	"github.com/lockbook/lb-core/validate"
)

// baseErr is the sentinel error type, the same shape as filetree.baseErr.
type baseErr string

func (e baseErr) Error() string { return string(e) }

const (
	// ErrAlreadySyncing is returned when Sync is called while another sync
	// is in flight on the same Driver: concurrent sync attempts are
	// rejected immediately rather than queued or interleaved.
	ErrAlreadySyncing = baseErr("sync: a sync is already in progress")

	// ErrOrphan marks a fetched record this driver refused to absorb
	// because neither base nor the fetch batch resolves its parent, and it
	// carries no access grant for the acting user.
	ErrOrphan = baseErr("sync: fetched record is an orphan")
)

// Concurrency bounds document fan-out during phases 4 and 7.
var Concurrency = runtime.NumCPU()

// Driver owns one account's local tree state and drives it through a sync
// against a server.Client. It is not safe for concurrent Sync calls: the
// guard flag in syncing rejects re-entry, enforcing a single writer per
// account at a time.
type Driver struct {
	account crypto.AccountKey
	client  server.Client
	docs    Documents
	persist Persistence
	keyring lazy.Keyring

	merge merge.Options

	mu         sync.Mutex
	syncing    bool
	base       *filetree.Store
	local      *filetree.StagedOverlay
	root       uuid.UUID
	lastSynced uint64

	pubkeys *pki.Cache
}

// New returns a Driver seeded with the locally-persisted base/local state.
// base and localPatch are whatever a prior session last committed (an
// empty base and nil patch are valid for a brand-new account).
func New(account crypto.AccountKey, client server.Client, docs Documents, persist Persistence, keyring lazy.Keyring, opts merge.Options, base *filetree.Store, localPatch map[uuid.UUID]*filetree.Record, root uuid.UUID, lastSynced uint64) *Driver {
	if base == nil {
		base = filetree.NewStore()
	}
	local := filetree.Stage(base)
	for id, r := range localPatch {
		if r == nil {
			local.Remove(id)
		} else {
			local.Insert(*r)
		}
	}
	d := &Driver{
		account:    account,
		client:     client,
		docs:       docs,
		persist:    persist,
		keyring:    keyring,
		merge:      opts,
		base:       base,
		local:      local,
		root:       root,
		lastSynced: lastSynced,
	}
	d.pubkeys = pki.New(client.GetUsername)
	return d
}

// Sync runs the full eight-phase pipeline once. progress may be nil.
func (d *Driver) Sync(progress ProgressFunc) (err error) {
	d.mu.Lock()
	if d.syncing {
		d.mu.Unlock()
		return ErrAlreadySyncing
	}
	d.syncing = true
	d.mu.Unlock()

	// Document deletion is suppressed for the whole sync: even if a record
	// is locally deleted, its bytes remain on disk so the merge can read
	// them. Nothing below calls Documents.Delete for a locally deleted
	// record; only phase 1's prune deletes bytes, and only for ids the
	// server has actually dropped, which is a distinct case the suppression
	// does not cover.
	defer func() {
		d.mu.Lock()
		d.syncing = false
		d.mu.Unlock()
	}()

	owner := d.account.Public()

	// Phase 1: prune.
	serverIDs, err := d.client.GetFileIds(owner)
	if err != nil {
		return errors.Wrap(err, "sync.Driver.Sync: phase 1 prune")
	}
	d.prune(serverIDs, progress)

	// Phase 2: fetch metadata.
	updates, err := d.client.GetUpdates(owner, d.lastSynced)
	if err != nil {
		return errors.Wrap(err, "sync.Driver.Sync: phase 2 fetch metadata")
	}
	remote, err := d.acceptFetched(updates.Files, progress)
	if err != nil {
		return errors.Wrap(err, "sync.Driver.Sync: phase 2 fetch metadata")
	}
	if d.root == uuid.Nil {
		for _, r := range updates.Files {
			if r.IsRoot() && r.Owner.Equal(owner) {
				d.root = r.ID
				break
			}
		}
	}

	// Phase 3: populate public-key cache.
	d.populatePubkeyCache(remote, progress)

	// Phase 4: fetch documents.
	baseRemote := filetree.Stage(d.base)
	for _, id := range remote.Ids() {
		r, _ := remote.Find(id)
		baseRemote.Insert(r)
	}
	view := lazy.New(baseRemote, d.account, d.keyring)
	if err := d.fetchDocuments(remote, baseRemote, view, progress); err != nil {
		return errors.Wrap(err, "sync.Driver.Sync: phase 4 fetch documents")
	}

	// Phase 5: merge.
	patch, err := merge.Run(d.base, remote, d.local, d.account, d.keyring, d.merge)
	if err != nil {
		return errors.Wrap(err, "sync.Driver.Sync: phase 5 merge")
	}
	d.base = baseRemote.Promote()
	d.local = filetree.Stage(d.base)
	for id, r := range patch {
		if r == nil {
			d.local.Remove(id)
		} else {
			d.local.Insert(*r)
		}
	}

	// Phase 6: push metadata.
	if err := d.pushMetadata(progress); err != nil {
		return errors.Wrap(err, "sync.Driver.Sync: phase 6 push metadata")
	}

	// Phase 7: push documents.
	if err := d.pushDocuments(progress); err != nil {
		return errors.Wrap(err, "sync.Driver.Sync: phase 7 push documents")
	}

	// Phase 8: commit, using phase 2's metadata clock rather than reading a
	// fresh one back: a fresh GetUpdates here would also return any record a
	// third party pushed between phase 2 and now, and discarding those
	// records while still advancing lastSynced past their version would make
	// this driver believe they'd already been absorbed. Committing to phase
	// 2's clock instead means this sync's own just-pushed records get
	// redundantly re-fetched next time (a no-op, since they already match
	// base), but nothing else ever goes unseen.
	if err := d.commit(updates.AsOfMetadataVersion, progress); err != nil {
		return errors.Wrap(err, "sync.Driver.Sync: phase 8 commit")
	}

	return nil
}

// prune removes ids base still remembers that the server has dropped. It
// only ever considers ids already present in base: a brand-new local
// creation has no server-side existence yet by definition and must never
// be treated as stale just because the server doesn't list it.
func (d *Driver) prune(serverIDs map[uuid.UUID]bool, progress ProgressFunc) {
	stale := make(map[uuid.UUID]bool)
	for _, id := range d.base.Ids() {
		if !serverIDs[id] {
			stale[id] = true
		}
	}
	if len(stale) == 0 {
		return
	}
	// Descendants of a stale id are stale too, even if the server still
	// lists them (it won't, normally, but a crash mid-delete upstream
	// could leave one dangling).
	grown := true
	for grown {
		grown = false
		for _, id := range d.base.Ids() {
			if stale[id] {
				continue
			}
			if r, ok := d.base.Find(id); ok && stale[r.Parent] && r.Parent != id {
				stale[id] = true
				grown = true
			}
		}
	}

	i := 0
	for id := range stale {
		d.base.Remove(id)
		d.local.Remove(id)
		if err := d.docs.Delete(id); err != nil {
			log.WithError(err).WithField("file", id).Warn("sync: prune could not delete local document bytes")
		}
		i++
		report(progress, "prune", i, len(stale), id, "removed")
	}
}

// acceptFetched validates each fetched record's parent resolves (either in
// base or in the fetch batch itself) or that the record carries an access
// grant for the acting user, and returns the accepted records as a tree.
// A record failing both checks is an orphan and is rejected.
func (d *Driver) acceptFetched(files []filetree.Record, progress ProgressFunc) (*filetree.Store, error) {
	byID := make(map[uuid.UUID]filetree.Record, len(files))
	for _, r := range files {
		byID[r.ID] = r
	}
	owner := d.account.Public()
	out := filetree.NewStore()
	for i, r := range files {
		if r.IsRoot() {
			out.Insert(r)
			report(progress, "fetch-metadata", i+1, len(files), r.ID, "accepted")
			continue
		}
		_, parentInBase := d.base.Find(r.Parent)
		_, parentInBatch := byID[r.Parent]
		if !parentInBase && !parentInBatch {
			if _, granted := r.AccessKeyFor(owner, false); !granted {
				return nil, fmt.Errorf("%w: %s", ErrOrphan, r.ID)
			}
		}
		out.Insert(r)
		report(progress, "fetch-metadata", i+1, len(files), r.ID, "accepted")
	}
	return out, nil
}

func (d *Driver) populatePubkeyCache(remote *filetree.Store, progress ProgressFunc) {
	ids := remote.Ids()
	for i, id := range ids {
		r, _ := remote.Find(id)
		if err := d.pubkeys.Ensure(r.Owner); err != nil {
			log.WithError(err).WithField("owner", r.Owner).Warn("sync: could not resolve username")
		}
		for _, grant := range r.UserAccessKeys {
			_ = d.pubkeys.Ensure(grant.EncryptedBy)
			_ = d.pubkeys.Ensure(grant.EncryptedFor)
		}
		report(progress, "populate-pubkey-cache", i+1, len(ids), id, "")
	}
}

func (d *Driver) fetchDocuments(remote *filetree.Store, baseRemote *filetree.StagedOverlay, view *lazy.View, progress ProgressFunc) error {
	var toFetch []uuid.UUID
	for _, id := range remote.Ids() {
		r, _ := remote.Find(id)
		if r.DocumentHMAC == nil {
			continue
		}
		baseRecord, hadBase := d.base.Find(id)
		if hadBase && baseRecord.DocumentHMAC != nil && hmacEqual(baseRecord.DocumentHMAC, r.DocumentHMAC) {
			continue
		}
		deleted, err := view.EffectivelyDeleted(id)
		if err == nil && deleted {
			continue
		}
		toFetch = append(toFetch, id)
	}
	if len(toFetch) == 0 {
		return nil
	}

	ctx := context.Background()
	sem := semaphore.NewWeighted(int64(Concurrency))
	g, ctx := errgroup.WithContext(ctx)
	var done int32
	var mu sync.Mutex

	for _, id := range toFetch {
		id := id
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			r, _ := remote.Find(id)
			ciphertext, err := d.client.GetDoc(id, *r.DocumentHMAC)
			if err != nil {
				return errors.Wrapf(err, "sync: fetch document %s", id)
			}
			if err := d.docs.Put(id, *r.DocumentHMAC, ciphertext); err != nil {
				return errors.Wrapf(err, "sync: store fetched document %s", id)
			}
			mu.Lock()
			done++
			report(progress, "fetch-documents", int(done), len(toFetch), id, "")
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func hmacEqual(a, b *[32]byte) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// pushMetadata builds and submits file diffs for every locally-touched id,
// with the document hmac forced to base's value, folding the submitted
// records into base. Each New.Version is predicted as one past base's (or
// one, for a creation) before signing, since Version is part of the signed
// bytes and the server stores diffs verbatim rather than reassigning them.
func (d *Driver) pushMetadata(progress ProgressFunc) error {
	patch := d.local.Patch()
	if len(patch) == 0 {
		return nil
	}

	var diffs []server.FileDiff
	for id, r := range patch {
		if r == nil {
			continue
		}
		pushed := r.Clone()
		var old *filetree.Record
		if baseRecord, ok := d.base.Find(id); ok {
			o := baseRecord
			old = &o
			pushed.DocumentHMAC = baseRecord.DocumentHMAC
			pushed.Version = baseRecord.Version + 1
		} else {
			pushed.DocumentHMAC = nil
			pushed.Version = 1
		}
		pushed.Signature = nil
		pushed = filetree.Sign(pushed, d.account)

		diffs = append(diffs, server.FileDiff{Old: old, New: pushed})
	}

	if err := d.client.Upsert(diffs); err != nil {
		return err
	}

	for i, diff := range diffs {
		d.base.Insert(diff.New)
		report(progress, "push-metadata", i+1, len(diffs), diff.New.ID, "")
	}

	return nil
}

// pushDocuments pushes every document whose local content diverges from
// what base now holds for it, folding the new hmac into base.
func (d *Driver) pushDocuments(progress ProgressFunc) error {
	patch := d.local.Patch()
	var toPush []uuid.UUID
	for id, r := range patch {
		if r == nil || r.DocumentHMAC == nil {
			continue
		}
		baseRecord, ok := d.base.Find(id)
		if ok && hmacEqual(baseRecord.DocumentHMAC, r.DocumentHMAC) {
			continue
		}
		toPush = append(toPush, id)
	}
	if len(toPush) == 0 {
		return nil
	}

	ctx := context.Background()
	sem := semaphore.NewWeighted(int64(Concurrency))
	g, ctx := errgroup.WithContext(ctx)
	var done int32
	var mu sync.Mutex

	for _, id := range toPush {
		id := id
		r := patch[id]
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			ciphertext, err := d.docs.Get(id, *r.DocumentHMAC)
			if err != nil {
				return errors.Wrapf(err, "sync: read local document %s", id)
			}
			baseRecord, baseOK := d.base.Find(id)
			newRecord := r.Clone()
			var old *filetree.Record
			if baseOK {
				old = &baseRecord
				newRecord.Version = baseRecord.Version + 1
			} else {
				newRecord.Version = 1
			}
			newRecord.Signature = nil
			newRecord = filetree.Sign(newRecord, d.account)
			diff := server.FileDiff{Old: old, New: newRecord}
			if err := d.client.ChangeDoc(server.DocDiff{Diff: diff, Ciphertext: ciphertext}); err != nil {
				return errors.Wrapf(err, "sync: push document %s", id)
			}
			mu.Lock()
			d.base.Insert(newRecord)
			done++
			report(progress, "push-documents", int(done), len(toPush), id, "")
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// commit persists the new metadata clock, the root (on first sync), and
// prunes any local record now bit-identical to base.
func (d *Driver) commit(asOf uint64, progress ProgressFunc) error {
	if err := d.persist.SetLastSynced(asOf); err != nil {
		return err
	}
	d.lastSynced = asOf

	if d.root != uuid.Nil {
		if err := d.persist.SetRoot(d.root); err != nil {
			return err
		}
	}

	remaining := d.local.Patch()
	for id, r := range remaining {
		if r == nil {
			continue
		}
		baseRecord, ok := d.base.Find(id)
		if ok && identical(baseRecord, *r) {
			d.local.Remove(id)
		}
	}

	baseRecords := make([]filetree.Record, 0, d.base.Len())
	for _, id := range d.base.Ids() {
		r, _ := d.base.Find(id)
		baseRecords = append(baseRecords, r)
	}
	if err := d.persist.SaveBase(baseRecords); err != nil {
		return err
	}

	localPatch := d.local.Patch()
	localRecords := make([]filetree.Record, 0, len(localPatch))
	for _, r := range localPatch {
		if r != nil {
			localRecords = append(localRecords, *r)
		}
	}
	if err := d.persist.SaveLocal(localRecords); err != nil {
		return err
	}

	report(progress, "commit", 1, 1, uuid.Nil, "done")
	return nil
}

// identical reports whether a and b agree on every field a push would have
// changed. Version and Signature are wire bookkeeping that bump on every
// push regardless of content, so they are excluded: comparing them would
// make a just-synced record look perpetually "still pending".
func identical(a, b filetree.Record) bool {
	a.Version, a.Signature = 0, nil
	b.Version, b.Signature = 0, nil
	return reflect.DeepEqual(a, b)
}

// Validate exposes a read-only snapshot check, used by callers (e.g. the
// CLI's status command) that want to confirm the current local tree has no
// outstanding structural violations without running a full sync.
func (d *Driver) Validate() validate.Failure {
	view := lazy.New(d.local, d.account, d.keyring)
	return validate.Validate(d.local, view, d.account.Public())
}
