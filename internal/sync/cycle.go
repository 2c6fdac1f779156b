// Package sync implements the per-account incremental synchronization
// engine: folder reconciliation, chunked backfill, CONDSTORE deltas,
// periodic rescans, body caching, and the two-phase unlink protocol that
// guards message deletion.
package sync

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/quillmail/syncd/internal/imapsession"
	"github.com/quillmail/syncd/internal/models"
	"github.com/quillmail/syncd/internal/store"
)

const (
	// firstChunkSize is the backfill chunk of a freshly discovered
	// folder, kept small so recent mail appears quickly.
	firstChunkSize uint32 = 750

	// chunkSize is the backfill chunk for subsequent passes.
	chunkSize uint32 = 5000

	// shallowScanWindow is how many recent UIDs the shallow rescan
	// re-checks.
	shallowScanWindow = 400

	shallowScanInterval = 2 * time.Minute
	deepScanInterval    = 10 * time.Minute
)

// Notifier publishes change events to the UI layer.
type Notifier interface {
	// TablesChanged signals that rows of the named tables changed.
	TablesChanged(accountID string, tables ...string)
	// MessagesChanged signals the ids of messages that changed.
	MessagesChanged(accountID string, messageIDs []string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) TablesChanged(string, ...string)  {}
func (NopNotifier) MessagesChanged(string, []string) {}

// Cycle runs the sync state machine for one account over one session.
// A cycle is single-threaded; concurrency happens across accounts.
type Cycle struct {
	account  *models.Account
	session  imapsession.Session
	pool     *pgxpool.Pool
	notifier Notifier
	log      *logrus.Entry

	idleTimeout  time.Duration
	pollInterval time.Duration

	// phase is the unlink phase of the pass currently running.
	phase int
	// firstChunk marks folders whose next backfill chunk is their first.
	firstChunk map[string]bool
	wake       chan struct{}
}

// NewCycle wires a sync cycle for one account.
func NewCycle(pool *pgxpool.Pool, account *models.Account, session imapsession.Session, notifier Notifier, log *logrus.Entry, idleTimeout, pollInterval time.Duration) *Cycle {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Cycle{
		account:      account,
		session:      session,
		pool:         pool,
		notifier:     notifier,
		log:          log.WithField("account", account.ID),
		idleTimeout:  idleTimeout,
		pollInterval: pollInterval,
		firstChunk:   make(map[string]bool),
		wake:         make(chan struct{}, 1),
	}
}

// Wake interrupts the cycle's idle wait so the next pass starts early.
func (c *Cycle) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run loops sync passes until the context is cancelled or a pass fails
// outright. Per-folder errors are contained inside the pass; an error
// returned here means the session is likely unusable and the caller
// should reconnect.
func (c *Cycle) Run(ctx context.Context) error {
	for {
		if err := c.RunPass(ctx); err != nil {
			return err
		}
		if err := c.wait(ctx); err != nil {
			return err
		}
	}
}

// RunPass executes one full account pass: flip the unlink phase,
// reconcile folders, sync each folder in role order, then hard-delete
// what stayed unlinked through the previous phase.
func (c *Cycle) RunPass(ctx context.Context) error {
	c.phase = 3 - c.account.UnlinkPhase
	if err := store.SetAccountUnlinkPhase(ctx, c.pool, c.account.ID, c.phase); err != nil {
		return err
	}
	c.account.UnlinkPhase = c.phase

	folders, err := c.reconcileFolders(ctx)
	if err != nil {
		return err
	}

	ordered := make([]*models.Folder, 0, len(folders))
	for _, f := range folders {
		if f.IsLabel {
			continue
		}
		ordered = append(ordered, f)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return folderOrder(ordered[i]) < folderOrder(ordered[j])
	})

	for _, folder := range ordered {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.syncFolder(ctx, folder); err != nil {
			c.log.WithError(err).WithField("folder", folder.Path).Warn("folder sync failed")
		}
	}

	deleted, err := store.DeleteUnlinkedMessages(ctx, c.pool, c.account.ID, 3-c.phase)
	if err != nil {
		return err
	}
	if len(deleted) > 0 {
		c.notifier.TablesChanged(c.account.ID, "messages", "threads")
		c.notifier.MessagesChanged(c.account.ID, deleted)
	}

	return nil
}

func folderOrder(f *models.Folder) int {
	if pos, ok := syncOrder[f.Role]; ok {
		return pos
	}
	return len(syncOrder)
}

// syncFolder runs the per-folder portion of the state machine. An error
// aborts this folder only; the caller proceeds with its siblings.
func (c *Cycle) syncFolder(ctx context.Context, folder *models.Folder) error {
	remote, err := c.session.Select(ctx, folder.Path)
	if err != nil {
		return err
	}

	orig := folder.Status
	st := &folder.Status

	switch {
	case st.UIDValidity == 0:
		// First contact with this folder: start incremental sync from
		// the current high-water mark and backfill backwards.
		st.UIDValidity = remote.UIDValidity
		st.UIDNext = remote.UIDNext
		st.SyncedMinUID = remote.UIDNext
		st.HighestModSeq = remote.HighestModSeq
		c.firstChunk[folder.ID] = true

	case st.UIDValidity != remote.UIDValidity:
		// The UID numbering changed; every cached mapping is stale.
		// Unlink everything and refetch the whole range, without
		// per-message notifications for rows that will mostly be
		// claimed right back.
		if _, err := store.UnlinkAllMessagesInFolder(ctx, c.pool, folder.ID, c.phase); err != nil {
			return err
		}
		st.UIDValidity = remote.UIDValidity
		st.UIDNext = 0
		st.HighestModSeq = 0
		st.SyncedMinUID = 1
		st.UIDValidityResetCount++
		delete(c.firstChunk, folder.ID)
		c.notifier.TablesChanged(c.account.ID, "messages", "threads")
	}

	if st.SyncedMinUID > 1 {
		chunk := chunkSize
		if c.firstChunk[folder.ID] {
			chunk = firstChunkSize
		}
		lo := uint32(1)
		if remote.NumMessages >= chunk && st.SyncedMinUID > chunk {
			lo = st.SyncedMinUID - chunk
		}
		if err := c.syncRange(ctx, folder, lo, uint64(st.SyncedMinUID-lo), true); err != nil {
			return err
		}
		st.SyncedMinUID = lo
		delete(c.firstChunk, folder.ID)
	}

	caps := c.session.Capabilities()
	if caps.CondStore && caps.QResync {
		if err := c.syncCondstore(ctx, folder, remote); err != nil {
			return err
		}
	} else {
		if remote.UIDNext > st.UIDNext {
			if err := c.syncRange(ctx, folder, st.UIDNext, uint64(remote.UIDNext-st.UIDNext), true); err != nil {
				return err
			}
		}
		st.UIDNext = remote.UIDNext
	}

	// Periodic rescans run on every folder, CONDSTORE or not: the delta
	// path bounds its universe to recent UIDs when the modseq gap is
	// large, so flag changes and expunges on older mail surface here.
	now := time.Now()
	if st.LastShallow == nil || now.Sub(*st.LastShallow) > shallowScanInterval {
		lo, err := store.UIDAtDepth(ctx, c.pool, folder.ID, shallowScanWindow)
		if err != nil {
			return err
		}
		if err := c.syncRange(ctx, folder, lo, rangeToEnd, false); err != nil {
			return err
		}
		st.LastShallow = &now
	}
	if st.LastDeep == nil || now.Sub(*st.LastDeep) > deepScanInterval {
		if err := c.syncRange(ctx, folder, 1, rangeToEnd, false); err != nil {
			return err
		}
		st.LastDeep = &now
	}

	if folder.Role == models.RoleInbox || folder.Role == models.RoleAll {
		if err := c.syncBodies(ctx, folder.ID); err != nil {
			c.log.WithError(err).WithField("folder", folder.Path).Warn("priority body sync failed")
		}
	}
	if err := c.syncBodies(ctx, ""); err != nil {
		c.log.WithError(err).Warn("body sync failed")
	}
	if st.LastCleanup == nil || time.Since(*st.LastCleanup) > cleanupInterval {
		if err := c.cleanupBodies(ctx, folder); err != nil {
			return err
		}
	}

	st.Busy = st.SyncedMinUID > 1

	if !statusEqual(orig, folder.Status) {
		if err := store.SaveFolder(ctx, c.pool, folder); err != nil {
			return err
		}
		c.notifier.TablesChanged(c.account.ID, "folders")
	}
	return nil
}

// wait parks the cycle until the folder changes remotely, the poll
// interval elapses, or Wake is called.
func (c *Cycle) wait(ctx context.Context) error {
	select {
	case <-c.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	timeout := c.idleTimeout
	if !c.session.Capabilities().Idle {
		timeout = c.pollInterval
	}

	idleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.wake:
			cancel()
		case <-idleCtx.Done():
		}
	}()

	_, err := c.session.Idle(idleCtx, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.Canceled) {
			// Woken explicitly.
			return nil
		}
		return err
	}
	return nil
}

func statusEqual(a, b models.FolderStatus) bool {
	return a.UIDValidity == b.UIDValidity &&
		a.UIDNext == b.UIDNext &&
		a.HighestModSeq == b.HighestModSeq &&
		a.SyncedMinUID == b.SyncedMinUID &&
		timeEqual(a.LastShallow, b.LastShallow) &&
		timeEqual(a.LastDeep, b.LastDeep) &&
		timeEqual(a.LastCleanup, b.LastCleanup) &&
		a.UIDValidityResetCount == b.UIDValidityResetCount &&
		a.BodiesPresent == b.BodiesPresent &&
		a.BodiesWanted == b.BodiesWanted &&
		a.Busy == b.Busy
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
