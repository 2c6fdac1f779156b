package sync

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/quillmail/syncd/internal/imapsession"
	"github.com/quillmail/syncd/internal/models"
	"github.com/quillmail/syncd/internal/store"
)

const (
	// modseqDeltaThreshold is the modseq gap beyond which a delta fetch
	// is restricted to the recent UID window instead of the full range.
	modseqDeltaThreshold = 4000

	// recentUIDWindow is how many of the newest UIDs a bounded delta
	// fetch covers; older changes wait for the deep scan.
	recentUIDWindow = 12000
)

// syncCondstore is the incremental fast path for servers with CONDSTORE
// and QRESYNC: fetch only messages whose modseq advanced past the last
// sync, detect expunges by membership diff, and advance the high-water
// marks. Advancing happens even when the fetch was deliberately bounded.
func (c *Cycle) syncCondstore(ctx context.Context, folder *models.Folder, remote *imapsession.FolderStatus) error {
	local := &folder.Status
	if local.HighestModSeq == remote.HighestModSeq && local.UIDNext == remote.UIDNext {
		return nil
	}

	universe := imapsession.UIDRange{Start: 1, End: 0}
	if remote.HighestModSeq > local.HighestModSeq+modseqDeltaThreshold && remote.UIDNext > recentUIDWindow {
		universe.Start = remote.UIDNext - recentUIDWindow
	}

	changed, err := c.session.FetchChangedSince(ctx, universe, local.HighestModSeq)
	if err != nil {
		return err
	}

	attrs, err := store.MessageAttributesInRange(ctx, c.pool, folder.ID, universe.Start, universe.End)
	if err != nil {
		return err
	}

	var changedIDs []string
	var needHeaders []uint32
	writeStart := time.Now()

	for i := range changed {
		rm := &changed[i]
		known, ok := attrs[rm.UID]
		if !ok {
			if len(needHeaders) < heavyFetchCap {
				needHeaders = append(needHeaders, rm.UID)
			}
			continue
		}
		if attributesMatch(known, rm) {
			continue
		}
		id, err := c.updateMessageFlags(ctx, folder, rm)
		if err != nil {
			return err
		}
		if id != "" {
			changedIDs = append(changedIDs, id)
		}
		yieldWrites(&writeStart)
	}

	if len(needHeaders) > 0 {
		fetched, err := c.session.FetchUIDs(ctx, needHeaders, imapsession.FetchFlags|imapsession.FetchHeaders)
		if err != nil {
			return err
		}
		for i := range fetched {
			id, err := c.saveRemoteMessage(ctx, folder, &fetched[i])
			if err != nil {
				return err
			}
			changedIDs = append(changedIDs, id)
			yieldWrites(&writeStart)
		}
	}

	vanishedIDs, err := c.unlinkVanished(ctx, folder, universe, attrs)
	if err != nil {
		return err
	}
	changedIDs = append(changedIDs, vanishedIDs...)

	local.UIDNext = remote.UIDNext
	local.HighestModSeq = remote.HighestModSeq

	if len(changedIDs) > 0 {
		c.notifier.TablesChanged(c.account.ID, "messages", "threads")
		c.notifier.MessagesChanged(c.account.ID, changedIDs)
	}
	return nil
}

// updateMessageFlags applies a flags-only change to an already-known
// message in place, without refetching its headers.
func (c *Cycle) updateMessageFlags(ctx context.Context, folder *models.Folder, rm *imapsession.RemoteMessage) (string, error) {
	msg, err := store.GetMessageByUID(ctx, c.pool, folder.ID, rm.UID)
	if errors.Is(err, store.ErrMessageNotFound) {
		// Raced with an unlink; the header path will pick it up.
		return "", nil
	}
	if err != nil {
		return "", err
	}

	msg.Unread = rm.Unread
	msg.Starred = rm.Starred
	msg.Draft = isDraft(rm)
	msg.Labels = rm.Labels
	msg.UnlinkPhase = 0
	msg.LinkedFolderIDs = c.linkedFolderIDs(folder, msg.Labels)

	if err := store.SaveMessage(ctx, c.pool, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// unlinkVanished compares the server's current UID membership of the
// queried universe against the local rows and unlinks what the server no
// longer has. Open-ended vanished ranges collapse to the same diff.
func (c *Cycle) unlinkVanished(ctx context.Context, folder *models.Folder, universe imapsession.UIDRange, attrs map[uint32]store.MessageAttrs) ([]string, error) {
	if len(attrs) == 0 {
		return nil, nil
	}

	present, err := c.session.UIDsInRange(ctx, universe)
	if err != nil {
		return nil, err
	}
	remote := make(map[uint32]bool, len(present))
	for _, uid := range present {
		remote[uid] = true
	}

	var vanished []uint32
	for uid := range attrs {
		if !remote[uid] {
			vanished = append(vanished, uid)
		}
	}
	if len(vanished) == 0 {
		return nil, nil
	}
	sort.Slice(vanished, func(i, j int) bool { return vanished[i] < vanished[j] })

	return store.UnlinkMessages(ctx, c.pool, folder.ID, vanished, c.phase)
}
