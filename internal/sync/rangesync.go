package sync

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/quillmail/syncd/internal/imapsession"
	"github.com/quillmail/syncd/internal/models"
	"github.com/quillmail/syncd/internal/store"
)

const (
	// heavyFetchCap bounds how many full-header fetches one range pass
	// may issue; anything beyond it waits for the next deep scan.
	heavyFetchCap = 1024

	// writeYieldAfter bounds continuous synchronous database writing
	// before the worker yields, so other workers get at the store.
	writeYieldAfter = 250 * time.Millisecond
	writeYieldFor   = 10 * time.Millisecond

	// rangeToEnd as a range length means "to the end of the mailbox".
	rangeToEnd = math.MaxUint64
)

// syncRange reconciles one folder's local rows against the remote state
// within the UID range [lo, lo+length). With heavy set, changed messages
// are inserted from the fetched headers directly; otherwise a flags-only
// fetch runs first and full headers are fetched for mismatches only.
func (c *Cycle) syncRange(ctx context.Context, folder *models.Folder, lo uint32, length uint64, heavy bool) error {
	// UID 0 is not valid; servers answer a 0:* range with the last
	// message only.
	if lo < 1 {
		lo = 1
	}
	if length == 0 {
		return nil
	}
	if length > heavyFetchCap {
		heavy = false
	}

	var hi uint32
	if length != rangeToEnd {
		end := uint64(lo) + length - 1
		if end < uint64(math.MaxUint32) {
			hi = uint32(end)
		}
	}

	local, err := store.MessageAttributesInRange(ctx, c.pool, folder.ID, lo, hi)
	if err != nil {
		return err
	}

	kind := imapsession.FetchFlags
	if heavy {
		kind |= imapsession.FetchHeaders
	}
	remote, err := c.session.FetchRange(ctx, imapsession.UIDRange{Start: lo, End: hi}, kind)
	if err != nil {
		return err
	}

	seen := make(map[uint32]bool, len(remote))
	var needHeaders []uint32
	var changed []string
	writeStart := time.Now()

	for i := range remote {
		rm := &remote[i]
		seen[rm.UID] = true

		attrs, ok := local[rm.UID]
		if ok && attributesMatch(attrs, rm) {
			continue
		}

		if heavy {
			id, err := c.saveRemoteMessage(ctx, folder, rm)
			if err != nil {
				return err
			}
			changed = append(changed, id)
			yieldWrites(&writeStart)
			continue
		}

		if len(needHeaders) < heavyFetchCap {
			needHeaders = append(needHeaders, rm.UID)
		}
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
			changed = append(changed, id)
			yieldWrites(&writeStart)
		}
	}

	var missing []uint32
	for uid := range local {
		if !seen[uid] {
			missing = append(missing, uid)
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		ids, err := store.UnlinkMessages(ctx, c.pool, folder.ID, missing, c.phase)
		if err != nil {
			return err
		}
		changed = append(changed, ids...)
	}

	if len(changed) > 0 {
		c.notifier.TablesChanged(c.account.ID, "messages", "threads")
		c.notifier.MessagesChanged(c.account.ID, changed)
	}
	return nil
}

// saveRemoteMessage inserts or updates the local row for one fetched
// message, preserving body-derived fields on update, and returns its id.
func (c *Cycle) saveRemoteMessage(ctx context.Context, folder *models.Folder, rm *imapsession.RemoteMessage) (string, error) {
	id := MessageID(c.account.ID, folder.Path, rm.UID, rm.Envelope)

	msg := &models.Message{
		ID:        id,
		AccountID: c.account.ID,
		FolderID:  folder.ID,
		ThreadID:  ThreadID(c.account.ID, rm.Envelope),
		UID:       rm.UID,
		Unread:    rm.Unread,
		Starred:   rm.Starred,
		Draft:     isDraft(rm),
		Labels:    rm.Labels,
	}

	if rm.Envelope != nil {
		msg.HeaderMessageID = rm.Envelope.MessageID
		msg.Subject = rm.Envelope.Subject
		msg.Date = rm.Envelope.Date
		msg.From = formatAddresses(rm.Envelope.From)
		msg.To = formatAddresses(rm.Envelope.To)
		msg.CC = formatAddresses(rm.Envelope.CC)
		msg.BCC = formatAddresses(rm.Envelope.BCC)
		msg.ReplyTo = formatAddresses(rm.Envelope.ReplyTo)
	}

	existing, err := store.GetMessageByID(ctx, c.pool, id)
	if err != nil && !errors.Is(err, store.ErrMessageNotFound) {
		return "", err
	}
	if existing != nil {
		// A re-observed message keeps its thread and everything the
		// body pass derived. Observing it in a new folder is a move.
		msg.ThreadID = existing.ThreadID
		msg.Snippet = existing.Snippet
		msg.Plaintext = existing.Plaintext
		if msg.HeaderMessageID == "" {
			msg.HeaderMessageID = existing.HeaderMessageID
		}
		if msg.Subject == "" {
			msg.Subject = existing.Subject
		}
		if msg.Date == nil {
			msg.Date = existing.Date
		}
		if len(msg.From) == 0 {
			msg.From = existing.From
			msg.To = existing.To
			msg.CC = existing.CC
			msg.BCC = existing.BCC
			msg.ReplyTo = existing.ReplyTo
		}
	}

	msg.LinkedFolderIDs = c.linkedFolderIDs(folder, msg.Labels)

	if err := store.SaveMessage(ctx, c.pool, msg); err != nil {
		return "", err
	}
	return id, nil
}

// linkedFolderIDs is the owning folder plus the label folders implied by
// the message's Gmail labels.
func (c *Cycle) linkedFolderIDs(folder *models.Folder, labels []string) []string {
	ids := []string{folder.ID}
	seen := map[string]struct{}{folder.ID: {}}
	for _, label := range labels {
		if isSystemLabel(label) {
			continue
		}
		id := FolderID(c.account.ID, label)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// attributesMatch reports whether the local row already reflects the
// remote flags and labels, in which case the message needs no write.
func attributesMatch(local store.MessageAttrs, rm *imapsession.RemoteMessage) bool {
	if local.Unread != rm.Unread || local.Starred != rm.Starred || local.Draft != isDraft(rm) {
		return false
	}
	return labelsEqual(local.Labels, rm.Labels)
}

// isDraft folds the IMAP draft flag and the Gmail draft label into one
// bit. A message sitting in Trash or Spam is not shown as a draft even
// when it still carries draft markers.
func isDraft(rm *imapsession.RemoteMessage) bool {
	draft := rm.Draft
	trashed := false
	for _, label := range rm.Labels {
		switch normalizeLabel(label) {
		case "draft", "drafts":
			draft = true
		case "trash", "spam":
			trashed = true
		}
	}
	return draft && !trashed
}

// labelsEqual compares label sets ignoring the Trash/Spam labels, whose
// presence is already represented by the owning folder.
func labelsEqual(a, b []string) bool {
	return strings.Join(comparableLabels(a), "\x00") == strings.Join(comparableLabels(b), "\x00")
}

func comparableLabels(labels []string) []string {
	var out []string
	for _, label := range labels {
		switch normalizeLabel(label) {
		case "trash", "spam":
			continue
		}
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

func isSystemLabel(label string) bool {
	switch normalizeLabel(label) {
	case "trash", "spam", "draft", "drafts", "inbox", "sent", "starred", "important", "unread", "muted":
		return true
	}
	return false
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(label, "\\"), "\\"))
}

func formatAddresses(addrs []imapsession.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Name != "" {
			out = append(out, a.Name+" <"+a.Email+">")
		} else {
			out = append(out, a.Email)
		}
	}
	return out
}

func yieldWrites(start *time.Time) {
	if time.Since(*start) > writeYieldAfter {
		time.Sleep(writeYieldFor)
		*start = time.Now()
	}
}
