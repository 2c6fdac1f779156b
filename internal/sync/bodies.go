package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/jhillyerd/enmime"

	"github.com/quillmail/syncd/internal/imapsession"
	"github.com/quillmail/syncd/internal/models"
	"github.com/quillmail/syncd/internal/store"
)

const (
	// bodyBatchSize is how many missing bodies one pass fetches.
	bodyBatchSize = 30

	// bodyRetention is the age horizon inside which bodies are cached.
	// Drafts are cached regardless of age.
	bodyRetention = 3 * 30 * 24 * time.Hour

	// bodyEvictAfter is how long a cached body outside the retention
	// horizon survives before cleanup drops it.
	bodyEvictAfter = 14 * 24 * time.Hour

	cleanupInterval = time.Hour

	snippetLength = 160
)

// syncBodies fetches up to one batch of missing bodies, newest first. A
// non-empty folderID restricts the batch to that folder, which is how
// just-synced inbox mail gets its bodies ahead of everything else. A
// failed fetch is logged and skipped; the reservation row keeps a
// permanently broken message from being retried forever.
func (c *Cycle) syncBodies(ctx context.Context, folderID string) error {
	horizon := time.Now().Add(-bodyRetention)
	candidates, err := store.MessagesNeedingBodies(ctx, c.pool, c.account.ID, folderID, horizon, bodyBatchSize)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	byFolder := make(map[string][]store.BodyCandidate)
	for _, cand := range candidates {
		byFolder[cand.FolderID] = append(byFolder[cand.FolderID], cand)
	}

	var changed []string
	for fid, list := range byFolder {
		folder, err := store.GetFolder(ctx, c.pool, fid)
		if err != nil {
			c.log.WithError(err).WithField("folder_id", fid).Warn("skipping body batch for unknown folder")
			continue
		}
		if _, err := c.session.Select(ctx, folder.Path); err != nil {
			c.log.WithError(err).WithField("folder", folder.Path).Warn("failed to select folder for body fetch")
			continue
		}

		sort.Slice(list, func(i, j int) bool { return list[i].UID > list[j].UID })

		for _, cand := range list {
			reserved, err := store.ReserveBody(ctx, c.pool, cand.MessageID)
			if err != nil {
				return err
			}
			if !reserved {
				continue
			}

			msgs, err := c.session.FetchUIDs(ctx, []uint32{cand.UID}, imapsession.FetchBodies)
			if err != nil || len(msgs) == 0 || msgs[0].Raw == nil {
				c.log.WithError(err).WithFields(map[string]interface{}{
					"folder": folder.Path,
					"uid":    cand.UID,
				}).Warn("body fetch failed")
				continue
			}

			if err := c.storeBody(ctx, cand.MessageID, msgs[0].Raw); err != nil {
				c.log.WithError(err).WithField("message_id", cand.MessageID).Warn("failed to store body")
				continue
			}
			changed = append(changed, cand.MessageID)
		}
	}

	if len(changed) > 0 {
		c.notifier.TablesChanged(c.account.ID, "message_bodies", "files")
		c.notifier.MessagesChanged(c.account.ID, changed)
	}
	return nil
}

// storeBody parses one raw message, persists its text/html body and
// attachment metadata, and backfills the message's snippet.
func (c *Cycle) storeBody(ctx context.Context, messageID string, raw []byte) error {
	var text, html string
	var files []*models.File

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		// Unparseable mail still gets cached verbatim so the viewer has
		// something to show.
		text = string(raw)
	} else {
		text = env.Text
		html = env.HTML
		for i, part := range env.Attachments {
			files = append(files, c.fileFromPart(messageID, "a"+strconv.Itoa(i), part, false))
		}
		for i, part := range env.Inlines {
			files = append(files, c.fileFromPart(messageID, "i"+strconv.Itoa(i), part, true))
		}
	}

	if err := store.SaveBody(ctx, c.pool, messageID, text, html); err != nil {
		return err
	}
	for _, f := range files {
		if err := store.SaveFile(ctx, c.pool, f); err != nil {
			return err
		}
	}

	msg, err := store.GetMessageByID(ctx, c.pool, messageID)
	if err != nil {
		return err
	}
	msg.Snippet = makeSnippet(text)
	msg.Plaintext = html == ""
	return store.SaveMessage(ctx, c.pool, msg)
}

func (c *Cycle) fileFromPart(messageID, partKey string, part *enmime.Part, inline bool) *models.File {
	sum := sha256.Sum256([]byte(messageID + ":" + partKey + ":" + part.FileName))
	return &models.File{
		ID:          hex.EncodeToString(sum[:]),
		AccountID:   c.account.ID,
		MessageID:   messageID,
		Filename:    part.FileName,
		ContentID:   part.ContentID,
		PartID:      partKey,
		ContentType: part.ContentType,
		SizeBytes:   int64(len(part.Content)),
		IsInline:    inline,
		Downloaded:  false,
	}
}

// cleanupBodies evicts stale cached bodies of one folder and refreshes
// its progress counters.
func (c *Cycle) cleanupBodies(ctx context.Context, folder *models.Folder) error {
	now := time.Now()
	horizon := now.Add(-bodyRetention)

	if _, err := store.EvictBodies(ctx, c.pool, folder.ID, horizon, now.Add(-bodyEvictAfter)); err != nil {
		return err
	}

	present, wanted, err := store.CountBodies(ctx, c.pool, folder.ID, horizon)
	if err != nil {
		return err
	}
	folder.Status.BodiesPresent = present
	folder.Status.BodiesWanted = wanted
	folder.Status.LastCleanup = &now
	return nil
}

// makeSnippet collapses whitespace and truncates the body text for the
// thread list preview.
func makeSnippet(text string) string {
	var b strings.Builder
	space := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteRune(' ')
			space = false
		}
		b.WriteRune(r)
		if b.Len() >= snippetLength {
			break
		}
	}
	return b.String()
}
