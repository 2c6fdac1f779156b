package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillmail/syncd/internal/models"
	"github.com/quillmail/syncd/internal/testutil"
)

func seedMessage(t *testing.T, pool *pgxpool.Pool, accountID, folderID string, uid uint32, date time.Time, draft bool) *models.Message {
	t.Helper()

	id := fmt.Sprintf("msg-%s-%d", folderID, uid)
	msg := &models.Message{
		ID:              id,
		AccountID:       accountID,
		FolderID:        folderID,
		ThreadID:        "thread-" + id,
		UID:             uid,
		Unread:          true,
		Draft:           draft,
		Date:            &date,
		Subject:         fmt.Sprintf("message %d", uid),
		From:            []string{"alice@example.com"},
		To:              []string{"me@example.com"},
		LinkedFolderIDs: []string{folderID},
	}
	if err := SaveMessage(context.Background(), pool, msg); err != nil {
		t.Fatalf("Failed to save message: %v", err)
	}
	return msg
}

func TestUnlinkAndRangeQueries(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	accountID := seedAccount(t, pool)
	inbox := seedFolder(t, pool, accountID, "INBOX", models.RoleInbox)

	base := time.Now().Add(-time.Hour).UTC().Truncate(time.Microsecond)
	for _, uid := range []uint32{10, 20, 30, 40} {
		seedMessage(t, pool, accountID, inbox.ID, uid, base.Add(time.Duration(uid)*time.Second), false)
	}

	uid, err := UIDAtDepth(ctx, pool, inbox.ID, 0)
	if err != nil {
		t.Fatalf("Failed to query uid at depth: %v", err)
	}
	if uid != 40 {
		t.Errorf("Expected newest uid 40, got %d", uid)
	}
	uid, err = UIDAtDepth(ctx, pool, inbox.ID, 2)
	if err != nil {
		t.Fatalf("Failed to query uid at depth: %v", err)
	}
	if uid != 20 {
		t.Errorf("Expected uid 20 at depth 2, got %d", uid)
	}
	uid, err = UIDAtDepth(ctx, pool, inbox.ID, 9)
	if err != nil {
		t.Fatalf("Failed to query uid at depth: %v", err)
	}
	if uid != 1 {
		t.Errorf("Expected uid 1 past the end, got %d", uid)
	}

	attrs, err := MessageAttributesInRange(ctx, pool, inbox.ID, 15, 35)
	if err != nil {
		t.Fatalf("Failed to query attributes: %v", err)
	}
	if len(attrs) != 2 {
		t.Errorf("Expected 2 messages in [15,35], got %v", attrs)
	}
	if _, ok := attrs[20]; !ok {
		t.Errorf("Expected uid 20 in range result")
	}

	// Open-ended range unlink, as QRESYNC reports trailing expunges.
	ids, err := UnlinkMessagesByUIDRanges(ctx, pool, inbox.ID, [][2]uint32{{25, 0}}, 1)
	if err != nil {
		t.Fatalf("Failed to unlink by range: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("Expected 2 unlinked messages, got %v", ids)
	}

	attrs, err = MessageAttributesInRange(ctx, pool, inbox.ID, 1, 0)
	if err != nil {
		t.Fatalf("Failed to query attributes: %v", err)
	}
	if len(attrs) != 2 {
		t.Errorf("Expected 2 linked messages left, got %v", attrs)
	}

	msg, err := GetMessageByID(ctx, pool, fmt.Sprintf("msg-%s-%d", inbox.ID, 30))
	if err != nil {
		t.Fatalf("Failed to get message: %v", err)
	}
	if !msg.Unlinked() || msg.UnlinkPhase != 1 || msg.UID != 0 {
		t.Errorf("Expected unlinked message with phase 1, got uid=%d phase=%d", msg.UID, msg.UnlinkPhase)
	}

	ids, err = UnlinkAllMessagesInFolder(ctx, pool, inbox.ID, 2)
	if err != nil {
		t.Fatalf("Failed to unlink folder: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("Expected 2 remaining messages unlinked, got %v", ids)
	}

	attrs, err = MessageAttributesInRange(ctx, pool, inbox.ID, 1, 0)
	if err != nil {
		t.Fatalf("Failed to query attributes: %v", err)
	}
	if len(attrs) != 0 {
		t.Errorf("Expected no linked messages, got %v", attrs)
	}
}
