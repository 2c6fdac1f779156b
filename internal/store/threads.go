package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quillmail/syncd/internal/models"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

// MessageSnapshot captures the thread-relevant attributes of a message at
// one point in time. UpdateThreadAfterMessageChanges diffs two snapshots
// to maintain a thread's aggregates incrementally; it never recomputes
// them from the full message set.
type MessageSnapshot struct {
	Unread       bool
	Starred      bool
	Date         *time.Time
	Participants []string
	FolderIDs    []string
	Snippet      string
}

// GetThread returns a thread by id, including its folder-id set.
func GetThread(ctx context.Context, q Querier, threadID string) (*models.Thread, error) {
	var thread models.Thread
	err := q.QueryRow(ctx, `
		SELECT id, account_id, subject, snippet, unread_count, starred_count,
		       first_message_at, last_message_at, participants
		FROM threads
		WHERE id = $1
	`, threadID).Scan(
		&thread.ID,
		&thread.AccountID,
		&thread.Subject,
		&thread.Snippet,
		&thread.UnreadCount,
		&thread.StarredCount,
		&thread.FirstMessageAt,
		&thread.LastMessageAt,
		&thread.Participants,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT folder_id FROM thread_folders WHERE thread_id = $1 ORDER BY folder_id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread folders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var folderID string
		if err := rows.Scan(&folderID); err != nil {
			return nil, fmt.Errorf("failed to scan thread folder: %w", err)
		}
		thread.FolderIDs = append(thread.FolderIDs, folderID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thread folders: %w", err)
	}

	return &thread, nil
}

// ensureThread creates the thread row if it does not exist yet.
func ensureThread(ctx context.Context, q Querier, threadID, accountID, subject string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO threads (id, account_id, subject)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, threadID, accountID, subject)
	if err != nil {
		return fmt.Errorf("failed to ensure thread: %w", err)
	}
	return nil
}

// UpdateThreadAfterMessageChanges applies the delta between two snapshots
// of a constituent message to the thread's counters, timestamps,
// participant set and folder links. Pass a nil before for an insert and a
// nil after for a removal. A thread whose folder-id set becomes empty is
// deleted; the return value reports whether the thread still exists.
func UpdateThreadAfterMessageChanges(ctx context.Context, q Querier, threadID string, before, after *MessageSnapshot) (bool, error) {
	unreadDelta := boolDelta(before, after, func(s *MessageSnapshot) bool { return s.Unread })
	starredDelta := boolDelta(before, after, func(s *MessageSnapshot) bool { return s.Starred })

	var thread models.Thread
	err := q.QueryRow(ctx, `
		SELECT unread_count, starred_count, first_message_at, last_message_at, participants, snippet
		FROM threads
		WHERE id = $1
		FOR UPDATE
	`, threadID).Scan(
		&thread.UnreadCount,
		&thread.StarredCount,
		&thread.FirstMessageAt,
		&thread.LastMessageAt,
		&thread.Participants,
		&thread.Snippet,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrThreadNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock thread: %w", err)
	}

	thread.UnreadCount += unreadDelta
	thread.StarredCount += starredDelta

	if after != nil {
		if after.Date != nil {
			if thread.FirstMessageAt == nil || after.Date.Before(*thread.FirstMessageAt) {
				thread.FirstMessageAt = after.Date
			}
			if thread.LastMessageAt == nil || after.Date.After(*thread.LastMessageAt) {
				thread.LastMessageAt = after.Date
				if after.Snippet != "" {
					thread.Snippet = after.Snippet
				}
			}
		}
		thread.Participants = mergeParticipants(thread.Participants, after.Participants)
	}

	_, err = q.Exec(ctx, `
		UPDATE threads
		SET unread_count = $2, starred_count = $3,
		    first_message_at = $4, last_message_at = $5,
		    participants = $6, snippet = $7
		WHERE id = $1
	`, threadID, thread.UnreadCount, thread.StarredCount,
		thread.FirstMessageAt, thread.LastMessageAt, thread.Participants, thread.Snippet)
	if err != nil {
		return false, fmt.Errorf("failed to update thread: %w", err)
	}

	if err := applyFolderLinkDiff(ctx, q, threadID, before, after); err != nil {
		return false, err
	}

	var linkCount int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM thread_folders WHERE thread_id = $1`, threadID).Scan(&linkCount); err != nil {
		return false, fmt.Errorf("failed to count thread folders: %w", err)
	}

	if linkCount == 0 {
		if _, err := q.Exec(ctx, `DELETE FROM threads WHERE id = $1`, threadID); err != nil {
			return false, fmt.Errorf("failed to delete empty thread: %w", err)
		}
		return false, nil
	}

	return true, nil
}

// applyFolderLinkDiff adjusts thread_folders reference counts for the
// folder ids a message left and entered.
func applyFolderLinkDiff(ctx context.Context, q Querier, threadID string, before, after *MessageSnapshot) error {
	var beforeIDs, afterIDs []string
	if before != nil {
		beforeIDs = before.FolderIDs
	}
	if after != nil {
		afterIDs = after.FolderIDs
	}

	added, removed := diffStringSets(beforeIDs, afterIDs)

	for _, folderID := range added {
		_, err := q.Exec(ctx, `
			INSERT INTO thread_folders (thread_id, folder_id, message_count)
			VALUES ($1, $2, 1)
			ON CONFLICT (thread_id, folder_id) DO UPDATE SET message_count = thread_folders.message_count + 1
		`, threadID, folderID)
		if err != nil {
			return fmt.Errorf("failed to add thread folder link: %w", err)
		}
	}

	for _, folderID := range removed {
		_, err := q.Exec(ctx, `
			UPDATE thread_folders SET message_count = message_count - 1
			WHERE thread_id = $1 AND folder_id = $2
		`, threadID, folderID)
		if err != nil {
			return fmt.Errorf("failed to drop thread folder link: %w", err)
		}
	}

	if len(removed) > 0 {
		if _, err := q.Exec(ctx, `DELETE FROM thread_folders WHERE thread_id = $1 AND message_count <= 0`, threadID); err != nil {
			return fmt.Errorf("failed to prune thread folder links: %w", err)
		}
	}

	return nil
}

func boolDelta(before, after *MessageSnapshot, get func(*MessageSnapshot) bool) int {
	delta := 0
	if before != nil && get(before) {
		delta--
	}
	if after != nil && get(after) {
		delta++
	}
	return delta
}

// mergeParticipants unions two participant lists, deduplicated by email.
func mergeParticipants(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, p := range list {
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			merged = append(merged, p)
		}
	}
	sort.Strings(merged)
	return merged
}

func diffStringSets(before, after []string) (added, removed []string) {
	beforeSet := make(map[string]struct{}, len(before))
	for _, s := range before {
		beforeSet[s] = struct{}{}
	}
	afterSet := make(map[string]struct{}, len(after))
	for _, s := range after {
		afterSet[s] = struct{}{}
	}

	for s := range afterSet {
		if _, ok := beforeSet[s]; !ok {
			added = append(added, s)
		}
	}
	for s := range beforeSet {
		if _, ok := afterSet[s]; !ok {
			removed = append(removed, s)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
