package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quillmail/syncd/internal/models"
)

// ErrBodyNotFound is returned when a message has no cached body.
var ErrBodyNotFound = errors.New("message body not found")

// BodyCandidate identifies a message whose body should be fetched.
type BodyCandidate struct {
	MessageID string
	FolderID  string
	UID       uint32
	Draft     bool
}

// MessagesNeedingBodies returns the newest messages inside the retention
// horizon that have no body row yet. Spam and trash folders are excluded;
// drafts are always wanted regardless of age. Unlinked messages (uid 0)
// never qualify. A non-empty folderID restricts the backlog to that
// folder.
func MessagesNeedingBodies(ctx context.Context, q Querier, accountID, folderID string, horizon time.Time, limit int) ([]BodyCandidate, error) {
	query := `
		SELECT m.id, m.folder_id, m.uid, m.draft
		FROM messages m
		JOIN folders f ON f.id = m.folder_id
		LEFT JOIN message_bodies b ON b.message_id = m.id
		WHERE m.account_id = $1
		  AND m.uid <> 0
		  AND b.message_id IS NULL
		  AND f.role NOT IN ('spam', 'trash')
		  AND (m.draft OR m.date >= $2)`
	args := []any{accountID, horizon, limit}
	if folderID != "" {
		query += ` AND m.folder_id = $4`
		args = append(args, folderID)
	}
	query += `
		ORDER BY m.date DESC NULLS LAST
		LIMIT $3`

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages needing bodies: %w", err)
	}
	defer rows.Close()

	var candidates []BodyCandidate
	for rows.Next() {
		var c BodyCandidate
		var uid int64
		if err := rows.Scan(&c.MessageID, &c.FolderID, &uid, &c.Draft); err != nil {
			return nil, fmt.Errorf("failed to scan body candidate: %w", err)
		}
		c.UID = uint32(uid)
		candidates = append(candidates, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating body candidates: %w", err)
	}

	return candidates, nil
}

// ReserveBody writes an empty placeholder row for a message before its
// fetch is attempted, so concurrent passes do not request it twice.
// Returns false when a row already exists.
func ReserveBody(ctx context.Context, q Querier, messageID string) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO message_bodies (message_id)
		VALUES ($1)
		ON CONFLICT (message_id) DO NOTHING
	`, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to reserve body: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SaveBody stores the fetched body contents and stamps the fetch time.
func SaveBody(ctx context.Context, q Querier, messageID, text, html string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO message_bodies (message_id, text_body, html_body, fetched_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (message_id) DO UPDATE SET
			text_body = EXCLUDED.text_body,
			html_body = EXCLUDED.html_body,
			fetched_at = now()
	`, messageID, text, html)
	if err != nil {
		return fmt.Errorf("failed to save body: %w", err)
	}
	return nil
}

// GetBody returns the cached body of a message.
func GetBody(ctx context.Context, q Querier, messageID string) (*models.Body, error) {
	var body models.Body
	err := q.QueryRow(ctx, `
		SELECT message_id, text_body, html_body, fetched_at
		FROM message_bodies
		WHERE message_id = $1
	`, messageID).Scan(&body.MessageID, &body.Text, &body.HTML, &body.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBodyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get body: %w", err)
	}
	return &body, nil
}

// EvictBodies drops cached bodies of old non-draft messages in one
// folder. A body is evicted only when it was fetched before minFetchedAt
// and its message predates the retention horizon, which keeps recently
// viewed mail warm while bounding cache growth.
func EvictBodies(ctx context.Context, q Querier, folderID string, horizon, minFetchedAt time.Time) (int64, error) {
	tag, err := q.Exec(ctx, `
		DELETE FROM message_bodies b
		USING messages m
		WHERE b.message_id = m.id
		  AND m.folder_id = $1
		  AND NOT m.draft
		  AND b.fetched_at IS NOT NULL
		  AND b.fetched_at < $3
		  AND m.date < $2
	`, folderID, horizon, minFetchedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to evict bodies: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountBodies returns how many messages in a folder want a body and how
// many already have one, for the folder's progress counters.
func CountBodies(ctx context.Context, q Querier, folderID string, horizon time.Time) (present, wanted int, err error) {
	err = q.QueryRow(ctx, `
		SELECT
			count(b.message_id) FILTER (WHERE b.fetched_at IS NOT NULL),
			count(*)
		FROM messages m
		LEFT JOIN message_bodies b ON b.message_id = m.id
		WHERE m.folder_id = $1
		  AND m.uid <> 0
		  AND (m.draft OR m.date >= $2)
	`, folderID, horizon).Scan(&present, &wanted)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count bodies: %w", err)
	}
	return present, wanted, nil
}
