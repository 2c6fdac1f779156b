package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillmail/syncd/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `
	id, account_id, folder_id, thread_id, header_message_id,
	uid, unlink_phase, unread, starred, draft, date, synced_at,
	from_addresses, to_addresses, cc_addresses, bcc_addresses, reply_to_addresses,
	subject, snippet, plaintext, labels, linked_folder_ids`

// MessageAttrs is the comparable attribute snapshot of a message within a
// UID range, used by the sync engine's diff.
type MessageAttrs struct {
	Unread  bool
	Starred bool
	Draft   bool
	Labels  []string
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	var uid int64

	err := row.Scan(
		&msg.ID,
		&msg.AccountID,
		&msg.FolderID,
		&msg.ThreadID,
		&msg.HeaderMessageID,
		&uid,
		&msg.UnlinkPhase,
		&msg.Unread,
		&msg.Starred,
		&msg.Draft,
		&msg.Date,
		&msg.SyncedAt,
		&msg.From,
		&msg.To,
		&msg.CC,
		&msg.BCC,
		&msg.ReplyTo,
		&msg.Subject,
		&msg.Snippet,
		&msg.Plaintext,
		&msg.Labels,
		&msg.LinkedFolderIDs,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	msg.UID = uint32(uid)
	return &msg, nil
}

// GetMessageByID returns a message by its deterministic id.
func GetMessageByID(ctx context.Context, q Querier, messageID string) (*models.Message, error) {
	row := q.QueryRow(ctx, `SELECT`+messageColumns+` FROM messages WHERE id = $1`, messageID)
	return scanMessage(row)
}

// GetMessageByUID returns the message currently linked to a UID in a folder.
func GetMessageByUID(ctx context.Context, q Querier, folderID string, uid uint32) (*models.Message, error) {
	row := q.QueryRow(ctx, `SELECT`+messageColumns+` FROM messages WHERE folder_id = $1 AND uid = $2`, folderID, int64(uid))
	return scanMessage(row)
}

// snapshotOf builds the thread-relevant snapshot of a message.
func snapshotOf(msg *models.Message) *MessageSnapshot {
	return &MessageSnapshot{
		Unread:       msg.Unread,
		Starred:      msg.Starred,
		Date:         msg.Date,
		Participants: participantEmails(msg),
		FolderIDs:    msg.LinkedFolderIDs,
		Snippet:      msg.Snippet,
	}
}

// SaveMessage inserts or updates a message and maintains its thread's
// aggregates and folder links in the same transaction. A previously
// unlinked message observed again is claimed back to present here, since
// the incoming message carries a real UID and a zero unlink phase.
func SaveMessage(ctx context.Context, pool *pgxpool.Pool, msg *models.Message) error {
	return withTx(ctx, pool, func(tx pgx.Tx) error {
		var before *MessageSnapshot
		existing, err := GetMessageByID(ctx, tx, msg.ID)
		if err != nil && !errors.Is(err, ErrMessageNotFound) {
			return err
		}
		if existing != nil {
			before = snapshotOf(existing)
		}

		if err := ensureThread(ctx, tx, msg.ThreadID, msg.AccountID, msg.Subject); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO messages (
				id, account_id, folder_id, thread_id, header_message_id,
				uid, unlink_phase, unread, starred, draft, date, synced_at,
				from_addresses, to_addresses, cc_addresses, bcc_addresses, reply_to_addresses,
				subject, snippet, plaintext, labels, linked_folder_ids
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(),
				$12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
			ON CONFLICT (id) DO UPDATE SET
				folder_id = EXCLUDED.folder_id,
				thread_id = EXCLUDED.thread_id,
				header_message_id = EXCLUDED.header_message_id,
				uid = EXCLUDED.uid,
				unlink_phase = EXCLUDED.unlink_phase,
				unread = EXCLUDED.unread,
				starred = EXCLUDED.starred,
				draft = EXCLUDED.draft,
				date = EXCLUDED.date,
				synced_at = now(),
				from_addresses = EXCLUDED.from_addresses,
				to_addresses = EXCLUDED.to_addresses,
				cc_addresses = EXCLUDED.cc_addresses,
				bcc_addresses = EXCLUDED.bcc_addresses,
				reply_to_addresses = EXCLUDED.reply_to_addresses,
				subject = EXCLUDED.subject,
				snippet = CASE WHEN EXCLUDED.snippet <> '' THEN EXCLUDED.snippet ELSE messages.snippet END,
				plaintext = EXCLUDED.plaintext,
				labels = EXCLUDED.labels,
				linked_folder_ids = EXCLUDED.linked_folder_ids
		`,
			msg.ID,
			msg.AccountID,
			msg.FolderID,
			msg.ThreadID,
			msg.HeaderMessageID,
			int64(msg.UID),
			msg.UnlinkPhase,
			msg.Unread,
			msg.Starred,
			msg.Draft,
			msg.Date,
			textArray(msg.From),
			textArray(msg.To),
			textArray(msg.CC),
			textArray(msg.BCC),
			textArray(msg.ReplyTo),
			msg.Subject,
			msg.Snippet,
			msg.Plaintext,
			textArray(msg.Labels),
			textArray(msg.LinkedFolderIDs),
		)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}

		_, err = UpdateThreadAfterMessageChanges(ctx, tx, msg.ThreadID, before, snapshotOf(msg))
		return err
	})
}

// MessageAttributesInRange returns the uid→attributes snapshot for the
// folder's linked messages with lo <= uid <= hi. A hi of zero means "to
// the end of the mailbox".
func MessageAttributesInRange(ctx context.Context, q Querier, folderID string, lo, hi uint32) (map[uint32]MessageAttrs, error) {
	query := `
		SELECT uid, unread, starred, draft, labels
		FROM messages
		WHERE folder_id = $1 AND uid >= $2`
	args := []any{folderID, int64(lo)}
	if hi != 0 {
		query += ` AND uid <= $3`
		args = append(args, int64(hi))
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query message attributes: %w", err)
	}
	defer rows.Close()

	attrs := make(map[uint32]MessageAttrs)
	for rows.Next() {
		var uid int64
		var a MessageAttrs
		if err := rows.Scan(&uid, &a.Unread, &a.Starred, &a.Draft, &a.Labels); err != nil {
			return nil, fmt.Errorf("failed to scan message attributes: %w", err)
		}
		attrs[uint32(uid)] = a
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message attributes: %w", err)
	}

	return attrs, nil
}

// UIDAtDepth returns the UID of the nth-newest linked message in a folder
// (depth 0 is the newest). Returns 1 when the folder holds fewer messages.
func UIDAtDepth(ctx context.Context, q Querier, folderID string, depth int) (uint32, error) {
	var uid int64
	err := q.QueryRow(ctx, `
		SELECT uid FROM messages
		WHERE folder_id = $1 AND uid <> 0
		ORDER BY uid DESC
		OFFSET $2 LIMIT 1
	`, folderID, depth).Scan(&uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query uid at depth: %w", err)
	}
	return uint32(uid), nil
}

// UnlinkMessages marks the given UIDs in a folder as no longer confirmed
// present, tagged with the current tombstone phase. It returns the ids of
// the messages it touched.
func UnlinkMessages(ctx context.Context, q Querier, folderID string, uids []uint32, phase int) ([]string, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	uidList := make([]int64, len(uids))
	for i, uid := range uids {
		uidList[i] = int64(uid)
	}

	rows, err := q.Query(ctx, `
		UPDATE messages
		SET uid = 0, unlink_phase = $3
		WHERE folder_id = $1 AND uid = ANY($2)
		RETURNING id
	`, folderID, uidList, phase)
	if err != nil {
		return nil, fmt.Errorf("failed to unlink messages: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows)
}

// UnlinkMessagesByUIDRanges unlinks every message whose UID falls in one
// of the given ranges. An end of zero means an open-ended range, which is
// how QRESYNC reports trailing vanished sets.
func UnlinkMessagesByUIDRanges(ctx context.Context, q Querier, folderID string, ranges [][2]uint32, phase int) ([]string, error) {
	var all []string
	for _, r := range ranges {
		query := `
			UPDATE messages
			SET uid = 0, unlink_phase = $3
			WHERE folder_id = $1 AND uid >= $2`
		args := []any{folderID, int64(r[0]), phase}
		if r[1] != 0 {
			query += ` AND uid <= $4`
			args = append(args, int64(r[1]))
		}
		rows, err := q.Query(ctx, query+` RETURNING id`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to unlink messages by range: %w", err)
		}
		ids, err := collectIDs(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, ids...)
	}
	return all, nil
}

// UnlinkAllMessagesInFolder unlinks every linked message in a folder.
// Used when UIDVALIDITY changes and the whole UID mapping is stale.
func UnlinkAllMessagesInFolder(ctx context.Context, q Querier, folderID string, phase int) ([]string, error) {
	rows, err := q.Query(ctx, `
		UPDATE messages
		SET uid = 0, unlink_phase = $2
		WHERE folder_id = $1 AND uid <> 0
		RETURNING id
	`, folderID, phase)
	if err != nil {
		return nil, fmt.Errorf("failed to unlink folder messages: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows)
}

// deleteSweepBatchSize bounds how many tombstoned messages one
// transaction removes, so the sweep cannot hold the writer lock for long.
const deleteSweepBatchSize = 500

// DeleteUnlinkedMessages hard-deletes every message of the account still
// carrying the given unlink phase, maintaining thread aggregates as each
// row goes. Returns the ids of the deleted messages.
func DeleteUnlinkedMessages(ctx context.Context, pool *pgxpool.Pool, accountID string, phase int) ([]string, error) {
	var deleted []string

	for {
		var batch int
		err := withTx(ctx, pool, func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, `
				SELECT`+messageColumns+`
				FROM messages
				WHERE account_id = $1 AND unlink_phase = $2
				LIMIT $3
				FOR UPDATE
			`, accountID, phase, deleteSweepBatchSize)
			if err != nil {
				return fmt.Errorf("failed to query unlinked messages: %w", err)
			}

			var victims []*models.Message
			for rows.Next() {
				msg, err := scanMessage(rows)
				if err != nil {
					rows.Close()
					return err
				}
				victims = append(victims, msg)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return fmt.Errorf("error iterating unlinked messages: %w", err)
			}

			for _, msg := range victims {
				if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, msg.ID); err != nil {
					return fmt.Errorf("failed to delete message: %w", err)
				}
				if _, err := UpdateThreadAfterMessageChanges(ctx, tx, msg.ThreadID, snapshotOf(msg), nil); err != nil {
					return err
				}
				deleted = append(deleted, msg.ID)
			}

			batch = len(victims)
			return nil
		})
		if err != nil {
			return deleted, err
		}
		if batch < deleteSweepBatchSize {
			return deleted, nil
		}
	}
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ids: %w", err)
	}

	return ids, nil
}

// textArray keeps pgx from writing NULL for nil slices.
func textArray(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// participantEmails extracts the deduplicated bare email addresses from a
// message's address lists.
func participantEmails(msg *models.Message) []string {
	var emails []string
	seen := make(map[string]struct{})
	for _, list := range [][]string{msg.From, msg.To, msg.CC, msg.BCC, msg.ReplyTo} {
		for _, addr := range list {
			email := emailOf(addr)
			if email == "" {
				continue
			}
			if _, ok := seen[email]; ok {
				continue
			}
			seen[email] = struct{}{}
			emails = append(emails, email)
		}
	}
	return emails
}

// emailOf extracts the address part from "Name <user@host>" or returns
// the input unchanged when it is already a bare address.
func emailOf(addr string) string {
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		if j := strings.LastIndex(addr, ">"); j > i {
			return strings.ToLower(addr[i+1 : j])
		}
	}
	return strings.ToLower(strings.TrimSpace(addr))
}
