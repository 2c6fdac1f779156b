package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quillmail/syncd/internal/models"
)

// ErrFolderNotFound is returned when a requested folder cannot be found.
var ErrFolderNotFound = errors.New("folder not found")

const folderColumns = `
	id, account_id, path, role, is_label,
	uidvalidity, uidnext, highestmodseq, synced_min_uid,
	last_shallow, last_deep, last_cleanup,
	uidvalidity_reset_count, bodies_present, bodies_wanted, busy`

// SaveFolder inserts or updates a folder, including its sync status.
func SaveFolder(ctx context.Context, q Querier, folder *models.Folder) error {
	s := &folder.Status
	_, err := q.Exec(ctx, `
		INSERT INTO folders (
			id, account_id, path, role, is_label,
			uidvalidity, uidnext, highestmodseq, synced_min_uid,
			last_shallow, last_deep, last_cleanup,
			uidvalidity_reset_count, bodies_present, bodies_wanted, busy
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			path = EXCLUDED.path,
			role = EXCLUDED.role,
			is_label = EXCLUDED.is_label,
			uidvalidity = EXCLUDED.uidvalidity,
			uidnext = EXCLUDED.uidnext,
			highestmodseq = EXCLUDED.highestmodseq,
			synced_min_uid = EXCLUDED.synced_min_uid,
			last_shallow = EXCLUDED.last_shallow,
			last_deep = EXCLUDED.last_deep,
			last_cleanup = EXCLUDED.last_cleanup,
			uidvalidity_reset_count = EXCLUDED.uidvalidity_reset_count,
			bodies_present = EXCLUDED.bodies_present,
			bodies_wanted = EXCLUDED.bodies_wanted,
			busy = EXCLUDED.busy
	`,
		folder.ID,
		folder.AccountID,
		folder.Path,
		folder.Role,
		folder.IsLabel,
		int64(s.UIDValidity),
		int64(s.UIDNext),
		int64(s.HighestModSeq),
		int64(s.SyncedMinUID),
		s.LastShallow,
		s.LastDeep,
		s.LastCleanup,
		s.UIDValidityResetCount,
		s.BodiesPresent,
		s.BodiesWanted,
		s.Busy,
	)

	if err != nil {
		return fmt.Errorf("failed to save folder: %w", err)
	}

	return nil
}

func scanFolder(row pgx.Row) (*models.Folder, error) {
	var folder models.Folder
	var uidvalidity, uidnext, highestmodseq, syncedMinUID int64

	err := row.Scan(
		&folder.ID,
		&folder.AccountID,
		&folder.Path,
		&folder.Role,
		&folder.IsLabel,
		&uidvalidity,
		&uidnext,
		&highestmodseq,
		&syncedMinUID,
		&folder.Status.LastShallow,
		&folder.Status.LastDeep,
		&folder.Status.LastCleanup,
		&folder.Status.UIDValidityResetCount,
		&folder.Status.BodiesPresent,
		&folder.Status.BodiesWanted,
		&folder.Status.Busy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan folder: %w", err)
	}

	folder.Status.UIDValidity = uint32(uidvalidity)
	folder.Status.UIDNext = uint32(uidnext)
	folder.Status.HighestModSeq = uint64(highestmodseq)
	folder.Status.SyncedMinUID = uint32(syncedMinUID)
	return &folder, nil
}

// GetFolder returns a folder by id.
func GetFolder(ctx context.Context, q Querier, folderID string) (*models.Folder, error) {
	row := q.QueryRow(ctx, `SELECT`+folderColumns+` FROM folders WHERE id = $1`, folderID)
	return scanFolder(row)
}

// ListFolders returns all folders and labels for an account.
func ListFolders(ctx context.Context, q Querier, accountID string) ([]*models.Folder, error) {
	rows, err := q.Query(ctx, `SELECT`+folderColumns+` FROM folders WHERE account_id = $1 ORDER BY path`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var folders []*models.Folder
	for rows.Next() {
		folder, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, folder)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating folders: %w", err)
	}

	return folders, nil
}

// DeleteFolder removes a folder row; its messages cascade.
func DeleteFolder(ctx context.Context, q Querier, folderID string) error {
	if _, err := q.Exec(ctx, `DELETE FROM folders WHERE id = $1`, folderID); err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	return nil
}
