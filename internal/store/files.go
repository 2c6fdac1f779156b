package store

import (
	"context"
	"fmt"

	"github.com/quillmail/syncd/internal/models"
)

// SaveFile inserts or updates attachment metadata for a message part.
func SaveFile(ctx context.Context, q Querier, file *models.File) error {
	_, err := q.Exec(ctx, `
		INSERT INTO files (id, account_id, message_id, filename, content_id, part_id, content_type, size_bytes, is_inline, downloaded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			filename = EXCLUDED.filename,
			content_id = EXCLUDED.content_id,
			part_id = EXCLUDED.part_id,
			content_type = EXCLUDED.content_type,
			size_bytes = EXCLUDED.size_bytes,
			is_inline = EXCLUDED.is_inline
	`,
		file.ID,
		file.AccountID,
		file.MessageID,
		file.Filename,
		file.ContentID,
		file.PartID,
		file.ContentType,
		file.SizeBytes,
		file.IsInline,
		file.Downloaded,
	)
	if err != nil {
		return fmt.Errorf("failed to save file: %w", err)
	}
	return nil
}

// GetFilesForMessage returns the attachment metadata of one message.
func GetFilesForMessage(ctx context.Context, q Querier, messageID string) ([]*models.File, error) {
	rows, err := q.Query(ctx, `
		SELECT id, account_id, message_id, filename, content_id, part_id, content_type, size_bytes, is_inline, downloaded
		FROM files
		WHERE message_id = $1
		ORDER BY part_id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []*models.File
	for rows.Next() {
		var f models.File
		if err := rows.Scan(
			&f.ID,
			&f.AccountID,
			&f.MessageID,
			&f.Filename,
			&f.ContentID,
			&f.PartID,
			&f.ContentType,
			&f.SizeBytes,
			&f.IsInline,
			&f.Downloaded,
		); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	return files, nil
}
