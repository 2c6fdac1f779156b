package sync

import (
	"context"
	"fmt"

	"github.com/quillmail/syncd/internal/imapsession"
	"github.com/quillmail/syncd/internal/models"
	"github.com/quillmail/syncd/internal/store"
)

// reconcileFolders maps the remote folder listing onto local folder rows:
// new remote folders are created, roles are assigned, and local folders
// that disappeared remotely are torn down through the unlink path. It
// returns the authoritative local set. A listing error aborts the whole
// pass with local state untouched.
func (c *Cycle) reconcileFolders(ctx context.Context) ([]*models.Folder, error) {
	listing, err := c.session.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote folders: %w", err)
	}

	locals, err := store.ListFolders(ctx, c.pool, c.account.ID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Folder, len(locals))
	for _, f := range locals {
		byID[f.ID] = f
	}

	gmail := c.session.Capabilities().Gmail
	remote := make(map[string]imapsession.FolderInfo, len(listing))
	seen := make(map[string]bool, len(listing))
	var folders []*models.Folder

	for _, info := range listing {
		if info.NoSelect {
			continue
		}
		remote[info.Path] = info

		id := FolderID(c.account.ID, info.Path)
		seen[id] = true

		// On Gmail every mailbox except All/Spam/Trash is a label view
		// over All Mail; labels are not scanned by the per-folder loop.
		isLabel := gmail &&
			info.Role != models.RoleAll &&
			info.Role != models.RoleSpam &&
			info.Role != models.RoleTrash

		f, ok := byID[id]
		if !ok {
			f = &models.Folder{
				ID:        id,
				AccountID: c.account.ID,
				Path:      info.Path,
				IsLabel:   isLabel,
			}
			if err := store.SaveFolder(ctx, c.pool, f); err != nil {
				return nil, err
			}
			c.notifier.TablesChanged(c.account.ID, "folders")
		} else if f.IsLabel != isLabel {
			f.IsLabel = isLabel
			if err := store.SaveFolder(ctx, c.pool, f); err != nil {
				return nil, err
			}
			c.notifier.TablesChanged(c.account.ID, "folders")
		}
		folders = append(folders, f)
	}

	for _, f := range assignRoles(folders, remote) {
		if err := store.SaveFolder(ctx, c.pool, f); err != nil {
			return nil, err
		}
		c.notifier.TablesChanged(c.account.ID, "folders")
	}

	for _, f := range locals {
		if seen[f.ID] {
			continue
		}
		if err := c.dropFolder(ctx, f); err != nil {
			return nil, err
		}
	}

	return folders, nil
}

// dropFolder tears down a folder that is gone remotely. Its messages go
// through the unlink path so cross-folder moves can claim them back; the
// row itself is deleted once no messages reference it.
func (c *Cycle) dropFolder(ctx context.Context, folder *models.Folder) error {
	ids, err := store.UnlinkAllMessagesInFolder(ctx, c.pool, folder.ID, c.phase)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		c.notifier.TablesChanged(c.account.ID, "messages")
		return nil
	}

	var remaining int
	err = c.pool.QueryRow(ctx, `SELECT count(*) FROM messages WHERE folder_id = $1`, folder.ID).Scan(&remaining)
	if err != nil {
		return fmt.Errorf("failed to count folder messages: %w", err)
	}
	if remaining > 0 {
		return nil
	}

	if err := store.DeleteFolder(ctx, c.pool, folder.ID); err != nil {
		return err
	}
	c.notifier.TablesChanged(c.account.ID, "folders")
	return nil
}
