package models

import "time"

// FolderRole is the semantic role assigned to a folder.
type FolderRole string

const (
	RoleInbox     FolderRole = "inbox"
	RoleSent      FolderRole = "sent"
	RoleDrafts    FolderRole = "drafts"
	RoleTrash     FolderRole = "trash"
	RoleSpam      FolderRole = "spam"
	RoleArchive   FolderRole = "archive"
	RoleAll       FolderRole = "all"
	RoleImportant FolderRole = "important"
	RoleStarred   FolderRole = "starred"
	RoleNone      FolderRole = ""
)

// FolderStatus holds the sync bookkeeping for one folder. It is persisted
// as part of the folder row and mutated only by the sync engine. A folder
// is fully backfilled once SyncedMinUID reaches 1.
type FolderStatus struct {
	UIDValidity           uint32     `json:"uidvalidity"`
	UIDNext               uint32     `json:"uidnext"`
	HighestModSeq         uint64     `json:"highestmodseq"`
	SyncedMinUID          uint32     `json:"synced_min_uid"`
	LastShallow           *time.Time `json:"last_shallow,omitempty"`
	LastDeep              *time.Time `json:"last_deep,omitempty"`
	LastCleanup           *time.Time `json:"last_cleanup,omitempty"`
	UIDValidityResetCount int        `json:"uidvalidity_reset_count"`
	BodiesPresent         int        `json:"bodies_present"`
	BodiesWanted          int        `json:"bodies_wanted"`
	Busy                  bool       `json:"busy"`
}

// Folder is a sync unit: it owns its own UIDVALIDITY epoch. On Gmail
// accounts most remote "folders" are labels; those carry IsLabel and are
// not scanned by the per-folder sync loop.
type Folder struct {
	ID        string       `json:"id"`
	AccountID string       `json:"account_id"`
	Path      string       `json:"path"`
	Role      FolderRole   `json:"role"`
	IsLabel   bool         `json:"is_label"`
	Status    FolderStatus `json:"status"`
}
