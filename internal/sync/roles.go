package sync

import (
	"strings"

	"github.com/quillmail/syncd/internal/imapsession"
	"github.com/quillmail/syncd/internal/models"
)

// rolePriority is the order in which semantic roles are claimed during
// folder reconciliation. Each role is assigned at most once per account;
// the first matching folder wins.
var rolePriority = []models.FolderRole{
	models.RoleAll,
	models.RoleSent,
	models.RoleDrafts,
	models.RoleSpam,
	models.RoleImportant,
	models.RoleStarred,
	models.RoleArchive,
	models.RoleInbox,
	models.RoleTrash,
}

// syncOrder is the order folders are synced within one cycle. Folders the
// user looks at most come first; roles not listed sync last.
var syncOrder = map[models.FolderRole]int{
	models.RoleInbox:   0,
	models.RoleSent:    1,
	models.RoleDrafts:  2,
	models.RoleAll:     3,
	models.RoleArchive: 4,
	models.RoleTrash:   5,
	models.RoleSpam:    6,
}

// roleNames maps each role to lowercased folder names commonly used by
// providers that do not advertise special-use attributes, including
// frequent localized variants.
var roleNames = map[models.FolderRole][]string{
	models.RoleInbox: {"inbox"},
	models.RoleSent: {
		"sent", "sent items", "sent messages", "sent mail",
		"gesendet", "gesendete elemente", "gesendete objekte",
		"envoyés", "elements envoyes", "enviados",
	},
	models.RoleDrafts: {
		"drafts", "draft",
		"entwürfe", "brouillons", "borradores", "bozze",
	},
	models.RoleTrash: {
		"trash", "deleted", "deleted items", "deleted messages", "bin",
		"papierkorb", "gelöscht", "gelöschte elemente",
		"corbeille", "papelera", "cestino",
	},
	models.RoleSpam: {
		"spam", "junk", "junk mail", "junk e-mail", "bulk mail",
		"unerwünscht", "courrier indésirable", "correo no deseado",
	},
	models.RoleArchive: {
		"archive", "archives", "archiv", "archivo",
	},
	models.RoleAll: {
		"all mail", "all",
	},
	models.RoleImportant: {
		"important", "wichtig",
	},
	models.RoleStarred: {
		"starred", "flagged",
	},
}

// roleForName matches a folder's remote path against the name table.
// Both the full path and its last segment are tried, so "INBOX/Sent"
// still matches "sent".
func roleForName(path string, delim rune) (models.FolderRole, bool) {
	lowered := strings.ToLower(path)
	segment := lowered
	if delim != 0 {
		if i := strings.LastIndex(lowered, string(delim)); i >= 0 {
			segment = lowered[i+1:]
		}
	}
	// Gmail prefixes its system folders with "[Gmail]/".
	segment = strings.TrimPrefix(segment, "[gmail]/")
	lowered = strings.TrimPrefix(lowered, "[gmail]/")

	for _, role := range rolePriority {
		for _, name := range roleNames[role] {
			if segment == name || lowered == name {
				return role, true
			}
		}
	}
	return models.RoleNone, false
}

// assignRoles claims each role in priority order: special-use attributes
// first, the name table as fallback. Folders keep roles assigned on
// earlier passes; returns the folders whose role changed.
func assignRoles(folders []*models.Folder, remote map[string]imapsession.FolderInfo) []*models.Folder {
	taken := make(map[models.FolderRole]bool)
	for _, f := range folders {
		if f.Role != models.RoleNone {
			taken[f.Role] = true
		}
	}

	var changed []*models.Folder
	claim := func(f *models.Folder, role models.FolderRole) {
		taken[role] = true
		if f.Role != role {
			f.Role = role
			changed = append(changed, f)
		}
	}

	for _, role := range rolePriority {
		if taken[role] {
			continue
		}

		var fallback *models.Folder
		for _, f := range folders {
			if f.Role != models.RoleNone {
				continue
			}
			info, ok := remote[f.Path]
			if !ok {
				continue
			}
			if info.Role == role {
				claim(f, role)
				fallback = nil
				break
			}
			if fallback == nil {
				if named, ok := roleForName(f.Path, info.Delim); ok && named == role {
					fallback = f
				}
			}
		}
		if fallback != nil && !taken[role] {
			claim(fallback, role)
		}
	}

	return changed
}
