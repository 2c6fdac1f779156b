package sync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quillmail/syncd/internal/imapsession"
	"github.com/quillmail/syncd/internal/models"
)

func TestRoleForName(t *testing.T) {
	cases := []struct {
		path string
		want models.FolderRole
		ok   bool
	}{
		{"INBOX", models.RoleInbox, true},
		{"Sent Items", models.RoleSent, true},
		{"Gesendet", models.RoleSent, true},
		{"Papierkorb", models.RoleTrash, true},
		{"[Gmail]/Sent Mail", models.RoleSent, true},
		{"[Gmail]/All Mail", models.RoleAll, true},
		{"INBOX/Drafts", models.RoleDrafts, true},
		{"Junk", models.RoleSpam, true},
		{"Courrier indésirable", models.RoleSpam, true},
		{"Receipts/2024", models.RoleNone, false},
	}

	for _, tc := range cases {
		role, ok := roleForName(tc.path, '/')
		require.Equal(t, tc.ok, ok, tc.path)
		require.Equal(t, tc.want, role, tc.path)
	}
}

func TestAssignRolesPrefersSpecialUse(t *testing.T) {
	folders := []*models.Folder{
		{ID: "a", Path: "Outbound"},
		{ID: "b", Path: "Sent"},
	}
	remote := map[string]imapsession.FolderInfo{
		"Outbound": {Path: "Outbound", Delim: '/', Role: models.RoleSent},
		"Sent":     {Path: "Sent", Delim: '/'},
	}

	changed := assignRoles(folders, remote)
	require.Len(t, changed, 1)
	require.Equal(t, models.RoleSent, folders[0].Role)
	require.Equal(t, models.RoleNone, folders[1].Role)
}

func TestAssignRolesKeepsExistingAssignment(t *testing.T) {
	folders := []*models.Folder{
		{ID: "a", Path: "Old Sent", Role: models.RoleSent},
		{ID: "b", Path: "Sent"},
	}
	remote := map[string]imapsession.FolderInfo{
		"Old Sent": {Path: "Old Sent", Delim: '/'},
		"Sent":     {Path: "Sent", Delim: '/'},
	}

	require.Empty(t, assignRoles(folders, remote))
	require.Equal(t, models.RoleSent, folders[0].Role)
	require.Equal(t, models.RoleNone, folders[1].Role)
}

func TestAssignRolesByNameIsIdempotent(t *testing.T) {
	folders := []*models.Folder{
		{ID: "a", Path: "INBOX"},
		{ID: "b", Path: "Papierkorb"},
	}
	remote := map[string]imapsession.FolderInfo{
		"INBOX":      {Path: "INBOX", Delim: '/'},
		"Papierkorb": {Path: "Papierkorb", Delim: '/'},
	}

	require.Len(t, assignRoles(folders, remote), 2)
	require.Equal(t, models.RoleInbox, folders[0].Role)
	require.Equal(t, models.RoleTrash, folders[1].Role)

	require.Empty(t, assignRoles(folders, remote))
}
