package sync

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/quillmail/syncd/internal/imapsession"
	"github.com/quillmail/syncd/internal/models"
	"github.com/quillmail/syncd/internal/store"
	"github.com/quillmail/syncd/internal/testutil"
)

func newTestCycle(t *testing.T, pool *pgxpool.Pool, session *fakeSession) *Cycle {
	t.Helper()

	account := &models.Account{
		ID:          uuid.NewString(),
		Name:        "test account",
		Host:        "imap.example.com",
		Port:        993,
		Security:    models.SecurityTLS,
		AuthMode:    models.AuthModePlain,
		Username:    "user@example.com",
		UnlinkPhase: 1,
	}
	require.NoError(t, store.SaveAccount(context.Background(), pool, account))

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewCycle(pool, account, session, nil, logrus.NewEntry(logger), time.Minute, time.Minute)
}

// backdateScans makes the periodic rescans due again, so a test pass does
// not have to wait out the real scan intervals.
func backdateScans(t *testing.T, pool *pgxpool.Pool, folderID string) {
	t.Helper()

	folder, err := store.GetFolder(context.Background(), pool, folderID)
	require.NoError(t, err)

	past := time.Now().Add(-24 * time.Hour)
	folder.Status.LastShallow = &past
	folder.Status.LastDeep = &past
	require.NoError(t, store.SaveFolder(context.Background(), pool, folder))
}

func countMessageRows(t *testing.T, pool *pgxpool.Pool, folderID string, unlinked bool) int {
	t.Helper()

	cond := "uid <> 0"
	if unlinked {
		cond = "uid = 0"
	}
	var n int
	err := pool.QueryRow(context.Background(),
		`SELECT count(*) FROM messages WHERE folder_id = $1 AND `+cond, folderID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestInitialSyncBackfillsFolder(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	fake := newFakeSession()
	box := fake.addMailbox("INBOX", models.RoleInbox, 101)
	base := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	for i := 0; i < 200; i++ {
		box.add(remoteMsg(uint32(300+i), fmt.Sprintf("message %d", i), "alice@example.com", base.Add(time.Duration(i)*time.Minute)))
	}
	box.uidNext = 1000

	c := newTestCycle(t, pool, fake)
	require.NoError(t, c.RunPass(ctx))

	folderID := FolderID(c.account.ID, "INBOX")
	folder, err := store.GetFolder(ctx, pool, folderID)
	require.NoError(t, err)
	require.Equal(t, models.RoleInbox, folder.Role)
	require.Equal(t, uint32(101), folder.Status.UIDValidity)
	require.Equal(t, uint32(1000), folder.Status.UIDNext)
	require.Equal(t, uint32(1), folder.Status.SyncedMinUID)
	require.False(t, folder.Status.Busy)
	require.Equal(t, 200, countMessageRows(t, pool, folderID, false))

	// Newest mail gets its body in the same pass, and the snippet is
	// backfilled from it.
	newest, err := store.GetMessageByUID(ctx, pool, folderID, 499)
	require.NoError(t, err)
	body, err := store.GetBody(ctx, pool, newest.ID)
	require.NoError(t, err)
	require.Contains(t, body.Text, "hello from alice@example.com")
	require.Equal(t, "hello from alice@example.com", newest.Snippet)

	require.Equal(t, 200, folder.Status.BodiesWanted)
	require.Equal(t, 60, folder.Status.BodiesPresent)

	// A second pass over an unchanged mailbox rewrites nothing.
	require.NoError(t, c.RunPass(ctx))
	require.Equal(t, 200, countMessageRows(t, pool, folderID, false))
	require.Equal(t, 0, countMessageRows(t, pool, folderID, true))
}

func TestUIDValidityResetRecovers(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	fake := newFakeSession()
	box := fake.addMailbox("INBOX", models.RoleInbox, 101)
	recent := time.Now().Add(-time.Hour).Truncate(time.Second)
	for uid := uint32(1); uid <= 3; uid++ {
		box.add(remoteMsg(uid, fmt.Sprintf("m%d", uid), "alice@example.com", recent.Add(time.Duration(uid)*time.Minute)))
	}

	c := newTestCycle(t, pool, fake)
	require.NoError(t, c.RunPass(ctx))

	folderID := FolderID(c.account.ID, "INBOX")
	require.Equal(t, 3, countMessageRows(t, pool, folderID, false))

	// The server reassigned UIDs and lost the mail.
	box.uidValidity = 202
	box.msgs = map[uint32]imapsession.RemoteMessage{}

	require.NoError(t, c.RunPass(ctx))

	folder, err := store.GetFolder(ctx, pool, folderID)
	require.NoError(t, err)
	require.Equal(t, uint32(202), folder.Status.UIDValidity)
	require.Equal(t, 1, folder.Status.UIDValidityResetCount)
	require.Equal(t, uint32(1), folder.Status.SyncedMinUID)

	// The stale mappings are unlinked, not deleted.
	require.Equal(t, 0, countMessageRows(t, pool, folderID, false))
	require.Equal(t, 3, countMessageRows(t, pool, folderID, true))

	// One full cycle later the sweep removes them for good.
	require.NoError(t, c.RunPass(ctx))
	require.Equal(t, 0, countMessageRows(t, pool, folderID, true))
}

func TestUnlinkedMessageReclaimedOnReappearance(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	fake := newFakeSession()
	box := fake.addMailbox("INBOX", models.RoleInbox, 101)
	recent := time.Now().Add(-time.Hour).Truncate(time.Second)
	m2 := remoteMsg(2, "m2", "bob@example.com", recent.Add(2*time.Minute))
	box.add(remoteMsg(1, "m1", "alice@example.com", recent.Add(time.Minute)))
	box.add(m2)
	box.add(remoteMsg(3, "m3", "carol@example.com", recent.Add(3*time.Minute)))

	c := newTestCycle(t, pool, fake)
	require.NoError(t, c.RunPass(ctx))

	folderID := FolderID(c.account.ID, "INBOX")
	require.Equal(t, 3, countMessageRows(t, pool, folderID, false))

	delete(box.msgs, 2)
	backdateScans(t, pool, folderID)
	require.NoError(t, c.RunPass(ctx))
	require.Equal(t, 2, countMessageRows(t, pool, folderID, false))
	require.Equal(t, 1, countMessageRows(t, pool, folderID, true))

	// The message comes back (e.g. an undone move) before the sweep of
	// its phase runs; the row is claimed back instead of refetched into a
	// new one.
	box.add(m2)
	backdateScans(t, pool, folderID)
	require.NoError(t, c.RunPass(ctx))

	require.Equal(t, 3, countMessageRows(t, pool, folderID, false))
	require.Equal(t, 0, countMessageRows(t, pool, folderID, true))

	reclaimed, err := store.GetMessageByUID(ctx, pool, folderID, 2)
	require.NoError(t, err)
	require.Zero(t, reclaimed.UnlinkPhase)
}

func TestUnlinkedMessageSweptAfterFullCycle(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	fake := newFakeSession()
	box := fake.addMailbox("INBOX", models.RoleInbox, 101)
	recent := time.Now().Add(-time.Hour).Truncate(time.Second)
	box.add(remoteMsg(1, "m1", "alice@example.com", recent.Add(time.Minute)))
	box.add(remoteMsg(2, "m2", "bob@example.com", recent.Add(2*time.Minute)))

	c := newTestCycle(t, pool, fake)
	require.NoError(t, c.RunPass(ctx))

	folderID := FolderID(c.account.ID, "INBOX")
	doomed, err := store.GetMessageByUID(ctx, pool, folderID, 2)
	require.NoError(t, err)

	delete(box.msgs, 2)
	backdateScans(t, pool, folderID)
	require.NoError(t, c.RunPass(ctx))
	require.Equal(t, 1, countMessageRows(t, pool, folderID, true))

	require.NoError(t, c.RunPass(ctx))
	require.Equal(t, 0, countMessageRows(t, pool, folderID, true))
	require.Equal(t, 1, countMessageRows(t, pool, folderID, false))

	_, err = store.GetMessageByID(ctx, pool, doomed.ID)
	require.ErrorIs(t, err, store.ErrMessageNotFound)

	// Its single-message thread went with it.
	_, err = store.GetThread(ctx, pool, doomed.ThreadID)
	require.ErrorIs(t, err, store.ErrThreadNotFound)
}

func TestVanishedFolderTornDownThroughUnlink(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	fake := newFakeSession()
	box := fake.addMailbox("INBOX", models.RoleInbox, 101)
	recent := time.Now().Add(-time.Hour).Truncate(time.Second)
	box.add(remoteMsg(5, "m5", "alice@example.com", recent))

	c := newTestCycle(t, pool, fake)
	require.NoError(t, c.RunPass(ctx))

	folderID := FolderID(c.account.ID, "INBOX")
	require.Equal(t, 1, countMessageRows(t, pool, folderID, false))

	fake.removeMailbox("INBOX")

	// Pass 1: messages go through the unlink path, the folder row stays.
	require.NoError(t, c.RunPass(ctx))
	_, err := store.GetFolder(ctx, pool, folderID)
	require.NoError(t, err)
	require.Equal(t, 1, countMessageRows(t, pool, folderID, true))

	// Pass 2: the sweep removes the tombstoned messages.
	require.NoError(t, c.RunPass(ctx))
	_, err = store.GetFolder(ctx, pool, folderID)
	require.NoError(t, err)
	require.Equal(t, 0, countMessageRows(t, pool, folderID, true))

	// Pass 3: with no rows referencing it, the folder row is dropped.
	require.NoError(t, c.RunPass(ctx))
	_, err = store.GetFolder(ctx, pool, folderID)
	require.ErrorIs(t, err, store.ErrFolderNotFound)
}

func TestReconcileFoldersIsIdempotent(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	fake := newFakeSession()
	fake.addMailbox("INBOX", models.RoleNone, 1)
	fake.addMailbox("Gesendet", models.RoleNone, 2)
	fake.addMailbox("Papierkorb", models.RoleNone, 3)

	c := newTestCycle(t, pool, fake)

	folders, err := c.reconcileFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 3)

	first, err := store.ListFolders(ctx, pool, c.account.ID)
	require.NoError(t, err)

	rolesByPath := make(map[string]models.FolderRole, len(first))
	for _, f := range first {
		rolesByPath[f.Path] = f.Role
	}
	require.Equal(t, models.RoleInbox, rolesByPath["INBOX"])
	require.Equal(t, models.RoleSent, rolesByPath["Gesendet"])
	require.Equal(t, models.RoleTrash, rolesByPath["Papierkorb"])

	_, err = c.reconcileFolders(ctx)
	require.NoError(t, err)

	second, err := store.ListFolders(ctx, pool, c.account.ID)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
