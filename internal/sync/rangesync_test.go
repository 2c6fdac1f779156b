package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quillmail/syncd/internal/imapsession"
	"github.com/quillmail/syncd/internal/models"
	"github.com/quillmail/syncd/internal/store"
	"github.com/quillmail/syncd/internal/testutil"
)

func rangeTestSetup(t *testing.T) (context.Context, *Cycle, *models.Folder, *fakeSession) {
	t.Helper()
	ctx := context.Background()

	pool := testutil.NewTestDB(t)
	t.Cleanup(pool.Close)

	fake := newFakeSession()
	fake.addMailbox("INBOX", models.RoleNone, 1)
	_, err := fake.Select(ctx, "INBOX")
	require.NoError(t, err)

	c := newTestCycle(t, pool, fake)
	folder := &models.Folder{ID: FolderID(c.account.ID, "INBOX"), AccountID: c.account.ID, Path: "INBOX"}
	require.NoError(t, store.SaveFolder(ctx, pool, folder))

	return ctx, c, folder, fake
}

func TestSyncRangeClampsToFirstUID(t *testing.T) {
	ctx, c, folder, fake := rangeTestSetup(t)

	// UID 0 is not valid; a range starting there must behave exactly like
	// one starting at 1.
	require.NoError(t, c.syncRange(ctx, folder, 0, 10, true))
	require.NoError(t, c.syncRange(ctx, folder, 1, 10, true))

	require.Len(t, fake.fetches, 2)
	require.Equal(t, fake.fetches[0], fake.fetches[1])
	require.Equal(t, imapsession.UIDRange{Start: 1, End: 10}, fake.fetches[0].r)
	require.Equal(t, imapsession.FetchFlags|imapsession.FetchHeaders, fake.fetches[0].kind)
}

func TestSyncRangeDowngradesOversizedHeavyFetch(t *testing.T) {
	ctx, c, folder, fake := rangeTestSetup(t)

	require.NoError(t, c.syncRange(ctx, folder, 1, 2000, true))
	require.Len(t, fake.fetches, 1)
	require.Equal(t, imapsession.FetchFlags, fake.fetches[0].kind)
	require.Equal(t, imapsession.UIDRange{Start: 1, End: 2000}, fake.fetches[0].r)
}

func TestSyncRangeOpenEnded(t *testing.T) {
	ctx, c, folder, fake := rangeTestSetup(t)

	require.NoError(t, c.syncRange(ctx, folder, 5, rangeToEnd, false))
	require.Len(t, fake.fetches, 1)
	require.Equal(t, imapsession.UIDRange{Start: 5, End: 0}, fake.fetches[0].r)

	// A zero-length range is a no-op.
	require.NoError(t, c.syncRange(ctx, folder, 5, 0, true))
	require.Len(t, fake.fetches, 1)
}
