package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillmail/syncd/internal/imapsession"
)

func testEnvelope(subject string) *imapsession.Envelope {
	date := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	return &imapsession.Envelope{
		Subject:   subject,
		Date:      &date,
		MessageID: "<" + subject + "@example.com>",
		From:      []imapsession.Address{{Name: "Alice", Email: "alice@example.com"}},
		To:        []imapsession.Address{{Email: "bob@example.com"}},
	}
}

func TestMessageIDStableAcrossFolders(t *testing.T) {
	env := testEnvelope("hello")

	// The same message observed in another folder under another UID must
	// resolve to the same row, so a move is a relink rather than a copy.
	a := MessageID("acc", "INBOX", 7, env)
	b := MessageID("acc", "Archive", 9001, env)
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestMessageIDChangesWithContent(t *testing.T) {
	base := MessageID("acc", "INBOX", 7, testEnvelope("hello"))

	require.NotEqual(t, base, MessageID("acc", "INBOX", 7, testEnvelope("other")))
	require.NotEqual(t, base, MessageID("acc2", "INBOX", 7, testEnvelope("hello")))

	env := testEnvelope("hello")
	env.To = append(env.To, imapsession.Address{Email: "carol@example.com"})
	require.NotEqual(t, base, MessageID("acc", "INBOX", 7, env))
}

func TestMessageIDIgnoresParticipantCase(t *testing.T) {
	env := testEnvelope("hello")
	env.From = []imapsession.Address{{Name: "ALICE", Email: "Alice@Example.COM"}}
	require.Equal(t,
		MessageID("acc", "INBOX", 7, testEnvelope("hello")),
		MessageID("acc", "INBOX", 7, env))
}

func TestMessageIDFallsBackToFolderPosition(t *testing.T) {
	env := testEnvelope("hello")
	env.Date = nil

	a := MessageID("acc", "INBOX", 7, env)
	require.Equal(t, a, MessageID("acc", "INBOX", 7, env))
	require.NotEqual(t, a, MessageID("acc", "INBOX", 8, env))
	require.NotEqual(t, a, MessageID("acc", "Archive", 7, env))
}

func TestThreadIDFollowsReplyChain(t *testing.T) {
	root := testEnvelope("hello")
	reply := testEnvelope("Re: hello")
	reply.InReplyTo = root.MessageID

	require.Equal(t, ThreadID("acc", root), ThreadID("acc", reply))
	require.NotEqual(t, ThreadID("acc", root), ThreadID("acc", testEnvelope("unrelated")))
	require.NotEqual(t, ThreadID("acc", root), ThreadID("acc2", root))
}
