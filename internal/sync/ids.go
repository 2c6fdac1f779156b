package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/quillmail/syncd/internal/imapsession"
)

// FolderID derives the stable id of a folder from its account and remote
// path. The same inputs always hash to the same id, so repeated syncs
// converge on the same rows.
func FolderID(accountID, path string) string {
	sum := sha256.Sum256([]byte(accountID + ":" + path))
	return hex.EncodeToString(sum[:])
}

// MessageID derives the stable id of a message. The composite prefers the
// message date; a message without one falls back to its folder position,
// which is unique within a uidvalidity epoch.
func MessageID(accountID, folderPath string, uid uint32, env *imapsession.Envelope) string {
	var b strings.Builder
	b.WriteString(accountID)
	b.WriteString("-")
	if env != nil && env.Date != nil {
		b.WriteString(strconv.FormatInt(env.Date.Unix(), 10))
	} else {
		b.WriteString(folderPath)
		b.WriteString(":")
		b.WriteString(strconv.FormatUint(uint64(uid), 10))
	}
	if env != nil {
		b.WriteString(env.Subject)
		b.WriteString(strings.Join(sortedParticipantEmails(env), ""))
		b.WriteString("-")
		b.WriteString(env.MessageID)
	} else {
		b.WriteString("-")
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ThreadID derives the thread a message belongs to. Replies hash their
// In-Reply-To reference so they land in the same thread as their parent;
// thread roots hash their own Message-ID.
func ThreadID(accountID string, env *imapsession.Envelope) string {
	ref := ""
	if env != nil {
		ref = env.InReplyTo
		if ref == "" {
			ref = env.MessageID
		}
	}
	sum := sha256.Sum256([]byte(accountID + ":" + ref))
	return hex.EncodeToString(sum[:])
}

func sortedParticipantEmails(env *imapsession.Envelope) []string {
	seen := make(map[string]struct{})
	var emails []string
	for _, list := range [][]imapsession.Address{env.From, env.To, env.CC, env.BCC, env.ReplyTo} {
		for _, addr := range list {
			email := strings.ToLower(addr.Email)
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
	sort.Strings(emails)
	return emails
}
