// Package imapsession abstracts the remote mailbox protocol behind a
// narrow interface the sync engine drives. The production implementation
// wraps go-imap v2; tests substitute an in-memory fake.
package imapsession

import (
	"context"
	"time"

	"github.com/quillmail/syncd/internal/models"
)

// FetchKind selects which message attributes a fetch retrieves.
type FetchKind int

const (
	// FetchFlags retrieves UID, flags and modseq only.
	FetchFlags FetchKind = 1 << iota
	// FetchHeaders additionally retrieves the envelope and internal date.
	FetchHeaders
	// FetchBodies additionally retrieves the full raw message.
	FetchBodies
)

// Capabilities reports what the connected server supports.
type Capabilities struct {
	CondStore bool
	QResync   bool
	Idle      bool
	// Gmail is true when the server advertises X-GM-EXT-1.
	Gmail bool
}

// FolderInfo is one entry of the remote folder listing. Role carries the
// special-use attribute when the server advertised one.
type FolderInfo struct {
	Path     string
	Delim    rune
	Role     models.FolderRole
	NoSelect bool
}

// FolderStatus is the remote sync bookkeeping of one folder.
type FolderStatus struct {
	Path          string
	UIDValidity   uint32
	UIDNext       uint32
	HighestModSeq uint64
	NumMessages   uint32
}

// Address is one parsed mailbox address.
type Address struct {
	Name  string
	Email string
}

// Envelope carries the header attributes of a remote message.
type Envelope struct {
	Subject   string
	Date      *time.Time
	MessageID string
	InReplyTo string
	From      []Address
	To        []Address
	CC        []Address
	BCC       []Address
	ReplyTo   []Address
}

// RemoteMessage is one fetched message. Envelope and Raw are populated
// according to the FetchKind that was requested.
type RemoteMessage struct {
	UID      uint32
	ModSeq   uint64
	Unread   bool
	Starred  bool
	Draft    bool
	Answered bool
	Deleted  bool
	// Labels carries Gmail keyword flags when the server exposes them.
	Labels   []string
	Envelope *Envelope
	Raw      []byte
}

// UIDRange is an inclusive UID interval. An End of zero means "to the
// highest UID in the mailbox".
type UIDRange struct {
	Start uint32
	End   uint32
}

// Session is one authenticated connection to a remote mailbox. A session
// is owned by a single sync worker and is not safe for concurrent use.
type Session interface {
	// Capabilities reports the server's advertised capabilities.
	Capabilities() Capabilities

	// ListFolders lists all selectable folders with their special-use roles.
	ListFolders(ctx context.Context) ([]FolderInfo, error)

	// Status returns a folder's counters without selecting it.
	Status(ctx context.Context, path string) (*FolderStatus, error)

	// Select opens a folder for subsequent fetches and returns its
	// counters. CONDSTORE is enabled on the select when supported.
	Select(ctx context.Context, path string) (*FolderStatus, error)

	// FetchRange fetches the messages whose UIDs fall in the range.
	FetchRange(ctx context.Context, r UIDRange, kind FetchKind) ([]RemoteMessage, error)

	// FetchUIDs fetches the given UIDs.
	FetchUIDs(ctx context.Context, uids []uint32, kind FetchKind) ([]RemoteMessage, error)

	// FetchChangedSince fetches flags of messages in the range that were
	// modified after the given modseq. Only valid when
	// Capabilities().CondStore is true.
	FetchChangedSince(ctx context.Context, r UIDRange, modseq uint64) ([]RemoteMessage, error)

	// UIDsInRange returns the UIDs currently present in the range,
	// without any message data. Used to detect expunged messages.
	UIDsInRange(ctx context.Context, r UIDRange) ([]uint32, error)

	// Idle blocks until the selected folder changes, the timeout
	// elapses, or the context is done. It reports whether a change
	// notification woke it.
	Idle(ctx context.Context, timeout time.Duration) (bool, error)

	// Close logs out and releases the connection.
	Close() error
}
