package models

import "time"

// UIDUnlinked is the sentinel remote UID of a message that is no longer
// confirmed present on the server. Unlinked messages additionally carry
// the unlink phase that marked them; they are hard-deleted only by the
// sweep of the opposite phase, one full cycle later.
const UIDUnlinked uint32 = 0

// Message is one locally cached message. A message physically belongs to
// exactly one folder; Gmail labels are carried in Labels and surface as
// additional thread-folder linkage.
type Message struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"account_id"`
	FolderID        string     `json:"folder_id"`
	ThreadID        string     `json:"thread_id"`
	HeaderMessageID string     `json:"header_message_id"`
	UID             uint32     `json:"uid"`
	UnlinkPhase     int        `json:"unlink_phase"`
	Unread          bool       `json:"unread"`
	Starred         bool       `json:"starred"`
	Draft           bool       `json:"draft"`
	Date            *time.Time `json:"date,omitempty"`
	SyncedAt        time.Time  `json:"synced_at"`
	From            []string   `json:"from"`
	To              []string   `json:"to"`
	CC              []string   `json:"cc"`
	BCC             []string   `json:"bcc"`
	ReplyTo         []string   `json:"reply_to"`
	Subject         string     `json:"subject"`
	Snippet         string     `json:"snippet"`
	Plaintext       bool       `json:"plaintext"`
	Labels          []string   `json:"labels,omitempty"`
	// LinkedFolderIDs is the owning folder id plus the ids of any label
	// folders this message appears under; it drives thread-folder links.
	LinkedFolderIDs []string `json:"linked_folder_ids"`
}

// Unlinked reports whether the message is currently unlink-marked.
func (m *Message) Unlinked() bool {
	return m.UID == UIDUnlinked && m.UnlinkPhase != 0
}

// File is attachment metadata for a message part. Payloads are fetched
// lazily; Downloaded tracks whether the content is on disk.
type File struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	MessageID   string `json:"message_id"`
	Filename    string `json:"filename"`
	ContentID   string `json:"content_id,omitempty"`
	PartID      string `json:"part_id,omitempty"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	IsInline    bool   `json:"is_inline"`
	Downloaded  bool   `json:"downloaded"`
}

// Body is the cached body of a message. A row with a zero FetchedAt and
// empty contents is a reservation placeholder written before the fetch.
type Body struct {
	MessageID string     `json:"message_id"`
	Text      string     `json:"text"`
	HTML      string     `json:"html"`
	FetchedAt *time.Time `json:"fetched_at,omitempty"`
}
