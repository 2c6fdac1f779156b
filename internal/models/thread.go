package models

import "time"

// Thread aggregates the messages of one conversation. Counters and the
// folder-id set are maintained incrementally by snapshot-diff as
// constituent messages change; they are never recomputed on the hot path.
type Thread struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	Subject        string     `json:"subject"`
	Snippet        string     `json:"snippet"`
	UnreadCount    int        `json:"unread_count"`
	StarredCount   int        `json:"starred_count"`
	FirstMessageAt *time.Time `json:"first_message_at,omitempty"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	Participants   []string   `json:"participants"`
	FolderIDs      []string   `json:"folder_ids"`
}
