package models

import "time"

// Security is the transport security of an account's IMAP connection.
type Security string

const (
	SecurityNone     Security = "none"
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
)

// AuthMode is the authentication mode of an account.
type AuthMode string

const (
	AuthModePlain  AuthMode = "plain"
	AuthModeOAuth2 AuthMode = "oauth2"
	AuthModeNone   AuthMode = "none"
)

// Account holds the connection parameters for one IMAP account.
// Credentials are either an AES-GCM encrypted password stored in the
// database or a reference into the system keyring ("keyring:<key>").
type Account struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Host              string    `json:"host"`
	Port              int       `json:"port"`
	Security          Security  `json:"security"`
	AuthMode          AuthMode  `json:"auth_mode"`
	Username          string    `json:"username"`
	EncryptedPassword []byte    `json:"-"`
	CredentialRef     string    `json:"credential_ref,omitempty"`
	IsGmail           bool      `json:"is_gmail"`
	UnlinkPhase       int       `json:"unlink_phase"`
	CreatedAt         time.Time `json:"created_at"`
}
