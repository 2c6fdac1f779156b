// Package credential resolves account secrets. An account either stores an
// AES-GCM encrypted password in the database or carries a reference of the
// form "keyring:<key>" pointing into the OS keyring.
package credential

import (
	"fmt"
	"strings"

	"github.com/99designs/keyring"

	"github.com/quillmail/syncd/internal/crypto"
	"github.com/quillmail/syncd/internal/models"
)

const serviceName = "quillmail"

// refPrefix marks a credential reference that resolves through the keyring.
const refPrefix = "keyring:"

// Resolver turns an account's stored credential into the secret used to
// authenticate its IMAP session.
type Resolver struct {
	encryptor *crypto.Encryptor
	openRing  func() (keyring.Keyring, error)
}

// NewResolver creates a Resolver backed by the given encryptor and the
// system keyring.
func NewResolver(encryptor *crypto.Encryptor) *Resolver {
	return &Resolver{
		encryptor: encryptor,
		openRing:  openKeyring,
	}
}

// Resolve returns the plaintext secret for an account. Keyring references
// take precedence over the encrypted database column.
func (r *Resolver) Resolve(account *models.Account) (string, error) {
	if account.AuthMode == models.AuthModeNone {
		return "", nil
	}

	if strings.HasPrefix(account.CredentialRef, refPrefix) {
		key := strings.TrimPrefix(account.CredentialRef, refPrefix)
		return r.fromKeyring(key)
	}

	if len(account.EncryptedPassword) == 0 {
		return "", fmt.Errorf("account %s has no stored credential", account.ID)
	}

	secret, err := r.encryptor.Decrypt(account.EncryptedPassword)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential for account %s: %w", account.ID, err)
	}

	return secret, nil
}

func (r *Resolver) fromKeyring(key string) (string, error) {
	ring, err := r.openRing()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Store writes a secret into the system keyring and returns the reference
// to persist on the account.
func (r *Resolver) Store(key, secret string) (string, error) {
	ring, err := r.openRing()
	if err != nil {
		return "", err
	}

	if err := ring.Set(keyring.Item{Key: key, Data: []byte(secret)}); err != nil {
		return "", fmt.Errorf("setting credential %q: %w", key, err)
	}

	return refPrefix + key, nil
}

func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/quillmail/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("quillmail-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}
