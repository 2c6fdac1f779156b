package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/require"

	"github.com/quillmail/syncd/internal/models"
	"github.com/quillmail/syncd/internal/testutil"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()

	ring := keyring.NewArrayKeyring(nil)
	r := NewResolver(testutil.GetTestEncryptor(t))
	r.openRing = func() (keyring.Keyring, error) { return ring, nil }
	return r
}

func TestStoreReturnsResolvableReference(t *testing.T) {
	r := newTestResolver(t)

	ref, err := r.Store("acc-1", "hunter2")
	require.NoError(t, err)
	require.Equal(t, "keyring:acc-1", ref)

	account := &models.Account{
		ID:            "acc-1",
		AuthMode:      models.AuthModePlain,
		CredentialRef: ref,
	}
	secret, err := r.Resolve(account)
	require.NoError(t, err)
	require.Equal(t, "hunter2", secret)
}

func TestResolveFallsBackToEncryptedColumn(t *testing.T) {
	r := newTestResolver(t)

	encryptor := testutil.GetTestEncryptor(t)
	encrypted, err := encryptor.Encrypt("s3cret")
	require.NoError(t, err)

	account := &models.Account{
		ID:                "acc-2",
		AuthMode:          models.AuthModePlain,
		EncryptedPassword: encrypted,
	}
	secret, err := r.Resolve(account)
	require.NoError(t, err)
	require.Equal(t, "s3cret", secret)

	// An account with neither a reference nor a stored password is a
	// configuration error, not an empty secret.
	_, err = r.Resolve(&models.Account{ID: "acc-3", AuthMode: models.AuthModePlain})
	require.Error(t, err)

	// Except when the server needs no authentication at all.
	secret, err = r.Resolve(&models.Account{ID: "acc-4", AuthMode: models.AuthModeNone})
	require.NoError(t, err)
	require.Empty(t, secret)
}
