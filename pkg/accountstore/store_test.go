package accountstore

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AddAccountIdempotentOnDuplicateUUIDOrToken(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "accounts.json"))

	require.NoError(t, store.AddAccount(&StoredAccount{UUID: "u1", RefreshToken: "rt1", Enabled: true}))
	require.NoError(t, store.AddAccount(&StoredAccount{UUID: "u1", RefreshToken: "rt-different", Enabled: true}))
	require.NoError(t, store.AddAccount(&StoredAccount{UUID: "u2", RefreshToken: "rt1", Enabled: true}))
	require.NoError(t, store.AddAccount(&StoredAccount{UUID: "u2", RefreshToken: "rt2", Enabled: true}))

	doc := store.Load()
	assert.Len(t, doc.Accounts, 2)
}

func TestStore_RemoveAccountFallsBackActiveUUID(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, store.AddAccount(&StoredAccount{UUID: "u1", RefreshToken: "rt1", Enabled: true}))
	require.NoError(t, store.AddAccount(&StoredAccount{UUID: "u2", RefreshToken: "rt2", Enabled: true}))
	require.NoError(t, store.SetActiveUUID("u1"))

	require.NoError(t, store.RemoveAccount("u1"))

	doc := store.Load()
	assert.Equal(t, "u2", doc.ActiveAccountUUID)
	assert.Len(t, doc.Accounts, 1)
}

func TestStore_MutateAccountUnderContentionIsSerialized(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, store.AddAccount(&StoredAccount{UUID: "u1", RefreshToken: "rt1", Enabled: true}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.MutateAccount("u1", func(a *StoredAccount) {
				a.ConsecutiveAuthFailures++
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	doc := store.Load()
	assert.Equal(t, 10, doc.FindAccount("u1").ConsecutiveAuthFailures)
}

func TestStore_ReadCredentials(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, store.AddAccount(&StoredAccount{
		UUID: "u1", RefreshToken: "rt1", AccessToken: "at1", ExpiresAt: 12345, Enabled: true,
	}))

	creds, ok := store.ReadCredentials("u1")
	require.True(t, ok)
	assert.Equal(t, "at1", creds.AccessToken)

	_, ok = store.ReadCredentials("missing")
	assert.False(t, ok)
}
