package accountstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadStorage_MissingFileReturnsNil(t *testing.T) {
	dir := t.TempDir()
	doc, err := ReadStorage(filepath.Join(dir, "accounts.json"))
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestReadStorage_CorruptFileIsBackedUpAndTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	doc, err := ReadStorage(path)
	require.NoError(t, err)
	assert.Nil(t, doc)

	matches, err := filepath.Glob(path + ".corrupt.*.bak")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestWriteStorage_AtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "accounts.json")

	doc := &AccountStorage{
		Version: 1,
		Accounts: []*StoredAccount{
			{UUID: "u1", RefreshToken: "rt1", Enabled: true},
		},
		ActiveAccountUUID: "u1",
	}
	require.NoError(t, WriteStorage(path, doc))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := ReadStorage(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.Accounts[0].UUID)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestWriteStorage_RejectsDuplicateUUID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	doc := &AccountStorage{
		Accounts: []*StoredAccount{
			{UUID: "dup", RefreshToken: "a", Enabled: true},
			{UUID: "dup", RefreshToken: "b", Enabled: true},
		},
	}
	err := WriteStorage(path, doc)
	assert.Error(t, err)
}

func TestDeduplicate_KeepsGreatestLastUsed(t *testing.T) {
	accounts := []*StoredAccount{
		{UUID: "u1", RefreshToken: "a", LastUsed: 5},
		{UUID: "u1", RefreshToken: "a", LastUsed: 50},
		{UUID: "u2", RefreshToken: "b", LastUsed: 1},
	}
	out := Deduplicate(accounts)
	require.Len(t, out, 2)
	assert.Equal(t, int64(50), out[0].LastUsed)
	assert.Equal(t, "u2", out[1].UUID)
}
