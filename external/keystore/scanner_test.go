package keystore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeKeystoreFile(t *testing.T, dir, name string) {
	t.Helper()
	err := os.WriteFile(filepath.Join(dir, name), []byte("\"secret seed\""), 0o600)
	require.NoError(t, err)
}

func TestListCandidateKeys(t *testing.T) {
	dir := t.TempDir()

	auraName := "61757261" + strings.Repeat("ab", 32)
	writeKeystoreFile(t, dir, auraName)
	// grandpa key, different key type prefix
	writeKeystoreFile(t, dir, "6772616e"+strings.Repeat("cd", 32))
	// unrelated file
	writeKeystoreFile(t, dir, "README")

	keys, err := NewScanner().ListCandidateKeys(dir)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "0x"+strings.Repeat("ab", 32), keys[0].Hex())
}

func TestListCandidateKeys_HexPrefixAndCaseInsensitive(t *testing.T) {
	dir := t.TempDir()

	writeKeystoreFile(t, dir, "0x61757261"+strings.Repeat("AB", 32))
	writeKeystoreFile(t, dir, "61757261"+strings.Repeat("ab", 32))

	keys, err := NewScanner().ListCandidateKeys(dir)
	require.NoError(t, err)
	// same key through two spellings, de-duplicated
	require.Len(t, keys, 1)
}

func TestListCandidateKeys_MultipleKeysSorted(t *testing.T) {
	dir := t.TempDir()

	writeKeystoreFile(t, dir, "61757261"+strings.Repeat("ff", 32))
	writeKeystoreFile(t, dir, "61757261"+strings.Repeat("11", 32))

	keys, err := NewScanner().ListCandidateKeys(dir)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.True(t, keys[0].Hex() < keys[1].Hex())
}

func TestListCandidateKeys_MissingDirectory(t *testing.T) {
	_, err := NewScanner().ListCandidateKeys(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestListCandidateKeys_EmptyDirectory(t *testing.T) {
	keys, err := NewScanner().ListCandidateKeys(t.TempDir())
	require.NoError(t, err)
	require.Empty(t, keys)
}
