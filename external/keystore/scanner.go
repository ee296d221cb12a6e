package keystore

import (
	"encoding/hex"
	"os"
	"sort"
	"strings"

	"github.com/Midnight-Scripts/Midnight-blocklog/entities"
	"github.com/pkg/errors"
)

// Substrate keystore file names are <4 byte key type><32 byte public key> in
// hex. For Aura the key type is "aura", hex 61757261. Only file names are
// inspected, secret key material is never read.
const auraKeyTypePrefix = "61757261"

type Scanner struct {
}

func NewScanner() *Scanner {
	return &Scanner{}
}

// ListCandidateKeys returns the Aura public keys found in the keystore
// directory, sorted and de-duplicated.
func (s *Scanner) ListCandidateKeys(dir string) ([]entities.PublicKey, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading keystore directory [%s]", dir)
	}

	seen := make(map[entities.PublicKey]bool)
	var found []entities.PublicKey
	for _, entry := range dirEntries {
		if entry.IsDir() {
			continue
		}
		name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(entry.Name())), "0x")
		if len(name) != len(auraKeyTypePrefix)+64 || !strings.HasPrefix(name, auraKeyTypePrefix) {
			continue
		}
		raw, err := hex.DecodeString(name[len(auraKeyTypePrefix):])
		if err != nil {
			continue
		}
		var key entities.PublicKey
		copy(key[:], raw)
		if !seen[key] {
			seen[key] = true
			found = append(found, key)
		}
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].Hex() < found[j].Hex()
	})
	return found, nil
}
