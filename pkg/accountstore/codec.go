package accountstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const filePerm = 0o600

// ReadStorage reads and validates the accounts document at path.
//
// A missing file is not an error: it returns (nil, nil). A file that fails
// to parse or fails schema validation is backed up (best effort) to
// "<path>.corrupt.<unixMilli>.bak" and also returns (nil, nil) — corrupt
// content is always treated as absent, never surfaced as an error, per
// Invariant 1.
func ReadStorage(path string) (*AccountStorage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("accountstore: read %s: %w", path, err)
	}

	doc, verr := parseAndValidate(data)
	if verr != nil {
		backupCorrupt(path, data)
		return nil, nil
	}
	return doc, nil
}

func parseAndValidate(data []byte) (*AccountStorage, error) {
	var doc AccountStorage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if err := validate(&doc); err != nil {
		return nil, err
	}
	if doc.Accounts == nil {
		doc.Accounts = []*StoredAccount{}
	}
	return &doc, nil
}

func validate(doc *AccountStorage) error {
	if doc.Version != 0 && doc.Version != 1 {
		return fmt.Errorf("accountstore: unsupported version %d", doc.Version)
	}
	seenUUID := make(map[string]bool, len(doc.Accounts))
	for _, a := range doc.Accounts {
		if a == nil {
			return fmt.Errorf("accountstore: nil account row")
		}
		if a.RefreshToken == "" {
			return fmt.Errorf("accountstore: account %q missing refreshToken", a.UUID)
		}
		if a.UUID != "" {
			if seenUUID[a.UUID] {
				return fmt.Errorf("accountstore: duplicate uuid %q", a.UUID)
			}
			seenUUID[a.UUID] = true
		}
	}
	if doc.ActiveAccountUUID != "" && !seenUUID[doc.ActiveAccountUUID] {
		return fmt.Errorf("accountstore: activeAccountUuid %q not found among accounts", doc.ActiveAccountUUID)
	}
	return nil
}

func backupCorrupt(path string, data []byte) {
	backupPath := fmt.Sprintf("%s.corrupt.%d.bak", path, time.Now().UnixMilli())
	_ = os.WriteFile(backupPath, data, filePerm)
}

// WriteStorage validates doc, ensures the parent directory exists, then
// performs a temp-write + rename with 0600 perms (Invariant 8). On any
// failure the temp file is removed.
func WriteStorage(path string, doc *AccountStorage) error {
	if doc.Version == 0 {
		doc.Version = 1
	}
	if err := validate(doc); err != nil {
		return fmt.Errorf("accountstore: refusing to write invalid document: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("accountstore: mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("accountstore: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return fmt.Errorf("accountstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("accountstore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("accountstore: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("accountstore: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		return fmt.Errorf("accountstore: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("accountstore: rename temp file: %w", err)
	}

	success = true
	return nil
}

// Deduplicate removes rows sharing a uuid, keeping the one with the greatest
// LastUsed. Rows with an empty uuid are never merged with each other. Output
// preserves first-occurrence order of each uuid.
func Deduplicate(accounts []*StoredAccount) []*StoredAccount {
	byUUID := make(map[string]*StoredAccount, len(accounts))
	for _, a := range accounts {
		if a.UUID == "" {
			continue
		}
		existing, ok := byUUID[a.UUID]
		if !ok || a.LastUsed > existing.LastUsed {
			byUUID[a.UUID] = a
		}
	}

	out := make([]*StoredAccount, 0, len(accounts))
	seen := make(map[string]bool, len(byUUID))
	for _, a := range accounts {
		if a.UUID == "" {
			out = append(out, a)
			continue
		}
		if seen[a.UUID] {
			continue
		}
		seen[a.UUID] = true
		out = append(out, byUUID[a.UUID])
	}
	return out
}

// LoadAccounts reads the document at path and deduplicates its rows.
func LoadAccounts(path string) (*AccountStorage, error) {
	doc, err := ReadStorage(path)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	doc.Accounts = Deduplicate(doc.Accounts)
	return doc, nil
}
