package accountstore

import (
	"fmt"
)

// Store is the single choke point for mutating the accounts document. All
// writers serialize through a cross-process file lock (lock.go); readers do
// not take the lock and may observe a stale-but-consistent snapshot.
type Store struct {
	path string
	lock *fileLock
}

// New returns a Store backed by the accounts document at path.
func New(path string) *Store {
	return &Store{path: path, lock: newFileLock(path)}
}

// Load returns the current document. It never fails: a missing or corrupt
// file yields an empty, schema-valid document.
func (s *Store) Load() *AccountStorage {
	doc, err := LoadAccounts(s.path)
	if err != nil || doc == nil {
		return EmptyStorage()
	}
	return doc
}

// ReadCredentials performs a lock-free read of the minimal credential pair
// needed by the Runtime Factory and Token Refresher.
func (s *Store) ReadCredentials(uuid string) (*Credentials, bool) {
	doc := s.Load()
	a := doc.FindAccount(uuid)
	if a == nil {
		return nil, false
	}
	return &Credentials{
		UUID:         a.UUID,
		AccountID:    a.AccountID,
		RefreshToken: a.RefreshToken,
		AccessToken:  a.AccessToken,
		ExpiresAt:    a.ExpiresAt,
	}, true
}

// MutateStorage acquires the lock, loads (or creates) the document, applies
// fn, validates and writes the result, then releases the lock.
func (s *Store) MutateStorage(fn func(*AccountStorage)) error {
	release, err := s.lock.acquire()
	if err != nil {
		return fmt.Errorf("accountstore: mutate: %w", err)
	}
	defer release()

	doc, err := LoadAccounts(s.path)
	if err != nil {
		return fmt.Errorf("accountstore: mutate: load: %w", err)
	}
	if doc == nil {
		doc = EmptyStorage()
	}

	fn(doc)

	if err := WriteStorage(s.path, doc); err != nil {
		return fmt.Errorf("accountstore: mutate: write: %w", err)
	}
	return nil
}

// MutateAccount locates the row by uuid under the lock and applies fn to it
// in place. Returns the post-mutation clone, or nil if the row is absent.
func (s *Store) MutateAccount(uuid string, fn func(*StoredAccount)) (*StoredAccount, error) {
	var result *StoredAccount
	err := s.MutateStorage(func(doc *AccountStorage) {
		a := doc.FindAccount(uuid)
		if a == nil {
			return
		}
		fn(a)
		result = a.Clone()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AddAccount inserts a, no-op if a row already shares its uuid or refresh
// token with an existing row (Invariant 2).
func (s *Store) AddAccount(a *StoredAccount) error {
	return s.MutateStorage(func(doc *AccountStorage) {
		for _, existing := range doc.Accounts {
			if existing.UUID == a.UUID || existing.RefreshToken == a.RefreshToken {
				return
			}
		}
		doc.Accounts = append(doc.Accounts, a)
		if doc.ActiveAccountUUID == "" {
			doc.ActiveAccountUUID = a.UUID
		}
	})
}

// RemoveAccount deletes the row with the given uuid. If it was the active
// account, the first remaining row (if any) becomes active (Invariant 3).
func (s *Store) RemoveAccount(uuid string) error {
	return s.MutateStorage(func(doc *AccountStorage) {
		idx := -1
		for i, a := range doc.Accounts {
			if a.UUID == uuid {
				idx = i
				break
			}
		}
		if idx == -1 {
			return
		}
		doc.Accounts = append(doc.Accounts[:idx], doc.Accounts[idx+1:]...)
		if doc.ActiveAccountUUID == uuid {
			if len(doc.Accounts) > 0 {
				doc.ActiveAccountUUID = doc.Accounts[0].UUID
			} else {
				doc.ActiveAccountUUID = ""
			}
		}
	})
}

// SetActiveUUID sets (or clears, if uuid=="") the active account pointer.
func (s *Store) SetActiveUUID(uuid string) error {
	return s.MutateStorage(func(doc *AccountStorage) {
		doc.ActiveAccountUUID = uuid
	})
}

// Clear removes all accounts and the active pointer.
func (s *Store) Clear() error {
	return s.MutateStorage(func(doc *AccountStorage) {
		doc.Accounts = []*StoredAccount{}
		doc.ActiveAccountUUID = ""
	})
}

// Path returns the path to the backing accounts document.
func (s *Store) Path() string {
	return s.path
}
