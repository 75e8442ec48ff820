// Package migrate implements the one-shot Auth Migration: importing a
// legacy single-credential auth.json into the accounts document the first
// time a provider's pool is constructed with no accounts on disk.
//
// Grounded on the Account Store's AddAccount idiom and the teacher's
// best-effort, error-swallowing cleanup style (pkg/auth/storage.go's
// createBackup/cleanupOldBackups, which log a warning and carry on rather
// than fail the caller).
package migrate

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"

	"github.com/multiauth/accountpool/pkg/accountstore"
	"github.com/multiauth/accountpool/pkg/poollog"
	"github.com/multiauth/accountpool/pkg/providerspec"
)

// legacyCredential is one provider's entry in the legacy auth.json, keyed by
// providerspec.Spec.LegacyKey ("claude", "codex").
type legacyCredential struct {
	Type    string `json:"type"`
	Refresh string `json:"refresh"`
	Access  string `json:"access,omitempty"`
	Expires int64  `json:"expires,omitempty"`
}

// Run imports spec's legacy credential from the auth.json at legacyPath into
// store, but only if store currently has zero accounts. Any failure -
// missing file, malformed JSON, missing or non-oauth entry, empty refresh
// token - is swallowed; migration is a best-effort convenience, never a
// hard dependency for startup.
func Run(store *accountstore.Store, spec providerspec.Spec, legacyPath string, logger poollog.Logger) {
	if logger == nil {
		logger = poollog.Noop{}
	}

	doc := store.Load()
	if len(doc.Accounts) != 0 {
		return
	}

	data, err := os.ReadFile(legacyPath)
	if err != nil {
		logger.Debug("auth migration: no legacy file", "path", legacyPath, "err", err)
		return
	}

	var raw map[string]legacyCredential
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Debug("auth migration: malformed legacy file", "path", legacyPath, "err", err)
		return
	}

	cred, ok := raw[spec.LegacyKey]
	if !ok || cred.Type != "oauth" || cred.Refresh == "" {
		logger.Debug("auth migration: no usable legacy credential", "provider", spec.Name)
		return
	}

	account := &accountstore.StoredAccount{
		UUID:         uuid.NewString(),
		RefreshToken: cred.Refresh,
		AccessToken:  cred.Access,
		ExpiresAt:    cred.Expires,
		Enabled:      true,
		AddedAt:      accountstore.NowMS(),
	}

	if err := store.AddAccount(account); err != nil {
		logger.Debug("auth migration: failed to add account", "provider", spec.Name, "err", err)
		return
	}
	if err := store.SetActiveUUID(account.UUID); err != nil {
		logger.Debug("auth migration: failed to set active account", "provider", spec.Name, "err", err)
		return
	}

	logger.Info("auth migration: imported legacy credential", "provider", spec.Name, "uuid", account.UUID)
}
