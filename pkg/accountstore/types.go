// Package accountstore implements the on-disk accounts document: validated
// JSON read/write with atomic rename, corrupt-file backup, deduplication,
// and a cross-process file lock serializing mutations.
package accountstore

import "time"

// UsageTier is one of the three named utilization windows a provider reports.
type UsageTier struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    string  `json:"resets_at,omitempty"`
}

// UsageLimits is the last-observed per-tier utilization snapshot for an account.
type UsageLimits struct {
	FiveHour       *UsageTier `json:"five_hour,omitempty"`
	SevenDay       *UsageTier `json:"seven_day,omitempty"`
	SevenDaySonnet *UsageTier `json:"seven_day_sonnet,omitempty"`
}

// Exhausted returns the tiers at or above 100% utilization.
func (u *UsageLimits) Exhausted() []*UsageTier {
	if u == nil {
		return nil
	}
	var out []*UsageTier
	for _, t := range []*UsageTier{u.FiveHour, u.SevenDay, u.SevenDaySonnet} {
		if t != nil && t.Utilization >= 100 {
			out = append(out, t)
		}
	}
	return out
}

// MaxUtilization returns the worst tier's utilization, or def if no tier is set.
func (u *UsageLimits) MaxUtilization(def float64) float64 {
	if u == nil {
		return def
	}
	max := -1.0
	seen := false
	for _, t := range []*UsageTier{u.FiveHour, u.SevenDay, u.SevenDaySonnet} {
		if t == nil {
			continue
		}
		seen = true
		if t.Utilization > max {
			max = t.Utilization
		}
	}
	if !seen {
		return def
	}
	return max
}

// StoredAccount is one row of the persisted accounts document.
type StoredAccount struct {
	UUID         string `json:"uuid"`
	AccountID    string `json:"accountId,omitempty"`
	Label        string `json:"label,omitempty"`
	Email        string `json:"email,omitempty"`
	PlanTier     string `json:"planTier,omitempty"`
	RefreshToken string `json:"refreshToken"`
	AccessToken  string `json:"accessToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"` // unix ms

	AddedAt  int64 `json:"addedAt,omitempty"`
	LastUsed int64 `json:"lastUsed,omitempty"`

	Enabled          bool  `json:"enabled"`
	RateLimitResetAt int64 `json:"rateLimitResetAt,omitempty"`
	Last429At        int64 `json:"last429At,omitempty"`

	CachedUsage   *UsageLimits `json:"cachedUsage,omitempty"`
	CachedUsageAt int64        `json:"cachedUsageAt,omitempty"`

	ConsecutiveAuthFailures int `json:"consecutiveAuthFailures"`

	IsAuthDisabled     bool   `json:"isAuthDisabled"`
	AuthDisabledReason string `json:"authDisabledReason,omitempty"`
}

// Clone returns a deep copy safe to hand to callers outside the store's lock.
func (a *StoredAccount) Clone() *StoredAccount {
	if a == nil {
		return nil
	}
	clone := *a
	if a.CachedUsage != nil {
		usage := *a.CachedUsage
		for _, tier := range []**UsageTier{&usage.FiveHour, &usage.SevenDay, &usage.SevenDaySonnet} {
			if *tier != nil {
				t := **tier
				*tier = &t
			}
		}
		clone.CachedUsage = &usage
	}
	return &clone
}

// AccountStorage is the root persisted document.
type AccountStorage struct {
	Version           int              `json:"version"`
	Accounts          []*StoredAccount `json:"accounts"`
	ActiveAccountUUID string           `json:"activeAccountUuid,omitempty"`
}

// Clone returns a deep copy of the document.
func (s *AccountStorage) Clone() *AccountStorage {
	if s == nil {
		return nil
	}
	out := &AccountStorage{Version: s.Version, ActiveAccountUUID: s.ActiveAccountUUID}
	out.Accounts = make([]*StoredAccount, len(s.Accounts))
	for i, a := range s.Accounts {
		out.Accounts[i] = a.Clone()
	}
	return out
}

// FindAccount returns the row with the given uuid, or nil.
func (s *AccountStorage) FindAccount(uuid string) *StoredAccount {
	for _, a := range s.Accounts {
		if a.UUID == uuid {
			return a
		}
	}
	return nil
}

// EmptyStorage returns a freshly initialized, schema-valid empty document.
func EmptyStorage() *AccountStorage {
	return &AccountStorage{Version: 1, Accounts: []*StoredAccount{}}
}

// Credentials is the minimal lock-free read surface for the Runtime Factory
// and Token Refresher: just enough to decide whether a refresh is needed.
type Credentials struct {
	UUID         string
	AccountID    string
	RefreshToken string
	AccessToken  string
	ExpiresAt    int64
}

// ExpiryBufferMS is the wall-clock buffer (Invariant 4): a token within this
// many milliseconds of expiry is treated as already expired.
const ExpiryBufferMS = 60_000

// IsExpired reports whether the credential pair needs a refresh.
func (c *Credentials) IsExpired(nowMS int64) bool {
	if c == nil {
		return true
	}
	if c.AccessToken == "" || c.ExpiresAt == 0 {
		return true
	}
	return c.ExpiresAt <= nowMS+ExpiryBufferMS
}

// NowMS returns the current wall clock in unix milliseconds.
func NowMS() int64 {
	return time.Now().UnixMilli()
}
