// Package providerspec holds the pure, static per-provider data the engine
// is configured with — endpoints, client ids, headers — never decision
// logic. Per SPEC_FULL §1's Non-goals, OAuth endpoint URLs, client IDs, and
// plan-label tables are external data injected per provider, not part of
// the core's behavior.
package providerspec

// BodyShape selects the wire shape the Token Refresher uses to POST a
// refresh-token request.
type BodyShape int

const (
	// BodyJSON sends {"grant_type":"refresh_token", ...} as a JSON body.
	BodyJSON BodyShape = iota
	// BodyForm sends the same fields form-url-encoded.
	BodyForm
)

// Spec is the static constant set for one provider.
type Spec struct {
	Name            string
	LegacyKey       string // top-level key this provider's credentials sit under in the legacy single-credential auth.json
	ClientID        string
	TokenURL        string
	UsageURL        string
	ProfileURL      string
	RefreshBodyShape BodyShape
	ExtraHeaders    map[string]string
	UserAgent       string
}

// Anthropic holds Claude's OAuth constants.
var Anthropic = Spec{
	Name:             "Anthropic",
	LegacyKey:        "claude",
	ClientID:         "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
	TokenURL:         "https://console.anthropic.com/v1/oauth/token",
	UsageURL:         "https://api.anthropic.com/api/oauth/usage",
	ProfileURL:       "https://api.anthropic.com/api/oauth/profile",
	RefreshBodyShape: BodyJSON,
	ExtraHeaders: map[string]string{
		"anthropic-beta": "oauth-2025-04-20,interleaved-thinking-2025-05-14",
	},
	UserAgent: "claude-cli/2.1.2 (external, cli)",
}

// OpenAI holds ChatGPT/Codex's OAuth constants.
var OpenAI = Spec{
	Name:             "OpenAI",
	LegacyKey:        "codex",
	ClientID:         "app_EMoamEEZ73f0CkXaXp7hrann",
	TokenURL:         "https://auth.openai.com/oauth/token",
	UsageURL:         "https://chatgpt.com/backend-api/wham/usage",
	ProfileURL:       "",
	RefreshBodyShape: BodyForm,
}

// OpenAIOAuthCallbackPort and OpenAIOAuthCallbackPath are where OpenAI's device/browser
// flow (out of scope per SPEC_FULL §1) redirects back to.
const (
	OpenAIOAuthCallbackPort = 1455
	OpenAIOAuthCallbackPath = "/auth/callback"
	OpenAICodexAPI          = "https://chatgpt.com/backend-api/codex/responses"
)
