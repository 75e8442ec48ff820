package ratelimit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/multiauth/accountpool/pkg/accountstore"
	httpclient "github.com/multiauth/accountpool/pkg/http"
	"github.com/multiauth/accountpool/pkg/providerspec"
)

// openaiUsageResponse mirrors ChatGPT/Codex's wham usage endpoint: a primary
// (short) and secondary (weekly) rolling window, each a percent used 0-100
// plus a reset instant.
type openaiUsageResponse struct {
	Primary   *openaiUsageWindow `json:"primary"`
	Secondary *openaiUsageWindow `json:"secondary"`
}

type openaiUsageWindow struct {
	UsedPercent float64 `json:"used_percent"`
	ResetsAt    string  `json:"resets_at"`
}

// FetchOpenAIUsage retrieves the account's current usage snapshot from
// ChatGPT's usage endpoint. Grounded on the teacher's OpenAIParser header
// parsing (pkg/ratelimit/openai.go), generalized to this pool's per-account
// cached-usage model the same way FetchAnthropicUsage is.
func FetchOpenAIUsage(client *http.Client) FetchUsage {
	return func(ctx context.Context, accessToken string) (*accountstore.UsageLimits, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, providerspec.OpenAI.UsageURL, nil)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: build openai usage request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: openai usage request: %w", err)
		}

		var body openaiUsageResponse
		if err := httpclient.ProcessJSONResponse(resp, &body); err != nil {
			return nil, fmt.Errorf("ratelimit: openai usage: %w", err)
		}

		return &accountstore.UsageLimits{
			FiveHour: toPercentTier(body.Primary),
			SevenDay: toPercentTier(body.Secondary),
		}, nil
	}
}

func toPercentTier(w *openaiUsageWindow) *accountstore.UsageTier {
	if w == nil {
		return nil
	}
	return &accountstore.UsageTier{Utilization: w.UsedPercent, ResetsAt: w.ResetsAt}
}

// FormatDuration renders a millisecond duration for the rate-limit toast.
func FormatDuration(ms int64) string {
	seconds := ms / 1000
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm%ds", minutes, seconds%60)
	}
	hours := minutes / 60
	return fmt.Sprintf("%dh%dm", hours, minutes%60)
}
