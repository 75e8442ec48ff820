package ratelimit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/multiauth/accountpool/pkg/accountstore"
	httpclient "github.com/multiauth/accountpool/pkg/http"
	"github.com/multiauth/accountpool/pkg/providerspec"
)

// anthropicUsageResponse mirrors the shape of Anthropic's OAuth usage
// endpoint: one entry per rolling window, each carrying a utilization
// percentage (0-100) and the RFC 3339 instant it resets.
type anthropicUsageResponse struct {
	FiveHour       *anthropicUsageWindow `json:"five_hour"`
	SevenDay       *anthropicUsageWindow `json:"seven_day"`
	SevenDaySonnet *anthropicUsageWindow `json:"seven_day_sonnet"`
}

type anthropicUsageWindow struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    string  `json:"resets_at"`
}

// FetchAnthropicUsage retrieves the account's current usage snapshot from
// Anthropic's OAuth usage endpoint. Grounded on the teacher's AnthropicParser
// header-parsing pattern (pkg/ratelimit/anthropic.go), generalized from
// per-response rate-limit headers to this pool's per-account cached-usage
// model (accountstore.UsageLimits), since the engine tracks quota per
// account rather than per model response.
func FetchAnthropicUsage(client *http.Client) FetchUsage {
	return func(ctx context.Context, accessToken string) (*accountstore.UsageLimits, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, providerspec.Anthropic.UsageURL, nil)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: build anthropic usage request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		for k, v := range providerspec.Anthropic.ExtraHeaders {
			req.Header.Set(k, v)
		}
		req.Header.Set("User-Agent", providerspec.Anthropic.UserAgent)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: anthropic usage request: %w", err)
		}

		var body anthropicUsageResponse
		if err := httpclient.ProcessJSONResponse(resp, &body); err != nil {
			return nil, fmt.Errorf("ratelimit: anthropic usage: %w", err)
		}

		return &accountstore.UsageLimits{
			FiveHour:       toTier(body.FiveHour),
			SevenDay:       toTier(body.SevenDay),
			SevenDaySonnet: toTier(body.SevenDaySonnet),
		}, nil
	}
}

func toTier(w *anthropicUsageWindow) *accountstore.UsageTier {
	if w == nil {
		return nil
	}
	return &accountstore.UsageTier{Utilization: w.Utilization, ResetsAt: w.ResetsAt}
}
