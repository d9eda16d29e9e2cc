package upstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lkarlslund/grokgateway/pkg/pool"
	"github.com/tidwall/gjson"
)

// rateLimitsPath is the upstream's rate-limit probe endpoint, grounded on
// original_source's RATE_LIMIT_API ("/rest/rate-limits") POST with a
// {requestKind, modelName} body.
const rateLimitsPath = "/rest/rate-limits"

// quotaModelsByClass names the model a refresh probe reports quota for, per
// class, mirroring original_source's split between "remainingTokens" (Basic
// models) and "remainingQueries" (grok-4-heavy).
var quotaModelsByClass = map[pool.Class]string{
	pool.ClassBasic: "grok-4-1-thinking-1129",
	pool.ClassSuper: "grok-4-heavy",
}

// CheckQuota implements pool.QuotaChecker against this upstream, probing
// /rest/rate-limits and parsing the advisory quota window out of the JSON
// response with gjson (the response shape is not stable enough to warrant a
// struct: original_source reads remainingTokens/remainingQueries/
// waitTimeSeconds directly off the decoded map).
func (c *Client) CheckQuota(class pool.Class) pool.QuotaChecker {
	return func(ctx context.Context, tokenID string) (map[string]pool.QuotaWindow, error) {
		model := quotaModelsByClass[class]
		if model == "" {
			model = quotaModelsByClass[pool.ClassBasic]
		}
		payload, err := json.Marshal(map[string]string{
			"requestKind": "DEFAULT",
			"modelName":   model,
		})
		if err != nil {
			return nil, err
		}
		resp, err := c.DoJSON(ctx, tokenID, rateLimitsPath, payload)
		if err != nil {
			return nil, err
		}
		if gwErr := ClassifyHTTP(resp.Status, resp.Body); gwErr != nil {
			return nil, gwErr
		}

		parsed := gjson.ParseBytes(resp.Body)
		remaining := int(parsed.Get("remainingTokens").Int())
		if q := parsed.Get("remainingQueries"); q.Exists() {
			remaining = int(q.Int())
		}
		window := pool.QuotaWindow{Remaining: remaining}
		if wait := parsed.Get("waitTimeSeconds"); wait.Exists() && wait.Int() > 0 {
			window.WindowResetAt = time.Now().Add(time.Duration(wait.Int()) * time.Second)
		}
		return map[string]pool.QuotaWindow{string(class): window}, nil
	}
}

// ParseQuotaExhaustion extracts a best-effort reset_at from a 429 response
// body/headers for gwerror.KindUpstreamQuotaExhaust propagation (§4.2 rule
// 4: "429 with a Retry-After-equivalent hint is reported as
// QuotaExhausted(reset_at)").
func ParseQuotaExhaustion(resp *Response) time.Time {
	if d := RetryAfter(resp.Headers); d > 0 {
		return time.Now().Add(d)
	}
	wait := gjson.GetBytes(resp.Body, "waitTimeSeconds")
	if wait.Exists() && wait.Int() > 0 {
		return time.Now().Add(time.Duration(wait.Int()) * time.Second)
	}
	return time.Now().Add(5 * time.Minute)
}
