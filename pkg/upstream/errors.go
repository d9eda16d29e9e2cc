package upstream

import (
	"strings"

	"github.com/lkarlslund/grokgateway/pkg/gwerror"
)

// authErrorMarkers and blockedMarkers are body substrings that indicate a
// terminal auth failure or a content/anti-bot block even when the HTTP
// status alone is ambiguous. Grounded on the teacher's
// pkg/provider/client.go IsAuthError/IsBlocked substring lists, narrowed to
// the phrasing a Grok-family backend and its edge (Cloudflare) actually
// emit.
var authErrorMarkers = []string{
	"invalid api key",
	"invalid_api_key",
	"unauthorized",
	"token revoked",
	"session expired",
	"authentication failed",
}

var blockedMarkers = []string{
	"cloudflare",
	"just a moment",
	"checking your browser",
	"content policy",
	"blocked",
}

// ClassifyHTTP maps one upstream HTTP response (status + body) to a
// *gwerror.GatewayError, the same way pkg/provider/client.go's HTTPError
// classifiers do for the teacher's multi-provider resolver — narrowed here
// to the single upstream this gateway fronts and to the §7 Kind taxonomy
// instead of a provider-agnostic bool trio.
func ClassifyHTTP(status int, body []byte) *gwerror.GatewayError {
	if status >= 200 && status < 300 {
		return nil
	}
	lower := strings.ToLower(string(body))

	if status == 401 || containsAny(lower, authErrorMarkers) {
		return gwerror.New(gwerror.KindUpstreamAuthRevoked, "authentication rejected by upstream")
	}
	if status == 403 && containsAny(lower, blockedMarkers) {
		return &gwerror.GatewayError{Kind: gwerror.KindTranslatorBlocked, Message: "request blocked by anti-bot layer"}
	}
	if status == 429 {
		return &gwerror.GatewayError{Kind: gwerror.KindUpstreamQuotaExhaust, Message: "upstream reports quota exhausted"}
	}
	if status >= 500 {
		return gwerror.New(gwerror.KindUpstreamHTTP5xx, "upstream server error")
	}
	return gwerror.New(gwerror.KindUpstreamHTTP4xx, "upstream rejected request")
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}
