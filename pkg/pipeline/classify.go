// Package pipeline implements the upstream request pipeline (§4.2): it
// orchestrates token acquisition, request construction, execution,
// translation, and outcome reporting for one client call.
package pipeline

import (
	"strings"

	"github.com/lkarlslund/grokgateway/pkg/openaiapi"
	"github.com/lkarlslund/grokgateway/pkg/pool"
)

// ClassifyChatModel derives the §6.1 model → token class mapping for a
// chat/video request: "*-heavy" is a strict Super requirement, "*-thinking"
// prefers Super with Basic fallback, everything else is Basic.
func ClassifyChatModel(model string) pool.ClassHint {
	m := strings.ToLower(model)
	switch {
	case strings.HasSuffix(m, "-heavy"):
		return pool.HintSuper
	case strings.HasSuffix(m, "-thinking"):
		return pool.HintSuperPreferred
	default:
		return pool.HintBasic
	}
}

// ClassifyVideoRequest applies the same mapping but additionally accounts
// for the video-specific SuperPreferred triggers: 720p resolution or a
// video longer than 6 seconds (§6.1).
func ClassifyVideoRequest(model string, cfg *openaiapi.VideoConfig) pool.ClassHint {
	hint := ClassifyChatModel(model)
	if hint == pool.HintSuper {
		return hint
	}
	if cfg == nil {
		return hint
	}
	if strings.EqualFold(cfg.ResolutionName, "720p") || cfg.VideoLength > 6 {
		return pool.HintSuperPreferred
	}
	return hint
}
