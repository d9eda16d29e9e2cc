package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lkarlslund/grokgateway/pkg/gwerror"
	"github.com/lkarlslund/grokgateway/pkg/openaiapi"
	"github.com/lkarlslund/grokgateway/pkg/pool"
	"github.com/lkarlslund/grokgateway/pkg/translator"
	"github.com/lkarlslund/grokgateway/pkg/upstream"
)

// videoModeFlags mirrors VideoService._build_payload's preset -> mode_flag
// table.
var videoModeFlags = map[string]string{
	"fun":    "--mode=extremely-crazy",
	"normal": "--mode=normal",
	"spicy":  "--mode=extremely-spicy-or-crazy",
}

type videoPayload struct {
	Temporary       bool              `json:"temporary"`
	ModelName       string            `json:"modelName"`
	Message         string            `json:"message"`
	ToolOverrides   map[string]bool   `json:"toolOverrides"`
	ResponseMeta    videoResponseMeta `json:"responseMetadata"`
}

type videoResponseMeta struct {
	ModelConfigOverride videoModelConfigOverride `json:"modelConfigOverride"`
}

type videoModelConfigOverride struct {
	ModelMap videoModelMap `json:"modelMap"`
}

type videoModelMap struct {
	VideoGenModelConfig videoGenModelConfig `json:"videoGenModelConfig"`
}

type videoGenModelConfig struct {
	AspectRatio    string `json:"aspectRatio"`
	VideoLength    int    `json:"videoLength"`
	ResolutionName string `json:"resolutionName"`
}

// canonicalizeVideo builds the upstream video-generation payload, grounded
// on VideoService._build_payload: the prompt is suffixed with a mode flag
// derived from a caller-chosen preset (SPEC_FULL carries "normal" as the
// only default since the OpenAI-shaped request has no preset field of its
// own), and the video_config fields are forwarded into the upstream's
// nested modelConfigOverride shape.
func canonicalizeVideo(req openaiapi.ChatRequest, prompt string) []byte {
	modeFlag := videoModeFlags["normal"]
	aspectRatio := "3:2"
	length := 6
	resolution := "480p"
	if req.VideoConfig != nil {
		if req.VideoConfig.ResolutionName != "" {
			resolution = req.VideoConfig.ResolutionName
		}
		if req.VideoConfig.VideoLength > 0 {
			length = int(req.VideoConfig.VideoLength)
		}
	}
	p := videoPayload{
		Temporary:     true,
		ModelName:     "grok-3",
		Message:       prompt + " " + modeFlag,
		ToolOverrides: map[string]bool{"videoGen": true},
	}
	p.ResponseMeta.ModelConfigOverride.ModelMap.VideoGenModelConfig = videoGenModelConfig{
		AspectRatio:    aspectRatio,
		VideoLength:    length,
		ResolutionName: resolution,
	}
	out, _ := json.Marshal(p)
	return out
}

// VideoChunk is one streamed progress update or the final asset, shaped
// like a ChatChunk so callers can relay it on the same SSE connection as
// /v1/chat/completions (SPEC_FULL §6.1: video requests ride the chat
// streaming surface, distinguished by video_config).
type VideoChunk = openaiapi.ChatChunk

// RunVideo implements the run_video public contract (§4.2). It reuses the
// chat transport (newline-delimited JSON over the same conversation
// endpoint) but decodes progress events instead of text deltas, emitting a
// periodic "generating, N%" delta and a final markdown video link once
// streamingVideoGenerationResponse.progress reaches 100. Grounded on
// original_source's VideoStreamProcessor.process.
func (p *Pipeline) RunVideo(ctx context.Context, req openaiapi.ChatRequest, prompt string, emit EmitFunc) error {
	hint := ClassifyVideoRequest(req.Model, req.VideoConfig)
	payload := canonicalizeVideo(req, prompt)
	requestID := "chatcmpl-" + uuid.NewString()

	bs := newBackoffState(p.Retry, time.Now())
	distinctAuthFailures := 0
	emittedBytes := false
	roleSent := false
	// tried records token ids already acquired and released for this
	// request so retries never hand the same token back (§8).
	tried := map[string]bool{}

	for {
		if bs.exhausted(time.Now()) {
			return gwerror.New(gwerror.KindUpstreamTimeout, "retry budget exhausted while acquiring a token")
		}
		lease, acqErr := p.Pool.AcquireExcluding(hint, tried)
		if acqErr != nil {
			return gwerror.New(gwerror.KindPoolEmpty, "no selectable token for this request's class")
		}
		tried[lease.TokenID] = true

		outcome, runErr := p.connectAndStreamVideo(ctx, lease, payload, requestID, req.Model, &emittedBytes, &roleSent, emit)
		switch outcome.action {
		case actionSuccess:
			p.Pool.Release(lease, pool.Success(nil))
			return nil
		case actionTerminal:
			p.Pool.Release(lease, pool.TerminalFailure(outcome.reason))
			return runErr
		case actionAuthRetry:
			p.Pool.Release(lease, pool.TerminalFailure("auth_revoked"))
			distinctAuthFailures++
			if distinctAuthFailures >= 2 {
				return gwerror.New(gwerror.KindUpstreamAuthRevoked, "authentication rejected on two distinct tokens")
			}
			continue
		case actionQuotaRetry:
			p.Pool.Release(lease, pool.QuotaExhausted(outcome.resetAt))
			if emittedBytes || bs.maxAttemptsReached() || bs.exhausted(time.Now()) {
				return gwerror.New(gwerror.KindUpstreamTimeout, "retry budget exhausted after quota exhaustion")
			}
			continue
		case actionTransientRetry:
			p.Pool.Release(lease, pool.TransientFailure(outcome.status))
			if emittedBytes || bs.maxAttemptsReached() || bs.exhausted(time.Now()) {
				return runErr
			}
			time.Sleep(bs.next())
			continue
		default:
			p.Pool.Release(lease, pool.TerminalFailure("unclassified"))
			return runErr
		}
	}
}

func (p *Pipeline) connectAndStreamVideo(ctx context.Context, lease *pool.Lease, payload []byte, requestID, model string, emittedBytes *bool, roleSent *bool, emit EmitFunc) (attemptOutcome, error) {
	idleCtx, poke, cancel := withIdleTimeout(ctx, time.Duration(p.Translator.VideoStreamTimeoutSec)*time.Second)
	defer cancel()

	var carry []byte
	videoErr := error(nil)

	processLine := func(line []byte) error {
		vev := translator.ParseVideoLine(line)
		switch vev.Kind {
		case translator.EventError:
			videoErr = gwerror.New(gwerror.KindTranslatorProtocol, vev.ErrMessage)
			return videoErr
		case translator.EventDelta:
			*roleSent = true
			*emittedBytes = true
			if err := emit(progressChunk(requestID, model, vev.Progress)); err != nil {
				videoErr = gwerror.New(gwerror.KindClientCancelled, "client disconnected")
				return videoErr
			}
		case translator.EventAsset:
			url, cacheErr := p.MediaCache.Fetch(ctx, "video", vev.VideoURL)
			if cacheErr == nil {
				*emittedBytes = true
				if err := emit(videoAssetChunk(requestID, model, url)); err != nil {
					videoErr = gwerror.New(gwerror.KindClientCancelled, "client disconnected")
					return videoErr
				}
			}
		case translator.EventDone:
			if err := emit(finishVideoChunk(requestID, model)); err != nil {
				videoErr = gwerror.New(gwerror.KindClientCancelled, "client disconnected")
				return videoErr
			}
		}
		return nil
	}

	result, streamErr := p.Upstream.DoStream(idleCtx, lease.TokenID, chatUpstreamPath, payload, func(b []byte) error {
		poke()
		carry = append(carry, b...)
		for {
			idx := indexNewline(carry)
			if idx < 0 {
				break
			}
			line := carry[:idx]
			carry = carry[idx+1:]
			if len(line) == 0 {
				continue
			}
			if err := processLine(line); err != nil {
				return err
			}
		}
		return nil
	})
	if streamErr == nil && videoErr == nil && len(carry) > 0 {
		_ = processLine(carry)
	}

	if streamErr != nil {
		if videoErr != nil {
			if gwE, ok := gwerror.As(videoErr); ok && gwE.Kind == gwerror.KindClientCancelled {
				return attemptOutcome{action: actionTerminal, reason: "client_cancelled"}, videoErr
			}
			return attemptOutcome{action: actionTerminal, reason: "translator_protocol_error"}, videoErr
		}
		if idleCtx.Err() != nil {
			return attemptOutcome{action: actionTerminal, reason: "idle_timeout"}, gwerror.New(gwerror.KindUpstreamTimeout, "idle timeout waiting for upstream bytes")
		}
		return attemptOutcome{action: actionTransientRetry}, gwerror.Wrap(gwerror.KindUpstreamHTTP5xx, streamErr)
	}

	if result.Status < 200 || result.Status >= 300 {
		gwErr := upstream.ClassifyHTTP(result.Status, result.Body)
		switch gwErr.Kind {
		case gwerror.KindUpstreamAuthRevoked:
			return attemptOutcome{action: actionAuthRetry, status: result.Status}, gwErr
		case gwerror.KindUpstreamQuotaExhaust:
			fakeResp := &upstream.Response{Status: result.Status, Headers: result.Headers, Body: result.Body}
			return attemptOutcome{action: actionQuotaRetry, status: result.Status, resetAt: upstream.ParseQuotaExhaustion(fakeResp)}, gwErr
		default:
			if isRetryableStatus(result.Status, p.Retry.RetryStatusCodes) {
				return attemptOutcome{action: actionTransientRetry, status: result.Status}, gwErr
			}
			return attemptOutcome{action: actionTerminal, reason: gwErr.Message}, gwErr
		}
	}

	if videoErr != nil {
		if gwE, ok := gwerror.As(videoErr); ok && gwE.Kind == gwerror.KindClientCancelled {
			return attemptOutcome{action: actionTerminal, reason: "client_cancelled"}, videoErr
		}
		return attemptOutcome{action: actionTransientRetry}, videoErr
	}
	return attemptOutcome{action: actionSuccess}, nil
}

// indexNewline returns the index of the first '\n' in b, or -1.
func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

func progressChunk(id, model string, progress int) VideoChunk {
	return VideoChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: 0,
		Model:   model,
		Choices: []openaiapi.ChatChunkChoice{{
			Delta: openaiapi.Delta{Content: fmt.Sprintf("generating video, %d%%\n", progress)},
		}},
	}
}

func videoAssetChunk(id, model, url string) VideoChunk {
	return VideoChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: 0,
		Model:   model,
		Choices: []openaiapi.ChatChunkChoice{{
			Delta: openaiapi.Delta{Content: "![Generated Video](" + url + ")\n"},
		}},
	}
}

func finishVideoChunk(id, model string) VideoChunk {
	reason := "stop"
	return VideoChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: 0,
		Model:   model,
		Choices: []openaiapi.ChatChunkChoice{{
			FinishReason: &reason,
		}},
	}
}
