package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lkarlslund/grokgateway/pkg/gwerror"
	"github.com/lkarlslund/grokgateway/pkg/openaiapi"
	"github.com/lkarlslund/grokgateway/pkg/pool"
	"github.com/lkarlslund/grokgateway/pkg/translator"
)

// imagineWSPath is the upstream Imagine WebSocket endpoint, grounded on
// original_source's WS_IMAGINE_URL ("wss://grok.com/ws/imagine/listen");
// resolved against the client's configured WS base.
const imagineWSPath = "/ws/imagine/listen"

// imagineRequestMessage mirrors ImagineWebSocketReverse._build_request_message:
// the only outbound frame this transport ever sends.
type imagineRequestMessage struct {
	Type      string        `json:"type"`
	Timestamp int64         `json:"timestamp"`
	Item      imagineItem   `json:"item"`
}

type imagineItem struct {
	Type    string            `json:"type"`
	Content []imagineContent  `json:"content"`
}

type imagineContent struct {
	RequestID  string               `json:"requestId"`
	Text       string               `json:"text"`
	Type       string               `json:"type"`
	Properties imagineProperties    `json:"properties"`
}

type imagineProperties struct {
	SectionCount  int  `json:"section_count"`
	IsKidsMode    bool `json:"is_kids_mode"`
	EnableNSFW    bool `json:"enable_nsfw"`
	SkipUpsampler bool `json:"skip_upsampler"`
	IsInitial     bool `json:"is_initial"`
	AspectRatio   string `json:"aspect_ratio"`
}

// ImageEmitFunc receives one streamed image item (a preview/medium/final
// checkpoint already resolved to a gateway-owned URL).
type ImageEmitFunc func(openaiapi.ImageItem) error

// RunImage implements the run_image public contract (§4.2): drives the
// WebSocket image-generation state machine end to end for one prompt,
// emitting each checkpoint the translator decides to surface and stopping
// once n final images have been produced or the session is blocked.
//
// Grounded on original_source's ImagineWebSocketReverse.stream /
// _stream_once: one request frame, a receive loop classified by
// pkg/translator's WSImageSession, n final images collected before closing.
// maxImagesNonStream and maxImagesStream are §6.1's ceilings on n: a
// non-streaming request may ask for up to 10 final images, a streaming one
// up to 2 (each streamed image drives its own preview/medium/final
// checkpoint sequence, so the ceiling is tighter to bound event volume).
const (
	maxImagesNonStream = 10
	maxImagesStream    = 2
)

func (p *Pipeline) RunImage(ctx context.Context, req openaiapi.ImageGenerationRequest, emit ImageEmitFunc) error {
	hint := ClassifyChatModel(req.Model)
	n := req.N
	if n <= 0 {
		n = 1
	}
	if req.Stream {
		if n > maxImagesStream {
			n = maxImagesStream
		}
	} else if n > maxImagesNonStream {
		n = maxImagesNonStream
	}

	bs := newBackoffState(p.Retry, time.Now())
	state := StateAcquiring
	emittedBytes := false
	distinctAuthFailures := 0
	// tried records token ids already acquired and released for this
	// request so retries never hand the same token back (§8).
	tried := map[string]bool{}

	for {
		switch state {
		case StateAcquiring:
			if bs.exhausted(time.Now()) {
				return gwerror.New(gwerror.KindUpstreamTimeout, "retry budget exhausted while acquiring a token")
			}
			lease, acqErr := p.Pool.AcquireExcluding(hint, tried)
			if acqErr != nil {
				return gwerror.New(gwerror.KindPoolEmpty, "no selectable token for this request's class")
			}
			tried[lease.TokenID] = true
			state = StateConnecting
			completed, outcome, runErr := p.runImagineSession(ctx, lease, req, n, emit, &emittedBytes)
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
				state = StateAcquiring
				continue
			case actionQuotaRetry:
				p.Pool.Release(lease, pool.QuotaExhausted(outcome.resetAt))
				if completed > 0 || emittedBytes || bs.maxAttemptsReached() || bs.exhausted(time.Now()) {
					return gwerror.New(gwerror.KindUpstreamTimeout, "retry budget exhausted after quota exhaustion")
				}
				state = StateAcquiring
				continue
			case actionTransientRetry:
				p.Pool.Release(lease, pool.TransientFailure(outcome.status))
				if completed > 0 || emittedBytes || bs.maxAttemptsReached() || bs.exhausted(time.Now()) {
					return runErr
				}
				time.Sleep(bs.next())
				state = StateAcquiring
				continue
			default:
				p.Pool.Release(lease, pool.TerminalFailure("unclassified"))
				return runErr
			}
		default:
			return fmt.Errorf("pipeline: unreachable state %s", state)
		}
	}
}

func (p *Pipeline) runImagineSession(ctx context.Context, lease *pool.Lease, req openaiapi.ImageGenerationRequest, n int, emit ImageEmitFunc, emittedBytes *bool) (completed int, outcome attemptOutcome, err error) {
	conn, httpResp, dialErr := p.Upstream.DialImageWS(ctx, lease.TokenID, imagineWSPath)
	if dialErr != nil {
		if httpResp != nil {
			gwErr := upstreamClassifyForWS(httpResp.StatusCode)
			if gwErr.Kind == gwerror.KindUpstreamAuthRevoked {
				return 0, attemptOutcome{action: actionAuthRetry, status: httpResp.StatusCode}, gwErr
			}
			if gwErr.Kind == gwerror.KindUpstreamQuotaExhaust {
				return 0, attemptOutcome{action: actionQuotaRetry, status: httpResp.StatusCode, resetAt: time.Now().Add(5 * time.Minute)}, gwErr
			}
		}
		return 0, attemptOutcome{action: actionTransientRetry}, gwerror.Wrap(gwerror.KindUpstreamHTTP5xx, dialErr)
	}
	defer conn.Close()

	session := translator.NewWSImageSession(p.Translator.MediumMinBytes, p.Translator.FinalMinBytes, time.Duration(p.Translator.FinalTimeoutSec)*time.Second)

	msg := imagineRequestMessage{
		Type:      "conversation.item.create",
		Timestamp: time.Now().UnixMilli(),
		Item: imagineItem{
			Type: "message",
			Content: []imagineContent{{
				RequestID: uuid.NewString(),
				Text:      req.Prompt,
				Type:      "input_text",
				Properties: imagineProperties{
					EnableNSFW:  true,
					AspectRatio: "2:3",
				},
			}},
		},
	}
	payload, marshalErr := json.Marshal(msg)
	if marshalErr != nil {
		return 0, attemptOutcome{action: actionTerminal, reason: "marshal_failed"}, gwerror.Wrap(gwerror.KindTranslatorProtocol, marshalErr)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return 0, attemptOutcome{action: actionTransientRetry}, gwerror.Wrap(gwerror.KindUpstreamHTTP5xx, err)
	}

	finalSeen := map[string]bool{}
	for {
		if err := session.CheckTimeout(time.Now()); err != nil {
			return completed, attemptOutcome{action: actionTerminal, reason: "blocked"}, gwerror.New(gwerror.KindTranslatorBlocked, "image generation blocked")
		}

		_, data, readErr := conn.ReadMessage()
		if readErr != nil {
			if completed > 0 {
				return completed, attemptOutcome{action: actionSuccess}, nil
			}
			return completed, attemptOutcome{action: actionTransientRetry}, gwerror.Wrap(gwerror.KindUpstreamHTTP5xx, readErr)
		}

		ev, parseErr := parseImagineFrame(data)
		if parseErr != nil {
			continue
		}
		if ev.errorCode != "" {
			return completed, attemptOutcome{action: actionTerminal, reason: ev.errorCode}, gwerror.New(gwerror.KindTranslatorProtocol, ev.errorMsg)
		}
		if ev.url == "" && len(ev.blob) == 0 {
			continue
		}

		result, frameErr := session.Frame(ev.blob, time.Now())
		if frameErr != nil {
			return completed, attemptOutcome{action: actionTerminal, reason: "blocked"}, gwerror.New(gwerror.KindTranslatorBlocked, "image generation blocked")
		}
		if !result.Emit {
			continue
		}

		url, cacheErr := p.MediaCache.Put(ctx, "image", result.Bytes)
		if cacheErr != nil {
			continue
		}
		*emittedBytes = true
		if err := emit(translator.BuildImageItem(url, "")); err != nil {
			return completed, attemptOutcome{action: actionTerminal, reason: "client_cancelled"}, gwerror.New(gwerror.KindClientCancelled, "client disconnected")
		}

		if result.Final {
			if !finalSeen[ev.imageID] {
				finalSeen[ev.imageID] = true
				completed++
			}
			if completed >= n {
				return completed, attemptOutcome{action: actionSuccess}, nil
			}
			session = translator.NewWSImageSession(p.Translator.MediumMinBytes, p.Translator.FinalMinBytes, time.Duration(p.Translator.FinalTimeoutSec)*time.Second)
		}
	}
}

type imagineFrame struct {
	url       string
	blob      []byte
	imageID   string
	errorCode string
	errorMsg  string
}

func parseImagineFrame(data []byte) (imagineFrame, error) {
	var raw struct {
		Type    string `json:"type"`
		URL     string `json:"url"`
		Blob    string `json:"blob"`
		ErrCode string `json:"err_code"`
		ErrMsg  string `json:"err_msg"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return imagineFrame{}, err
	}
	if raw.Type == "error" {
		code := raw.ErrCode
		if code == "" {
			code = "ws_stream_failed"
		}
		return imagineFrame{errorCode: code, errorMsg: raw.ErrMsg}, nil
	}
	return imagineFrame{url: raw.URL, blob: []byte(raw.Blob), imageID: extractImageID(raw.URL)}, nil
}

// extractImageID pulls the UUID-like path segment out of an upstream image
// URL, matching ImagineWebSocketReverse._parse_image_url's pattern; falls
// back to the URL itself so distinct images are never deduplicated together.
func extractImageID(url string) string {
	const marker = "/images/"
	idx := -1
	for i := 0; i+len(marker) <= len(url); i++ {
		if url[i:i+len(marker)] == marker {
			idx = i + len(marker)
			break
		}
	}
	if idx < 0 {
		return url
	}
	rest := url[idx:]
	for i, r := range rest {
		if r == '.' {
			return rest[:i]
		}
	}
	return rest
}

func upstreamClassifyForWS(status int) *gwerror.GatewayError {
	switch {
	case status == 401 || status == 403:
		return gwerror.New(gwerror.KindUpstreamAuthRevoked, "authentication rejected by upstream")
	case status == 429:
		return &gwerror.GatewayError{Kind: gwerror.KindUpstreamQuotaExhaust, Message: "upstream reports quota exhausted"}
	default:
		return gwerror.New(gwerror.KindUpstreamHTTP5xx, "websocket handshake failed")
	}
}
