package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lkarlslund/grokgateway/pkg/config"
	"github.com/lkarlslund/grokgateway/pkg/gwerror"
	"github.com/lkarlslund/grokgateway/pkg/openaiapi"
	"github.com/lkarlslund/grokgateway/pkg/pool"
	"github.com/lkarlslund/grokgateway/pkg/translator"
	"github.com/lkarlslund/grokgateway/pkg/upstream"
)

// chatUpstreamPath is the upstream chat/video conversation endpoint.
// AppChatReverse's own constant was not part of the retrieved source
// slice; this follows the sibling reverse/* endpoints' "/rest/<area>/..."
// naming convention (e.g. RATE_LIMITS_API, LIST_API) and is the real
// Grok web endpoint for starting a conversation turn.
const chatUpstreamPath = "/rest/app-chat/conversations/new"

// State is one state of the per-request pipeline state machine (§4.2).
type State int

const (
	StateAcquiring State = iota
	StateConnecting
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAcquiring:
		return "acquiring"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Pipeline orchestrates token acquisition, request construction,
// execution, translation, and outcome reporting for one client call
// (§4.2). Grounded on the teacher's pkg/proxy/server.go proxyHandler /
// prepareUpstreamRequest orchestration shape, generalized from "pick a
// provider, forward verbatim" to "pick a token, translate the upstream's
// proprietary event stream".
type Pipeline struct {
	Pool       *pool.Pool
	Upstream   *upstream.Client
	Retry      config.RetryConfig
	Translator config.TranslatorConfig
	MediaCache translator.MediaCache
	Logger     *slog.Logger
}

func New(p *pool.Pool, uc *upstream.Client, retry config.RetryConfig, tr config.TranslatorConfig, cache translator.MediaCache) *Pipeline {
	return &Pipeline{Pool: p, Upstream: uc, Retry: retry, Translator: tr, MediaCache: cache, Logger: slog.Default()}
}

// EmitFunc receives one translated chunk. Returning an error aborts the
// stream (e.g. the client disconnected).
type EmitFunc func(openaiapi.ChatChunk) error

// RunChat implements the run_chat public contract (§4.2).
func (p *Pipeline) RunChat(ctx context.Context, req openaiapi.ChatRequest, emit EmitFunc) error {
	hint := ClassifyChatModel(req.Model)
	payload, err := canonicalizeChat(req).marshal()
	if err != nil {
		return gwerror.Wrap(gwerror.KindTranslatorProtocol, err)
	}
	thinkingEnabled := req.ReasoningEffort != "" && req.ReasoningEffort != "none"
	requestID := "chatcmpl-" + uuid.NewString()

	bs := newBackoffState(p.Retry, time.Now())
	state := StateAcquiring
	emittedBytes := false
	distinctAuthFailures := 0
	protocolErrorsSeen := 0
	// tried records every token id already acquired and released for this
	// request, so a retry never hands the same token straight back (§8
	// "retry never reuses") even when the pool has only one selectable
	// token for the class — that case surfaces pool_empty instead.
	tried := map[string]bool{}

	stream := translator.NewChatStream(translator.ChatOptions{
		ThinkingEnabled: thinkingEnabled,
		TagFilter:       p.Translator.TagFilter,
		RequestID:       requestID,
		FallbackModel:   req.Model,
	})

	for {
		switch state {
		case StateAcquiring:
			if bs.exhausted(time.Now()) {
				state = StateFailed
				return gwerror.New(gwerror.KindUpstreamTimeout, "retry budget exhausted while acquiring a token")
			}
			lease, acqErr := p.Pool.AcquireExcluding(hint, tried)
			if acqErr != nil {
				state = StateFailed
				return gwerror.New(gwerror.KindPoolEmpty, "no selectable token for this request's class")
			}
			tried[lease.TokenID] = true
			state = StateConnecting
			outcome, streamErr := p.connectAndStream(ctx, lease, payload, stream, &emittedBytes, &protocolErrorsSeen, emit)
			switch outcome.action {
			case actionSuccess:
				if pool.MarkSuccessValid(stream.SawDelta() || stream.Closed()) {
					p.Pool.Release(lease, pool.Success(nil))
				} else {
					p.Pool.Release(lease, pool.TransientFailure(0))
				}
				state = StateCompleted
				return p.finishStream(stream, emit)
			case actionTerminal:
				p.Pool.Release(lease, pool.TerminalFailure(outcome.reason))
				state = StateFailed
				return streamErr
			case actionAuthRetry:
				p.Pool.Release(lease, pool.TerminalFailure("auth_revoked"))
				distinctAuthFailures++
				if distinctAuthFailures >= 2 {
					state = StateFailed
					return gwerror.New(gwerror.KindUpstreamAuthRevoked, "authentication rejected on two distinct tokens")
				}
				state = StateAcquiring
				continue
			case actionQuotaRetry:
				p.Pool.Release(lease, pool.QuotaExhausted(outcome.resetAt))
				if emittedBytes || bs.maxAttemptsReached() || bs.exhausted(time.Now()) {
					state = StateFailed
					return gwerror.New(gwerror.KindUpstreamTimeout, "retry budget exhausted after quota exhaustion")
				}
				state = StateAcquiring
				continue
			case actionTransientRetry:
				p.Pool.Release(lease, pool.TransientFailure(outcome.status))
				if emittedBytes || bs.maxAttemptsReached() || bs.exhausted(time.Now()) {
					state = StateFailed
					return streamErr
				}
				time.Sleep(bs.next())
				state = StateAcquiring
				continue
			default:
				p.Pool.Release(lease, pool.TerminalFailure("unclassified"))
				state = StateFailed
				return streamErr
			}
		default:
			return fmt.Errorf("pipeline: unreachable state %s", state)
		}
	}
}

type retryAction int

const (
	actionSuccess retryAction = iota
	actionTerminal
	actionAuthRetry
	actionQuotaRetry
	actionTransientRetry
)

type attemptOutcome struct {
	action  retryAction
	status  int
	reason  string
	resetAt time.Time
}

// connectAndStream performs one HTTP attempt against the upstream chat
// endpoint, translating and emitting chunks as they arrive. It returns
// once the attempt concludes (success, a classified failure, or a
// translator-level protocol error).
func (p *Pipeline) connectAndStream(ctx context.Context, lease *pool.Lease, payload []byte, stream *translator.ChatStream, emittedBytes *bool, protocolErrorsSeen *int, emit EmitFunc) (attemptOutcome, error) {
	idleCtx, poke, cancel := withIdleTimeout(ctx, time.Duration(p.Translator.StreamTimeoutSec)*time.Second)
	defer cancel()

	lr := translator.NewLineReader()
	done := make(chan error, 1)
	go func() {
		for ev := range lr.Events() {
			poke()

			if ev.Kind == translator.EventError {
				done <- gwerror.New(gwerror.KindTranslatorProtocol, ev.ErrMessage)
				return
			}

			if ev.Kind == translator.EventAsset {
				url, resolveErr := translator.ResolveAsset(ctx, p.MediaCache, ev)
				if resolveErr == nil {
					*emittedBytes = true
					if err := emit(stream.EmitAssetChunk(url)); err != nil {
						done <- gwerror.New(gwerror.KindClientCancelled, "client disconnected")
						return
					}
				}
				continue
			}

			for _, chunk := range stream.HandleEvent(ev) {
				*emittedBytes = true
				if err := emit(chunk); err != nil {
					done <- gwerror.New(gwerror.KindClientCancelled, "client disconnected")
					return
				}
			}
			if ev.Kind == translator.EventDone {
				done <- nil
				return
			}
		}
		done <- nil
	}()

	result, streamErr := p.Upstream.DoStream(idleCtx, lease.TokenID, chatUpstreamPath, payload, func(b []byte) error {
		poke()
		return lr.Write(b)
	})
	_ = lr.Close()

	if streamErr != nil {
		<-done
		if idleCtx.Err() != nil {
			return attemptOutcome{action: actionTerminal, reason: "idle_timeout"}, gwerror.New(gwerror.KindUpstreamTimeout, "idle timeout waiting for upstream bytes")
		}
		return attemptOutcome{action: actionTransientRetry, status: 0}, gwerror.Wrap(gwerror.KindUpstreamHTTP5xx, streamErr)
	}

	if result.Status < 200 || result.Status >= 300 {
		<-done
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

	if err := <-done; err != nil {
		if gwE, ok := gwerror.As(err); ok && gwE.Kind == gwerror.KindClientCancelled {
			return attemptOutcome{action: actionTerminal, reason: "client_cancelled"}, err
		}
		*protocolErrorsSeen = *protocolErrorsSeen + 1
		if *protocolErrorsSeen > 1 {
			return attemptOutcome{action: actionTerminal, reason: "translator_protocol_error"}, gwerror.Wrap(gwerror.KindTranslatorProtocol, err)
		}
		return attemptOutcome{action: actionTransientRetry}, gwerror.Wrap(gwerror.KindTranslatorProtocol, err)
	}

	return attemptOutcome{action: actionSuccess}, nil
}

func (p *Pipeline) finishStream(stream *translator.ChatStream, emit EmitFunc) error {
	if stream.Closed() {
		return nil
	}
	for _, chunk := range stream.Flush() {
		if err := emit(chunk); err != nil {
			return gwerror.New(gwerror.KindClientCancelled, "client disconnected")
		}
	}
	return nil
}

// withIdleTimeout derives a context that is cancelled if poke() is not
// called within timeout of the last call (or of context creation).
func withIdleTimeout(parent context.Context, timeout time.Duration) (ctx context.Context, poke func(), cancel func()) {
	ctx, cancelFn := context.WithCancel(parent)
	if timeout <= 0 {
		return ctx, func() {}, cancelFn
	}
	kick := make(chan struct{}, 1)
	timer := time.NewTimer(timeout)
	go func() {
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				cancelFn()
				return
			case <-kick:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(timeout)
			}
		}
	}()
	poke = func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
	return ctx, poke, cancelFn
}
