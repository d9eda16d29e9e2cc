// Package translator implements the stream translator (§4.3): it consumes
// the upstream's newline-delimited JSON event stream (or WebSocket image
// frames) and emits OpenAI-shaped chat/image chunks, applying tag
// filtering, reasoning-trace separation, and asset caching along the way.
//
// Grounded on the teacher's pkg/proxy/server.go sseUsageParser (incremental
// line-buffered event parsing) and on original_source's
// app/services/grok/processer.py, whose process_stream is the literal
// upstream wire shape this package decodes:
// {"result":{"response":{"token","isThinking","messageTag","toolUsageCardId",
// "webSearchResults","imageAttachmentInfo","modelResponse","userResponse"}},
// "error":{...}} one JSON object per line.
package translator

import (
	"github.com/tidwall/gjson"
)

// EventKind tags one UpstreamEvent variant (§3).
type EventKind int

const (
	EventDelta EventKind = iota
	EventReasoning
	EventToolCard
	EventAsset
	EventDone
	EventError
	EventNone // parsed line carried nothing actionable
)

// AssetKind distinguishes an Asset event's media type.
type AssetKind string

const (
	AssetImage AssetKind = "image"
	AssetVideo AssetKind = "video"
)

// UpstreamEvent is one parsed upstream wire event (§3).
type UpstreamEvent struct {
	Kind EventKind

	// Delta / Reasoning / ToolCard
	Text        string
	MessageTag  string
	IsThinking  bool
	ToolCardRaw string

	// Asset
	AssetKind  AssetKind
	AssetURL   string
	AssetBytes []byte
	Seq        int
	ElapsedMS  int64

	// Done
	FinishReason string

	// Error
	ErrMessage string
	ErrHTTP    int

	// Model is carried on whichever event first reports userResponse.model,
	// used by the chat translator to fill ChatChunk.Model.
	Model string
}

// ParseLine decodes one upstream newline-delimited JSON line into an
// UpstreamEvent. Malformed lines are tolerated (returns an EventNone event),
// matching original_source's "parse failure → skip, continue" behavior.
func ParseLine(line []byte) UpstreamEvent {
	if len(line) == 0 {
		return UpstreamEvent{Kind: EventNone}
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return UpstreamEvent{Kind: EventNone}
	}

	if errObj := root.Get("error"); errObj.Exists() {
		return UpstreamEvent{
			Kind:       EventError,
			ErrMessage: errObj.Get("message").String(),
			ErrHTTP:    int(errObj.Get("code").Int()),
		}
	}

	resp := root.Get("result.response")
	if !resp.Exists() {
		return UpstreamEvent{Kind: EventNone}
	}

	var ev UpstreamEvent
	if model := resp.Get("userResponse.model"); model.Exists() {
		ev.Model = model.String()
	}

	if resp.Get("imageAttachmentInfo").Exists() || resp.Get("modelResponse.generatedImageUrls").Exists() {
		if urls := resp.Get("modelResponse.generatedImageUrls"); urls.IsArray() {
			arr := urls.Array()
			if len(arr) > 0 {
				return UpstreamEvent{
					Kind:      EventAsset,
					AssetKind: AssetImage,
					AssetURL:  arr[0].String(),
					Model:     ev.Model,
				}
			}
		}
		if tok := resp.Get("token"); tok.Exists() && tok.Type == gjson.String && tok.String() != "" {
			return UpstreamEvent{Kind: EventDelta, Text: tok.String(), Model: ev.Model}
		}
		return UpstreamEvent{Kind: EventNone}
	}

	tok := resp.Get("token")
	if tok.IsArray() {
		return UpstreamEvent{Kind: EventNone}
	}

	if cardID := resp.Get("toolUsageCardId"); cardID.Exists() {
		ev.Kind = EventToolCard
		ev.ToolCardRaw = cardID.String()
		if wsr := resp.Get("webSearchResults"); wsr.Exists() {
			ev.IsThinking = resp.Get("isThinking").Bool()
			ev.MessageTag = resp.Get("messageTag").String()
			ev.Text = renderWebSearchResults(wsr)
			return ev
		}
		return UpstreamEvent{Kind: EventNone}
	}

	text := tok.String()
	if text == "" {
		if resp.Get("modelResponse").Exists() {
			return UpstreamEvent{Kind: EventDone, FinishReason: "stop", Model: ev.Model}
		}
		return UpstreamEvent{Kind: EventNone}
	}

	ev.Text = text
	ev.IsThinking = resp.Get("isThinking").Bool()
	ev.MessageTag = resp.Get("messageTag").String()
	if ev.IsThinking {
		ev.Kind = EventReasoning
	} else {
		ev.Kind = EventDelta
	}
	return ev
}

func renderWebSearchResults(wsr gjson.Result) string {
	var out string
	wsr.Get("results").ForEach(func(_, result gjson.Result) bool {
		title := result.Get("title").String()
		url := result.Get("url").String()
		preview := result.Get("preview").String()
		out += "\n- [" + title + "](" + url + " \"" + preview + "\")"
		return true
	})
	if out != "" {
		out += "\n"
	}
	return out
}
