package translator

import (
	"context"

	"github.com/lkarlslund/grokgateway/pkg/openaiapi"
)

// MediaCache is the subset of pkg/mediacache's adapter the translator
// needs. Declared here (rather than imported as a concrete type) so
// pkg/mediacache can depend on pkg/translator's types without a cycle.
type MediaCache interface {
	// Put stores inline bytes content-addressed and returns a stable local
	// URL (§4.3 "handed to the media cache which returns a stable URL").
	Put(ctx context.Context, kind string, data []byte) (string, error)
	// Fetch downloads a remote upstream URL and stores it the same way,
	// so the client never sees an upstream URL directly (§4.3).
	Fetch(ctx context.Context, kind string, remoteURL string) (string, error)
}

// ResolveAsset turns one Asset event into a stable, gateway-owned URL,
// fetching from the upstream URL when the event didn't carry bytes inline.
func ResolveAsset(ctx context.Context, cache MediaCache, ev UpstreamEvent) (string, error) {
	kind := string(ev.AssetKind)
	if kind == "" {
		kind = string(AssetImage)
	}
	if len(ev.AssetBytes) > 0 {
		return cache.Put(ctx, kind, ev.AssetBytes)
	}
	return cache.Fetch(ctx, kind, ev.AssetURL)
}

// EmitAssetChunk builds the ChatChunk a resolved asset contributes to a
// chat completion stream: a markdown image link appended to content,
// mirroring original_source's "![Generated Image](url)" convention.
func (s *ChatStream) EmitAssetChunk(url string) openaiapi.ChatChunk {
	return s.deltaChunk(openaiapi.Delta{Content: "![Generated Image](" + url + ")\n"})
}

// BuildImageItem renders a resolved asset URL as the appropriate
// openaiapi.ImageItem shape for the images endpoints, honoring
// response_format=b64_json by handing back raw bytes instead of a URL when
// the caller already has them decoded.
func BuildImageItem(url string, b64 string) openaiapi.ImageItem {
	if b64 != "" {
		return openaiapi.ImageItem{B64JSON: b64}
	}
	return openaiapi.ImageItem{URL: url}
}
