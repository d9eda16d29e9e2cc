package translator

import "github.com/tidwall/gjson"

// VideoEvent is one parsed line of the upstream video-generation stream,
// whose wire shape (result.response.streamingVideoGenerationResponse with a
// progress percentage, then a final videoUrl/thumbnailImageUrl pair) is
// distinct enough from the chat event shape in events.go to warrant its own
// decoder. Grounded on original_source's
// app/services/grok/processors/video.py VideoStreamProcessor.process.
type VideoEvent struct {
	Kind     EventKind // EventDelta (progress), EventAsset (final), EventDone, EventError, EventNone
	Progress int
	VideoURL string
	Thumbnail string
	ErrMessage string
}

// ParseVideoLine decodes one upstream newline-delimited JSON line from the
// video generation transport. Malformed or unrelated lines return
// EventNone, matching the chat parser's tolerant behavior.
func ParseVideoLine(line []byte) VideoEvent {
	if len(line) == 0 {
		return VideoEvent{Kind: EventNone}
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return VideoEvent{Kind: EventNone}
	}
	if errObj := root.Get("error"); errObj.Exists() {
		return VideoEvent{Kind: EventError, ErrMessage: errObj.Get("message").String()}
	}

	resp := root.Get("result.response")
	if !resp.Exists() {
		return VideoEvent{Kind: EventNone}
	}

	vgr := resp.Get("streamingVideoGenerationResponse")
	if !vgr.Exists() {
		if resp.Get("modelResponse").Exists() {
			return VideoEvent{Kind: EventDone}
		}
		return VideoEvent{Kind: EventNone}
	}

	progress := int(vgr.Get("progress").Int())
	if progress >= 100 {
		return VideoEvent{
			Kind:      EventAsset,
			Progress:  progress,
			VideoURL:  vgr.Get("videoUrl").String(),
			Thumbnail: vgr.Get("thumbnailImageUrl").String(),
		}
	}
	return VideoEvent{Kind: EventDelta, Progress: progress}
}
