// Package openaiapi declares the OpenAI-compatible request/response/chunk
// shapes this gateway speaks on its public surface (§3 OpenAIChunk, §6.1).
//
// These are hand-declared rather than imported from an SDK: the teacher's
// github.com/sashabaranov/go-openai models a client talking to a real
// OpenAI-compatible upstream, but this gateway's upstream speaks a
// proprietary protocol translated by pkg/translator — decoding into that
// SDK's structs would mean an immediate reshape with no savings, so the
// dependency is not carried forward (see DESIGN.md).
package openaiapi

// ContentBlock is a tagged variant content item (§9 design notes: "Replace
// with explicit tagged variants for content blocks"). Exactly one of the
// typed fields is set, selected by Type.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ImageURL *ImageURLBlock `json:"image_url,omitempty"`

	InputAudio *InputAudioBlock `json:"input_audio,omitempty"`

	File *FileBlock `json:"file,omitempty"`
}

type ImageURLBlock struct {
	URL string `json:"url"`
}

type InputAudioBlock struct {
	Data   string `json:"data"`
	Format string `json:"format,omitempty"`
}

type FileBlock struct {
	FileData string `json:"file_data"`
	Filename string `json:"filename,omitempty"`
}

// Message is one chat message. Content may be a plain string or an array
// of ContentBlock; Content keeps whichever the client sent so the
// pipeline can canonicalize it without losing information.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Blocks normalizes Content into []ContentBlock regardless of whether the
// client sent a bare string or a content-block array. Unrecognized shapes
// are ignored, per §9: "ignore unrecognized fields."
func (m Message) Blocks() []ContentBlock {
	switch v := m.Content.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: v}}
	case []any:
		out := make([]ContentBlock, 0, len(v))
		for _, raw := range v {
			obj, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			blk := blockFromMap(obj)
			if blk.Type != "" {
				out = append(out, blk)
			}
		}
		return out
	default:
		return nil
	}
}

func blockFromMap(obj map[string]any) ContentBlock {
	t, _ := obj["type"].(string)
	blk := ContentBlock{Type: t}
	switch t {
	case "text":
		blk.Text, _ = obj["text"].(string)
	case "image_url":
		if m, ok := obj["image_url"].(map[string]any); ok {
			url, _ := m["url"].(string)
			blk.ImageURL = &ImageURLBlock{URL: url}
		}
	case "input_audio":
		if m, ok := obj["input_audio"].(map[string]any); ok {
			data, _ := m["data"].(string)
			format, _ := m["format"].(string)
			blk.InputAudio = &InputAudioBlock{Data: data, Format: format}
		}
	case "file":
		if m, ok := obj["file"].(map[string]any); ok {
			data, _ := m["file_data"].(string)
			name, _ := m["filename"].(string)
			blk.File = &FileBlock{FileData: data, Filename: name}
		}
	}
	return blk
}

// VideoConfig carries §6.1's video_config fields plus the SPEC_FULL
// Additions (fps, duration_hint_s) forwarded verbatim to the upstream.
type VideoConfig struct {
	ResolutionName string  `json:"resolution_name,omitempty"`
	VideoLength    float64 `json:"video_length,omitempty"`
	FPS            float64 `json:"fps,omitempty"`
	DurationHintS  float64 `json:"duration_hint_s,omitempty"`
}

// ImageConfig carries §6.1's image_config fields.
type ImageConfig struct {
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// ChatRequest is the POST /v1/chat/completions body (§6.1).
type ChatRequest struct {
	Model           string       `json:"model"`
	Messages        []Message    `json:"messages"`
	Stream          bool         `json:"stream"`
	ReasoningEffort string       `json:"reasoning_effort,omitempty"`
	VideoConfig     *VideoConfig `json:"video_config,omitempty"`
	ImageConfig     *ImageConfig `json:"image_config,omitempty"`
}

// ImageGenerationRequest is the POST /v1/images/generations body (§6.1).
type ImageGenerationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	Stream         bool   `json:"stream"`
}

// ImageEditRequest is the multipart/form-data POST /v1/images/edits body.
type ImageEditRequest struct {
	ImageGenerationRequest
	ImageBytes    []byte
	ImageFilename string
}

// Usage is the standard OpenAI usage object. The translator does not decode
// an upstream usage frame, so nothing in the gateway populates it today and
// ChatChunk.Usage stays nil.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Delta is one streamed chat-completion chunk's delta payload.
type Delta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ChatChunkChoice is one choice within a streamed chat-completion chunk.
type ChatChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ChatChunk is the standard streaming chat-completion chunk shape (§3
// OpenAIChunk, §6.1).
type ChatChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []ChatChunkChoice `json:"choices"`
	Usage   *Usage            `json:"usage,omitempty"`
}

// ImageItem is one generated image in an images response, carrying either
// a cache-rewritten URL or base64 bytes depending on response_format
// (§4.3 "Image/video assets").
type ImageItem struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

// ImageResponse is either the single final JSON object (non-streaming) or
// one chunk of a streaming image-generation response (§4.3).
type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageItem `json:"data"`
}

// Error is the OpenAI-style error envelope (§7 propagation policy).
type Error struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ErrorResponse wraps Error as the top-level JSON body.
type ErrorResponse struct {
	Error Error `json:"error"`
}

// ModelEntry is one row of GET /v1/models (SPEC_FULL §6.1 Addition).
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the GET /v1/models response body.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}
