package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/lkarlslund/grokgateway/pkg/openaiapi"
)

// chatPayload is the canonicalized body sent to the upstream chat/video
// endpoint. The shape (a single flattened "message" string plus a model
// name and inline attachments) is grounded on original_source's
// MessageExtractor.extract + ChatRequestBuilder.build_payload: the
// upstream has no notion of a structured message array, only one prompt
// string with prior turns prefixed by role.
type chatPayload struct {
	Message     string       `json:"message"`
	Model       string       `json:"model"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type attachment struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"`
}

// canonicalizeChat flattens an OpenAI-shaped message array into the
// upstream's single-string convention: every message's text is
// concatenated; the last user message is kept unprefixed, every other
// message is prefixed "{role}: " (matching MessageExtractor.extract's
// last_user_index handling). Non-text content blocks become attachments
// carried alongside the flattened message rather than inlined as text.
func canonicalizeChat(req openaiapi.ChatRequest) chatPayload {
	type turn struct {
		role string
		text string
	}
	var turns []turn
	var attachments []attachment

	lastUserIdx := -1
	for _, msg := range req.Messages {
		var parts []string
		for _, blk := range msg.Blocks() {
			switch blk.Type {
			case "text":
				if t := strings.TrimSpace(blk.Text); t != "" {
					parts = append(parts, t)
				}
			case "image_url":
				if blk.ImageURL != nil && blk.ImageURL.URL != "" {
					attachments = append(attachments, attachment{Type: "image", URL: blk.ImageURL.URL})
				}
			case "input_audio":
				if blk.InputAudio != nil && blk.InputAudio.Data != "" {
					attachments = append(attachments, attachment{Type: "audio", Data: blk.InputAudio.Data})
				}
			case "file":
				if blk.File != nil && blk.File.FileData != "" {
					attachments = append(attachments, attachment{Type: "file", Data: blk.File.FileData})
				}
			}
		}
		if len(parts) == 0 {
			continue
		}
		role := msg.Role
		if role == "" {
			role = "user"
		}
		turns = append(turns, turn{role: role, text: strings.Join(parts, "\n")})
		if role == "user" {
			lastUserIdx = len(turns) - 1
		}
	}

	var lines []string
	for i, t := range turns {
		if i == lastUserIdx {
			lines = append(lines, t.text)
		} else {
			lines = append(lines, t.role+": "+t.text)
		}
	}

	return chatPayload{
		Message:     strings.Join(lines, "\n\n"),
		Model:       req.Model,
		Attachments: attachments,
	}
}

func (p chatPayload) marshal() ([]byte, error) {
	return json.Marshal(p)
}
