package translator

import (
	"bufio"
	"fmt"
	"io"

	"github.com/lkarlslund/grokgateway/pkg/openaiapi"
)

// ChatOptions configures one chat translation pass (§4.3).
type ChatOptions struct {
	// ThinkingEnabled gates Reasoning event routing: when false, Reasoning
	// events are dropped entirely rather than surfaced as reasoning_content
	// (§4.3 "Reasoning trace separation").
	ThinkingEnabled bool
	TagFilter       []string
	RequestID       string
	FallbackModel   string
}

// ChatStream incrementally turns a raw upstream byte stream into a
// sequence of openaiapi.ChatChunk values, applying tag filtering and
// reasoning-trace routing as it goes.
type ChatStream struct {
	opts        ChatOptions
	filter      *TagFilter
	model       string
	index       int
	closed      bool
	gotAnyDelta bool
}

func NewChatStream(opts ChatOptions) *ChatStream {
	model := opts.FallbackModel
	if model == "" {
		model = "grok-4-mini-thinking-tahoe"
	}
	return &ChatStream{
		opts:   opts,
		filter: NewTagFilter(opts.TagFilter),
		model:  model,
	}
}

// HandleEvent consumes one parsed UpstreamEvent and returns the zero or
// more chunks it produces.
func (s *ChatStream) HandleEvent(ev UpstreamEvent) []openaiapi.ChatChunk {
	if ev.Model != "" {
		s.model = ev.Model
	}
	switch ev.Kind {
	case EventDelta:
		filtered := s.filter.Feed(ev.Text)
		if filtered == "" {
			return nil
		}
		s.gotAnyDelta = true
		return []openaiapi.ChatChunk{s.deltaChunk(openaiapi.Delta{Content: filtered})}
	case EventReasoning:
		if !s.opts.ThinkingEnabled {
			return nil
		}
		filtered := s.filter.Feed(ev.Text)
		if filtered == "" {
			return nil
		}
		return []openaiapi.ChatChunk{s.deltaChunk(openaiapi.Delta{ReasoningContent: filtered})}
	case EventToolCard:
		filtered := s.filter.Feed(ev.Text)
		if filtered == "" {
			return nil
		}
		target := openaiapi.Delta{Content: filtered}
		if ev.IsThinking {
			if !s.opts.ThinkingEnabled {
				return nil
			}
			target = openaiapi.Delta{ReasoningContent: filtered}
		}
		return []openaiapi.ChatChunk{s.deltaChunk(target)}
	case EventDone:
		reason := ev.FinishReason
		if reason == "" {
			reason = "stop"
		}
		return []openaiapi.ChatChunk{s.finishChunk(reason)}
	default:
		return nil
	}
}

// Closed reports whether a Done event has already produced a finish chunk,
// so the pipeline knows not to synthesize a second one on idle/EOF.
func (s *ChatStream) Closed() bool {
	return s.closed
}

// SawDelta reports whether at least one content delta was produced, the
// gate pool.MarkSuccessValid documents for a Release(Success) call (§4.1
// "Success resets to 0 only when the response is structurally valid").
func (s *ChatStream) SawDelta() bool {
	return s.gotAnyDelta
}

// Flush emits any trailing plain text buffered in the tag filter (§4.3
// "Unterminated tags at stream end are flushed as plain text").
func (s *ChatStream) Flush() []openaiapi.ChatChunk {
	if trailing := s.filter.Flush(); trailing != "" {
		return []openaiapi.ChatChunk{s.deltaChunk(openaiapi.Delta{Content: trailing})}
	}
	return nil
}

func (s *ChatStream) deltaChunk(delta openaiapi.Delta) openaiapi.ChatChunk {
	s.index++
	return openaiapi.ChatChunk{
		ID:      s.opts.RequestID,
		Object:  "chat.completion.chunk",
		Model:   s.model,
		Choices: []openaiapi.ChatChunkChoice{{Index: 0, Delta: delta}},
	}
}

func (s *ChatStream) finishChunk(reason string) openaiapi.ChatChunk {
	s.closed = true
	return openaiapi.ChatChunk{
		ID:     s.opts.RequestID,
		Object: "chat.completion.chunk",
		Model:  s.model,
		Choices: []openaiapi.ChatChunkChoice{{
			Index:        0,
			Delta:        openaiapi.Delta{},
			FinishReason: &reason,
		}},
	}
}

// LineReader decodes an upstream newline-delimited JSON byte stream into
// UpstreamEvent values, mirroring original_source's response.iter_lines().
// Callers feed it raw chunks as they arrive off the HTTP response body; it
// buffers any partial trailing line.
type LineReader struct {
	scanner *bufio.Scanner
	pr      *io.PipeReader
	pw      *io.PipeWriter
	events  chan UpstreamEvent
	errCh   chan error
}

// NewLineReader starts a background goroutine that scans newline-delimited
// JSON lines fed via Write and decodes each into an UpstreamEvent on the
// returned channel. Close the writer (via Close) once the upstream body is
// exhausted to unblock the scanner and close the events channel.
func NewLineReader() *LineReader {
	pr, pw := io.Pipe()
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	lr := &LineReader{scanner: scanner, pr: pr, pw: pw, events: make(chan UpstreamEvent, 16), errCh: make(chan error, 1)}
	go lr.run()
	return lr
}

func (lr *LineReader) run() {
	defer close(lr.events)
	for lr.scanner.Scan() {
		line := lr.scanner.Bytes()
		ev := ParseLine(line)
		if ev.Kind == EventNone {
			continue
		}
		lr.events <- ev
	}
	if err := lr.scanner.Err(); err != nil {
		lr.errCh <- err
	}
}

// Write feeds one chunk of raw upstream bytes into the line scanner.
func (lr *LineReader) Write(p []byte) error {
	_, err := lr.pw.Write(p)
	if err != nil {
		return fmt.Errorf("line reader write: %w", err)
	}
	return nil
}

// Close signals end of input; the events channel closes once the scanner
// drains any buffered partial line.
func (lr *LineReader) Close() error {
	return lr.pw.Close()
}

// Events returns the channel of decoded events.
func (lr *LineReader) Events() <-chan UpstreamEvent {
	return lr.events
}

// Err returns the scan error, if any, after the events channel closes.
func (lr *LineReader) Err() error {
	select {
	case err := <-lr.errCh:
		return err
	default:
		return nil
	}
}
