package translator

import (
	"fmt"
	"time"
)

// WSState is one state of the WebSocket image-generation state machine
// (§4.3 "WebSocket image mode").
type WSState int

const (
	WSOpening WSState = iota
	WSAwaitingPreview
	WSAwaitingMedium
	WSAwaitingFinal
	WSClosed
)

func (s WSState) String() string {
	switch s {
	case WSOpening:
		return "opening"
	case WSAwaitingPreview:
		return "awaiting_preview"
	case WSAwaitingMedium:
		return "awaiting_medium"
	case WSAwaitingFinal:
		return "awaiting_final"
	case WSClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrBlocked is returned by Frame when final_timeout expires after a
// medium checkpoint without a final frame (§4.3: "treated as blocked
// (content policy) and surfaced as a translator-level error").
var ErrBlocked = fmt.Errorf("translator: image generation blocked (final checkpoint timed out)")

// WSImageSession drives the Opening -> Awaiting-Preview -> Awaiting-Medium
// -> Awaiting-Final -> Closed state machine for one WebSocket image
// generation call.
type WSImageSession struct {
	mediumMinBytes int
	finalMinBytes  int
	finalTimeout   time.Duration

	state         WSState
	mediumAt      time.Time
	mediumEmitted bool
}

func NewWSImageSession(mediumMinBytes, finalMinBytes int, finalTimeout time.Duration) *WSImageSession {
	return &WSImageSession{
		mediumMinBytes: mediumMinBytes,
		finalMinBytes:  finalMinBytes,
		finalTimeout:   finalTimeout,
		state:          WSOpening,
	}
}

// FrameResult reports what one decoded WS frame means for the caller.
type FrameResult struct {
	// Emit is true when the caller should surface this frame's bytes to
	// the client (a medium preview, or the final image).
	Emit bool
	// Final is true once the final image has been emitted; the caller
	// should close the connection after this.
	Final bool
	Bytes []byte
}

// Frame processes one decoded WS frame's payload bytes at time now.
func (s *WSImageSession) Frame(data []byte, now time.Time) (FrameResult, error) {
	if s.state == WSClosed {
		return FrameResult{}, fmt.Errorf("translator: frame received after session closed")
	}
	if s.state == WSOpening {
		s.state = WSAwaitingPreview
	}

	size := len(data)

	switch s.state {
	case WSAwaitingPreview:
		if size < s.mediumMinBytes {
			return FrameResult{}, nil
		}
		s.state = WSAwaitingMedium
		fallthrough
	case WSAwaitingMedium:
		if size >= s.finalMinBytes {
			s.state = WSClosed
			return FrameResult{Emit: true, Final: true, Bytes: data}, nil
		}
		if !s.mediumEmitted {
			s.mediumEmitted = true
			s.mediumAt = now
			s.state = WSAwaitingFinal
			return FrameResult{Emit: true, Bytes: data}, nil
		}
		return FrameResult{}, nil
	case WSAwaitingFinal:
		if s.finalTimeout > 0 && now.Sub(s.mediumAt) > s.finalTimeout {
			s.state = WSClosed
			return FrameResult{}, ErrBlocked
		}
		if size >= s.finalMinBytes {
			s.state = WSClosed
			return FrameResult{Emit: true, Final: true, Bytes: data}, nil
		}
		return FrameResult{}, nil
	default:
		return FrameResult{}, nil
	}
}

// CheckTimeout is called by the caller's idle/polling loop between frames
// to detect final_timeout expiry even when no further frames arrive.
func (s *WSImageSession) CheckTimeout(now time.Time) error {
	if s.state == WSAwaitingFinal && s.finalTimeout > 0 && now.Sub(s.mediumAt) > s.finalTimeout {
		s.state = WSClosed
		return ErrBlocked
	}
	return nil
}

// State reports the current state, mainly for admin/diagnostics surfaces.
func (s *WSImageSession) State() WSState {
	return s.state
}
