// Package realtime is the speech model side of callrelay: a client for the
// OpenAI Realtime API, which accepts a live stream of 24 kHz PCM16 audio and
// answers with synthesised audio, transcripts, and voice-activity events over
// a single WebSocket.
//
// The central abstraction is [Session], one upstream conversation bound to one
// phone call. A session is configured exactly once with [Session.UpdateSession]
// before any audio is sent. Inbound events are decoded by [Decode] into a closed
// set of types ([SessionCreated], [SessionUpdated], [AudioDelta],
// [TranscriptDone], [SpeechStarted], [Error] and [Unknown]).
//
// All implementations must be safe for concurrent use by one sender and one
// receiver.
package realtime

import (
	"context"
	"errors"
)

var (
	// ErrMalformedEvent is returned (wrapped) when an upstream message cannot
	// be decoded.
	ErrMalformedEvent = errors.New("realtime: malformed event")

	// ErrClosed is returned (wrapped) once the upstream connection has been
	// closed by either side.
	ErrClosed = errors.New("realtime: session closed")
)

// Provider opens upstream sessions.
type Provider interface {
	// Connect dials a new session for model. An empty model selects the
	// provider's default. The session is not configured; callers must call
	// UpdateSession before sending audio.
	Connect(ctx context.Context, model string) (Session, error)
}

// Session is one upstream speech model conversation.
type Session interface {
	// UpdateSession sends the session configuration (a session.update event).
	UpdateSession(ctx context.Context, cfg SessionConfig) error

	// SendAudio appends one chunk of 24 kHz PCM16 audio to the model's input
	// buffer (an input_audio_buffer.append event).
	SendAudio(ctx context.Context, pcm []byte) error

	// Receive blocks until the next upstream event. It returns an error
	// wrapping ErrMalformedEvent for undecodable messages (the session stays
	// usable), an error wrapping ErrClosed once the connection is gone, or
	// ctx.Err() when ctx is cancelled.
	Receive(ctx context.Context) (Event, error)

	// Close terminates the session. It is idempotent and unblocks a pending
	// Receive.
	Close() error
}

// SessionConfig is the configuration sent once per session.
type SessionConfig struct {
	// Model names the speech model. Informational when the model is already
	// fixed by the connection URL.
	Model string

	// Instructions is the system prompt for the conversation.
	Instructions string

	// Voice is the model voice, e.g. "alloy".
	Voice string

	// TurnDetection controls server-side voice activity detection.
	TurnDetection TurnDetection

	// InputTranscriptionModel enables transcription of caller audio when
	// non-empty, e.g. "whisper-1".
	InputTranscriptionModel string
}

// TurnDetection is the server VAD configuration.
type TurnDetection struct {
	Type              string  `json:"type" yaml:"type"`
	Threshold         float64 `json:"threshold" yaml:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms" yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms" yaml:"silence_duration_ms"`
}

// DefaultTurnDetection returns server VAD with the thresholds callrelay ships
// with.
func DefaultTurnDetection() TurnDetection {
	return TurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 500,
	}
}
