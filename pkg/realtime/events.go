package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Event is one decoded upstream message.
type Event interface {
	// EventType returns the wire type of the event, e.g. "response.audio.delta".
	EventType() string
}

// Role identifies who spoke a transcribed utterance.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SessionCreated is sent once the upstream accepts the connection.
type SessionCreated struct {
	SessionID string
	Model     string
}

// SessionUpdated acknowledges a session.update.
type SessionUpdated struct {
	SessionID string
	Model     string
}

// AudioDelta carries one chunk of synthesised 24 kHz PCM16 audio.
type AudioDelta struct {
	ResponseID string
	ItemID     string

	// Audio is raw PCM16, already base64-decoded.
	Audio []byte
}

// TranscriptDone carries the final transcript of one utterance.
type TranscriptDone struct {
	Role   Role
	ItemID string
	Text   string
}

// SpeechStarted reports that server VAD detected the caller speaking.
type SpeechStarted struct {
	ItemID       string
	AudioStartMs int
}

// Error is an error reported by the upstream. The session stays open.
type Error struct {
	Type    string
	Code    string
	Message string
	Param   string
}

// Unknown is any message whose type is not recognised.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

const (
	typeSessionCreated         = "session.created"
	typeSessionUpdated         = "session.updated"
	typeAudioDelta             = "response.audio.delta"
	typeOutputAudioDelta       = "response.output_audio.delta"
	typeAudioTranscriptDone    = "response.audio_transcript.done"
	typeOutputTranscriptDone   = "response.output_audio_transcript.done"
	typeInputTranscriptionDone = "conversation.item.input_audio_transcription.completed"
	typeSpeechStarted          = "input_audio_buffer.speech_started"
	typeError                  = "error"
	typeSessionUpdate          = "session.update"
	typeInputAudioBufferAppend = "input_audio_buffer.append"
)

func (SessionCreated) EventType() string { return typeSessionCreated }
func (SessionUpdated) EventType() string { return typeSessionUpdated }
func (AudioDelta) EventType() string     { return typeAudioDelta }
func (TranscriptDone) EventType() string { return typeAudioTranscriptDone }
func (SpeechStarted) EventType() string  { return typeSpeechStarted }
func (Error) EventType() string          { return typeError }
func (u Unknown) EventType() string      { return u.Type }

// Error implements the error interface.
func (e Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("realtime: %s (%s)", msg, e.Code)
	}
	return "realtime: " + msg
}

// ── Wire types (incoming) ─────────────────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// session.created / session.updated
	Session *sessionInfo `json:"session,omitempty"`

	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// *transcript* events
	Transcript string `json:"transcript,omitempty"`

	// input_audio_buffer.speech_started
	AudioStartMs int `json:"audio_start_ms,omitempty"`

	// error
	Error *serverErrorDetail `json:"error,omitempty"`
}

type sessionInfo struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

// serverErrorDetail is the nested object in
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

// Decode parses one upstream message. Both the beta and the GA names of the
// audio and transcript events are accepted.
//
// Errors wrap [ErrMalformedEvent]. A well-formed message of an unrecognised
// type decodes to [Unknown].
func Decode(data []byte) (Event, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	switch evt.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)

	case typeSessionCreated:
		var e SessionCreated
		if evt.Session != nil {
			e.SessionID, e.Model = evt.Session.ID, evt.Session.Model
		}
		return e, nil

	case typeSessionUpdated:
		var e SessionUpdated
		if evt.Session != nil {
			e.SessionID, e.Model = evt.Session.ID, evt.Session.Model
		}
		return e, nil

	case typeAudioDelta, typeOutputAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return nil, fmt.Errorf("%w: audio delta: %w", ErrMalformedEvent, err)
		}
		return AudioDelta{ResponseID: evt.ResponseID, ItemID: evt.ItemID, Audio: audio}, nil

	case typeAudioTranscriptDone, typeOutputTranscriptDone:
		return TranscriptDone{Role: RoleAssistant, ItemID: evt.ItemID, Text: evt.Transcript}, nil

	case typeInputTranscriptionDone:
		return TranscriptDone{Role: RoleUser, ItemID: evt.ItemID, Text: evt.Transcript}, nil

	case typeSpeechStarted:
		return SpeechStarted{ItemID: evt.ItemID, AudioStartMs: evt.AudioStartMs}, nil

	case typeError:
		var e Error
		if evt.Error != nil {
			e = Error{
				Type:    evt.Error.Type,
				Code:    evt.Error.Code,
				Message: evt.Error.Message,
				Param:   evt.Error.Param,
			}
		}
		return e, nil

	default:
		return Unknown{Type: evt.Type, Raw: json.RawMessage(data)}, nil
	}
}

// ── Wire types (outgoing) ─────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Model                   string               `json:"model,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// EncodeSessionUpdate builds the session.update message for cfg. Audio
// formats are always pcm16 in both directions.
func EncodeSessionUpdate(cfg SessionConfig) ([]byte, error) {
	params := sessionParams{
		Model:             cfg.Model,
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.TurnDetection.Type != "" {
		td := cfg.TurnDetection
		params.TurnDetection = &td
	}
	if cfg.InputTranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: cfg.InputTranscriptionModel}
	}
	return json.Marshal(sessionUpdateMessage{Type: typeSessionUpdate, Session: params})
}

// EncodeAppendAudio builds the input_audio_buffer.append message for pcm.
func EncodeAppendAudio(pcm []byte) ([]byte, error) {
	return json.Marshal(appendAudioMessage{
		Type:  typeInputAudioBufferAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}
