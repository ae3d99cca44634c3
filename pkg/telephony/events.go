// Package telephony speaks the Twilio Media Streams protocol: the JSON
// WebSocket vocabulary a telephony carrier uses to stream call audio to an
// application and receive synthesised audio back.
//
// Inbound messages are decoded exactly once, by [Decode], into one of the
// closed set of event types below ([Connected], [Start], [Media], [Mark],
// [DTMF], [Stop] or [Unknown]). Callers type-switch on the result; messages
// with an event name this package does not understand decode to [Unknown]
// rather than failing.
//
// Audio payloads are base64-decoded by [Decode]; [Media.Payload] holds raw
// 8 kHz µ-law bytes.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent is returned (wrapped) when an inbound message is not
	// valid JSON, has no event name, or carries an undecodable payload.
	ErrMalformedEvent = errors.New("telephony: malformed event")

	// ErrClosed is returned (wrapped) when the media stream socket has been
	// closed by either peer.
	ErrClosed = errors.New("telephony: connection closed")
)

// Event is one decoded inbound media-stream message.
type Event interface {
	// EventName returns the wire name of the event, e.g. "media".
	EventName() string
}

// Connected is the first message on every stream.
type Connected struct {
	Protocol string
	Version  string
}

// Start announces the stream and the call it belongs to.
type Start struct {
	StreamID         string
	CallID           string
	AccountID        string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

// MediaFormat describes the audio carried by subsequent [Media] events.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Media carries one chunk of caller audio.
type Media struct {
	StreamID  string
	Track     string
	Chunk     string
	Timestamp string

	// Payload is raw µ-law audio, already base64-decoded.
	Payload []byte
}

// Mark acknowledges playback of a previously sent mark.
type Mark struct {
	StreamID string
	Name     string
}

// DTMF reports a keypad digit pressed by the caller.
type DTMF struct {
	StreamID string
	Digit    string
}

// Stop ends the stream.
type Stop struct {
	StreamID string
	CallID   string
}

// Unknown is any message whose event name is not recognised.
type Unknown struct {
	Name string
	Raw  json.RawMessage
}

func (Connected) EventName() string { return "connected" }
func (Start) EventName() string     { return "start" }
func (Media) EventName() string     { return "media" }
func (Mark) EventName() string      { return "mark" }
func (DTMF) EventName() string      { return "dtmf" }
func (Stop) EventName() string      { return "stop" }
func (u Unknown) EventName() string { return u.Name }

// ── Wire types ────────────────────────────────────────────────────────────────

type inboundMessage struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	Version   string `json:"version,omitempty"`

	Start *startPayload `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
	Mark  *markPayload  `json:"mark,omitempty"`
	DTMF  *dtmfPayload  `json:"dtmf,omitempty"`
	Stop  *stopPayload  `json:"stop,omitempty"`
}

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type dtmfPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type stopPayload struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid"`
}

// Decode parses one inbound media-stream message.
//
// Errors wrap [ErrMalformedEvent]. A well-formed message with an
// unrecognised event name is not an error; it decodes to [Unknown].
func Decode(data []byte) (Event, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	switch msg.Event {
	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedEvent)

	case "connected":
		return Connected{Protocol: msg.Protocol, Version: msg.Version}, nil

	case "start":
		if msg.Start == nil {
			return nil, fmt.Errorf("%w: start without start object", ErrMalformedEvent)
		}
		streamID := msg.Start.StreamSID
		if streamID == "" {
			streamID = msg.StreamSID
		}
		if streamID == "" {
			return nil, fmt.Errorf("%w: start without streamSid", ErrMalformedEvent)
		}
		return Start{
			StreamID:         streamID,
			CallID:           msg.Start.CallSID,
			AccountID:        msg.Start.AccountSID,
			Tracks:           msg.Start.Tracks,
			MediaFormat:      msg.Start.MediaFormat,
			CustomParameters: msg.Start.CustomParameters,
		}, nil

	case "media":
		if msg.Media == nil {
			return nil, fmt.Errorf("%w: media without media object", ErrMalformedEvent)
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: media payload: %w", ErrMalformedEvent, err)
		}
		return Media{
			StreamID:  msg.StreamSID,
			Track:     msg.Media.Track,
			Chunk:     msg.Media.Chunk,
			Timestamp: msg.Media.Timestamp,
			Payload:   payload,
		}, nil

	case "mark":
		m := Mark{StreamID: msg.StreamSID}
		if msg.Mark != nil {
			m.Name = msg.Mark.Name
		}
		return m, nil

	case "dtmf":
		d := DTMF{StreamID: msg.StreamSID}
		if msg.DTMF != nil {
			d.Digit = msg.DTMF.Digit
		}
		return d, nil

	case "stop":
		s := Stop{StreamID: msg.StreamSID}
		if msg.Stop != nil {
			s.CallID = msg.Stop.CallSID
		}
		return s, nil

	default:
		return Unknown{Name: msg.Event, Raw: json.RawMessage(data)}, nil
	}
}

// ── Outbound messages ─────────────────────────────────────────────────────────

// outboundMedia is {"event":"media","streamSid":...,"media":{"payload":...}}.
type outboundMedia struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     outboundAudio `json:"media"`
}

type outboundAudio struct {
	Payload string `json:"payload"`
}

// outboundControl covers payload-free messages such as "clear".
type outboundControl struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// EncodeMedia builds the outbound media message that plays ulaw on streamID.
func EncodeMedia(streamID string, ulaw []byte) ([]byte, error) {
	return json.Marshal(outboundMedia{
		Event:     "media",
		StreamSID: streamID,
		Media:     outboundAudio{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	})
}

// EncodeClear builds the message that discards audio queued for playback on
// streamID.
func EncodeClear(streamID string) ([]byte, error) {
	return json.Marshal(outboundControl{Event: "clear", StreamSID: streamID})
}
