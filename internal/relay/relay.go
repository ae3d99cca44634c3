// Package relay bridges one telephony media stream to one speech model
// session.
//
// For every call a [Supervisor] opens and configures the upstream session,
// registers the call, and runs two forwarders side by side:
//
//   - [Inbound] reads carrier events, transcodes caller audio from 8 kHz
//     µ-law to 24 kHz PCM16 and appends it to the upstream input buffer.
//   - [Outbound] reads upstream events, transcodes synthesised audio back to
//     8 kHz µ-law and writes it to the carrier for the stream the call is
//     bound to.
//
// The forwarders share nothing but the session registry. When one of them
// finishes, the other gets a grace period to finish on its own before it is
// cancelled; the registry entry and the upstream session are always released
// when [Supervisor.Serve] returns.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/telephony"
)

// TelephonyConn is the carrier side of a call. *telephony.Conn satisfies it.
type TelephonyConn interface {
	// ReadEvent blocks until the next carrier event arrives. It returns an
	// error wrapping telephony.ErrMalformedEvent for undecodable messages and
	// telephony.ErrClosed once the stream has ended.
	ReadEvent(ctx context.Context) (telephony.Event, error)

	// WriteMedia sends one µ-law frame for playback on streamID.
	WriteMedia(ctx context.Context, streamID string, ulaw []byte) error

	// WriteClear discards audio queued for playback on streamID.
	WriteClear(ctx context.Context, streamID string) error
}

var _ TelephonyConn = (*telephony.Conn)(nil)

// UpstreamConnectError reports that the speech model session for a call could
// not be opened or configured. Nothing was registered for the call.
type UpstreamConnectError struct {
	CallID string
	Err    error
}

func (e *UpstreamConnectError) Error() string {
	return fmt.Sprintf("relay: connect upstream for call %q: %v", e.CallID, e.Err)
}

func (e *UpstreamConnectError) Unwrap() error { return e.Err }

// Drop reasons recorded with the frames-dropped metric.
const (
	DropEmpty    = "empty"
	DropTrack    = "track"
	DropNoStream = "no_stream"
	DropDecode   = "decode"
)

// Stats counts frames for a single call. The zero value is ready to use and
// safe for concurrent use.
type Stats struct {
	FramesIn      atomic.Int64
	FramesOut     atomic.Int64
	FramesDropped atomic.Int64
}

// meter combines per-call counters with the process-wide metrics. Either
// may be nil.
type meter struct {
	stats   *Stats
	metrics *observe.Metrics
}

func (m meter) forwarded(ctx context.Context, direction string) {
	if m.stats != nil {
		if direction == observe.DirectionInbound {
			m.stats.FramesIn.Add(1)
		} else {
			m.stats.FramesOut.Add(1)
		}
	}
	if m.metrics != nil {
		m.metrics.RecordFrameForwarded(ctx, direction)
	}
}

func (m meter) dropped(ctx context.Context, direction, reason string) {
	if m.stats != nil {
		m.stats.FramesDropped.Add(1)
	}
	if m.metrics != nil {
		m.metrics.RecordFrameDropped(ctx, direction, reason)
	}
}

func (m meter) upstreamError(ctx context.Context, kind string) {
	if m.metrics != nil {
		m.metrics.RecordUpstreamError(ctx, kind)
	}
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
