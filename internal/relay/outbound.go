package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/session"
	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/realtime"
	"github.com/MrWong99/callrelay/pkg/telephony"
)

// Outbound forwards synthesised speech from the model to the carrier.
type Outbound struct {
	CallID   string
	Tel      TelephonyConn
	Upstream realtime.Session
	Registry session.Registry

	// InterruptOnSpeech sends a clear to the carrier whenever the model
	// detects the caller speaking, cutting off queued playback.
	InterruptOnSpeech bool

	Stats   *Stats
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Run handles upstream events until the upstream closes, the carrier
// connection closes or ctx is cancelled; all of these return nil. Audio that
// arrives before the carrier announced its stream id is dropped. Any other
// transport failure is returned.
func (out *Outbound) Run(ctx context.Context) error {
	log := loggerOr(out.Logger)
	m := meter{stats: out.Stats, metrics: out.Metrics}

	for {
		ev, err := out.Upstream.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, realtime.ErrMalformedEvent):
				log.Debug("relay: skipping malformed upstream event", "err", err)
				continue
			case errors.Is(err, realtime.ErrClosed), ctx.Err() != nil:
				log.Debug("relay: upstream closed", "err", err)
				return nil
			default:
				m.upstreamError(ctx, "receive")
				return fmt.Errorf("relay: outbound receive: %w", err)
			}
		}

		done, err := out.handle(ctx, log, m, ev)
		if done || err != nil {
			return err
		}
	}
}

func (out *Outbound) handle(ctx context.Context, log *slog.Logger, m meter, ev realtime.Event) (done bool, err error) {
	switch e := ev.(type) {
	case realtime.AudioDelta:
		ulaw, ok := audio.WidebandToNarrowband(e.Audio)
		if !ok {
			m.dropped(ctx, observe.DirectionOutbound, DropDecode)
			return false, nil
		}
		streamID, known := out.Registry.StreamID(out.CallID)
		if !known {
			m.dropped(ctx, observe.DirectionOutbound, DropNoStream)
			return false, nil
		}
		if err := out.Tel.WriteMedia(ctx, streamID, ulaw); err != nil {
			return out.writeFailed(ctx, log, err)
		}
		m.forwarded(ctx, observe.DirectionOutbound)

	case realtime.SpeechStarted:
		if !out.InterruptOnSpeech {
			return false, nil
		}
		streamID, known := out.Registry.StreamID(out.CallID)
		if !known {
			return false, nil
		}
		log.Debug("relay: caller barge-in, clearing playback", "stream_sid", streamID)
		if err := out.Tel.WriteClear(ctx, streamID); err != nil {
			return out.writeFailed(ctx, log, err)
		}

	case realtime.SessionCreated:
		log.Info("relay: upstream session created", "session_id", e.SessionID, "model", e.Model)
	case realtime.SessionUpdated:
		log.Info("relay: upstream session configured", "session_id", e.SessionID)
	case realtime.TranscriptDone:
		log.Info("relay: transcript", "role", string(e.Role), "text", e.Text)
	case realtime.Error:
		m.upstreamError(ctx, "event")
		log.Warn("relay: upstream reported error", "type", e.Type, "code", e.Code, "message", e.Message)
	case realtime.Unknown:
		log.Debug("relay: ignoring upstream event", "type", e.Type)
	}
	return false, nil
}

func (out *Outbound) writeFailed(ctx context.Context, log *slog.Logger, err error) (bool, error) {
	if errors.Is(err, telephony.ErrClosed) || ctx.Err() != nil {
		log.Debug("relay: carrier closed while writing", "err", err)
		return true, nil
	}
	return true, fmt.Errorf("relay: outbound write: %w", err)
}
