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

// Inbound forwards caller audio from the carrier to the speech model.
type Inbound struct {
	CallID   string
	Tel      TelephonyConn
	Upstream realtime.Session
	Registry session.Registry

	// Replay holds events read from Tel before the relay started. They are
	// handled first, in order.
	Replay []telephony.Event

	Stats   *Stats
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Run handles carrier events until the stream stops, the connection closes,
// the upstream stops accepting audio or ctx is cancelled; all of these return
// nil. Malformed events are skipped. Any other transport failure is returned.
func (in *Inbound) Run(ctx context.Context) error {
	log := loggerOr(in.Logger)
	m := meter{stats: in.Stats, metrics: in.Metrics}

	for _, ev := range in.Replay {
		done, err := in.handle(ctx, log, m, ev)
		if done || err != nil {
			return err
		}
	}

	for {
		ev, err := in.Tel.ReadEvent(ctx)
		if err != nil {
			switch {
			case errors.Is(err, telephony.ErrMalformedEvent):
				log.Debug("relay: skipping malformed carrier event", "err", err)
				continue
			case errors.Is(err, telephony.ErrClosed), ctx.Err() != nil:
				log.Debug("relay: carrier stream closed", "err", err)
				return nil
			default:
				return fmt.Errorf("relay: inbound read: %w", err)
			}
		}

		done, err := in.handle(ctx, log, m, ev)
		if done || err != nil {
			return err
		}
	}
}

// handle processes one event. done reports that the stream is finished.
func (in *Inbound) handle(ctx context.Context, log *slog.Logger, m meter, ev telephony.Event) (done bool, err error) {
	switch e := ev.(type) {
	case telephony.Start:
		if e.StreamID == "" {
			log.Warn("relay: ignoring start without stream id")
			return false, nil
		}
		in.Registry.SetStreamID(in.CallID, e.StreamID)
		log.Info("relay: media stream started",
			"stream_sid", e.StreamID,
			"encoding", e.MediaFormat.Encoding,
			"sample_rate", e.MediaFormat.SampleRate,
		)

	case telephony.Media:
		// Only the caller's leg is forwarded. With both_tracks the carrier
		// also echoes what it plays back.
		if e.Track != "" && e.Track != "inbound" {
			m.dropped(ctx, observe.DirectionInbound, DropTrack)
			return false, nil
		}
		pcm, ok := audio.NarrowbandToWideband(e.Payload)
		if !ok {
			m.dropped(ctx, observe.DirectionInbound, DropEmpty)
			return false, nil
		}
		if err := in.Upstream.SendAudio(ctx, pcm); err != nil {
			if errors.Is(err, realtime.ErrClosed) || ctx.Err() != nil {
				log.Debug("relay: upstream closed while sending audio", "err", err)
				return true, nil
			}
			m.upstreamError(ctx, "send")
			return true, fmt.Errorf("relay: inbound send: %w", err)
		}
		m.forwarded(ctx, observe.DirectionInbound)

	case telephony.Stop:
		log.Info("relay: media stream stopped", "stream_sid", e.StreamID)
		return true, nil

	case telephony.Connected:
		log.Debug("relay: carrier connected", "protocol", e.Protocol, "version", e.Version)
	case telephony.Mark:
		log.Debug("relay: mark", "name", e.Name)
	case telephony.DTMF:
		log.Debug("relay: dtmf", "digit", e.Digit)
	case telephony.Unknown:
		log.Debug("relay: ignoring carrier event", "event", e.Name)
	}
	return false, nil
}
