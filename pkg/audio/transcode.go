package audio

import (
	"log/slog"
	"sync"
)

// warnedMisaligned rate-limits the misaligned-frame warning to once per process.
var warnedMisaligned sync.Once

// NarrowbandToWideband converts a telephony frame (8 kHz µ-law) into a speech
// model frame (24 kHz PCM16). The output holds exactly three samples per input
// byte. ok is false when there is nothing to forward (empty input).
func NarrowbandToWideband(frame []byte) (out []byte, ok bool) {
	if len(frame) == 0 {
		return nil, false
	}
	pcm := MulawDecode(frame)
	out = ResampleMono16(pcm, Narrowband.SampleRate, Wideband.SampleRate)
	return out, len(out) > 0
}

// WidebandToNarrowband converts a speech model frame (24 kHz PCM16) into a
// telephony frame (8 kHz µ-law). The output holds one byte per three input
// samples; samples that do not fill a complete group of three are dropped.
//
// ok is false when the frame is not valid PCM16 (odd byte count) or is too
// short to yield a single output sample. Misaligned frames are logged once.
func WidebandToNarrowband(frame []byte) (out []byte, ok bool) {
	if len(frame)%Wideband.BytesPerSample() != 0 {
		warnedMisaligned.Do(func() {
			slog.Warn("audio: odd byte count in PCM16 frame, dropping",
				"bytes", len(frame),
				"format", Wideband.String(),
			)
		})
		return nil, false
	}
	pcm := DecimateMono16(frame, rateFactor)
	if len(pcm) == 0 {
		return nil, false
	}
	return MulawEncode(pcm), true
}
