// Package audio converts call audio between the two encodings callrelay
// bridges:
//
//   - [Narrowband]: 8 kHz, 8-bit G.711 µ-law, mono. This is what the
//     telephony media stream carries.
//   - [Wideband]: 24 kHz, 16-bit little-endian signed PCM, mono. This is what
//     the realtime speech model consumes and produces.
//
// The entry points are [NarrowbandToWideband] and [WidebandToNarrowband]. Both
// are pure: the same input bytes always produce the same output bytes, and
// neither returns an error. A frame that cannot be converted yields ok=false,
// which callers treat as "nothing to forward".
//
// This package lives under pkg/ because the codec and resampling helpers are
// useful outside the relay (test fixtures, offline tooling).
package audio

import "fmt"

// Encoding names a sample encoding.
type Encoding string

const (
	// EncodingMulaw is ITU-T G.711 µ-law, one byte per sample.
	EncodingMulaw Encoding = "g711_ulaw"

	// EncodingPCM16 is 16-bit little-endian signed linear PCM.
	EncodingPCM16 Encoding = "pcm16"
)

// Format describes the encoding, sample rate and channel count of an audio stream.
type Format struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

// BytesPerSample returns the encoded size of one sample of one channel.
func (f Format) BytesPerSample() int {
	if f.Encoding == EncodingMulaw {
		return 1
	}
	return 2
}

// String returns a human-readable description, e.g. "pcm16 24000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%s %dHz %s", f.Encoding, f.SampleRate, ch)
}

var (
	// Narrowband is the telephony side format.
	Narrowband = Format{Encoding: EncodingMulaw, SampleRate: 8000, Channels: 1}

	// Wideband is the speech model side format.
	Wideband = Format{Encoding: EncodingPCM16, SampleRate: 24000, Channels: 1}
)

// rateFactor is Wideband.SampleRate / Narrowband.SampleRate.
const rateFactor = 3
