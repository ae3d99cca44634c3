package audio

import "math/bits"

// G.711 µ-law constants.
const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawSilence is the µ-law code for a zero sample.
const MulawSilence byte = 0xFF

// MulawToLinear expands one µ-law code to a 16-bit linear sample.
func MulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	v := ((int32(mantissa) << 3) + mulawBias) << exponent
	v -= mulawBias
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}

// LinearToMulaw compresses one 16-bit linear sample to a µ-law code.
// Magnitudes above 32635 are clipped.
func LinearToMulaw(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	// The segment is the position of the highest set bit in bits 7..14.
	exponent := byte(bits.Len32(uint32(s)>>7) - 1)
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// MulawDecode expands µ-law bytes to little-endian int16 PCM. The output is
// twice the length of the input.
func MulawDecode(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		s := MulawToLinear(u)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// MulawEncode compresses little-endian int16 PCM to µ-law bytes. A trailing
// odd byte is ignored.
func MulawEncode(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = LinearToMulaw(s)
	}
	return out
}
