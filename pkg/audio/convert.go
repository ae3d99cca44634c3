package audio

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
//
// The output holds exactly srcSamples*dstRate/srcRate samples (rounded down),
// so integer-factor upsampling is length-exact.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := sampleAt(pcm, srcIdx)
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = sampleAt(pcm, srcIdx+1)
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// DecimateMono16 reduces the sample rate of 16-bit mono PCM by an integer
// factor, replacing each group of factor samples with their mean. The mean
// acts as a crude low-pass filter so that speech energy above the new Nyquist
// frequency does not fold back as loud aliasing.
//
// Trailing samples that do not fill a complete group are discarded. A factor
// below 2 returns the input unchanged.
func DecimateMono16(pcm []byte, factor int) []byte {
	if factor < 2 {
		return pcm
	}
	dstSamples := (len(pcm) / 2) / factor
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	for i := range dstSamples {
		var sum int32
		for j := range factor {
			sum += int32(sampleAt(pcm, i*factor+j))
		}
		avg := int16(sum / int32(factor))
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// sampleAt reads the idx-th little-endian int16 sample from pcm.
func sampleAt(pcm []byte, idx int) int16 {
	return int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
}
