package codec

// Linear-interpolation sample rate conversion. Sufficient for the speech
// band the codec carries; a polyphase resampler would be a drop-in
// improvement without contract changes.

// Resample converts mono PCM from srcRate to dstRate using linear
// interpolation. Equal rates return a copy so callers may mutate the
// result freely.
func Resample(input []int16, srcRate, dstRate uint32) []int16 {
	if srcRate == 0 || dstRate == 0 || len(input) == 0 {
		return nil
	}

	if srcRate == dstRate {
		out := make([]int16, len(input))
		copy(out, input)
		return out
	}

	outLen := int(uint64(len(input)) * uint64(dstRate) / uint64(srcRate))
	if outLen == 0 {
		return nil
	}

	out := make([]int16, outLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := input[idx]
		s1 := s0
		if idx+1 < len(input) {
			s1 = input[idx+1]
		}

		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}

	return out
}

// ResampleTo16k converts PCM at srcRate down (or up) to the codec rate.
func ResampleTo16k(input []int16, srcRate uint32) []int16 {
	return Resample(input, srcRate, CodecSampleRate)
}

// ResampleFrom16k converts PCM at the codec rate to dstRate.
func ResampleFrom16k(input []int16, dstRate uint32) []int16 {
	return Resample(input, CodecSampleRate, dstRate)
}
