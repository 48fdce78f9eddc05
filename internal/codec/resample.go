package codec

// ResampleMono converts mono samples from one rate to another using linear
// interpolation. Equal rates return the input unchanged.
func ResampleMono(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}

	outLen := int(int64(len(samples)) * int64(to) / int64(from))
	if outLen == 0 {
		return nil
	}
	out := make([]float32, outLen)
	ratio := float64(from) / float64(to)
	last := len(samples) - 1

	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}
	return out
}
