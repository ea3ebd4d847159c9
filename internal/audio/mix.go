package audio

// Ramp is a linear gain change applied over a number of samples.
type Ramp struct {
	From, To float64
	Length   int
}

// Gain returns the ramp gain at sample offset i. Offsets past the end hold
// the final gain.
func (r Ramp) Gain(i int) float64 {
	if r.Length <= 0 || i >= r.Length {
		return r.To
	}
	if i < 0 {
		return r.From
	}
	return r.From + (r.To-r.From)*float64(i)/float64(r.Length)
}

// MixInto adds src scaled by gain into dst (accumulator in float64 so that
// several voices can be summed before clamping).
func MixInto(dst []float64, src []int16, gain func(i int) float64) {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] += float64(src[i]) * gain(i)
	}
}

// Flatten converts a mixing accumulator to saturated PCM16 samples.
func Flatten(acc []float64) []int16 {
	out := make([]int16, len(acc))
	for i, v := range acc {
		out[i] = Clamp16(v)
	}
	return out
}

// Resample converts mono samples between rates by linear interpolation.
func Resample(in []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = Clamp16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return out
}
