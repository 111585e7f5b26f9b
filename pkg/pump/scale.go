package pump

import "math"

// Scale multiplies every sample by amplitude, rounding to the nearest
// integer and saturating at the int16 range. The input is not modified.
func Scale(samples []int16, amplitude float64) []int16 {
	out := make([]int16, len(samples))
	if amplitude == 1.0 {
		copy(out, samples)
		return out
	}

	for i, s := range samples {
		v := math.Round(float64(s) * amplitude)
		switch {
		case v > math.MaxInt16:
			out[i] = math.MaxInt16
		case v < math.MinInt16:
			out[i] = math.MinInt16
		default:
			out[i] = int16(v)
		}
	}
	return out
}
