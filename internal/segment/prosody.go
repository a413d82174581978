package segment

import "github.com/MrWong99/englishear/pkg/audio"

// Intonation shaping parameters.
const (
	questionTail  = 0.30 // fraction of samples shaped at the end of a question
	questionRise  = 0.30 // gain added at the very last sample of a question
	statementTail = 0.20
	statementFall = 0.20
	exclaimGain   = 1.10
)

// Shape applies intonation keyed by the sentence's terminal character and then
// the 3-tap smoothing filter. pcm is PCM16 mono; a new buffer is returned.
//
//   - '?' ramps the gain up over the final 30% of samples.
//   - '!' boosts the whole sentence uniformly.
//   - anything else ramps the gain down over the final 20% of samples.
func Shape(pcm []byte, term rune) []byte {
	samples := audio.Samples(pcm)
	if len(samples) == 0 {
		return pcm
	}

	x := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = float64(s)
	}

	switch term {
	case '?':
		ramp(x, questionTail, questionRise)
	case '!':
		for i := range x {
			x[i] *= exclaimGain
		}
	default:
		ramp(x, statementTail, -statementFall)
	}

	out := smooth(x)
	res := make([]int16, len(out))
	for i, v := range out {
		res[i] = audio.ClampInt16(v)
	}
	return audio.Bytes(res)
}

// ramp scales the final tail fraction of x by a gain moving linearly from 1 to
// 1+delta.
func ramp(x []float64, tail, delta float64) {
	n := int(float64(len(x)) * tail)
	if n == 0 {
		return
	}
	start := len(x) - n
	for i := start; i < len(x); i++ {
		progress := float64(i-start+1) / float64(n)
		x[i] *= 1 + delta*progress
	}
}

// smooth applies the 0.25/0.5/0.25 filter, repeating the edge samples.
func smooth(x []float64) []float64 {
	out := make([]float64, len(x))
	last := len(x) - 1
	for i := range x {
		prev, next := x[max(i-1, 0)], x[min(i+1, last)]
		out[i] = 0.25*prev + 0.5*x[i] + 0.25*next
	}
	return out
}
