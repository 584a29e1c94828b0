package level

import (
	"encoding/binary"
	"math"
)

// Gain lifts typical speech RMS into a useful display range before clamping.
const Gain = 4.0

// Level computes a scalar loudness value in [0,1] for one chunk of PCM16 LE
// mono samples: RMS amplitude normalized to full scale, times Gain, clamped.
// Purely derived from the chunk contents; feedback display only.
func Level(samples []byte) float64 {
	n := len(samples) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < n*2; i += 2 {
		s := int16(binary.LittleEndian.Uint16(samples[i:]))
		v := float64(s) / 32768.0
		sumSquares += v * v
	}
	l := math.Sqrt(sumSquares/float64(n)) * Gain
	if l > 1 {
		l = 1
	}
	return l
}
