package capture

import (
	"encoding/binary"

	"murmur/audio"
)

// converter turns device-native PCM16 into the requested format: channels
// are downmixed by averaging, and the sample rate is converted by linear
// interpolation. It is streaming: fractional position and the previous
// sample carry across calls so chunk boundaries stay continuous.
type converter struct {
	from audio.StreamFormat
	to   audio.StreamFormat

	pos    float64
	last   int16
	primed bool
}

// newConverter returns nil when the device format already matches.
func newConverter(from, to audio.StreamFormat) *converter {
	if from == to {
		return nil
	}
	return &converter{from: from, to: to}
}

// convert consumes one device buffer and returns the converted PCM16 mono
// bytes. The returned slice is freshly allocated; the input is not retained.
func (c *converter) convert(data []byte) []byte {
	mono := downmix(data, int(c.from.Channels))
	if c.from.SampleRate == c.to.SampleRate {
		out := make([]byte, len(mono)*2)
		for i, s := range mono {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
		}
		return out
	}
	return c.resample(mono)
}

func downmix(data []byte, channels int) []int16 {
	frames := len(data) / 2 / channels
	mono := make([]int16, frames)
	for f := 0; f < frames; f++ {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(int16(binary.LittleEndian.Uint16(data[(f*channels+ch)*2:])))
		}
		mono[f] = int16(sum / int32(channels))
	}
	return mono
}

func (c *converter) resample(in []int16) []byte {
	if len(in) == 0 {
		return nil
	}

	// Prepend the carried sample so interpolation can reach back across the
	// previous buffer boundary.
	src := in
	if c.primed {
		src = make([]int16, 0, len(in)+1)
		src = append(src, c.last)
		src = append(src, in...)
	}

	step := float64(c.from.SampleRate) / float64(c.to.SampleRate)
	var out []byte
	pos := c.pos
	for pos <= float64(len(src)-1) {
		i := int(pos)
		frac := pos - float64(i)
		s := float64(src[i])
		if frac > 0 && i+1 < len(src) {
			s += frac * (float64(src[i+1]) - s)
		}
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(int16(s)))
		out = append(out, buf[0], buf[1])
		pos += step
	}

	c.pos = pos - float64(len(src)-1)
	c.last = src[len(src)-1]
	c.primed = true
	return out
}
