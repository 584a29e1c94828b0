package capture

import (
	"encoding/binary"
	"testing"

	"murmur/audio"
)

func pcm16(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func decode16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

func TestConverterNilWhenFormatsMatch(t *testing.T) {
	f := audio.StreamFormat{SampleRate: 16000, Channels: 1}
	if c := newConverter(f, f); c != nil {
		t.Fatal("expected nil converter for identical formats")
	}
}

func TestDownmixStereoMean(t *testing.T) {
	c := newConverter(
		audio.StreamFormat{SampleRate: 16000, Channels: 2},
		audio.StreamFormat{SampleRate: 16000, Channels: 1},
	)
	// Frames: (100, 200), (-100, 100), (32767, 32767)
	in := pcm16(100, 200, -100, 100, 32767, 32767)
	got := decode16(c.convert(in))
	want := []int16{150, 0, 32767}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestUpsampleDoublesLength(t *testing.T) {
	c := newConverter(
		audio.StreamFormat{SampleRate: 8000, Channels: 1},
		audio.StreamFormat{SampleRate: 16000, Channels: 1},
	)
	in := pcm16(0, 100, 200, 300, 400, 500, 600, 700)
	out := decode16(c.convert(in))
	// 8 input samples at half the rate yield roughly 16 output samples.
	if len(out) < 14 || len(out) > 16 {
		t.Fatalf("got %d samples, want ~16", len(out))
	}
	// Linear ramp in, linear ramp out: midpoints interpolate.
	if out[0] != 0 {
		t.Fatalf("first sample %d, want 0", out[0])
	}
	if out[1] != 50 {
		t.Fatalf("interpolated sample %d, want 50", out[1])
	}
}

func TestDownsampleHalvesLength(t *testing.T) {
	c := newConverter(
		audio.StreamFormat{SampleRate: 48000, Channels: 1},
		audio.StreamFormat{SampleRate: 16000, Channels: 1},
	)
	in := make([]int16, 480)
	for i := range in {
		in[i] = int16(i)
	}
	out := decode16(c.convert(pcm16(in...)))
	if len(out) < 158 || len(out) > 161 {
		t.Fatalf("got %d samples, want ~160", len(out))
	}
}

func TestResampleContinuousAcrossBuffers(t *testing.T) {
	mk := func() *converter {
		return newConverter(
			audio.StreamFormat{SampleRate: 8000, Channels: 1},
			audio.StreamFormat{SampleRate: 16000, Channels: 1},
		)
	}
	ramp := make([]int16, 64)
	for i := range ramp {
		ramp[i] = int16(i * 10)
	}

	whole := decode16(mk().convert(pcm16(ramp...)))

	c := mk()
	var split []int16
	split = append(split, decode16(c.convert(pcm16(ramp[:32]...)))...)
	split = append(split, decode16(c.convert(pcm16(ramp[32:]...)))...)

	// Same total sample count within one, and identical values where both
	// sequences overlap.
	if diff := len(whole) - len(split); diff < -1 || diff > 1 {
		t.Fatalf("whole=%d split=%d samples", len(whole), len(split))
	}
	n := min(len(whole), len(split))
	for i := 0; i < n; i++ {
		if whole[i] != split[i] {
			t.Fatalf("sample %d: whole=%d split=%d", i, whole[i], split[i])
		}
	}
}

func TestConvertEmptyInput(t *testing.T) {
	c := newConverter(
		audio.StreamFormat{SampleRate: 8000, Channels: 1},
		audio.StreamFormat{SampleRate: 16000, Channels: 1},
	)
	if out := c.convert(nil); len(out) != 0 {
		t.Fatalf("expected no output for empty input, got %d bytes", len(out))
	}
}
