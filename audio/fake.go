package audio

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	WAVHeaderSize = 44

	fakeFrameSize = 256
)

// FakeContext replays canned PCM through the CaptureDevice interface. It
// backs the headless mode and the tests, standing in for a real microphone.
type FakeContext struct {
	pcm      []byte
	format   StreamFormat
	realtime bool
	devices  []Device

	mu   sync.Mutex
	last *FakeCapture
}

// NewFakeContext loads mono PCM16 from a WAV file (header skipped, not
// parsed) and replays it at the given sample rate.
func NewFakeContext(wavPath string, sampleRate int, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) <= WAVHeaderSize {
		return nil, fmt.Errorf("wav file too short: %s", wavPath)
	}
	return NewFakeContextPCM(data[WAVHeaderSize:], StreamFormat{SampleRate: uint32(sampleRate), Channels: 1}, realtime), nil
}

// NewFakeContextPCM replays the given interleaved PCM16 buffer in the given
// format. Tests use formats that differ from the requested capture config to
// exercise the engine's converter.
func NewFakeContextPCM(pcm []byte, format StreamFormat, realtime bool) *FakeContext {
	return &FakeContext{
		pcm:      pcm,
		format:   format,
		realtime: realtime,
		devices: []Device{{
			Index:             0,
			ID:                "fake-0",
			Name:              "fake capture device",
			Channels:          int(format.Channels),
			DefaultSampleRate: int(format.SampleRate),
		}},
	}
}

// SetDevices overrides the enumeration result (empty slice simulates a
// backend with zero input devices).
func (f *FakeContext) SetDevices(devices []Device) { f.devices = devices }

func (f *FakeContext) Devices() ([]Device, error) { return f.devices, nil }
func (f *FakeContext) Close()                     {}

func (f *FakeContext) NewCapture(_ *Device, _ CaptureConfig) (CaptureDevice, error) {
	c := &FakeCapture{
		pcm:       f.pcm,
		format:    f.format,
		realtime:  f.realtime,
		audioDone: make(chan struct{}),
	}
	f.mu.Lock()
	f.last = c
	f.mu.Unlock()
	return c, nil
}

// LastCapture returns the most recently opened capture, for tests that need
// to drive it directly.
func (f *FakeContext) LastCapture() *FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// FakeCapture feeds the canned PCM to the data callback from its own
// goroutine and then emits silence until stopped, like a live device would.
type FakeCapture struct {
	pcm       []byte
	format    StreamFormat
	realtime  bool
	audioDone chan struct{}

	cb   atomic.Pointer[DataCallback]
	lost atomic.Pointer[LostCallback]

	mu       sync.Mutex
	stopCh   chan struct{}
	feedDone chan struct{}
}

// AudioDone closes once the canned PCM has been fully delivered.
func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

// SimulateLoss fires the lost callback and stops feeding, as if the device
// was unplugged.
func (f *FakeCapture) SimulateLoss(err error) {
	f.Stop()
	if cb := f.lost.Load(); cb != nil {
		(*cb)(err)
	}
}

func (f *FakeCapture) SetCallback(cb DataCallback)     { f.cb.Store(&cb) }
func (f *FakeCapture) ClearCallback()                  { f.cb.Store(nil) }
func (f *FakeCapture) SetLostCallback(cb LostCallback) { f.lost.Store(&cb) }

func (f *FakeCapture) Format() StreamFormat { return f.format }

func (f *FakeCapture) feed(pos, chunkBytes int) int {
	cb := f.cb.Load()
	if cb == nil {
		return pos
	}
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	(*cb)(chunk, uint32(len(chunk)/(2*int(f.format.Channels))))
	return end
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	stopCh, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()

	chunkBytes := fakeFrameSize * 2 * int(f.format.Channels)
	interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(f.format.SampleRate)
	if !f.realtime {
		interval = 0
	}

	go func() {
		defer close(feedDone)
		pos := 0
		silence := make([]byte, chunkBytes)
		finished := false

		for {
			select {
			case <-stopCh:
				return
			default:
			}

			if pos < len(f.pcm) {
				pos = f.feed(pos, chunkBytes)
			} else {
				if !finished {
					finished = true
					close(f.audioDone)
				}
				if cb := f.cb.Load(); cb != nil {
					(*cb)(silence, fakeFrameSize)
				}
			}

			if interval > 0 || finished {
				wait := interval
				if wait == 0 {
					wait = time.Millisecond
				}
				select {
				case <-stopCh:
					return
				case <-time.After(wait):
				}
			}
		}
	}()

	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	stopCh, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-feedDone
}

func (f *FakeCapture) Close() { f.Stop() }
