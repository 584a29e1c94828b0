package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"murmur/audio"
	"murmur/log"
)

var (
	// ErrNoDevice is returned by Open when the backend reports zero
	// input-capable devices.
	ErrNoDevice = errors.New("no input device available")
	// ErrDeviceLost terminates both consumption modes when the device
	// disappears mid-capture. Retry policy belongs to the caller.
	ErrDeviceLost = errors.New("capture device lost")
	// ErrClosed terminates the chunk sequence after Close.
	ErrClosed = errors.New("capture closed")
)

// Chunk is one fixed-size block of PCM16 LE mono audio. Seq strictly
// increases within an engine's lifetime; a gap means the drop policy evicted
// chunks between the device callback and the consumer. A chunk is never
// mutated after creation.
type Chunk struct {
	Samples    []byte
	Seq        uint64
	CapturedAt time.Time
}

type Options struct {
	SampleRate int // requested output rate, default 16000
	Channels   int // requested output channels, default 1 (only mono is emitted)
	ChunkSize  int // samples per chunk, default 256
	QueueDepth int // chunks buffered between device callback and consumer, default 32
	Policy     Policy
}

func (o *Options) fillDefaults() {
	if o.SampleRate == 0 {
		o.SampleRate = 16000
	}
	if o.Channels == 0 {
		o.Channels = 1
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = 256
	}
	if o.QueueDepth == 0 {
		o.QueueDepth = 32
	}
}

// ChunkDuration is the nominal wall-clock length of one chunk; a push-mode
// handler that regularly exceeds it will see drops under DropOldest.
func (o Options) ChunkDuration() time.Duration {
	return time.Duration(o.ChunkSize) * time.Second / time.Duration(o.SampleRate)
}

// Handler receives chunks in push mode on a single dedicated goroutine.
type Handler func(Chunk)

// Engine owns one open capture device and produces sequenced chunks in the
// requested format regardless of what the device natively delivers. Both
// consumption modes (pull via Next/Chunks, push via Start) read from the
// same underlying stream; only one can be used per engine.
type Engine struct {
	opts Options
	dev  audio.CaptureDevice
	q    *queue

	mu   sync.Mutex
	conv *converter
	buf  []byte
	seq  uint64

	pushDone  chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

// Open enumerates input devices, opens dev (or the system default when nil),
// and starts the stream. If enumeration reports zero devices it fails with
// an error wrapping both audio.ErrEnumeration and ErrNoDevice before any
// device is touched.
func Open(actx audio.Context, dev *audio.Device, opts Options) (*Engine, error) {
	opts.fillDefaults()
	if opts.Channels != 1 {
		return nil, fmt.Errorf("unsupported channel count %d: only mono output is supported", opts.Channels)
	}

	devices, err := actx.Devices()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("open capture: %w: %w", audio.ErrEnumeration, ErrNoDevice)
	}

	capDev, err := actx.NewCapture(dev, audio.CaptureConfig{
		SampleRate: uint32(opts.SampleRate),
		Channels:   uint32(opts.Channels),
	})
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}

	e := &Engine{
		opts: opts,
		dev:  capDev,
		q:    newQueue(opts.QueueDepth, opts.Policy),
	}
	e.conv = newConverter(capDev.Format(), audio.StreamFormat{
		SampleRate: uint32(opts.SampleRate),
		Channels:   uint32(opts.Channels),
	})

	capDev.SetLostCallback(func(cause error) {
		log.Warnf("capture device lost: %v", cause)
		e.q.closeWith(ErrDeviceLost)
	})
	capDev.SetCallback(e.onData)

	if err := capDev.Start(); err != nil {
		capDev.ClearCallback()
		capDev.Close()
		return nil, fmt.Errorf("start capture: %w", err)
	}
	return e, nil
}

// onData runs on the device's capture thread: convert to the requested
// format, slice into fixed-size chunks, enqueue. Must stay cheap; the queue
// policy decides what happens when the consumer lags.
func (e *Engine) onData(data []byte, _ uint32) {
	e.mu.Lock()
	if e.conv != nil {
		data = e.conv.convert(data)
	}
	e.buf = append(e.buf, data...)

	chunkBytes := e.opts.ChunkSize * 2
	var ready []Chunk
	for len(e.buf) >= chunkBytes {
		samples := make([]byte, chunkBytes)
		copy(samples, e.buf[:chunkBytes])
		e.buf = e.buf[chunkBytes:]
		e.seq++
		ready = append(ready, Chunk{Samples: samples, Seq: e.seq, CapturedAt: time.Now()})
	}
	e.mu.Unlock()

	for _, c := range ready {
		e.q.push(c)
	}
}

// Next blocks until a chunk is available. It returns ErrClosed after Close,
// ErrDeviceLost if the device vanished, or ctx.Err() when the caller's
// duration or cancellation bound is reached. No trailing partial chunk is
// ever emitted.
func (e *Engine) Next(ctx context.Context) (Chunk, error) {
	return e.q.pop(ctx)
}

// Chunks adapts pull mode to a channel: a lazy, non-restartable sequence
// that closes when ctx ends or the engine terminates.
func (e *Engine) Chunks(ctx context.Context) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for {
			c, err := e.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Start switches the engine to push mode: h is invoked once per chunk on a
// dedicated goroutine until the engine terminates. If h blocks longer than
// one chunk duration the queue backs up and the policy applies.
func (e *Engine) Start(h Handler) error {
	e.mu.Lock()
	if e.pushDone != nil {
		e.mu.Unlock()
		return errors.New("push mode already started")
	}
	done := make(chan struct{})
	e.pushDone = done
	e.mu.Unlock()

	go func() {
		defer close(done)
		for {
			c, err := e.q.pop(context.Background())
			if err != nil {
				return
			}
			h(c)
		}
	}()
	return nil
}

// Dropped reports how many chunks the DropOldest policy evicted so far.
func (e *Engine) Dropped() uint64 {
	return e.q.droppedCount()
}

// Err reports why the chunk sequence terminated, nil while live.
func (e *Engine) Err() error {
	err := e.q.closeErr()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Done closes when the chunk sequence has terminated (Stop, Close, or
// device loss).
func (e *Engine) Done() <-chan struct{} {
	return e.q.done
}

// Stop ends the chunk stream without releasing the device: no new audio is
// accepted, queued chunks are still delivered, and the push goroutine (if
// any) is waited out. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.dev.Stop()
		e.dev.ClearCallback()
		e.q.closeWith(ErrClosed)
		e.mu.Lock()
		done := e.pushDone
		e.mu.Unlock()
		if done != nil {
			<-done
		}
	})
}

// Close stops the stream and releases the device. Idempotent and safe to
// call from any goroutine, including concurrently with Next.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.Stop()
		e.dev.Close()
	})
}
