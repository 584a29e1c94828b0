//go:build linux

package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse"
)

type pulseContext struct {
	client *pulse.Client
}

func NewContext() (Context, error) {
	c, err := pulse.NewClient()
	if err != nil {
		return nil, fmt.Errorf("%w: pulse: %v", ErrEnumeration, err)
	}
	return &pulseContext{client: c}, nil
}

func (p *pulseContext) Devices() ([]Device, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("%w: pulse list sources: %v", ErrEnumeration, err)
	}
	devices := make([]Device, 0, len(sources))
	for i, s := range sources {
		devices = append(devices, Device{
			Index:             i,
			ID:                s.ID(),
			Name:              s.Name(),
			Channels:          len(s.Channels()),
			DefaultSampleRate: s.SampleRate(),
		})
	}
	return devices, nil
}

func (p *pulseContext) NewCapture(device *Device, config CaptureConfig) (CaptureDevice, error) {
	return &pulseCapture{
		client: p.client,
		device: device,
		config: config,
	}, nil
}

func (p *pulseContext) Close() {
	p.client.Close()
}

type pulseCapture struct {
	client   *pulse.Client
	device   *Device
	config   CaptureConfig
	callback atomic.Pointer[DataCallback]
	lost     atomic.Pointer[LostCallback]

	stream *pulse.RecordStream
	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

func (c *pulseCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		cb := c.callback.Load()
		if cb == nil {
			return len(buf), nil
		}
		data := make([]byte, len(buf)*2)
		for i, s := range buf {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
		}
		(*cb)(data, uint32(len(buf)/int(c.config.Channels)))
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordSampleRate(int(c.config.SampleRate)),
		pulse.RecordLatency(0.05),
	}
	if c.config.Channels == 1 {
		opts = append(opts, pulse.RecordMono)
	} else {
		opts = append(opts, pulse.RecordStereo)
	}
	if c.device != nil {
		source, err := c.client.SourceByID(c.device.ID)
		if err == nil && source != nil {
			opts = append(opts, pulse.RecordSource(source))
		}
	}

	stream, err := c.client.NewRecord(writer, opts...)
	if err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}

	c.stream = stream
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		stream.Start()
		// The pulse client has no loss notification hook, so the stream
		// state is polled: Closed() flips when the server connection is
		// lost, Error() when the writer failed.
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				stream.Stop()
				stream.Close()
				return
			case <-ticker.C:
				if err := stream.Error(); err != nil {
					c.notifyLost(err)
					return
				}
				if stream.Closed() {
					c.notifyLost(errors.New("pulse stream closed by server"))
					return
				}
			}
		}
	}()

	return nil
}

func (c *pulseCapture) notifyLost(err error) {
	if cb := c.lost.Load(); cb != nil {
		(*cb)(err)
	}
}

func (c *pulseCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		select {
		case <-c.stop:
		default:
			close(c.stop)
		}
		<-c.done
	}
}

func (c *pulseCapture) Close() {
	c.Stop()
}

func (c *pulseCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *pulseCapture) ClearCallback() {
	c.callback.Store(nil)
}

func (c *pulseCapture) SetLostCallback(cb LostCallback) {
	c.lost.Store(&cb)
}

func (c *pulseCapture) Format() StreamFormat {
	// The record stream is created with the requested sample spec; the PulseAudio
	// server resamples from the source's native format.
	return StreamFormat{SampleRate: c.config.SampleRate, Channels: c.config.Channels}
}
