//go:build !linux

package audio

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: malgo: %v", ErrEnumeration, err)
	}
	return &malgoContext{ctx: ctx}, nil
}

func (m *malgoContext) Devices() ([]Device, error) {
	infos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("%w: malgo devices: %v", ErrEnumeration, err)
	}
	result := make([]Device, 0, len(infos))
	for i, d := range infos {
		dev := Device{
			Index: i,
			ID:    hex.EncodeToString(d.ID.Pointer()[:]),
			Name:  d.Name(),
		}
		if d.FormatCount > 0 {
			dev.Channels = int(d.Formats[0].Channels)
			dev.DefaultSampleRate = int(d.Formats[0].SampleRate)
		}
		result = append(result, dev)
	}
	return result, nil
}

func (m *malgoContext) NewCapture(device *Device, config CaptureConfig) (CaptureDevice, error) {
	c := &malgoCapture{config: config}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = config.Channels
	deviceConfig.SampleRate = config.SampleRate

	if device != nil {
		idBytes, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid device ID: %w", err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			if cb := c.callback.Load(); cb != nil {
				(*cb)(data, frameCount)
			}
		},
		Stop: func() {
			if c.stopping.Load() {
				return
			}
			if cb := c.lost.Load(); cb != nil {
				(*cb)(errors.New("capture stream stopped by backend"))
			}
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, err
	}
	c.device = dev
	return c, nil
}

func (m *malgoContext) Close() {
	m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	device   *malgo.Device
	config   CaptureConfig
	callback atomic.Pointer[DataCallback]
	lost     atomic.Pointer[LostCallback]
	stopping atomic.Bool
}

func (c *malgoCapture) Start() error {
	c.stopping.Store(false)
	return c.device.Start()
}

func (c *malgoCapture) Stop() {
	c.stopping.Store(true)
	c.device.Stop()
}

func (c *malgoCapture) Close() {
	c.stopping.Store(true)
	c.device.Uninit()
}

func (c *malgoCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *malgoCapture) ClearCallback() {
	c.callback.Store(nil)
}

func (c *malgoCapture) SetLostCallback(cb LostCallback) {
	c.lost.Store(&cb)
}

func (c *malgoCapture) Format() StreamFormat {
	// miniaudio converts to the requested device config internally.
	return StreamFormat{SampleRate: c.config.SampleRate, Channels: c.config.Channels}
}
