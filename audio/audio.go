package audio

import (
	"errors"
	"strings"
)

// ErrEnumeration wraps failures to query the host audio subsystem. A backend
// that is reachable but reports zero input devices returns an empty slice,
// not this error.
var ErrEnumeration = errors.New("device enumeration failed")

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DataCallback is invoked on the backend's capture thread. data is PCM16 LE
// in the stream's Format and is only valid for the duration of the call.
type DataCallback func(data []byte, frameCount uint32)

// LostCallback reports that the device vanished mid-capture.
type LostCallback func(err error)

// StreamFormat describes the sample layout a capture stream delivers.
type StreamFormat struct {
	SampleRate uint32
	Channels   uint32
}

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

// Device is an immutable snapshot of one input device. Index identifies the
// device only within the enumeration call that produced it; devices may
// appear and disappear between calls.
type Device struct {
	Index             int
	ID                string // opaque platform-specific identifier
	Name              string
	Channels          int
	DefaultSampleRate int
}

type Context interface {
	Devices() ([]Device, error)
	NewCapture(device *Device, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	SetLostCallback(cb LostCallback)
	// Format reports the layout the stream actually delivers, which may
	// differ from the requested CaptureConfig.
	Format() StreamFormat
}
