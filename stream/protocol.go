package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrConnection covers network, DNS, and TLS failures.
	ErrConnection = errors.New("connection failed")
	// ErrAuth means the backend rejected the credentials.
	ErrAuth = errors.New("authentication rejected")
	// ErrProtocol means the backend sent a message this client cannot parse.
	// A malformed message terminates the event sequence rather than being
	// skipped; dropping one could desynchronize the transcript.
	ErrProtocol = errors.New("protocol error")
	// ErrBackend means the backend explicitly reported failure.
	ErrBackend = errors.New("backend error")
)

// Event is either a Token or a Control, one per backend message. Delivery
// order over the session is the only ordering guarantee the backend makes,
// and it is preserved end to end.
type Event interface {
	event()
}

// Token is one recognition hypothesis. Non-final tokens may still be revised
// by the backend; final tokens never change.
type Token struct {
	Text       string
	IsFinal    bool
	Confidence float64
	SpeakerID  *int
}

// Control carries stream-level signals distinct from recognition output.
type Control struct {
	Kind    ControlKind
	Message string
	Err     error // set for ControlError: the terminal cause
}

type ControlKind int

const (
	ControlReady ControlKind = iota
	ControlError
)

func (Token) event()   {}
func (Control) event() {}

// startRequest is the first frame sent after the websocket handshake; it
// negotiates the audio format for the raw PCM frames that follow.
type startRequest struct {
	APIKey      string `json:"api_key,omitempty"`
	Model       string `json:"model,omitempty"`
	AudioFormat string `json:"audio_format"`
	SampleRate  int    `json:"sample_rate"`
	NumChannels int    `json:"num_channels"`
	Language    string `json:"language,omitempty"`
}

// endRequest signals end-of-audio; the backend flushes remaining final
// tokens before closing.
type endRequest struct {
	Type string `json:"type"`
}

type wireEvent struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
	SpeakerID  *int    `json:"speaker_id"`
	Message    string  `json:"message"`
}

func decodeEvent(data []byte) (Event, error) {
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch ev.Type {
	case "token":
		return Token{
			Text:       ev.Text,
			IsFinal:    ev.IsFinal,
			Confidence: ev.Confidence,
			SpeakerID:  ev.SpeakerID,
		}, nil
	case "ready":
		return Control{Kind: ControlReady}, nil
	case "error":
		return Control{
			Kind:    ControlError,
			Message: ev.Message,
			Err:     fmt.Errorf("%w: %s", ErrBackend, ev.Message),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrProtocol, ev.Type)
	}
}
