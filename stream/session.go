package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"murmur/capture"
	"murmur/log"
)

// State is the transport session's lifecycle phase. Transitions only move
// forward, except that Failed is reachable from any non-terminal state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateFinishing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateFinishing:
		return "finishing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Config struct {
	Endpoint   string
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Channels   int

	// FinishGrace bounds how long Close waits for the backend to flush
	// remaining final tokens after Finish. Default 3s.
	FinishGrace time.Duration
	// HandshakeTimeout bounds the dial plus ready exchange. Default 10s.
	HandshakeTimeout time.Duration
}

func (c *Config) fillDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.FinishGrace == 0 {
		c.FinishGrace = 3 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Counters are transport-side tallies for the session metrics log line.
type Counters struct {
	SentChunks  uint64
	SentBytes   uint64
	RecvEvents  uint64
	RecvFinal   uint64
	RecvInterim uint64
}

// Session is one connected, streaming interaction with the recognition
// backend. Audio goes out exactly in Send order; events come back exactly in
// backend order; the two directions run full-duplex. The session never
// reconnects on its own; retrying would silently duplicate already-sent
// audio.
type Session struct {
	cfg  Config
	conn rawConn

	sctx   context.Context
	cancel context.CancelFunc

	state atomic.Int32

	sendCh   chan []byte
	events   chan Event
	sendDone chan struct{}
	recvDone chan struct{}
	stopped  chan struct{} // closed once the session is going away; unblocks Send and event delivery

	sendClose sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
	errOnce   sync.Once

	finishing atomic.Bool
	closing   atomic.Bool

	mu  sync.Mutex
	err error

	sentChunks  atomic.Uint64
	sentBytes   atomic.Uint64
	recvEvents  atomic.Uint64
	recvFinal   atomic.Uint64
	recvInterim atomic.Uint64
}

// Connect dials the endpoint, negotiates the audio format, and waits for the
// backend's ready signal. Both ErrAuth and ErrConnection are terminal for the
// attempt; there is no retry inside this package.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	cfg.fillDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	conn, err := dialWebsocket(dialCtx, cfg)
	if err != nil {
		return nil, err
	}
	return handshake(dialCtx, cfg, conn)
}

// handshake runs the post-dial exchange on an already open connection.
func handshake(ctx context.Context, cfg Config, conn rawConn) (*Session, error) {
	cfg.fillDefaults()

	s := &Session{
		cfg:      cfg,
		conn:     conn,
		sendCh:   make(chan []byte, 128),
		events:   make(chan Event, 16),
		sendDone: make(chan struct{}),
		recvDone: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))

	start := startRequest{
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		AudioFormat: "pcm_s16le",
		SampleRate:  cfg.SampleRate,
		NumChannels: cfg.Channels,
		Language:    cfg.Language,
	}
	if err := conn.WriteJSON(ctx, start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: sending start frame: %v", ErrConnection, err)
	}

	data, err := conn.Read(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: waiting for ready: %v", ErrConnection, err)
	}
	ev, err := decodeEvent(data)
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch ev := ev.(type) {
	case Control:
		if ev.Kind != ControlReady {
			conn.Close()
			return nil, ev.Err
		}
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: expected ready, got %T", ErrProtocol, ev)
	}

	s.sctx, s.cancel = context.WithCancel(context.Background())
	s.state.Store(int32(StateStreaming))
	go s.runSender()
	go s.runReceiver()
	return s, nil
}

func (s *Session) State() State { return State(s.state.Load()) }

// Err reports the terminal failure cause, nil unless State is Failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Stats() Counters {
	return Counters{
		SentChunks:  s.sentChunks.Load(),
		SentBytes:   s.sentBytes.Load(),
		RecvEvents:  s.recvEvents.Load(),
		RecvFinal:   s.recvFinal.Load(),
		RecvInterim: s.recvInterim.Load(),
	}
}

// Send enqueues one chunk for transmission. Chunks go out in exactly the
// order submitted; they are never reordered, coalesced, or dropped. The
// chunk's buffer is owned by the session from this call on.
func (s *Session) Send(c capture.Chunk) error {
	if st := s.State(); st != StateStreaming {
		return fmt.Errorf("send in state %s", st)
	}
	select {
	case s.sendCh <- c.Samples:
		return nil
	case <-s.stopped:
		if err := s.Err(); err != nil {
			return err
		}
		return fmt.Errorf("send in state %s", s.State())
	}
}

// Finish signals end-of-audio. The backend is expected to flush remaining
// final tokens before the connection closes. Idempotent; a no-op outside
// Streaming.
func (s *Session) Finish() error {
	if !s.state.CompareAndSwap(int32(StateStreaming), int32(StateFinishing)) {
		return nil
	}
	s.finishing.Store(true)
	s.sendClose.Do(func() { close(s.sendCh) })
	return nil
}

// Events yields one event per backend message, in arrival order. The channel
// closes after a terminal Control(error) or once the session is closed.
func (s *Session) Events() <-chan Event {
	return s.events
}

/// Close tears the session down: stops the sender, waits out the finish grace
// period for remaining tokens if Finish was called, then closes the
// connection. Idempotent; returns the terminal failure cause, if any.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.sendClose.Do(func() { close(s.sendCh) })
		<-s.sendDone

		if s.finishing.Load() && s.Err() == nil {
			select {
			case <-s.recvDone:
			case <-time.After(s.cfg.FinishGrace):
				log.Warn("token drain timed out; closing transport")
			}
		}

		s.stop()
		s.cancel()
		s.conn.Close()
		<-s.recvDone

		s.state.CompareAndSwap(int32(StateStreaming), int32(StateClosed))
		s.state.CompareAndSwap(int32(StateFinishing), int32(StateClosed))
	})
	return s.Err()
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *Session) fail(err error) {
	s.errOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.state.Store(int32(StateFailed))
		s.stop()
		s.cancel()
		s.conn.Close()
	})
}

func (s *Session) runSender() {
	defer close(s.sendDone)
	for data := range s.sendCh {
		if err := s.conn.WriteBinary(s.sctx, data); err != nil {
			if !s.closing.Load() {
				s.fail(fmt.Errorf("%w: write: %v", ErrConnection, err))
			}
			return
		}
		s.sentChunks.Add(1)
		s.sentBytes.Add(uint64(len(data)))
	}
	if s.finishing.Load() {
		if err := s.conn.WriteJSON(s.sctx, endRequest{Type: "end"}); err != nil && !s.closing.Load() {
			s.fail(fmt.Errorf("%w: end frame: %v", ErrConnection, err))
		}
	}
}

func (s *Session) runReceiver() {
	defer close(s.recvDone)
	defer close(s.events)
	for {
		data, err := s.conn.Read(s.sctx)
		if err != nil {
			// A disconnect first observed on the send path lands here as a
			// canceled read; it still has to surface as the one terminal
			// event before the channel closes.
			if cause := s.Err(); cause != nil && !s.closing.Load() {
				s.deliver(Control{Kind: ControlError, Message: "connection lost", Err: cause})
				return
			}
			// After Finish the backend closes the connection once its
			// remaining final tokens are out; that is a clean end of the
			// event sequence, not a failure.
			if s.closing.Load() || s.finishing.Load() || errors.Is(err, context.Canceled) {
				return
			}
			cause := fmt.Errorf("%w: unexpected disconnect: %v", ErrConnection, err)
			s.deliver(Control{Kind: ControlError, Message: "connection lost", Err: cause})
			s.fail(cause)
			return
		}

		ev, err := decodeEvent(data)
		if err != nil {
			s.deliver(Control{Kind: ControlError, Message: err.Error(), Err: err})
			s.fail(err)
			return
		}
		s.recvEvents.Add(1)

		switch ev := ev.(type) {
		case Token:
			if ev.IsFinal {
				s.recvFinal.Add(1)
			} else {
				s.recvInterim.Add(1)
			}
			if !s.deliver(ev) {
				return
			}
		case Control:
			if ev.Kind == ControlError {
				s.deliver(ev)
				s.fail(ev.Err)
				return
			}
			if !s.deliver(ev) {
				return
			}
		}
	}
}

// deliver blocks until the consumer takes the event, preserving order. It
// gives up only when the session is being torn down.
func (s *Session) deliver(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stopped:
		// Last-ditch non-blocking attempt so a terminal error is not lost
		// when teardown races delivery.
		select {
		case s.events <- ev:
		default:
		}
		return false
	}
}
