package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"murmur/audio"
	"murmur/capture"
	"murmur/level"
	"murmur/log"
	"murmur/stream"
	"murmur/transcript"

	"github.com/atotto/clipboard"
)

// ErrSessionActive rejects Start while a session is live; there is exactly
// one session per client at a time.
var ErrSessionActive = errors.New("a session is already active")

type ClientState int

const (
	StateIdle ClientState = iota
	StateRequestingDevice
	StateConnecting
	StateStreaming
	StateStopping
	StateStopped
	StateFailed
)

func (s ClientState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingDevice:
		return "requesting device"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Client drives the capture → transport → assembler pipeline for one session
// at a time. The assembler state is mutated only on the receive path; the
// sink gets read-only snapshots. No step in here retries automatically;
// after a failure the caller starts a fresh session.
type Client struct {
	cfg       Config
	actx      audio.Context
	sink      EventSink
	copyFinal bool
	autoStop  bool

	mu    sync.Mutex
	state ClientState
	stop  chan struct{}
	done  chan struct{}
}

func NewClient(cfg Config, actx audio.Context, sink EventSink) *Client {
	return &Client{
		cfg:   cfg,
		actx:  actx,
		sink:  sink,
		state: StateIdle,
	}
}

// SetCopyFinal copies the finished transcript to the system clipboard.
func (c *Client) SetCopyFinal(on bool) { c.copyFinal = on }

// SetAutoStop stops the session automatically after prolonged silence.
func (c *Client) SetAutoStop(on bool) { c.autoStop = on }

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.sink.SessionState(s)
}

// Start begins a new session on dev (nil for the system default). It returns
// ErrSessionActive while a session is live; a Stopped or Failed session must
// finish tearing down before the next one starts.
func (c *Client) Start(dev *audio.Device) error {
	c.mu.Lock()
	if c.done != nil {
		select {
		case <-c.done:
		default:
			c.mu.Unlock()
			return ErrSessionActive
		}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stop = stop
	c.done = done
	c.mu.Unlock()

	go c.run(dev, stop, done)
	return nil
}

// Stop requests teardown of the live session, if any. Safe to call more than
// once and from any goroutine.
func (c *Client) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop == nil {
		return
	}
	select {
	case <-stop:
	default:
		close(stop)
	}
}

// Wait blocks until the current session has fully torn down.
func (c *Client) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Client) run(dev *audio.Device, stop, done chan struct{}) {
	defer close(done)

	startedAt := time.Now()

	c.setState(StateRequestingDevice)
	policy, _ := c.cfg.dropPolicy()
	eng, err := capture.Open(c.actx, dev, capture.Options{
		SampleRate: c.cfg.Audio.SampleRate,
		Channels:   c.cfg.Audio.Channels,
		ChunkSize:  c.cfg.Audio.ChunkSize,
		QueueDepth: c.cfg.Audio.QueueDepth,
		Policy:     policy,
	})
	if err != nil {
		c.fail(fmt.Errorf("opening capture device: %w", err), nil)
		return
	}

	c.setState(StateConnecting)
	connectStart := time.Now()
	sess, err := stream.Connect(context.Background(), stream.Config{
		Endpoint:    c.cfg.Backend.Endpoint,
		APIKey:      c.cfg.Backend.APIKey,
		Model:       c.cfg.Backend.Model,
		Language:    c.cfg.Backend.Language,
		SampleRate:  c.cfg.Audio.SampleRate,
		Channels:    c.cfg.Audio.Channels,
		FinishGrace: time.Duration(c.cfg.Backend.FinishGraceMs) * time.Millisecond,
	})
	if err != nil {
		eng.Close()
		c.fail(fmt.Errorf("connecting to backend: %w", err), nil)
		return
	}
	connectDur := time.Since(connectStart)

	c.setState(StateStreaming)
	deviceName := "system default"
	if dev != nil {
		deviceName = dev.Name
	}
	log.SessionStart(c.cfg.Backend.Endpoint, c.cfg.Backend.Model, deviceName)

	// Receive path: sole owner of the assembler state.
	st := transcript.NewState(startedAt)
	var recvErr error
	recvLoopDone := make(chan struct{})
	var lastLevel levelCell

	go func() {
		defer close(recvLoopDone)
		for ev := range sess.Events() {
			switch ev := ev.(type) {
			case stream.Token:
				st = transcript.Reduce(st, transcript.TokenEvent{Token: ev})
				if sent := int(sess.Stats().SentBytes); sent > st.BytesSent {
					st = transcript.Reduce(st, transcript.AudioSentEvent{Bytes: sent - st.BytesSent})
				}
				c.sink.Transcript(st.Render(), st.Stats(time.Now()))
			case stream.Control:
				if ev.Kind == stream.ControlError {
					recvErr = ev.Err
					log.Errorf("stream error: %v", ev.Err)
				}
			}
		}
	}()

	// Push-mode capture: level tap plus ordered handoff to the transport.
	// Chunk ownership transfers to the session at Send.
	if err := eng.Start(func(chunk capture.Chunk) {
		lastLevel.store(level.Level(chunk.Samples))
		c.sink.AudioLevel(lastLevel.load())
		if err := sess.Send(chunk); err != nil && sess.State() == stream.StateFailed {
			return
		}
	}); err != nil {
		eng.Close()
		sess.Close()
		c.fail(err, nil)
		return
	}

	// Feedback ticker: elapsed time and silence monitoring.
	mon := newSilenceMonitor(c.autoStop)
	tickerDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tickerDone:
				return
			case <-ticker.C:
				c.sink.RecordingTick(time.Since(startedAt).Seconds())
				switch mon.Tick(lastLevel.load()) {
				case SilenceWarn:
					log.Info("no_voice_warning")
					c.sink.NoVoiceWarning(true)
				case SilenceWarnClear:
					c.sink.NoVoiceWarning(false)
				case SilenceStop:
					log.Info("silence_auto_stop")
					c.Stop()
				}
			}
		}
	}()

	// Wait for a stop request, device loss, or transport termination.
	select {
	case <-stop:
	case <-eng.Done():
	case <-recvLoopDone:
	}
	close(tickerDone)

	// Fixed teardown order: stop accepting audio, signal end-of-audio, drain
	// remaining tokens within the grace period, close the transport, release
	// the device. Reordering risks losing final tokens or leaking the handle.
	c.setState(StateStopping)
	eng.Stop()
	sess.Finish()
	closeErr := sess.Close()
	<-recvLoopDone
	eng.Close()

	finalErr := recvErr
	if finalErr == nil {
		finalErr = closeErr
	}
	if finalErr == nil {
		finalErr = eng.Err()
	}

	text := st.Render()
	stats := st.Stats(time.Now())
	c.logMetrics(sess.Stats(), stats, eng.Dropped(), connectDur, time.Since(startedAt))

	if finalErr != nil {
		c.fail(finalErr, &st)
		return
	}

	if c.copyFinal && text != "" {
		if err := clipboard.WriteAll(text); err != nil {
			log.Warnf("clipboard copy failed: %v", err)
		}
	}

	c.setState(StateStopped)
	log.SessionEnd(StateStopped.String())
	c.sink.SessionDone(text, stats, nil)
}

func (c *Client) fail(err error, st *transcript.State) {
	log.Errorf("session failed: %v", err)
	c.setState(StateFailed)
	log.SessionEnd(StateFailed.String())
	text := ""
	var stats transcript.Stats
	if st != nil {
		text = st.Render()
		stats = st.Stats(time.Now())
	}
	c.sink.SessionDone(text, stats, err)
}

func (c *Client) logMetrics(sc stream.Counters, stats transcript.Stats, dropped uint64, connect, total time.Duration) {
	bytesPerSecond := c.cfg.Audio.SampleRate * 2
	log.StreamMetrics(log.StreamMetricsData{
		ConnectMs:     float64(connect.Milliseconds()),
		TotalMs:       float64(total.Milliseconds()),
		AudioS:        float64(sc.SentBytes) / float64(bytesPerSecond),
		SentChunks:    int(sc.SentChunks),
		SentKB:        float64(sc.SentBytes) / 1024,
		DroppedChunks: int(dropped),
		RecvEvents:    int(sc.RecvEvents),
		RecvFinal:     int(sc.RecvFinal),
		RecvInterim:   int(sc.RecvInterim),
		Words:         stats.WordCount,
	})
}

// levelCell holds the most recent meter reading for the ticker goroutine.
type levelCell struct {
	bits atomic.Uint64
}

func (c *levelCell) store(v float64) { c.bits.Store(math.Float64bits(v)) }
func (c *levelCell) load() float64   { return math.Float64frombits(c.bits.Load()) }
