package stream

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"murmur/capture"
)

// fakeConn is an in-memory rawConn: writes are recorded, reads come from a
// queue the test feeds.
type fakeConn struct {
	incoming chan []byte
	done     chan struct{}
	once     sync.Once

	mu     sync.Mutex
	frames [][]byte
	texts  []any
}

var errConnClosed = errors.New("use of closed connection")

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) push(msg string) { c.incoming <- []byte(msg) }

func (c *fakeConn) WriteBinary(_ context.Context, data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteJSON(_ context.Context, v any) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, v)
	return nil
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	default:
	}
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.done:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) binaryFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) jsonWrites() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.texts))
	copy(out, c.texts)
	return out
}

func testSession(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	fc.push(`{"type":"ready"}`)
	s, err := handshake(context.Background(), Config{
		Endpoint:    "ws://test",
		Model:       "rt-standard",
		FinishGrace: 500 * time.Millisecond,
	}, fc)
	if err != nil {
		t.Fatal(err)
	}
	return s, fc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for " + what)
		case <-time.After(time.Millisecond):
		}
	}
}

func chunk(seq uint64, fill byte) capture.Chunk {
	samples := bytes.Repeat([]byte{fill}, 512)
	return capture.Chunk{Samples: samples, Seq: seq}
}

func TestHandshakeNegotiatesFormat(t *testing.T) {
	s, fc := testSession(t)
	defer s.Close()

	if got := s.State(); got != StateStreaming {
		t.Fatalf("state %s after handshake, want streaming", got)
	}
	writes := fc.jsonWrites()
	if len(writes) != 1 {
		t.Fatalf("got %d control writes, want 1", len(writes))
	}
	start, ok := writes[0].(startRequest)
	if !ok {
		t.Fatalf("first write is %T, want startRequest", writes[0])
	}
	if start.AudioFormat != "pcm_s16le" || start.SampleRate != 16000 || start.NumChannels != 1 {
		t.Fatalf("unexpected start frame: %+v", start)
	}
}

func TestHandshakeBackendRejects(t *testing.T) {
	fc := newFakeConn()
	fc.push(`{"type":"error","message":"unknown model"}`)
	_, err := handshake(context.Background(), Config{Endpoint: "ws://test"}, fc)
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("got %v, want ErrBackend", err)
	}
}

func TestHandshakeExpectsReadyFirst(t *testing.T) {
	fc := newFakeConn()
	fc.push(`{"type":"token","text":"early "}`)
	_, err := handshake(context.Background(), Config{Endpoint: "ws://test"}, fc)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got %v, want ErrProtocol", err)
	}
}

func TestSendPreservesOrder(t *testing.T) {
	s, fc := testSession(t)
	defer s.Close()

	for i := byte(1); i <= 5; i++ {
		if err := s.Send(chunk(uint64(i), i)); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "5 frames", func() bool { return len(fc.binaryFrames()) == 5 })

	for i, frame := range fc.binaryFrames() {
		if frame[0] != byte(i+1) {
			t.Fatalf("frame %d starts with %d, want %d", i, frame[0], i+1)
		}
	}
	st := s.Stats()
	if st.SentChunks != 5 || st.SentBytes != 5*512 {
		t.Fatalf("counters %+v", st)
	}
}

func TestFinishFlushesRemainingFinals(t *testing.T) {
	s, fc := testSession(t)

	if err := s.Send(chunk(1, 0xAA)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "frame sent", func() bool { return len(fc.binaryFrames()) == 1 })

	if err := s.Finish(); err != nil {
		t.Fatal(err)
	}
	// The end-of-audio frame follows the last chunk.
	waitFor(t, "end frame", func() bool { return len(fc.jsonWrites()) == 2 })
	if end, ok := fc.jsonWrites()[1].(endRequest); !ok || end.Type != "end" {
		t.Fatalf("second write %+v, want end request", fc.jsonWrites()[1])
	}

	// Backend flushes three finals and closes the connection.
	fc.push(`{"type":"token","text":"one ","is_final":true}`)
	fc.push(`{"type":"token","text":"two ","is_final":true}`)
	fc.push(`{"type":"token","text":"three ","is_final":true}`)
	fc.Close()

	var got []string
	for ev := range s.Events() {
		tok, ok := ev.(Token)
		if !ok {
			t.Fatalf("unexpected event %+v", ev)
		}
		got = append(got, tok.Text)
	}
	want := []string{"one ", "two ", "three "}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %q, want %q", i, got[i], want[i])
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("state %s, want closed", got)
	}
	if st := s.Stats(); st.RecvFinal != 3 || st.RecvInterim != 0 {
		t.Fatalf("counters %+v", st)
	}
}

func TestEventsArriveInOrder(t *testing.T) {
	s, fc := testSession(t)
	defer s.Close()

	fc.push(`{"type":"token","text":"he"}`)
	fc.push(`{"type":"token","text":"hell"}`)
	fc.push(`{"type":"token","text":"hello ","is_final":true}`)

	want := []struct {
		text  string
		final bool
	}{{"he", false}, {"hell", false}, {"hello ", true}}
	for i, w := range want {
		ev := <-s.Events()
		tok, ok := ev.(Token)
		if !ok {
			t.Fatalf("event %d: %+v", i, ev)
		}
		if tok.Text != w.text || tok.IsFinal != w.final {
			t.Fatalf("event %d: got %+v, want %+v", i, tok, w)
		}
	}
}

func TestBackendErrorTerminates(t *testing.T) {
	s, fc := testSession(t)
	defer s.Close()

	fc.push(`{"type":"error","message":"quota exceeded"}`)

	ev := <-s.Events()
	ctl, ok := ev.(Control)
	if !ok || ctl.Kind != ControlError {
		t.Fatalf("got %+v, want error control", ev)
	}
	if !errors.Is(ctl.Err, ErrBackend) {
		t.Fatalf("control err %v, want ErrBackend", ctl.Err)
	}
	if _, open := <-s.Events(); open {
		t.Fatal("events channel still open after terminal error")
	}

	waitFor(t, "failed state", func() bool { return s.State() == StateFailed })
	if !errors.Is(s.Err(), ErrBackend) {
		t.Fatalf("session err %v, want ErrBackend", s.Err())
	}
	if err := s.Send(chunk(1, 0x01)); err == nil {
		t.Fatal("send after failure should error")
	}
}

func TestMalformedEventTerminates(t *testing.T) {
	s, fc := testSession(t)
	defer s.Close()

	fc.push(`{"type":"token"`)

	ev := <-s.Events()
	ctl, ok := ev.(Control)
	if !ok || !errors.Is(ctl.Err, ErrProtocol) {
		t.Fatalf("got %+v, want protocol error control", ev)
	}
	waitFor(t, "failed state", func() bool { return s.State() == StateFailed })
	if !errors.Is(s.Err(), ErrProtocol) {
		t.Fatalf("session err %v, want ErrProtocol", s.Err())
	}
}

func TestUnexpectedDisconnect(t *testing.T) {
	s, fc := testSession(t)
	defer s.Close()

	fc.Close()

	ev := <-s.Events()
	ctl, ok := ev.(Control)
	if !ok || !errors.Is(ctl.Err, ErrConnection) {
		t.Fatalf("got %+v, want connection error control", ev)
	}
	waitFor(t, "failed state", func() bool { return s.State() == StateFailed })
}

func TestSendOutsideStreaming(t *testing.T) {
	s, _ := testSession(t)
	defer s.Close()

	s.Finish()
	if err := s.Send(chunk(1, 0x01)); err == nil {
		t.Fatal("send after finish should error")
	}
}

func TestFinishAndCloseIdempotent(t *testing.T) {
	s, fc := testSession(t)

	s.Finish()
	s.Finish()
	fc.Close()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("state %s, want closed", got)
	}
}

func TestCloseWithoutFinish(t *testing.T) {
	s, _ := testSession(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("state %s, want closed", got)
	}
}

// brokenWriteConn accepts the handshake but fails every subsequent write,
// so the first failure is always observed on the send path.
type brokenWriteConn struct {
	*fakeConn
	jsonCalls atomic.Int32
}

func (c *brokenWriteConn) WriteBinary(context.Context, []byte) error {
	return errConnClosed
}

func (c *brokenWriteConn) WriteJSON(ctx context.Context, v any) error {
	if c.jsonCalls.Add(1) > 1 {
		return errConnClosed
	}
	return c.fakeConn.WriteJSON(ctx, v)
}

func TestSendFailureSurfacesTerminalEvent(t *testing.T) {
	fc := newFakeConn()
	fc.push(`{"type":"ready"}`)
	s, err := handshake(context.Background(), Config{Endpoint: "ws://test"}, &brokenWriteConn{fakeConn: fc})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// Enqueueing succeeds; the sender hits the wire error asynchronously.
	if err := s.Send(chunk(1, 0x01)); err != nil {
		t.Fatal(err)
	}

	ev, open := <-s.Events()
	if !open {
		t.Fatal("events closed without a terminal event")
	}
	ctl, ok := ev.(Control)
	if !ok || ctl.Kind != ControlError {
		t.Fatalf("got %+v, want error control", ev)
	}
	if !errors.Is(ctl.Err, ErrConnection) {
		t.Fatalf("control err %v, want ErrConnection", ctl.Err)
	}
	if _, open := <-s.Events(); open {
		t.Fatal("events channel still open after terminal event")
	}

	waitFor(t, "failed state", func() bool { return s.State() == StateFailed })
	if !errors.Is(s.Err(), ErrConnection) {
		t.Fatalf("session err %v, want ErrConnection", s.Err())
	}
}

func TestEndFrameFailureSurfacesTerminalEvent(t *testing.T) {
	fc := newFakeConn()
	fc.push(`{"type":"ready"}`)
	s, err := handshake(context.Background(), Config{Endpoint: "ws://test"}, &brokenWriteConn{fakeConn: fc})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// No audio sent; Finish makes the sender write the end frame, which is
	// the first write after the handshake and fails.
	if err := s.Finish(); err != nil {
		t.Fatal(err)
	}

	ev, open := <-s.Events()
	if !open {
		t.Fatal("events closed without a terminal event")
	}
	if ctl, ok := ev.(Control); !ok || !errors.Is(ctl.Err, ErrConnection) {
		t.Fatalf("got %+v, want connection error control", ev)
	}
	waitFor(t, "failed state", func() bool { return s.State() == StateFailed })
}
