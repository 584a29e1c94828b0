package transcript

import (
	"strings"
	"time"

	"murmur/stream"
)

// The assembler is a pure reducer: Reduce(state, event) returns a new state
// and never mutates its input. Finalized segments grow append-only; a final
// token can supersede the pending interim segment but never retract text
// that was already finalized. The rendered transcript and the stats are
// views recomputed from state on demand, not incrementally patched.

// Event is one assembler input.
type Event interface {
	transcriptEvent()
}

// TokenEvent carries one recognition token, in backend delivery order.
type TokenEvent struct {
	Token stream.Token
}

// AudioSentEvent records audio bytes handed to the transport.
type AudioSentEvent struct {
	Bytes int
}

func (TokenEvent) transcriptEvent()     {}
func (AudioSentEvent) transcriptEvent() {}

// State is the canonical transcript: finalized segments in arrival order
// plus at most one trailing non-final segment.
type State struct {
	Final     []string
	Pending   string
	BytesSent int
	StartedAt time.Time
}

func NewState(now time.Time) State {
	return State{StartedAt: now}
}

// Stats is a derived view, not authoritative state.
type Stats struct {
	ElapsedSeconds int
	WordCount      int
	BytesSent      int
}

// Reduce applies one event. The input state is left untouched; appends go to
// a fresh backing array so older snapshots stay valid.
func Reduce(s State, ev Event) State {
	switch ev := ev.(type) {
	case TokenEvent:
		tok := ev.Token
		if !tok.IsFinal {
			s.Pending = tok.Text
			return s
		}
		s.Pending = ""
		text := strings.TrimRight(tok.Text, " ")
		if text == "" {
			return s
		}
		final := make([]string, len(s.Final), len(s.Final)+1)
		copy(final, s.Final)
		s.Final = append(final, text+" ")
		return s
	case AudioSentEvent:
		s.BytesSent += ev.Bytes
		return s
	default:
		return s
	}
}

// Render concatenates finalized segments and the pending interim segment in
// arrival order. The pending segment is display-only.
func (s State) Render() string {
	var b strings.Builder
	for _, seg := range s.Final {
		b.WriteString(seg)
	}
	b.WriteString(s.Pending)
	return b.String()
}

// Stats recomputes the derived counters. Word count covers finalized text
// only; interim hypotheses are excluded until they finalize.
func (s State) Stats(now time.Time) Stats {
	var elapsed int
	if !s.StartedAt.IsZero() {
		elapsed = int(now.Sub(s.StartedAt).Seconds())
	}
	var words int
	for _, seg := range s.Final {
		words += len(strings.Fields(seg))
	}
	return Stats{
		ElapsedSeconds: elapsed,
		WordCount:      words,
		BytesSent:      s.BytesSent,
	}
}

// Reset is the only way backward: a fresh empty state.
func (s State) Reset(now time.Time) State {
	return NewState(now)
}
