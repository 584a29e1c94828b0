package main

import "murmur/transcript"

// EventSink abstracts the display layer so the Bubble Tea TUI and the
// headless console output receive the same session events. Implementations
// only read snapshots; the receive path owns the assembler state.
type EventSink interface {
	SessionState(state ClientState)
	RecordingTick(seconds float64)
	AudioLevel(level float64)
	NoVoiceWarning(active bool)
	Transcript(text string, stats transcript.Stats)
	SessionDone(text string, stats transcript.Stats, err error)
	DeviceLine(text string)
}
