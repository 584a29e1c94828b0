package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"murmur/audio"
	"murmur/transcript"
)

// TUI message types
type SessionStateMsg struct{ State ClientState }
type RecordingTickMsg struct{ Seconds float64 }
type AudioLevelMsg struct{ Level float64 }
type NoVoiceMsg struct{ Warn bool }
type TranscriptMsg struct {
	Text  string
	Stats transcript.Stats
}
type SessionDoneMsg struct {
	Text   string
	Stats  transcript.Stats
	Err    error
	Copied bool
}
type DeviceLineMsg struct{ Text string }
type tickMsg time.Time

const meterWidth = 40

// Pre-computed meter styles to avoid allocations in the render loop.
var (
	meterLow  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	meterMid  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	meterHigh = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	meterOff  = lipgloss.NewStyle().Foreground(lipgloss.Color("236"))

	statusRec   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	statusBusy  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusIdle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	textStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	pendStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKey     = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	copiedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

type tuiModel struct {
	client *Client
	device *audio.Device

	state         ClientState
	frame         int
	elapsed       float64
	audioLevel    float64
	peakLevel     float64
	noVoice       bool
	text          string
	stats         transcript.Stats
	lastErr       error
	deviceLine    string
	copied        bool
	sessions      int
	width, height int
}

// tuiSink forwards client events into the bubbletea program.
type tuiSink struct {
	p    *tea.Program
	copy bool
}

func (s *tuiSink) SessionState(st ClientState)  { s.p.Send(SessionStateMsg{State: st}) }
func (s *tuiSink) RecordingTick(sec float64)    { s.p.Send(RecordingTickMsg{Seconds: sec}) }
func (s *tuiSink) AudioLevel(lvl float64)       { s.p.Send(AudioLevelMsg{Level: lvl}) }
func (s *tuiSink) NoVoiceWarning(on bool)       { s.p.Send(NoVoiceMsg{Warn: on}) }
func (s *tuiSink) DeviceLine(text string)       { s.p.Send(DeviceLineMsg{Text: text}) }

func (s *tuiSink) Transcript(text string, stats transcript.Stats) {
	s.p.Send(TranscriptMsg{Text: text, Stats: stats})
}

func (s *tuiSink) SessionDone(text string, stats transcript.Stats, err error) {
	copied := s.copy && err == nil && text != ""
	s.p.Send(SessionDoneMsg{Text: text, Stats: stats, Err: err, Copied: copied})
}

func NewTUIProgram(client *Client, device *audio.Device) *tea.Program {
	m := tuiModel{client: client, device: device}
	if device != nil {
		m.deviceLine = "mic: " + device.Name
	}
	return tea.NewProgram(m, tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) active() bool {
	switch m.state {
	case StateRequestingDevice, StateConnecting, StateStreaming, StateStopping:
		return true
	}
	return false
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.client.Stop()
			return m, tea.Quit
		case " ", "space", "enter":
			if m.active() {
				m.client.Stop()
			} else if err := m.client.Start(m.device); err != nil {
				m.lastErr = err
			}
		}

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case SessionStateMsg:
		m.state = msg.State
		if m.state == StateRequestingDevice {
			m.elapsed = 0
			m.audioLevel = 0
			m.peakLevel = 0
			m.noVoice = false
			m.text = ""
			m.stats = transcript.Stats{}
			m.lastErr = nil
			m.copied = false
		}

	case RecordingTickMsg:
		m.elapsed = msg.Seconds

	case AudioLevelMsg:
		if m.state == StateStreaming {
			m.audioLevel = m.audioLevel*0.6 + msg.Level*0.4
			if msg.Level > m.peakLevel {
				m.peakLevel = msg.Level
			}
		}

	case NoVoiceMsg:
		m.noVoice = msg.Warn

	case TranscriptMsg:
		m.text = msg.Text
		m.stats = msg.Stats

	case DeviceLineMsg:
		m.deviceLine = msg.Text

	case SessionDoneMsg:
		m.sessions++
		m.text = msg.Text
		m.stats = msg.Stats
		m.lastErr = msg.Err
		m.copied = msg.Copied
		m.audioLevel = 0
		m.noVoice = false
	}
	return m, nil
}

func renderMeter(level float64, streaming bool) string {
	lit := int(level * meterWidth)
	if lit > meterWidth {
		lit = meterWidth
	}
	var b strings.Builder
	for i := 0; i < meterWidth; i++ {
		if i >= lit || !streaming {
			b.WriteString(meterOff.Render("░"))
			continue
		}
		frac := float64(i) / meterWidth
		switch {
		case frac < 0.5:
			b.WriteString(meterLow.Render("█"))
		case frac < 0.8:
			b.WriteString(meterMid.Render("█"))
		default:
			b.WriteString(meterHigh.Render("█"))
		}
	}
	return b.String()
}

func (m tuiModel) statusLine() string {
	switch m.state {
	case StateStreaming:
		return statusRec.Render(fmt.Sprintf("● REC %.1fs", m.elapsed))
	case StateRequestingDevice:
		return statusBusy.Render("◌ opening device" + spinner(m.frame))
	case StateConnecting:
		return statusBusy.Render("◌ connecting" + spinner(m.frame))
	case StateStopping:
		return statusBusy.Render("◌ finishing" + spinner(m.frame))
	case StateFailed:
		return errStyle.Render("✗ FAILED")
	default:
		return statusIdle.Render("○ STANDBY")
	}
}

func spinner(frame int) string {
	return strings.Repeat(".", frame/8%4)
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var lines []string
	lines = append(lines, "")
	lines = append(lines, " "+renderMeter(m.audioLevel, m.state == StateStreaming))
	lines = append(lines, "")
	lines = append(lines, " "+m.statusLine())
	if m.noVoice {
		lines = append(lines, " "+warnStyle.Render("⚠ no voice detected"))
	}
	if m.deviceLine != "" {
		lines = append(lines, " "+dimStyle.Render(m.deviceLine))
	}

	stats := fmt.Sprintf("%ds  %d words  %.1f KB sent",
		m.stats.ElapsedSeconds, m.stats.WordCount, float64(m.stats.BytesSent)/1024)
	lines = append(lines, " "+dimStyle.Render(stats))
	lines = append(lines, "")

	// Transcript panel
	wrapWidth := m.width - 4
	if wrapWidth < 20 {
		wrapWidth = 20
	}
	switch {
	case m.lastErr != nil:
		for _, l := range wrapText(m.lastErr.Error(), wrapWidth) {
			lines = append(lines, " "+errStyle.Render(l))
		}
	case m.text != "":
		for _, l := range wrapText(m.text, wrapWidth) {
			lines = append(lines, " "+textStyle.Render(l))
		}
		if m.copied {
			lines = append(lines, " "+copiedStyle.Render("[✓ copied]"))
		}
	default:
		lines = append(lines, " "+dimStyle.Render("No transcript yet"))
	}

	lines = append(lines, "")
	help := helpKey.Render("space") + helpStyle.Render(" start/stop  ") +
		helpKey.Render("q") + helpStyle.Render(" quit")
	lines = append(lines, " "+help)
	lines = append(lines, " "+helpStyle.Render("murmur "+version))

	out := strings.Join(lines, "\n")
	return lipgloss.NewStyle().Width(m.width).Height(m.height).Render(out)
}

// wrapText wraps text to the given width, breaking on spaces.
func wrapText(text string, width int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{text}
	}
	var lines []string
	current := words[0]
	for _, word := range words[1:] {
		if len(current)+1+len(word) <= width {
			current += " " + word
		} else {
			lines = append(lines, current)
			current = word
		}
	}
	lines = append(lines, current)
	return lines
}
