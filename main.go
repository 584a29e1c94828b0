package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"text/tabwriter"
	"time"

	"murmur/audio"
	"murmur/log"
	"murmur/shutdown"
	"murmur/transcript"
)

var version = "dev"

var shutdownOnce sync.Once

func gracefulShutdown(client *Client, program interface{ Quit() }) {
	shutdownOnce.Do(func() {
		if client != nil {
			client.Stop()
			client.Wait()
			log.SessionEnd(client.State().String())
		}
		log.Close()
		if program != nil {
			program.Quit()
		}
	})
}

func listDevices(ctx audio.Context) error {
	devices, err := ctx.Devices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No capture devices found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME\tCHANNELS\tSAMPLE RATE")
	for _, d := range devices {
		name := d.Name
		if audio.IsBluetooth(name) {
			name += " (BT!)"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\n", d.Index, name, d.Channels, d.DefaultSampleRate)
	}
	return w.Flush()
}

func findDevice(ctx audio.Context, name string) (*audio.Device, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].Name == name || devices[i].ID == name {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("capture device %q not found", name)
}

// consoleSink is the headless display: transcript updates go to stderr so
// stdout carries only the final transcript.
type consoleSink struct {
	mu   sync.Mutex
	last string
}

func (s *consoleSink) SessionState(st ClientState) {
	fmt.Fprintf(os.Stderr, "[%s]\n", st)
}

func (s *consoleSink) RecordingTick(float64) {}
func (s *consoleSink) AudioLevel(float64)    {}

func (s *consoleSink) NoVoiceWarning(on bool) {
	if on {
		fmt.Fprintln(os.Stderr, "warning: no voice detected")
	}
}

func (s *consoleSink) DeviceLine(text string) {
	fmt.Fprintln(os.Stderr, text)
}

func (s *consoleSink) Transcript(text string, _ transcript.Stats) {
	s.mu.Lock()
	s.last = text
	s.mu.Unlock()
}

func (s *consoleSink) SessionDone(text string, stats transcript.Stats, err error) {
	s.mu.Lock()
	s.last = text
	s.mu.Unlock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "session error: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "%ds, %d words, %.1f KB sent\n",
		stats.ElapsedSeconds, stats.WordCount, float64(stats.BytesSent)/1024)
}

func (s *consoleSink) final() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func main() {
	listFlag := flag.Bool("list-devices", false, "List capture devices and exit")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	setupFlag := flag.Bool("setup", false, "Select microphone device interactively")
	durationFlag := flag.Duration("duration", 0, "Stop the session after this long (e.g. 30s). 0 = until stopped")
	rateFlag := flag.Int("sample-rate", 0, "Capture sample rate in Hz (overrides config)")
	chunkFlag := flag.Int("chunk", 0, "Samples per chunk (overrides config)")
	configFlag := flag.String("config", "", "Path to YAML config file")
	copyFlag := flag.Bool("copy", false, "Copy the final transcript to the clipboard")
	endpointFlag := flag.String("endpoint", "", "Websocket endpoint (overrides config)")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	headlessFlag := flag.String("headless", "", "Run one session from a WAV file without the TUI")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("murmur %s\n", version)
		os.Exit(0)
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *endpointFlag != "" {
		cfg.Backend.Endpoint = *endpointFlag
	}
	if *rateFlag > 0 {
		cfg.Audio.SampleRate = *rateFlag
	}
	if *chunkFlag > 0 {
		cfg.Audio.ChunkSize = *chunkFlag
	}
	log.SetLevel(cfg.Logging.Level)

	var actx audio.Context
	if *headlessFlag != "" {
		fake, err := audio.NewFakeContext(*headlessFlag, cfg.Audio.SampleRate, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		actx = fake
	} else {
		actx, err = audio.NewContext()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
			os.Exit(1)
		}
	}
	defer actx.Close()

	if *listFlag {
		if err := listDevices(actx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var device *audio.Device
	if *setupFlag && *deviceFlag == "" {
		dev, err := audio.SelectDevice(actx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		device = dev
	} else if *deviceFlag != "" {
		device, err = findDevice(actx, *deviceFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if _, err := cfg.dropPolicy(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}

	if *headlessFlag != "" {
		os.Exit(runHeadless(cfg, actx, device, *copyFlag, *durationFlag))
	}

	runTUI(cfg, actx, device, *copyFlag, *durationFlag)
}

func runHeadless(cfg Config, actx audio.Context, device *audio.Device, copyFinal bool, duration time.Duration) int {
	sink := &consoleSink{}
	client := NewClient(cfg, actx, sink)
	client.SetCopyFinal(copyFinal)

	if err := client.Start(device); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	shutdown.Notify(sigCh)
	go func() {
		<-sigCh
		client.Stop()
	}()
	if duration > 0 {
		time.AfterFunc(duration, client.Stop)
	}

	client.Wait()
	gracefulShutdown(client, nil)

	if client.State() == StateFailed {
		return 1
	}
	fmt.Print(sink.final())
	if sink.final() != "" {
		fmt.Println()
	}
	return 0
}

func runTUI(cfg Config, actx audio.Context, device *audio.Device, copyFinal bool, duration time.Duration) {
	// The model owns start/stop; the sink feeds session events back in.
	client := NewClient(cfg, actx, nil)
	client.SetCopyFinal(copyFinal)
	client.SetAutoStop(true)

	program := NewTUIProgram(client, device)
	client.sink = &tuiSink{p: program, copy: copyFinal}

	sigCh := make(chan os.Signal, 1)
	shutdown.Notify(sigCh)
	go func() {
		<-sigCh
		client.Stop()
		program.Quit()
	}()
	if duration > 0 {
		time.AfterFunc(duration, client.Stop)
	}

	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	gracefulShutdown(client, program)
}
