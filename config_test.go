package main

import (
	"os"
	"path/filepath"
	"testing"

	"murmur/capture"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.Channels != 1 || cfg.Audio.ChunkSize != 256 {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
	if cfg.Backend.Model != "rt-standard" || cfg.Backend.FinishGraceMs != 3000 {
		t.Fatalf("unexpected backend defaults: %+v", cfg.Backend)
	}
	p, err := cfg.dropPolicy()
	if err != nil || p != capture.DropOldest {
		t.Fatalf("default policy %v (%v), want drop-oldest", p, err)
	}
}

func TestConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "murmur.yaml")
	data := []byte(`
backend:
  endpoint: wss://stt.example.com/v1/stream
  model: rt-large
audio:
  sample_rate: 48000
  drop_policy: block
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.Endpoint != "wss://stt.example.com/v1/stream" {
		t.Fatalf("endpoint %q", cfg.Backend.Endpoint)
	}
	if cfg.Backend.Model != "rt-large" {
		t.Fatalf("model %q", cfg.Backend.Model)
	}
	// Untouched keys keep their defaults.
	if cfg.Audio.ChunkSize != 256 {
		t.Fatalf("chunk size %d, want default 256", cfg.Audio.ChunkSize)
	}
	if cfg.Audio.SampleRate != 48000 {
		t.Fatalf("sample rate %d", cfg.Audio.SampleRate)
	}
	p, err := cfg.dropPolicy()
	if err != nil || p != capture.Block {
		t.Fatalf("policy %v (%v), want block", p, err)
	}
}

func TestConfigEnvOverride(t *testing.T) {
	t.Setenv("MURMUR_ENDPOINT", "wss://env.example.com/stream")
	t.Setenv("MURMUR_MODEL", "rt-env")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.Endpoint != "wss://env.example.com/stream" {
		t.Fatalf("endpoint %q", cfg.Backend.Endpoint)
	}
	if cfg.Backend.Model != "rt-env" {
		t.Fatalf("model %q", cfg.Backend.Model)
	}
}

func TestConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRequiresEndpoint(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.validate(); err == nil {
		t.Fatal("expected validation error without endpoint")
	}
	cfg.Backend.Endpoint = "wss://stt.example.com/v1/stream"
	if err := cfg.validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	cfg := defaultConfig()
	cfg.Backend.Endpoint = "wss://stt.example.com/v1/stream"
	cfg.Audio.DropPolicy = "newest"
	if err := cfg.validate(); err == nil {
		t.Fatal("expected error for unknown drop policy")
	}
}
