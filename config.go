package main

import (
	"fmt"
	"os"

	"murmur/capture"

	"gopkg.in/yaml.v3"
)

// Config is read from an optional YAML file, then overlaid with MURMUR_*
// environment variables; CLI flags get the final word in run().
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Audio   AudioConfig   `yaml:"audio"`
	Logging LoggingConfig `yaml:"logging"`
}

type BackendConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Language      string `yaml:"language"`
	FinishGraceMs int    `yaml:"finish_grace_ms"`
}

type AudioConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	ChunkSize  int    `yaml:"chunk_size"`  // samples per chunk
	QueueDepth int    `yaml:"queue_depth"` // chunks buffered before the drop policy kicks in
	DropPolicy string `yaml:"drop_policy"` // "drop-oldest" or "block"
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func defaultConfig() Config {
	return Config{
		Backend: BackendConfig{
			Model:         "rt-standard",
			Language:      "en",
			FinishGraceMs: 3000,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
			ChunkSize:  256,
			QueueDepth: 32,
			DropPolicy: "drop-oldest",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MURMUR_ENDPOINT"); v != "" {
		c.Backend.Endpoint = v
	}
	if v := os.Getenv("MURMUR_API_KEY"); v != "" {
		c.Backend.APIKey = v
	}
	if v := os.Getenv("MURMUR_MODEL"); v != "" {
		c.Backend.Model = v
	}
	if v := os.Getenv("MURMUR_LANGUAGE"); v != "" {
		c.Backend.Language = v
	}
}

func (c Config) validate() error {
	if c.Backend.Endpoint == "" {
		return fmt.Errorf("backend endpoint not configured (set MURMUR_ENDPOINT, -endpoint, or backend.endpoint in the config file)")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", c.Audio.SampleRate)
	}
	if c.Audio.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size %d", c.Audio.ChunkSize)
	}
	if _, err := c.dropPolicy(); err != nil {
		return err
	}
	return nil
}

func (c Config) dropPolicy() (capture.Policy, error) {
	switch c.Audio.DropPolicy {
	case "", "drop-oldest":
		return capture.DropOldest, nil
	case "block":
		return capture.Block, nil
	default:
		return 0, fmt.Errorf("unknown drop policy %q (use drop-oldest or block)", c.Audio.DropPolicy)
	}
}
