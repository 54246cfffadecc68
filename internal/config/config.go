// Package config loads the flvdemux YAML configuration. Decoding is strict:
// unknown keys are rejected. Unset fields get explicit defaults and the
// result is validated before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Parser   ParserConfig   `yaml:"parser"`
	Captions CaptionsConfig `yaml:"captions"`
	Output   OutputConfig   `yaml:"output"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	SRT      SRTConfig      `yaml:"srt"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn or error
}

type ParserConfig struct {
	UniformTimestamps bool `yaml:"uniform_timestamps"`
}

type CaptionsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type OutputConfig struct {
	Dir string `yaml:"dir"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the metrics endpoint
}

type SRTConfig struct {
	Addr      string       `yaml:"addr"` // empty disables the SRT listener
	LatencyMs int          `yaml:"latency_ms"`
	Pull      []PullConfig `yaml:"pull"`
}

// PullConfig names a remote SRT listener to pull an FLV stream from.
type PullConfig struct {
	Address   string `yaml:"address"`
	StreamKey string `yaml:"stream_key"`
	StreamID  string `yaml:"stream_id"`
}

// Latency returns the SRT latency as a duration.
func (s SRTConfig) Latency() time.Duration {
	return time.Duration(s.LatencyMs) * time.Millisecond
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes a configuration, applies defaults and validates it.
func Parse(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "."
	}
	if c.SRT.LatencyMs == 0 {
		c.SRT.LatencyMs = 120
	}
}

// Validate checks field values.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.SRT.LatencyMs < 0 {
		return fmt.Errorf("srt.latency_ms must be positive, got %d", c.SRT.LatencyMs)
	}
	if c.SRT.Addr != "" && !strings.Contains(c.SRT.Addr, ":") {
		return fmt.Errorf("srt.addr %q must be host:port", c.SRT.Addr)
	}
	if c.Metrics.Addr != "" && !strings.Contains(c.Metrics.Addr, ":") {
		return fmt.Errorf("metrics.addr %q must be host:port", c.Metrics.Addr)
	}
	seen := make(map[string]bool, len(c.SRT.Pull))
	for i, p := range c.SRT.Pull {
		if !strings.Contains(p.Address, ":") {
			return fmt.Errorf("srt.pull[%d].address %q must be host:port", i, p.Address)
		}
		if p.StreamKey == "" {
			return fmt.Errorf("srt.pull[%d].stream_key is required", i)
		}
		if seen[p.StreamKey] {
			return fmt.Errorf("srt.pull[%d]: duplicate stream_key %q", i, p.StreamKey)
		}
		seen[p.StreamKey] = true
	}
	return nil
}

// ParseLevel maps a level name to its slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}
