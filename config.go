package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
	"hz.tools/rf"

	"github.com/rjboer/GoInspect/internal/analyzer"
	"github.com/rjboer/GoInspect/internal/inspector"
	"github.com/rjboer/GoInspect/internal/source"
)

type cliConfig struct {
	source   source.Config
	analyzer analyzer.Config
	channels []inspector.Channel
	// baudHz of 0 leaves the symbol clock on the FAC estimate.
	baudHz       float64
	carrier      inspector.CarrierControl
	duration     time.Duration
	webAddr      string
	mdns         bool
	instance     string
	historyLimit int
	logLevel     string
	logFormat    string
}

type persistentConfig struct {
	Source       source.Config   `yaml:"source"`
	Analyzer     analyzer.Config `yaml:"analyzer"`
	Channels     []string        `yaml:"channels"`
	BaudHz       float64         `yaml:"baud_hz"`
	Carrier      string          `yaml:"carrier"`
	Duration     time.Duration   `yaml:"duration"`
	WebAddr      string          `yaml:"web_addr"`
	MDNS         bool            `yaml:"mdns"`
	Instance     string          `yaml:"instance"`
	HistoryLimit int             `yaml:"history_limit"`
	LogLevel     string          `yaml:"log_level"`
	LogFormat    string          `yaml:"log_format"`
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults persistentConfig) (cliConfig, error) {
	cfg := cliConfig{analyzer: defaults.Analyzer}
	var (
		sampleRate, centerFreq, toneOffset float64
		channels                           []string
		carrier                            string
	)
	fs := pflag.NewFlagSet("goinspect", pflag.ContinueOnError)
	fs.StringVar(&cfg.source.Backend, "backend", envString(lookup, "INSPECT_BACKEND", defaults.Source.Backend), "Sample source (mock|file)")
	fs.StringVar(&cfg.source.Path, "file", envString(lookup, "INSPECT_FILE", defaults.Source.Path), "rfcap capture for the file backend")
	fs.Float64Var(&sampleRate, "sample-rate", envFloat(lookup, "INSPECT_SAMPLE_RATE", float64(defaults.Source.SampleRate)), "Sample rate in Hz (file captures carry their own)")
	fs.Float64Var(&centerFreq, "center-freq", envFloat(lookup, "INSPECT_CENTER_FREQ", float64(defaults.Source.CenterFreq)), "Centre frequency in Hz")
	fs.Float64Var(&toneOffset, "tone-offset", envFloat(lookup, "INSPECT_TONE_OFFSET", float64(defaults.Source.ToneOffset)), "Mock signal offset from centre in Hz")
	fs.Float64Var(&cfg.source.Baud, "mock-baud", envFloat(lookup, "INSPECT_MOCK_BAUD", defaults.Source.Baud), "Mock symbol rate in baud")
	fs.IntVar(&cfg.source.Order, "mock-order", envInt(lookup, "INSPECT_MOCK_ORDER", defaults.Source.Order), "Mock PSK order (2|4)")
	fs.Float64Var(&cfg.source.NoiseLevel, "noise", envFloat(lookup, "INSPECT_NOISE", defaults.Source.NoiseLevel), "Mock noise standard deviation")
	fs.IntVar(&cfg.source.Limit, "limit", envInt(lookup, "INSPECT_LIMIT", defaults.Source.Limit), "Stop the mock after this many samples (0 = endless)")
	fs.BoolVar(&cfg.source.RealTime, "real-time", envBool(lookup, "INSPECT_REAL_TIME", defaults.Source.RealTime), "Pace the mock at the sample rate")
	fs.IntVar(&cfg.analyzer.Workers, "workers", envInt(lookup, "INSPECT_WORKERS", defaults.Analyzer.Workers), "Consumer pool size")
	fs.IntVar(&cfg.analyzer.DetectorWindow, "detector-window", envInt(lookup, "INSPECT_DETECTOR_WINDOW", defaults.Analyzer.DetectorWindow), "Samples per baud estimate")
	fs.Float64Var(&cfg.analyzer.PSDInterval, "psd-interval", envFloat(lookup, "INSPECT_PSD_INTERVAL", defaults.Analyzer.PSDInterval), "Seconds of samples between spectra (0 = off)")
	fs.Float64Var(&cfg.analyzer.ChannelInterval, "channel-interval", envFloat(lookup, "INSPECT_CHANNEL_INTERVAL", defaults.Analyzer.ChannelInterval), "Seconds of samples between channel scans (0 = off)")
	fs.StringArrayVar(&channels, "channel", envList(lookup, "INSPECT_CHANNELS", defaults.Channels), "Inspector channel offset:bandwidth in Hz, repeatable")
	fs.Float64Var(&cfg.baudHz, "baud", envFloat(lookup, "INSPECT_BAUD", defaults.BaudHz), "Symbol clock rate in baud (0 = estimate)")
	fs.StringVar(&carrier, "carrier", envString(lookup, "INSPECT_CARRIER", defaults.Carrier), "Carrier recovery (manual|costas2|costas4)")
	fs.DurationVar(&cfg.duration, "duration", envDuration(lookup, "INSPECT_DURATION", defaults.Duration), "Stop after this long (0 = until end of stream)")
	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, "INSPECT_WEB_ADDR", defaults.WebAddr), "Optional web telemetry listen address (e.g. :8080)")
	fs.BoolVar(&cfg.mdns, "mdns", envBool(lookup, "INSPECT_MDNS", defaults.MDNS), "Advertise the web bridge over mDNS")
	fs.StringVar(&cfg.instance, "instance", envString(lookup, "INSPECT_INSTANCE", defaults.Instance), "mDNS instance name")
	fs.IntVar(&cfg.historyLimit, "history-limit", envInt(lookup, "INSPECT_HISTORY_LIMIT", defaults.HistoryLimit), "Maximum events to keep in telemetry history")
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "INSPECT_LOG_LEVEL", defaults.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "INSPECT_LOG_FORMAT", defaults.LogFormat), "Log format (text|logfmt|json)")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg.source.SampleRate = rf.Hz(sampleRate)
	cfg.source.CenterFreq = rf.Hz(centerFreq)
	cfg.source.ToneOffset = rf.Hz(toneOffset)
	cfg.source.Seed = defaults.Source.Seed

	ctl, err := inspector.ParseCarrierControl(carrier)
	if err != nil {
		return cliConfig{}, err
	}
	cfg.carrier = ctl
	for _, s := range channels {
		ch, err := parseChannel(s)
		if err != nil {
			return cliConfig{}, err
		}
		cfg.channels = append(cfg.channels, ch)
	}
	if err := cfg.rebase(cfg.source.SampleRate); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

// rebase checks the rate dependent settings against fs and adopts it. The
// CLI calls it again with the rate the opened source reports.
func (c *cliConfig) rebase(fs rf.Hz) error {
	if fs <= 0 {
		return fmt.Errorf("sample rate %v must be positive", fs)
	}
	if c.baudHz < 0 || c.baudHz > float64(fs)/2 {
		return fmt.Errorf("baud %v outside [0, fs/2]", c.baudHz)
	}
	for _, ch := range c.channels {
		if err := ch.Validate(fs); err != nil {
			return fmt.Errorf("channel %v:%v: %w", float64(ch.Offset), float64(ch.Bandwidth), err)
		}
	}
	c.source.SampleRate = fs
	return nil
}

// parseChannel reads "offset:bandwidth" in Hz.
func parseChannel(s string) (inspector.Channel, error) {
	off, bw, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return inspector.Channel{}, fmt.Errorf("channel %q: want offset:bandwidth", s)
	}
	o, err := strconv.ParseFloat(off, 64)
	if err != nil {
		return inspector.Channel{}, fmt.Errorf("channel %q offset: %w", s, err)
	}
	b, err := strconv.ParseFloat(bw, 64)
	if err != nil {
		return inspector.Channel{}, fmt.Errorf("channel %q bandwidth: %w", s, err)
	}
	return inspector.Channel{Offset: rf.Hz(o), Bandwidth: rf.Hz(b)}, nil
}

// params builds the inspector parameters the CLI applies to channel i.
func (c cliConfig) params(i int) inspector.Params {
	return inspector.Params{
		Carrier: c.carrier,
		Baud:    c.baudHz / float64(c.source.SampleRate),
		ID:      uint32(i),
	}
}

func persistentFromCLI(cfg cliConfig) persistentConfig {
	channels := make([]string, 0, len(cfg.channels))
	for _, ch := range cfg.channels {
		channels = append(channels, fmt.Sprintf("%g:%g", float64(ch.Offset), float64(ch.Bandwidth)))
	}
	return persistentConfig{
		Source:       cfg.source,
		Analyzer:     cfg.analyzer,
		Channels:     channels,
		BaudHz:       cfg.baudHz,
		Carrier:      cfg.carrier.String(),
		Duration:     cfg.duration,
		WebAddr:      cfg.webAddr,
		MDNS:         cfg.mdns,
		Instance:     cfg.instance,
		HistoryLimit: cfg.historyLimit,
		LogLevel:     cfg.logLevel,
		LogFormat:    cfg.logFormat,
	}
}

func loadOrCreateConfig(path string) (persistentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := defaultPersistentConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return persistentConfig{}, saveErr
			}
			return cfg, nil
		}
		return persistentConfig{}, err
	}

	cfg := defaultPersistentConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return persistentConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(path string, cfg persistentConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultPersistentConfig() persistentConfig {
	return persistentConfig{
		Source: source.Config{
			Backend:    "mock",
			SampleRate: 48 * rf.KHz,
			ToneOffset: 1 * rf.KHz,
			Baud:       1200,
			Order:      2,
			NoiseLevel: 0.05,
			RealTime:   true,
			Seed:       1,
		},
		Analyzer:     analyzer.DefaultConfig(),
		Channels:     []string{"1000:2400"},
		Carrier:      "costas2",
		Instance:     "goinspect",
		HistoryLimit: 500,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}

// envList splits a comma separated variable.
func envList(lookup func(string) (string, bool), key string, def []string) []string {
	if val, ok := lookup(key); ok {
		var out []string
		for _, s := range strings.Split(val, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return append([]string(nil), def...)
}
