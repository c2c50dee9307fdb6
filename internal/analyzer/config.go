package analyzer

import (
	"errors"
	"fmt"
)

// Config holds the analyzer tunables. Intervals are in seconds of sample
// time, not wall-clock time.
type Config struct {
	// Workers bounds the consumer pool.
	Workers int `yaml:"workers"`
	// ReadSize is the batch size of the source reader and the most samples
	// a consumer pulls per cycle.
	ReadSize          int     `yaml:"read_size"`
	StreamCapacity    int     `yaml:"stream_capacity"`
	ConsumerBufferMax int     `yaml:"consumer_buffer_max"`
	DetectorWindow    int     `yaml:"detector_window"`
	InfoInterval      float64 `yaml:"info_interval"`
	CostasBandwidth   float64 `yaml:"costas_bandwidth"`
	// PSDInterval and ChannelInterval of 0 disable the messages.
	PSDInterval        float64 `yaml:"psd_interval"`
	ChannelInterval    float64 `yaml:"channel_interval"`
	PSDSize            int     `yaml:"psd_size"`
	ChannelThresholdDB float64 `yaml:"channel_threshold_db"`
}

const (
	minWorkers        = 1
	maxWorkers        = 256
	minReadSize       = 16
	maxReadSize       = 1 << 20
	minDetectorWindow = 64
	maxDetectorWindow = 1 << 20
	minPSDSize        = 16
	maxPSDSize        = 1 << 16
)

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		Workers:            2,
		ReadSize:           1024,
		StreamCapacity:     1 << 16,
		ConsumerBufferMax:  1 << 16,
		DetectorWindow:     4096,
		InfoInterval:       0.05,
		CostasBandwidth:    0.01,
		PSDInterval:        0,
		ChannelInterval:    0,
		PSDSize:            1024,
		ChannelThresholdDB: 10,
	}
}

func validateConfig(cfg Config) (Config, error) {
	base := DefaultConfig()
	if cfg.Workers == 0 {
		cfg.Workers = base.Workers
	}
	if cfg.ReadSize == 0 {
		cfg.ReadSize = base.ReadSize
	}
	if cfg.StreamCapacity == 0 {
		cfg.StreamCapacity = base.StreamCapacity
	}
	if cfg.ConsumerBufferMax == 0 {
		cfg.ConsumerBufferMax = base.ConsumerBufferMax
	}
	if cfg.DetectorWindow == 0 {
		cfg.DetectorWindow = base.DetectorWindow
	}
	if cfg.InfoInterval == 0 {
		cfg.InfoInterval = base.InfoInterval
	}
	if cfg.CostasBandwidth == 0 {
		cfg.CostasBandwidth = base.CostasBandwidth
	}
	if cfg.PSDSize == 0 {
		cfg.PSDSize = base.PSDSize
	}
	if cfg.ChannelThresholdDB == 0 {
		cfg.ChannelThresholdDB = base.ChannelThresholdDB
	}

	if cfg.Workers < minWorkers || cfg.Workers > maxWorkers {
		return Config{}, fmt.Errorf("workers must be between %d and %d", minWorkers, maxWorkers)
	}
	if cfg.ReadSize < minReadSize || cfg.ReadSize > maxReadSize {
		return Config{}, fmt.Errorf("read size must be between %d and %d", minReadSize, maxReadSize)
	}
	if cfg.StreamCapacity < cfg.ReadSize {
		return Config{}, errors.New("stream capacity must hold at least one read batch")
	}
	if cfg.ConsumerBufferMax < cfg.ReadSize {
		return Config{}, errors.New("consumer buffer must hold at least one read batch")
	}
	if cfg.DetectorWindow < minDetectorWindow || cfg.DetectorWindow > maxDetectorWindow {
		return Config{}, fmt.Errorf("detector window must be between %d and %d", minDetectorWindow, maxDetectorWindow)
	}
	if cfg.InfoInterval < 0 || cfg.PSDInterval < 0 || cfg.ChannelInterval < 0 {
		return Config{}, errors.New("intervals must not be negative")
	}
	if cfg.CostasBandwidth < 0 || cfg.CostasBandwidth > 1 {
		return Config{}, errors.New("costas bandwidth must be between 0 and 1")
	}
	if cfg.PSDSize < minPSDSize || cfg.PSDSize > maxPSDSize {
		return Config{}, fmt.Errorf("psd size must be between %d and %d", minPSDSize, maxPSDSize)
	}
	if cfg.ChannelThresholdDB < 0 {
		return Config{}, errors.New("channel threshold must not be negative")
	}
	return cfg, nil
}
