package orchestrator

import (
	"fmt"
	"time"

	"github.com/martinothamar/altinn-tools-sub000/internal/config"
)

const (
	defaultDiscoveryInterval = 5 * time.Minute
	defaultPollInterval      = 2 * time.Minute
	defaultLookback          = 24 * time.Hour
	defaultSafetyMargin      = 10 * time.Minute
	defaultStreamCapacity    = 128
)

// Config holds orchestrator polling configuration.
//
// SafetyMargin trails the poll window's end behind wall-clock now to account
// for the telemetry source's own ingestion delay: advancing the cursor past
// data the source has not made visible yet would lose it forever.
type Config struct {
	DiscoveryInterval time.Duration
	PollInterval      time.Duration
	Lookback          time.Duration
	SafetyMargin      time.Duration
	StreamCapacity    int
}

// LoadConfig loads orchestrator configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		DiscoveryInterval: config.GetEnvDuration("MONITOR_DISCOVERY_INTERVAL", defaultDiscoveryInterval),
		PollInterval:      config.GetEnvDuration("MONITOR_POLL_INTERVAL", defaultPollInterval),
		Lookback:          config.GetEnvDuration("MONITOR_LOOKBACK", defaultLookback),
		SafetyMargin:      config.GetEnvDuration("MONITOR_SAFETY_MARGIN", defaultSafetyMargin),
		StreamCapacity:    config.GetEnvInt("MONITOR_STREAM_CAPACITY", defaultStreamCapacity),
	}
}

// Validate checks if the orchestrator configuration is valid.
func (c *Config) Validate() error {
	if c.DiscoveryInterval <= 0 {
		return fmt.Errorf("discovery interval must be positive, got %s", c.DiscoveryInterval)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}

	if c.Lookback <= 0 {
		return fmt.Errorf("lookback must be positive, got %s", c.Lookback)
	}

	if c.SafetyMargin < 0 {
		return fmt.Errorf("safety margin cannot be negative, got %s", c.SafetyMargin)
	}

	if c.StreamCapacity <= 0 {
		return fmt.Errorf("stream capacity must be positive, got %d", c.StreamCapacity)
	}

	return nil
}
