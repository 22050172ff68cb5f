// Package config carries the typed, option-constructed configuration
// surface described in spec.md §6.
package config

import "time"

// Mode is a user-facing circuit-length preset.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeAdaptive Mode = "adaptive"
	ModeMix      Mode = "mix"
)

// HopsForMode returns the target hop count for a mode, per spec.md §4.5.
// Mix mode returns the upper end (5); callers that want randomized 4-5
// should sample themselves using MixHopRange.
func HopsForMode(m Mode) int {
	switch m {
	case ModeFast:
		return 2
	case ModeAdaptive:
		return 3
	case ModeMix:
		return 5
	default:
		return 3
	}
}

// MixHopRange is the inclusive [min,max] hop count for ModeMix.
var MixHopRange = [2]int{4, 5}

// Config holds every tunable named in spec.md §6's configuration table.
type Config struct {
	MinHops             int
	MaxHops             int
	CircuitTTL          time.Duration
	CircuitRefresh      time.Duration
	HandshakeTimeout    time.Duration
	Staleness           time.Duration
	CoverRate           float64
	CoverEnabled        bool
	JitterMax           time.Duration
	Suite               string // "aes-gcm-256" (default) or "chacha20poly1305"
}

// Option mutates a Config during construction.
type Option func(*Config)

// Default returns the configuration defaults from spec.md §6.
func Default() Config {
	return Config{
		MinHops:          3,
		MaxHops:          5,
		CircuitTTL:       10 * time.Minute,
		CircuitRefresh:   5 * time.Minute,
		HandshakeTimeout: 5 * time.Second,
		Staleness:        60 * time.Second,
		CoverRate:        2.0,
		CoverEnabled:     true,
		JitterMax:        100 * time.Millisecond,
		Suite:            "aes-gcm-256",
	}
}

// New builds a Config starting from Default and applying opts in order.
func New(opts ...Option) Config {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithMinHops(n int) Option          { return func(c *Config) { c.MinHops = n } }
func WithMaxHops(n int) Option          { return func(c *Config) { c.MaxHops = n } }
func WithCircuitTTL(d time.Duration) Option {
	return func(c *Config) { c.CircuitTTL = d }
}
func WithCircuitRefresh(d time.Duration) Option {
	return func(c *Config) { c.CircuitRefresh = d }
}
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) { c.HandshakeTimeout = d }
}
func WithStaleness(d time.Duration) Option {
	return func(c *Config) { c.Staleness = d }
}
func WithCoverRate(r float64) Option {
	return func(c *Config) { c.CoverRate = r }
}
func WithCoverEnabled(enabled bool) Option {
	return func(c *Config) { c.CoverEnabled = enabled }
}
func WithJitterMax(d time.Duration) Option {
	return func(c *Config) { c.JitterMax = d }
}
func WithSuite(name string) Option {
	return func(c *Config) { c.Suite = name }
}
