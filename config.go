package raft

import (
	"os"
	"strconv"
	"time"
)

// Environment keys consulted for default timing parameters. Values are
// integral milliseconds.
const (
	EnvMinElectionTimeout = "RAFT_MIN_ELECTION_TIMEOUT_MS"
	EnvMaxElectionTimeout = "RAFT_MAX_ELECTION_TIMEOUT_MS"
	EnvHeartbeatInterval  = "RAFT_HEARTBEAT_INTERVAL_MS"
)

const (
	fallbackMinElectionTimeout = 250 * time.Millisecond
	fallbackMaxElectionTimeout = 500 * time.Millisecond
	fallbackHeartbeatInterval  = 25 * time.Millisecond
)

// Config carries the timing parameters for a single server. The election
// timeout for any given cycle is drawn uniformly from [MinElectionTimeout,
// MaxElectionTimeout); HeartbeatInterval is the period between leader
// AppendEntries broadcasts and should be much smaller than the minimum
// election timeout. Seed feeds the server's private random source, so tests
// can make timeout sequences deterministic; zero means seed from the clock.
type Config struct {
	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration
	HeartbeatInterval  time.Duration
	Seed               int64
}

// DefaultConfig returns the timing parameters from the environment, falling
// back to 250ms/500ms election timeouts and a 25ms heartbeat.
func DefaultConfig() Config {
	return Config{
		MinElectionTimeout: envDuration(EnvMinElectionTimeout, fallbackMinElectionTimeout),
		MaxElectionTimeout: envDuration(EnvMaxElectionTimeout, fallbackMaxElectionTimeout),
		HeartbeatInterval:  envDuration(EnvHeartbeatInterval, fallbackHeartbeatInterval),
	}
}

// withDefaults fills zero fields from DefaultConfig, and repairs an inverted
// or collapsed timeout range.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinElectionTimeout <= 0 {
		c.MinElectionTimeout = d.MinElectionTimeout
	}
	if c.MaxElectionTimeout <= 0 {
		c.MaxElectionTimeout = d.MaxElectionTimeout
	}
	if c.MaxElectionTimeout <= c.MinElectionTimeout {
		c.MaxElectionTimeout = 2 * c.MinElectionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatInterval >= c.MinElectionTimeout {
		c.HeartbeatInterval = c.MinElectionTimeout / 10
	}
	return c
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		log.Warnf("ignoring %s=%q: want positive integer milliseconds", key, v)
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
