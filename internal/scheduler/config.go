// Package scheduler runs outreach cycles, one at a time, over the shared
// browser resource.
package scheduler

import "time"

// Config defines the scheduler configuration.
type Config struct {
	// PollInterval is how often the daemon loop looks for due campaigns.
	PollInterval time.Duration `yaml:"poll_interval"`
	// LockTTL bounds how long a crashed holder can block the cycle lock.
	LockTTL time.Duration `yaml:"lock_ttl"`
	// WaitTimeout is how long RunAndWait callers wait by default.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	// DiscoveryInterval is how often the daemon runs an armed campaign that
	// has no due prospects, so new entities keep being discovered.
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: time.Minute,
		LockTTL:      2 * time.Hour,
		WaitTimeout:  10 * time.Minute,

		DiscoveryInterval: 6 * time.Hour,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.PollInterval <= 0 {
		out.PollInterval = d.PollInterval
	}
	if out.LockTTL <= 0 {
		out.LockTTL = d.LockTTL
	}
	if out.WaitTimeout <= 0 {
		out.WaitTimeout = d.WaitTimeout
	}
	if out.DiscoveryInterval <= 0 {
		out.DiscoveryInterval = d.DiscoveryInterval
	}
	return &out
}
