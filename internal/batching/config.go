package batching

import "time"

// Defaults applied by Config.withDefaults to zero values.
const (
	DefaultMaxRecords          = 100
	DefaultMaxLatency          = 500 * time.Millisecond
	DefaultIdleTimeout         = 30 * time.Second
	DefaultRetryDelay          = time.Second
	DefaultRecoveryConcurrency = 8
)

// Config controls how processors accumulate and hand off batches, and how
// many authors are hydrated in parallel at startup.
type Config struct {
	// MaxRecords seals the open batch once it holds this many records.
	MaxRecords int

	// MaxLatency seals the open batch this long after it was opened,
	// however many records it holds.
	MaxLatency time.Duration

	// IdleTimeout is how long a processor with nothing open, queued or in
	// flight waits for new work before it reports completion.
	IdleTimeout time.Duration

	// RetryDelay is the pause between attempts to hand a sealed batch off.
	RetryDelay time.Duration

	// RecoveryConcurrency bounds concurrent processor hydration in Initialize.
	RecoveryConcurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxRecords <= 0 {
		c.MaxRecords = DefaultMaxRecords
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = DefaultMaxLatency
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RecoveryConcurrency <= 0 {
		c.RecoveryConcurrency = DefaultRecoveryConcurrency
	}
	return c
}
