package drover

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Option configures a Processor via functional options.
type Option interface {
	Apply(*config)
}

type config struct {
	leaseDuration   time.Duration
	maxWaitTime     time.Duration
	reclaimInterval time.Duration
	stopTimeout     time.Duration
	initialPosition StartPosition
	logLevel        zerolog.Level
}

type (
	withLeaseDuration   time.Duration
	withMaxWaitTime     time.Duration
	withReclaimInterval time.Duration
	withStopTimeout     time.Duration
	withInitialPosition StartPosition
	withLogLevel        zerolog.Level
)

func (o withLeaseDuration) Apply(c *config) {
	c.leaseDuration = time.Duration(o)
}

// WithLeaseDuration sets how long a partition claim stays valid without renewal.
// A partition whose claim is older than this is reclaimable by any instance.
// Default value is 30 seconds.
func WithLeaseDuration(d time.Duration) Option {
	return withLeaseDuration(d)
}

func (o withMaxWaitTime) Apply(c *config) {
	c.maxWaitTime = time.Duration(o)
}

// WithMaxWaitTime sets the longest a partition consumer waits for the next
// batch before returning empty-handed. Default value is 1 second.
func WithMaxWaitTime(d time.Duration) Option {
	return withMaxWaitTime(d)
}

func (o withReclaimInterval) Apply(c *config) {
	c.reclaimInterval = time.Duration(o)
}

// WithReclaimInterval sets how often Run repeats the claim pass to renew owned
// leases and pick up newly-stale partitions. Default value is 10 seconds.
func WithReclaimInterval(d time.Duration) Option {
	return withReclaimInterval(d)
}

func (o withStopTimeout) Apply(c *config) {
	c.stopTimeout = time.Duration(o)
}

// WithStopTimeout bounds how long Stop waits for each partition task to
// acknowledge termination. Default value is 10 seconds.
func WithStopTimeout(d time.Duration) Option {
	return withStopTimeout(d)
}

func (o withInitialPosition) Apply(c *config) {
	c.initialPosition = StartPosition(o)
}

// WithInitialPosition sets where a partition consumer starts when no checkpoint
// exists yet. Default is the beginning of the partition.
func WithInitialPosition(start StartPosition) Option {
	return withInitialPosition(start)
}

// WithLogLevel sets the log level for the processor.
func WithLogLevel(logLevel string) Option {
	ll, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		log.Warn().Err(err).Msgf("Invalid log level %s, using default level info", logLevel)
		ll = zerolog.InfoLevel // Default log level
	}
	return withLogLevel(ll)
}

func (o withLogLevel) Apply(c *config) {
	c.logLevel = zerolog.Level(o)
}
