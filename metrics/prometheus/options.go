package prometheus

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/shardconsumer/kcl/logger"
)

// Option configures MonitoringService via the functional options pattern.
type Option func(*config)

type config struct {
	listenAddress string
	region        string
	logger        logger.Logger
	buckets       []float64
	registerer    prom.Registerer
	gatherer      prom.Gatherer
	startServer   bool
}

// defaultLatencyBuckets covers 1ms..~2s, exponentially. GetRecords/Process
// durations are fed in milliseconds, so the client_golang package default
// buckets (tuned for second-scale latencies) would bucket almost every
// observation into the first bucket.
func defaultLatencyBuckets() []float64 {
	return prom.ExponentialBuckets(1, 2, 12)
}

func defaultConfig() config {
	return config{
		listenAddress: ":8080",
		logger:        logger.GetDefaultLogger(),
		buckets:       defaultLatencyBuckets(),
		registerer:    prom.DefaultRegisterer,
		gatherer:      prom.DefaultGatherer,
		startServer:   true,
	}
}

// WithListenAddress sets the address for the standalone metrics HTTP server.
func WithListenAddress(addr string) Option {
	return func(c *config) {
		c.listenAddress = addr
	}
}

// WithRegion sets the AWS region label.
func WithRegion(region string) Option {
	return func(c *config) {
		c.region = region
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithRegistry configures the service to use the given registry instead of
// the global default. When set, no standalone HTTP server is started — the
// caller is responsible for exposing the registry.
func WithRegistry(reg *prom.Registry) Option {
	return func(c *config) {
		if reg == nil {
			return
		}
		c.registerer = reg
		c.gatherer = reg
		c.startServer = false
	}
}

// WithRegisterer allows passing a lower-level prom.Registerer (e.g. a
// wrapped or prefixed registerer). When used alone (without WithRegistry)
// the gatherer stays at the default and no server is started.
func WithRegisterer(r prom.Registerer) Option {
	return func(c *config) {
		if r == nil {
			return
		}
		c.registerer = r
		c.startServer = false
	}
}

// WithLatencyBuckets overrides the histogram buckets used for
// getRecords/processRecords duration metrics. Values are in milliseconds;
// the default is an exponential 1ms..~2s ladder.
func WithLatencyBuckets(buckets []float64) Option {
	return func(c *config) {
		if len(buckets) == 0 {
			return
		}
		c.buckets = buckets
	}
}
