// Package health runs periodic storage probes and exposes the latest result
// to the HTTP health endpoint.
package health

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger is the slice of the ledger store the checker needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// Config holds checker configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Checker probes the ledger store on an interval and tracks consecutive
// failures. Status flips to degraded once FailThreshold probes in a row fail
// and recovers on the first success.
type Checker struct {
	store     Pinger
	cfg       Config
	logger    *zap.Logger
	onMetrics MetricsRecordFunc

	mu        sync.Mutex
	failCount int
	degraded  bool
	lastProbe time.Time
}

// New creates a Checker with defaulted configuration.
func New(store Pinger, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{store: store, cfg: cfg, logger: logger}
}

// SetMetricsRecord configures the metrics recording callback.
func (c *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	c.onMetrics = fn
}

// Start runs the probe loop until quit is signalled.
func (c *Checker) Start(quit <-chan os.Signal) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Probe(context.Background())
		case <-quit:
			return
		}
	}
}

// Probe runs a single storage ping and updates the tracked status.
func (c *Checker) Probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	err := c.store.Ping(ctx)
	success := err == nil
	if c.onMetrics != nil {
		c.onMetrics(success)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastProbe = time.Now().UTC()

	if success {
		if c.degraded {
			c.logger.Info("storage recovered")
		}
		c.failCount = 0
		c.degraded = false
		return
	}

	c.failCount++
	if c.failCount == c.cfg.FailThreshold {
		c.degraded = true
		c.logger.Warn("storage degraded",
			zap.Int("consecutive_failures", c.failCount),
			zap.Error(err),
		)
	}
}

// Status reports the current health snapshot.
func (c *Checker) Status() (degraded bool, lastProbe time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded, c.lastProbe
}
