package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caremap/caremap-sync/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker evaluates run health on an interval. An alert is delivered when its
// condition starts and again only after it has cleared.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	log       *zap.Logger

	mu     sync.Mutex
	firing map[AlertType]bool
}

// NewChecker creates a Checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring")),
		firing:    make(map[AlertType]bool),
	}
}

// Run checks once immediately and then on every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	c.log.Info("run health checks enabled",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		c.Check(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check collects a snapshot and delivers the alerts that were not already
// firing. It returns the number delivered.
func (c *Checker) Check(ctx context.Context) int {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		c.log.Error("monitoring: collect run health", zap.Error(err))
		return 0
	}

	fresh := c.transition(c.alerter.Evaluate(snap))
	if len(fresh) == 0 {
		return 0
	}

	sent := c.alerter.Notify(ctx, fresh)
	if sent == 0 {
		// Retry on the next check.
		c.forget(fresh)
	}
	c.log.Info("monitoring: alerts raised",
		zap.Int("new", len(fresh)),
		zap.Int("delivered", sent),
	)
	return sent
}

// transition records the current alert set and returns the alerts that just
// started firing.
func (c *Checker) transition(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		now[a.Type] = true
		if !c.firing[a.Type] {
			fresh = append(fresh, a)
		}
	}
	for t := range c.firing {
		if !now[t] {
			c.log.Info("monitoring: alert cleared", zap.String("type", string(t)))
		}
	}
	c.firing = now
	return fresh
}

func (c *Checker) forget(alerts []Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range alerts {
		delete(c.firing, a.Type)
	}
}
