package monitor

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lifeguard-sh/lifeguard/internal/metrics"
	"github.com/lifeguard-sh/lifeguard/internal/resource"
	"github.com/rs/zerolog"
)

// Config times the health supervision loop for one resource.
type Config struct {
	// Interval between probes. Each tick adds up to Jitter of random
	// delay so many monitors do not probe in lockstep.
	Interval time.Duration
	Jitter   time.Duration
	// FailureThreshold consecutive failed probes flip the verdict to
	// UNHEALTHY and trigger an automatic reconnect.
	FailureThreshold int
	// Reconnect backoff: BackoffBase doubling up to BackoffCap, at most
	// MaxRetries attempts before the resource is left in ERROR.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxRetries  int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

// Monitor supervises one CONNECTED resource: periodic probes, failure
// counting, and automatic reconnect with backoff. It exits when the
// resource leaves CONNECTED deliberately (disconnect or destruction).
type Monitor struct {
	res     *resource.Resource
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}

	failures  int
	exhausted bool
}

// Option customizes monitor behavior.
type Option func(*Monitor)

// WithMetrics wires Prometheus collectors into the monitor.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mon *Monitor) {
		mon.metrics = m
	}
}

// New constructs a monitor for the given resource.
func New(res *resource.Resource, cfg Config, logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		res:    res,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("resource", res.ID()).Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the supervision goroutine.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Cancel signals the loop to exit without waiting for it.
func (m *Monitor) Cancel() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	for {
		if !sleepWithContext(ctx, m.tickDelay()) {
			return
		}

		switch m.res.State() {
		case resource.StateConnected:
			m.tick(ctx)
		case resource.StateError:
			if m.exhausted {
				// Retry budget spent: keep probing so operators see
				// fresh timestamps, but stop reconnecting.
				if _, err := m.res.CheckHealth(ctx); err != nil {
					m.logger.Debug().Err(err).Msg("probe on errored resource")
				}
				continue
			}
			m.reconnect(ctx)
		case resource.StateConnecting, resource.StateDisconnecting:
			// Transient; check again next tick.
		default:
			m.logger.Debug().Str("state", string(m.res.State())).Msg("resource left connected state, monitor exiting")
			return
		}
	}
}

func (m *Monitor) tickDelay() time.Duration {
	delay := m.cfg.Interval
	if m.cfg.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(m.cfg.Jitter)))
	}
	return delay
}

func (m *Monitor) tick(ctx context.Context) {
	report, err := m.res.CheckHealth(ctx)
	if err == nil {
		m.failures = 0
		m.exhausted = false
		m.observeProbe("ok")
		m.res.SetHealth(ctx, resource.HealthHealthy, report.Detail)
		m.updatePoolGauges()
		return
	}

	m.failures++
	m.observeProbe("failed")
	m.logger.Warn().Err(err).Int("consecutive_failures", m.failures).Msg("health probe failed")

	if m.failures < m.cfg.FailureThreshold {
		m.res.SetHealth(ctx, resource.HealthDegraded, err.Error())
		return
	}

	m.res.SetHealth(ctx, resource.HealthUnhealthy, err.Error())
	m.reconnect(ctx)
}

// reconnect tears the connection down and re-establishes it with
// exponential backoff. After MaxRetries failed attempts the resource is
// left in ERROR and the monitor stops retrying (but keeps probing).
func (m *Monitor) reconnect(ctx context.Context) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = m.cfg.BackoffBase
	backoffCfg.MaxInterval = m.cfg.BackoffCap
	backoffCfg.MaxElapsedTime = 0
	backoffCfg.Reset()

	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}

		if m.res.State() == resource.StateConnected {
			if err := m.res.Disconnect(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("disconnect before reconnect failed")
			}
		}

		if err := m.res.Connect(ctx); err == nil {
			m.failures = 0
			m.exhausted = false
			m.observeReconnect("ok")
			m.logger.Info().Int("attempt", attempt).Msg("reconnected")
			return
		} else {
			m.observeReconnect("failed")
			m.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		}

		if attempt == m.cfg.MaxRetries {
			break
		}
		if !sleepWithContext(ctx, backoffCfg.NextBackOff()) {
			return
		}
	}

	m.exhausted = true
	m.logger.Error().Int("attempts", m.cfg.MaxRetries).Msg("reconnect attempts exhausted, leaving resource in error")
}

func (m *Monitor) observeProbe(result string) {
	if m.metrics != nil {
		m.metrics.IncHealthCheck(m.res.ID(), result)
	}
}

func (m *Monitor) observeReconnect(result string) {
	if m.metrics != nil {
		m.metrics.IncReconnect(m.res.ID(), result)
	}
}

func (m *Monitor) updatePoolGauges() {
	if m.metrics == nil {
		return
	}
	if connPool := m.res.Pool(); connPool != nil {
		stats := connPool.Stats()
		m.metrics.SetPoolGauges(m.res.ID(), stats.Idle, stats.InUse)
	}
}

func sleepWithContext(ctx context.Context, wait time.Duration) bool {
	if wait <= 0 {
		wait = time.Millisecond
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
