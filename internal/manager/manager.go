package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lifeguard-sh/lifeguard/internal/events"
	"github.com/lifeguard-sh/lifeguard/internal/metrics"
	"github.com/lifeguard-sh/lifeguard/internal/monitor"
	"github.com/lifeguard-sh/lifeguard/internal/resource"
	"github.com/rs/zerolog"
)

const (
	defaultStartTimeout    = 30 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// DuplicateIDError reports a second registration under an existing id.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("resource %s already registered", e.ID)
}

// Failure pairs a resource id with the error that stopped it.
type Failure struct {
	ID  string `json:"id"`
	Err error  `json:"error"`
}

// BulkResult is the complete picture of a bulk lifecycle operation:
// per-resource success or failure, never a single pass/fail signal.
type BulkResult struct {
	Succeeded []string  `json:"succeeded"`
	Failed    []Failure `json:"failed"`
}

// Config times bulk operations and the monitors the manager attaches.
type Config struct {
	// StartTimeout bounds each resource's initialize+connect during
	// StartAll (per resource, not per batch).
	StartTimeout time.Duration
	// ShutdownTimeout bounds the whole StopAll batch. Resources that do
	// not finish in time are abandoned and marked ERROR.
	ShutdownTimeout time.Duration
	// ProbeOnQuery makes HealthCheckAll run an on-demand probe against
	// connected resources instead of returning the last known verdict.
	ProbeOnQuery bool
	// Monitor configures the health monitors attached after StartAll.
	Monitor monitor.Config
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return c
}

// Manager is the registry and orchestrator for a set of resources.
// Registration happens before StartAll; bulk operations iterate a
// read-only snapshot in insertion order.
type Manager struct {
	logger  zerolog.Logger
	cfg     Config
	sink    events.Sink
	metrics *metrics.Metrics

	mu        sync.RWMutex
	resources map[string]*resource.Resource
	order     []string
	monitors  map[string]*monitor.Monitor
	started   bool
}

// New constructs a Manager.
func New(logger zerolog.Logger, cfg Config, sink events.Sink, m *metrics.Metrics) *Manager {
	return &Manager{
		logger:    logger,
		cfg:       cfg.withDefaults(),
		sink:      sink,
		metrics:   m,
		resources: make(map[string]*resource.Resource),
		monitors:  make(map[string]*monitor.Monitor),
	}
}

// Register adds a resource. Ids are unique; insertion order is preserved
// for deterministic reporting.
func (m *Manager) Register(res *resource.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.resources[res.ID()]; ok {
		return &DuplicateIDError{ID: res.ID()}
	}
	m.resources[res.ID()] = res
	m.order = append(m.order, res.ID())

	m.logger.Info().Str("resource", res.ID()).Str("kind", res.Kind()).Msg("resource registered")
	return nil
}

// Get returns a registered resource.
func (m *Manager) Get(id string) (*resource.Resource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.resources[id]
	return res, ok
}

// Started reports whether StartAll has completed at least once.
func (m *Manager) Started() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// StartAll drives every registered resource through initialize and
// connect concurrently, each under StartTimeout. Failures are isolated:
// a failing resource is left in ERROR and recorded, the rest proceed.
// Resources that reach CONNECTED get a health monitor attached.
func (m *Manager) StartAll(ctx context.Context) BulkResult {
	began := time.Now()
	snapshot := m.snapshot()

	m.logger.Info().Int("resources", len(snapshot)).Msg("starting all resources")

	outcomes := make(map[string]error, len(snapshot))
	var outcomeMu sync.Mutex
	var wg sync.WaitGroup

	for _, res := range snapshot {
		if res.State() == resource.StateDestroyed {
			continue
		}
		wg.Add(1)
		go func(res *resource.Resource) {
			defer wg.Done()

			// A resource's own StartTimeout overrides the global default;
			// wrapping it in a shorter manager deadline would silently
			// truncate it.
			timeout := m.cfg.StartTimeout
			if rt := res.StartTimeout(); rt > 0 {
				timeout = rt
			}
			startCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			err := res.Initialize(startCtx)
			if err == nil {
				err = res.Connect(startCtx)
			}

			outcomeMu.Lock()
			outcomes[res.ID()] = err
			outcomeMu.Unlock()

			if err != nil {
				m.logger.Error().Err(err).Str("resource", res.ID()).Msg("resource start failed")
				return
			}
			m.attachMonitor(res)
		}(res)
	}
	wg.Wait()

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	result := m.assemble(outcomes)
	m.refreshResourceGauges()
	m.metrics.ObserveStartDuration(time.Since(began))
	m.logger.Info().
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Msg("start all complete")
	return result
}

// StopAll tears every non-destroyed resource down concurrently under one
// global ShutdownTimeout for the whole batch. Resources that miss the
// deadline are abandoned: their tasks are cancelled, they are logged as
// forced stops and marked ERROR rather than DESTROYED. Calling StopAll
// again is safe; destroyed resources are excluded.
func (m *Manager) StopAll(ctx context.Context) BulkResult {
	began := time.Now()

	m.mu.Lock()
	monitors := m.monitors
	m.monitors = make(map[string]*monitor.Monitor)
	m.mu.Unlock()

	// Cancel every monitor up front, but do not wait for their loops to
	// exit: a probe stuck in a backend that ignores cancellation must not
	// delay the shutdown deadline.
	for _, mon := range monitors {
		mon.Cancel()
	}
	for _, mon := range monitors {
		go mon.Stop()
	}

	var pending []*resource.Resource
	for _, res := range m.snapshot() {
		if res.State() == resource.StateDestroyed {
			continue
		}
		pending = append(pending, res)
	}

	m.logger.Info().Int("resources", len(pending)).Dur("deadline", m.cfg.ShutdownTimeout).Msg("stopping all resources")

	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()

	type outcome struct {
		id  string
		err error
	}
	results := make(chan outcome, len(pending))
	for _, res := range pending {
		go func(res *resource.Resource) {
			results <- outcome{id: res.ID(), err: m.stopOne(stopCtx, res)}
		}(res)
	}

	outcomes := make(map[string]error, len(pending))
	remaining := make(map[string]*resource.Resource, len(pending))
	for _, res := range pending {
		remaining[res.ID()] = res
	}

	for len(remaining) > 0 {
		select {
		case out := <-results:
			outcomes[out.id] = out.err
			delete(remaining, out.id)
		case <-stopCtx.Done():
			// Deadline: collect results that raced the timer, then
			// abandon whatever is still in flight. The tasks were
			// cancelled via stopCtx; they are not awaited further.
			draining := true
			for draining {
				select {
				case out := <-results:
					outcomes[out.id] = out.err
					delete(remaining, out.id)
				default:
					draining = false
				}
			}
			for id, res := range remaining {
				reason := &resource.TimeoutError{
					Resource:  id,
					Operation: "stop",
					Timeout:   m.cfg.ShutdownTimeout,
				}
				res.Abandon(ctx, reason)
				outcomes[id] = reason
				m.metrics.IncForcedStops()
				m.logger.Error().Str("resource", id).Msg("shutdown deadline expired, resource abandoned")
			}
			remaining = nil
		}
	}

	result := m.assemble(outcomes)
	m.refreshResourceGauges()
	m.metrics.ObserveStopDuration(time.Since(began))
	m.logger.Info().
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Msg("stop all complete")
	return result
}

// stopOne disconnects (when connected) and cleans up a single resource.
func (m *Manager) stopOne(ctx context.Context, res *resource.Resource) error {
	var firstErr error
	if res.State() == resource.StateConnected {
		if err := res.Disconnect(ctx); err != nil {
			firstErr = err
			m.logger.Warn().Err(err).Str("resource", res.ID()).Msg("disconnect failed during stop")
		}
	}
	if res.Abandoned() && ctx.Err() != nil {
		// Abandoned in this batch; the forced-stop outcome is recorded
		// by the deadline path.
		return firstErr
	}
	if err := res.Cleanup(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if res.State() == resource.StateDestroyed {
		return nil
	}
	return firstErr
}

// HealthCheckAll returns a snapshot of every resource's health. With
// ProbeOnQuery set, connected resources are probed on demand; the probe
// does not mutate any verdict.
func (m *Manager) HealthCheckAll(ctx context.Context) map[string]resource.Health {
	snapshot := m.snapshot()
	verdicts := make(map[string]resource.Health, len(snapshot))
	for _, res := range snapshot {
		if m.cfg.ProbeOnQuery && res.State() == resource.StateConnected {
			report, err := res.CheckHealth(ctx)
			if err != nil {
				verdicts[res.ID()] = resource.HealthUnhealthy
				continue
			}
			verdicts[res.ID()] = report.Health
			continue
		}
		verdicts[res.ID()] = res.Health()
	}
	return verdicts
}

// Stats returns per-resource statistics for external reporting.
func (m *Manager) Stats() map[string]resource.Stats {
	snapshot := m.snapshot()
	stats := make(map[string]resource.Stats, len(snapshot))
	for _, res := range snapshot {
		stats[res.ID()] = res.Stats()
	}
	return stats
}

// Order returns resource ids in registration order.
func (m *Manager) Order() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order := make([]string, len(m.order))
	copy(order, m.order)
	return order
}

func (m *Manager) snapshot() []*resource.Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*resource.Resource, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.resources[id])
	}
	return out
}

func (m *Manager) attachMonitor(res *resource.Resource) {
	mon := monitor.New(res, m.cfg.Monitor, m.logger, monitor.WithMetrics(m.metrics))
	mon.Start()

	m.mu.Lock()
	m.monitors[res.ID()] = mon
	m.mu.Unlock()
}

// assemble orders outcomes by registration order for deterministic reports.
func (m *Manager) assemble(outcomes map[string]error) BulkResult {
	var result BulkResult
	for _, id := range m.Order() {
		err, ok := outcomes[id]
		if !ok {
			continue
		}
		if err != nil {
			result.Failed = append(result.Failed, Failure{ID: id, Err: err})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	return result
}

func (m *Manager) refreshResourceGauges() {
	if m.metrics == nil {
		return
	}
	m.metrics.ResetResources()
	counts := make(map[[2]string]int)
	for _, res := range m.snapshot() {
		counts[[2]string{res.Kind(), string(res.State())}]++
	}
	for key, value := range counts {
		m.metrics.SetResourcesTotal(key[0], key[1], value)
	}
}
