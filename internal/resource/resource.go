package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lifeguard-sh/lifeguard/internal/events"
	"github.com/lifeguard-sh/lifeguard/internal/pool"
	"github.com/rs/zerolog"
)

const defaultProbeTimeout = 5 * time.Second

// Report is the outcome of a single health probe.
type Report struct {
	Health Health `json:"health"`
	Detail string `json:"detail,omitempty"`
}

// Backend supplies the resource-specific lifecycle hooks. Initialize must
// not perform network I/O; Connect/Disconnect/CheckHealth must honor the
// deadline on their context.
type Backend interface {
	Initialize(ctx context.Context) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Cleanup(ctx context.Context) error
	CheckHealth(ctx context.Context) (Report, error)
}

// Config carries per-resource timing and optional pool sizing.
type Config struct {
	// StartTimeout bounds Connect. Zero means the caller's deadline applies.
	StartTimeout time.Duration
	// ProbeTimeout bounds CheckHealth. Defaults to 5s.
	ProbeTimeout time.Duration
	// Pool and Dial, when both set, give the resource a connection pool
	// pre-populated on Connect and drained on Disconnect.
	Pool *pool.Config
	Dial pool.DialFunc
}

// Stats is the externally reported view of one resource.
type Stats struct {
	ID              string      `json:"id"`
	Kind            string      `json:"kind"`
	State           State       `json:"state"`
	Health          Health      `json:"health"`
	Operations      uint64      `json:"operations"`
	Errors          uint64      `json:"errors"`
	LastError       string      `json:"last_error,omitempty"`
	LastStateChange time.Time   `json:"last_state_change"`
	LastHealthCheck time.Time   `json:"last_health_check,omitzero"`
	Pool            *pool.Stats `json:"pool,omitempty"`
}

// Resource is a managed handle to an external backend. Lifecycle
// operations are serialized by an internal mutex; state observation and
// forced stops go through a separate lock so a hung backend call can
// never block them.
type Resource struct {
	id      string
	kind    string
	backend Backend
	cfg     Config
	sink    events.Sink
	logger  zerolog.Logger

	opMu sync.Mutex

	stateMu         sync.RWMutex
	state           State
	health          Health
	abandoned       bool
	connPool        *pool.Pool
	operations      uint64
	errorCount      uint64
	lastError       error
	lastStateChange time.Time
	lastHealthCheck time.Time
}

// New creates a resource in state CREATED.
func New(id, kind string, backend Backend, cfg Config, sink events.Sink, logger zerolog.Logger) *Resource {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	return &Resource{
		id:              id,
		kind:            kind,
		backend:         backend,
		cfg:             cfg,
		sink:            sink,
		logger:          logger.With().Str("resource", id).Str("kind", kind).Logger(),
		state:           StateCreated,
		health:          HealthUnknown,
		lastStateChange: time.Now().UTC(),
	}
}

// ID returns the registration id.
func (r *Resource) ID() string { return r.id }

// Kind returns the grouping tag (database, api, file, cache).
func (r *Resource) Kind() string { return r.kind }

// State returns the current lifecycle state.
func (r *Resource) State() State {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

// Health returns the current health verdict.
func (r *Resource) Health() Health {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.health
}

// Abandoned reports whether a forced stop marked this resource ERROR.
func (r *Resource) Abandoned() bool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.abandoned
}

// StartTimeout returns the per-resource connect deadline, zero when the
// caller's deadline applies.
func (r *Resource) StartTimeout() time.Duration { return r.cfg.StartTimeout }

// Pool returns the connection pool, or nil for unpooled resources.
func (r *Resource) Pool() *pool.Pool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.connPool
}

// Stats returns a snapshot for external reporting.
func (r *Resource) Stats() Stats {
	r.stateMu.RLock()
	s := Stats{
		ID:              r.id,
		Kind:            r.kind,
		State:           r.state,
		Health:          r.health,
		Operations:      r.operations,
		Errors:          r.errorCount,
		LastStateChange: r.lastStateChange,
		LastHealthCheck: r.lastHealthCheck,
	}
	if r.lastError != nil {
		s.LastError = r.lastError.Error()
	}
	connPool := r.connPool
	r.stateMu.RUnlock()

	if connPool != nil {
		ps := connPool.Stats()
		s.Pool = &ps
	}
	return s
}

// Initialize validates configuration and allocates local structures.
func (r *Resource) Initialize(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.begin("initialize", initializeFrom); err != nil {
		return err
	}
	r.transition(ctx, StateInitializing)

	if err := r.backend.Initialize(ctx); err != nil {
		r.recordError(ctx, "initialize", err)
		r.transition(ctx, StateError)
		return &InitializationError{Resource: r.id, Err: err}
	}

	r.transition(ctx, StateReady)
	return nil
}

// Connect performs the backend handshake and, for pooled resources,
// pre-populates the pool to MinSize. Safe to retry from ERROR.
func (r *Resource) Connect(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.begin("connect", connectFrom); err != nil {
		return err
	}
	r.transition(ctx, StateConnecting)

	connectCtx := ctx
	if r.cfg.StartTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, r.cfg.StartTimeout)
		defer cancel()
	}

	err := r.backend.Connect(connectCtx)
	if err == nil && r.cfg.Pool != nil && r.cfg.Dial != nil {
		// A drained pool cannot be restarted, so every connect gets a
		// fresh one.
		connPool := pool.New(r.id, *r.cfg.Pool, r.cfg.Dial, r.sink, r.logger)
		if err = connPool.Start(connectCtx); err != nil {
			if derr := r.backend.Disconnect(connectCtx); derr != nil {
				r.logger.Warn().Err(derr).Msg("disconnect after pool start failure")
			}
		} else {
			r.stateMu.Lock()
			r.connPool = connPool
			r.stateMu.Unlock()
		}
	}

	if err != nil {
		r.recordError(ctx, "connect", err)
		r.transition(ctx, StateError)
		if errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Resource: r.id, Operation: "connect", Timeout: r.cfg.StartTimeout}
		}
		return &ConnectionError{Resource: r.id, Err: err}
	}

	r.transition(ctx, StateConnected)
	r.SetHealth(ctx, HealthHealthy, "connected")
	return nil
}

// Disconnect drains the pool and releases backend resources. It completes
// (reaching DISCONNECTED) even when the backend reports an error, because
// overall shutdown is deadline-bound. In-flight work is cancelled via the
// context, not awaited.
func (r *Resource) Disconnect(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.begin("disconnect", disconnectFrom); err != nil {
		return err
	}
	r.transition(ctx, StateDisconnecting)

	var firstErr error
	if connPool := r.Pool(); connPool != nil {
		if err := connPool.Drain(ctx); err != nil {
			firstErr = err
		}
		r.stateMu.Lock()
		r.connPool = nil
		r.stateMu.Unlock()
	}
	if err := r.backend.Disconnect(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if r.Abandoned() {
		// A forced stop already marked this resource ERROR; the late
		// completion must not resurrect it.
		r.recordError(ctx, "disconnect", firstErr)
		return &TimeoutError{Resource: r.id, Operation: "disconnect"}
	}

	if firstErr != nil {
		r.recordError(ctx, "disconnect", firstErr)
		r.logger.Warn().Err(firstErr).Msg("disconnect completed with error")
	}
	r.transition(ctx, StateDisconnected)
	return firstErr
}

// Cleanup releases purely local resources and moves the resource to
// DESTROYED. Backend failures are logged and swallowed; teardown is best
// effort. Calling Cleanup on a destroyed resource is a no-op.
func (r *Resource) Cleanup(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.State() == StateDestroyed {
		return nil
	}
	if err := r.begin("cleanup", cleanupFrom); err != nil {
		return err
	}

	r.stateMu.Lock()
	r.abandoned = false
	r.stateMu.Unlock()

	if err := r.backend.Cleanup(ctx); err != nil {
		r.recordError(ctx, "cleanup", err)
		r.logger.Warn().Err(err).Msg("cleanup failed; continuing")
	}

	r.transition(ctx, StateDestroyed)
	return nil
}

// CheckHealth probes the backend under the probe timeout. It never
// mutates lifecycle state and leaves the health verdict to the caller
// (the monitor owns it). Probing a non-connected resource forces the
// verdict back to UNKNOWN and returns a HealthCheckError.
func (r *Resource) CheckHealth(ctx context.Context) (Report, error) {
	now := time.Now().UTC()

	r.stateMu.Lock()
	state := r.state
	r.lastHealthCheck = now
	r.operations++
	if state != StateConnected {
		r.health = HealthUnknown
	}
	r.stateMu.Unlock()

	if state != StateConnected {
		return Report{Health: HealthUnknown}, &HealthCheckError{
			Resource: r.id,
			Err:      fmt.Errorf("not connected (state %s)", state),
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	report, err := r.backend.CheckHealth(probeCtx)
	if err != nil {
		return Report{Health: HealthUnhealthy, Detail: report.Detail}, &HealthCheckError{Resource: r.id, Err: err}
	}
	if report.Health == "" {
		report.Health = HealthHealthy
	}
	return report, nil
}

// SetHealth records a new health verdict and publishes the transition.
// Verdicts other than UNKNOWN are only accepted while CONNECTED.
func (r *Resource) SetHealth(ctx context.Context, health Health, diagnostic string) {
	r.stateMu.Lock()
	if health != HealthUnknown && r.state != StateConnected {
		r.stateMu.Unlock()
		return
	}
	from := r.health
	// Steady HEALTHY/UNKNOWN verdicts are quiet; repeated failing
	// verdicts re-publish so every failed probe is visible.
	if from == health && (health == HealthHealthy || health == HealthUnknown) {
		r.stateMu.Unlock()
		return
	}
	r.health = health
	r.stateMu.Unlock()

	r.logger.Info().
		Str("from", string(from)).
		Str("to", string(health)).
		Str("diagnostic", diagnostic).
		Msg("health changed")
	r.publish(ctx, events.HealthChanged(r.id, r.kind, string(from), string(health), diagnostic))
}

// Abandon force-marks the resource ERROR during a deadline-bound stop.
// It takes only the state lock, so it works even while a lifecycle
// operation is stuck in a hung backend call, and it is sticky: the
// in-flight operation cannot transition the resource afterwards.
func (r *Resource) Abandon(ctx context.Context, reason error) {
	r.stateMu.Lock()
	if r.state == StateDestroyed {
		r.stateMu.Unlock()
		return
	}
	from := r.state
	r.abandoned = true
	r.state = StateError
	r.health = HealthUnknown
	r.errorCount++
	r.lastError = reason
	r.lastStateChange = time.Now().UTC()
	r.stateMu.Unlock()

	r.logger.Error().Err(reason).Str("from", string(from)).Msg("forced stop, resource abandoned")
	r.publish(ctx, events.StateChanged(r.id, r.kind, string(from), string(StateError)))
	r.publish(ctx, events.OperationError(r.id, r.kind, "stop", reason))
}

func (r *Resource) begin(op string, allowed map[State]bool) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if !allowed[r.state] {
		return &InvalidTransitionError{Resource: r.id, State: r.state, Operation: op}
	}
	r.operations++
	return nil
}

func (r *Resource) transition(ctx context.Context, to State) {
	r.stateMu.Lock()
	if r.abandoned && to != StateDestroyed {
		r.stateMu.Unlock()
		r.logger.Debug().Str("to", string(to)).Msg("transition suppressed on abandoned resource")
		return
	}
	from := r.state
	r.state = to
	if to != StateConnected {
		r.health = HealthUnknown
	}
	r.lastStateChange = time.Now().UTC()
	r.stateMu.Unlock()

	r.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("state changed")
	r.publish(ctx, events.StateChanged(r.id, r.kind, string(from), string(to)))
}

func (r *Resource) recordError(ctx context.Context, op string, err error) {
	if err == nil {
		err = fmt.Errorf("%s aborted", op)
	}
	r.stateMu.Lock()
	r.errorCount++
	r.lastError = err
	r.stateMu.Unlock()
	r.publish(ctx, events.OperationError(r.id, r.kind, op, err))
}

func (r *Resource) publish(ctx context.Context, event events.Event) {
	if r.sink == nil {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		// Events raised during a cancelled teardown still get delivered.
		ctx = context.Background()
	}
	if err := r.sink.Publish(ctx, event); err != nil {
		r.logger.Debug().Err(err).Str("event_type", string(event.Type)).Msg("event publish failed")
	}
}
