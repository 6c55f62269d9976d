package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lifeguard-sh/lifeguard/internal/events"
	"github.com/rs/zerolog"
)

const (
	defaultAcquireTimeout = 10 * time.Second
	defaultSweepInterval  = 30 * time.Second
	closeTimeout          = 5 * time.Second
)

// Conn is a single reusable backend connection.
type Conn interface {
	Close(ctx context.Context) error
}

// DialFunc creates a new backend connection.
type DialFunc func(ctx context.Context) (Conn, error)

// Config sizes and times a pool.
type Config struct {
	MinSize        int
	MaxSize        int
	IdleTTL        time.Duration
	SweepInterval  time.Duration
	AcquireTimeout time.Duration
}

// ExhaustedError reports an acquire that timed out waiting for a slot.
// Always recoverable by the caller; never changes lifecycle state.
type ExhaustedError struct {
	Resource string
	MaxSize  int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("pool %s: exhausted (max size %d)", e.Resource, e.MaxSize)
}

// DrainedError reports an acquire against a pool that is shutting down.
type DrainedError struct {
	Resource string
}

func (e *DrainedError) Error() string {
	return fmt.Sprintf("pool %s: draining", e.Resource)
}

// Stats is a point-in-time snapshot of pool bookkeeping.
type Stats struct {
	Idle      int    `json:"idle"`
	InUse     int    `json:"in_use"`
	Waiters   int    `json:"waiters"`
	Created   uint64 `json:"created"`
	Destroyed uint64 `json:"destroyed"`
	Acquires  uint64 `json:"acquires"`
	Releases  uint64 `json:"releases"`
	Timeouts  uint64 `json:"timeouts"`
}

type entry struct {
	id        string
	conn      Conn
	createdAt time.Time
	lastUsed  time.Time
}

// Pool manages a bounded set of reusable connections for one resource.
// idle + inUse (dialing slots included) never exceeds MaxSize.
type Pool struct {
	resource string
	cfg      Config
	dial     DialFunc
	sink     events.Sink
	logger   zerolog.Logger

	mu      sync.Mutex
	idle    []*entry
	inUse   map[Conn]*entry
	dialing int
	waiters []chan Conn
	drained bool

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	created   uint64
	destroyed uint64
	acquires  uint64
	releases  uint64
	timeouts  uint64
}

// New constructs a pool. Zero AcquireTimeout and SweepInterval get defaults.
func New(resource string, cfg Config, dial DialFunc, sink events.Sink, logger zerolog.Logger) *Pool {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Pool{
		resource: resource,
		cfg:      cfg,
		dial:     dial,
		sink:     sink,
		logger:   logger.With().Str("pool", resource).Logger(),
		inUse:    make(map[Conn]*entry),
	}
}

// Start pre-populates the pool to MinSize and launches the idle sweeper.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.MinSize; i++ {
		conn, err := p.dial(ctx)
		if err != nil {
			return fmt.Errorf("prepopulate pool %s: %w", p.resource, err)
		}
		now := time.Now()
		p.mu.Lock()
		p.idle = append(p.idle, &entry{id: uuid.NewString(), conn: conn, createdAt: now, lastUsed: now})
		p.created++
		p.mu.Unlock()
	}

	if p.cfg.IdleTTL > 0 {
		sweepCtx, cancel := context.WithCancel(context.Background())
		p.sweepCancel = cancel
		p.sweepDone = make(chan struct{})
		go p.sweep(sweepCtx)
	}

	p.logger.Debug().Int("min_size", p.cfg.MinSize).Int("max_size", p.cfg.MaxSize).Msg("pool started")
	return nil
}

// Acquire returns an idle connection, dials a new one under capacity, or
// waits for a release up to the acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		return nil, &DrainedError{Resource: p.resource}
	}
	p.acquires++

	if n := len(p.idle); n > 0 {
		e := p.idle[n-1]
		p.idle = p.idle[:n-1]
		e.lastUsed = time.Now()
		p.inUse[e.conn] = e
		p.mu.Unlock()
		return e.conn, nil
	}

	if len(p.inUse)+len(p.idle)+p.dialing < p.cfg.MaxSize {
		// Reserve the slot while dialing so concurrent acquires cannot
		// push the pool past MaxSize.
		p.dialing++
		p.mu.Unlock()

		conn, err := p.dial(ctx)

		p.mu.Lock()
		p.dialing--
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.drained {
			p.mu.Unlock()
			p.closeAsync(conn)
			return nil, &DrainedError{Resource: p.resource}
		}
		now := time.Now()
		e := &entry{id: uuid.NewString(), conn: conn, createdAt: now, lastUsed: now}
		p.inUse[conn] = e
		p.created++
		p.mu.Unlock()
		return conn, nil
	}

	waiter := make(chan Conn, 1)
	p.waiters = append(p.waiters, waiter)
	waiting := len(p.waiters)
	p.mu.Unlock()

	p.publishExhausted(ctx, waiting)

	select {
	case conn, ok := <-waiter:
		if !ok {
			return nil, &DrainedError{Resource: p.resource}
		}
		return conn, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.removeWaiter(waiter)
		p.timeouts++
		p.mu.Unlock()
		// A release may have handed us a connection before we got the
		// lock; prefer it over the timeout.
		select {
		case conn, ok := <-waiter:
			if ok {
				return conn, nil
			}
		default:
		}
		return nil, &ExhaustedError{Resource: p.resource, MaxSize: p.cfg.MaxSize}
	}
}

// Release returns a connection to the pool. During drain the connection is
// closed instead. A parked waiter receives the connection directly.
func (p *Pool) Release(conn Conn) {
	p.mu.Lock()
	e, ok := p.inUse[conn]
	if !ok {
		p.mu.Unlock()
		p.logger.Warn().Msg("releasing unknown connection")
		p.closeAsync(conn)
		return
	}
	p.releases++

	if p.drained {
		delete(p.inUse, conn)
		p.destroyed++
		p.mu.Unlock()
		p.closeAsync(conn)
		return
	}

	if len(p.waiters) > 0 {
		// Hand off directly; the connection stays checked out.
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		e.lastUsed = time.Now()
		p.mu.Unlock()
		waiter <- conn
		return
	}

	delete(p.inUse, conn)
	e.lastUsed = time.Now()
	p.idle = append(p.idle, e)
	p.mu.Unlock()
}

// Drain fails parked waiters, closes idle connections, and stops the
// sweeper. In-use connections are closed as they are released.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		return nil
	}
	p.drained = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.destroyed += uint64(len(idle))
	cancel := p.sweepCancel
	p.sweepCancel = nil
	done := p.sweepDone
	p.mu.Unlock()

	for _, waiter := range waiters {
		close(waiter)
	}
	if cancel != nil {
		cancel()
		<-done
	}

	var firstErr error
	for _, e := range idle {
		if err := e.conn.Close(ctx); err != nil {
			p.logger.Warn().Err(err).Str("conn", e.id).Msg("close on drain failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	p.logger.Debug().Int("closed", len(idle)).Msg("pool drained")
	return firstErr
}

// Stats returns a snapshot of pool bookkeeping.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:      len(p.idle),
		InUse:     len(p.inUse),
		Waiters:   len(p.waiters),
		Created:   p.created,
		Destroyed: p.destroyed,
		Acquires:  p.acquires,
		Releases:  p.releases,
		Timeouts:  p.timeouts,
	}
}

func (p *Pool) sweep(ctx context.Context) {
	defer close(p.sweepDone)

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evictIdle(time.Now())
		}
	}
}

// evictIdle closes idle connections older than IdleTTL. Time-based only;
// pool sizes are small enough that LRU buys nothing.
func (p *Pool) evictIdle(now time.Time) {
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		return
	}
	var expired []*entry
	keep := p.idle[:0]
	for _, e := range p.idle {
		if now.Sub(e.lastUsed) > p.cfg.IdleTTL {
			expired = append(expired, e)
			continue
		}
		keep = append(keep, e)
	}
	p.idle = keep
	p.destroyed += uint64(len(expired))
	p.mu.Unlock()

	for _, e := range expired {
		p.logger.Debug().Str("conn", e.id).Msg("evicting idle connection")
		p.closeAsync(e.conn)
	}
}

func (p *Pool) removeWaiter(waiter chan Conn) {
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) closeAsync(conn Conn) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := conn.Close(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("async connection close failed")
		}
	}()
}

func (p *Pool) publishExhausted(ctx context.Context, waiting int) {
	if p.sink == nil {
		return
	}
	diagnostic := fmt.Sprintf("max_size=%d waiters=%d", p.cfg.MaxSize, waiting)
	if err := p.sink.Publish(ctx, events.PoolExhausted(p.resource, diagnostic)); err != nil {
		p.logger.Debug().Err(err).Msg("pool exhausted event publish failed")
	}
}
