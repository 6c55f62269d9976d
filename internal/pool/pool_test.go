package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeConn struct {
	id     int
	closed atomic.Bool
}

func (c *fakeConn) Close(_ context.Context) error {
	c.closed.Store(true)
	return nil
}

type dialCounter struct {
	mu    sync.Mutex
	next  int
	conns []*fakeConn
	err   error
}

func (d *dialCounter) dial(_ context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.next++
	conn := &fakeConn{id: d.next}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *dialCounter) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.next
}

func newTestPool(t *testing.T, cfg Config, dial DialFunc) *Pool {
	t.Helper()
	p := New("db-main", cfg, dial, nil, zerolog.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	return p
}

func TestPool_PrepopulatesMinSize(t *testing.T) {
	dialer := &dialCounter{}
	p := newTestPool(t, Config{MinSize: 3, MaxSize: 5}, dialer.dial)
	defer p.Drain(context.Background())

	if dialer.dialed() != 3 {
		t.Fatalf("expected 3 dials on start, got %d", dialer.dialed())
	}
	stats := p.Stats()
	if stats.Idle != 3 || stats.InUse != 0 {
		t.Fatalf("expected 3 idle, got %+v", stats)
	}
}

func TestPool_ReusesIdleBeforeDialing(t *testing.T) {
	ctx := context.Background()
	dialer := &dialCounter{}
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 3}, dialer.dial)
	defer p.Drain(ctx)

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(conn)

	again, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if again != conn {
		t.Fatalf("expected idle connection to be reused")
	}
	if dialer.dialed() != 1 {
		t.Fatalf("expected no extra dials, got %d", dialer.dialed())
	}
}

func TestPool_NeverExceedsMaxSize(t *testing.T) {
	ctx := context.Background()
	dialer := &dialCounter{}
	p := newTestPool(t, Config{MaxSize: 4, AcquireTimeout: 50 * time.Millisecond}, dialer.dial)
	defer p.Drain(ctx)

	var wg sync.WaitGroup
	var errCount atomic.Int64
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.Acquire(ctx)
			if err != nil {
				errCount.Add(1)
				return
			}
			time.Sleep(time.Millisecond)
			p.Release(conn)
		}()
	}
	wg.Wait()

	if dialer.dialed() > 4 {
		t.Fatalf("pool dialed %d connections, max size is 4", dialer.dialed())
	}
	stats := p.Stats()
	if stats.Idle+stats.InUse > 4 {
		t.Fatalf("idle+inuse exceeds max size: %+v", stats)
	}
}

func TestPool_ExhaustedTimeout(t *testing.T) {
	ctx := context.Background()
	dialer := &dialCounter{}
	p := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: 30 * time.Millisecond}, dialer.dial)
	defer p.Drain(ctx)

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = p.Acquire(ctx)
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.MaxSize != 1 {
		t.Fatalf("unexpected error details: %+v", exhausted)
	}
	if p.Stats().Timeouts != 1 {
		t.Fatalf("timeout not counted: %+v", p.Stats())
	}

	p.Release(conn)
	if _, err := p.Acquire(ctx); err != nil {
		t.Fatalf("pool must recover after release: %v", err)
	}
}

func TestPool_WaiterHandoff(t *testing.T) {
	ctx := context.Background()
	dialer := &dialCounter{}
	p := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: time.Second}, dialer.dial)
	defer p.Drain(ctx)

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan Conn, 1)
	go func() {
		waited, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("waiter acquire: %v", err)
			close(got)
			return
		}
		got <- waited
	}()

	// Give the waiter time to park, then release.
	time.Sleep(20 * time.Millisecond)
	p.Release(conn)

	select {
	case waited := <-got:
		if waited != conn {
			t.Fatalf("expected direct handoff of the released connection")
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter never received the connection")
	}
	if dialer.dialed() != 1 {
		t.Fatalf("handoff must not dial, got %d dials", dialer.dialed())
	}
}

func TestPool_DrainClosesIdleAndFailsWaiters(t *testing.T) {
	ctx := context.Background()
	dialer := &dialCounter{}
	p := newTestPool(t, Config{MinSize: 2, MaxSize: 2, AcquireTimeout: time.Second}, dialer.dial)

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	held, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := p.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	var drained *DrainedError
	if err := <-waiterErr; !errors.As(err, &drained) {
		t.Fatalf("expected DrainedError for parked waiter, got %v", err)
	}

	if _, err := p.Acquire(ctx); !errors.As(err, &drained) {
		t.Fatalf("expected DrainedError after drain, got %v", err)
	}

	// Releases after drain close the connection instead of pooling it.
	p.Release(conn)
	p.Release(held)
	deadline := time.Now().Add(time.Second)
	for conn.(*fakeConn).closed.Load() == false || held.(*fakeConn).closed.Load() == false {
		if time.Now().After(deadline) {
			t.Fatalf("connections not closed after release on drained pool")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := p.Drain(ctx); err != nil {
		t.Fatalf("second drain must be a no-op: %v", err)
	}
}

func TestPool_EvictIdleByTTL(t *testing.T) {
	ctx := context.Background()
	dialer := &dialCounter{}
	p := newTestPool(t, Config{MinSize: 2, MaxSize: 4, IdleTTL: 50 * time.Millisecond}, dialer.dial)
	defer p.Drain(ctx)

	p.evictIdle(time.Now().Add(time.Minute))

	stats := p.Stats()
	if stats.Idle != 0 {
		t.Fatalf("expected all idle connections evicted, got %+v", stats)
	}
	if stats.Destroyed != 2 {
		t.Fatalf("expected 2 destroyed, got %+v", stats)
	}

	// Eviction never touches checked-out connections.
	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after eviction: %v", err)
	}
	p.evictIdle(time.Now().Add(time.Minute))
	if p.Stats().InUse != 1 {
		t.Fatalf("in-use connection must survive eviction: %+v", p.Stats())
	}
	p.Release(conn)
}

func TestPool_DialFailurePropagates(t *testing.T) {
	ctx := context.Background()
	dialer := &dialCounter{err: errors.New("refused")}
	p := New("db-main", Config{MaxSize: 2}, dialer.dial, nil, zerolog.Nop())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start without min size: %v", err)
	}
	defer p.Drain(ctx)

	if _, err := p.Acquire(ctx); err == nil {
		t.Fatalf("expected dial error")
	}

	// A failed dial must free its reserved slot.
	dialer.mu.Lock()
	dialer.err = nil
	dialer.mu.Unlock()
	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after dial failure: %v", err)
	}
	p.Release(conn)
}

func TestPool_ReleaseUnknownConnCloses(t *testing.T) {
	ctx := context.Background()
	dialer := &dialCounter{}
	p := newTestPool(t, Config{MaxSize: 1}, dialer.dial)
	defer p.Drain(ctx)

	stray := &fakeConn{id: 99}
	p.Release(stray)

	deadline := time.Now().Add(time.Second)
	for !stray.closed.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("stray connection not closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if p.Stats().Releases != 0 {
		t.Fatalf("stray release must not count: %+v", p.Stats())
	}
}
