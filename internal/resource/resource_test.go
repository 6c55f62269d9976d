package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lifeguard-sh/lifeguard/internal/events"
	"github.com/rs/zerolog"
)

type fakeBackend struct {
	mu sync.Mutex

	initErr    error
	connectErr error
	connectFn  func(ctx context.Context) error
	discErr    error
	discFn     func(ctx context.Context) error
	cleanupErr error
	healthErr  error
	report     Report

	initCalls    int
	connectCalls int
	discCalls    int
	cleanupCalls int
	healthCalls  int
}

func (f *fakeBackend) Initialize(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.initErr
}

func (f *fakeBackend) Connect(ctx context.Context) error {
	f.mu.Lock()
	fn := f.connectFn
	f.connectCalls++
	err := f.connectErr
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return err
}

func (f *fakeBackend) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	fn := f.discFn
	f.discCalls++
	err := f.discErr
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return err
}

func (f *fakeBackend) Cleanup(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupCalls++
	return f.cleanupErr
}

func (f *fakeBackend) CheckHealth(_ context.Context) (Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	return f.report, f.healthErr
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(_ context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) byType(eventType events.Type) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestResource(backend Backend, cfg Config, sink events.Sink) *Resource {
	return New("db-main", "database", backend, cfg, sink, zerolog.Nop())
}

func TestLifecycle_HappyPath(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	sink := &recordingSink{}
	res := newTestResource(backend, Config{}, sink)

	if res.State() != StateCreated {
		t.Fatalf("expected CREATED, got %s", res.State())
	}
	if res.Health() != HealthUnknown {
		t.Fatalf("expected UNKNOWN health, got %s", res.Health())
	}

	if err := res.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res.State() != StateReady {
		t.Fatalf("expected READY, got %s", res.State())
	}

	if err := res.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if res.State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", res.State())
	}
	if res.Health() != HealthHealthy {
		t.Fatalf("expected HEALTHY after connect, got %s", res.Health())
	}

	if err := res.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if res.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", res.State())
	}
	if res.Health() != HealthUnknown {
		t.Fatalf("expected UNKNOWN after disconnect, got %s", res.Health())
	}

	if err := res.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.State() != StateDestroyed {
		t.Fatalf("expected DESTROYED, got %s", res.State())
	}

	changes := sink.byType(events.TypeStateChanged)
	want := [][2]string{
		{"CREATED", "INITIALIZING"},
		{"INITIALIZING", "READY"},
		{"READY", "CONNECTING"},
		{"CONNECTING", "CONNECTED"},
		{"CONNECTED", "DISCONNECTING"},
		{"DISCONNECTING", "DISCONNECTED"},
		{"DISCONNECTED", "DESTROYED"},
	}
	if len(changes) != len(want) {
		t.Fatalf("expected %d state changes, got %d", len(want), len(changes))
	}
	for i, w := range want {
		if changes[i].From != w[0] || changes[i].To != w[1] {
			t.Fatalf("transition %d: expected %s->%s, got %s->%s", i, w[0], w[1], changes[i].From, changes[i].To)
		}
	}
}

func TestInitialize_FromWrongState(t *testing.T) {
	ctx := context.Background()
	res := newTestResource(&fakeBackend{}, Config{}, nil)

	if err := res.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	err := res.Initialize(ctx)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.State != StateReady || invalid.Operation != "initialize" {
		t.Fatalf("unexpected error details: %+v", invalid)
	}
	if res.State() != StateReady {
		t.Fatalf("failed precondition must not change state, got %s", res.State())
	}
}

func TestInitialize_BackendFailure(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{initErr: errors.New("bad config")}
	sink := &recordingSink{}
	res := newTestResource(backend, Config{}, sink)

	err := res.Initialize(ctx)
	var initErr *InitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected InitializationError, got %v", err)
	}
	if res.State() != StateError {
		t.Fatalf("expected ERROR, got %s", res.State())
	}
	if got := sink.byType(events.TypeError); len(got) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(got))
	}
}

func TestConnect_RetryableFromError(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{connectErr: errors.New("refused")}
	res := newTestResource(backend, Config{}, nil)

	if err := res.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	err := res.Connect(ctx)
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if res.State() != StateError {
		t.Fatalf("expected ERROR, got %s", res.State())
	}

	backend.mu.Lock()
	backend.connectErr = nil
	backend.mu.Unlock()

	if err := res.Connect(ctx); err != nil {
		t.Fatalf("retry connect: %v", err)
	}
	if res.State() != StateConnected {
		t.Fatalf("expected CONNECTED after retry, got %s", res.State())
	}
}

func TestConnect_Timeout(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{connectFn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	res := newTestResource(backend, Config{StartTimeout: 20 * time.Millisecond}, nil)

	if err := res.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	err := res.Connect(ctx)
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timeout must unwrap to DeadlineExceeded")
	}
	if res.State() != StateError {
		t.Fatalf("expected ERROR after timeout, got %s", res.State())
	}
}

func TestCheckHealth_NotConnected(t *testing.T) {
	ctx := context.Background()
	res := newTestResource(&fakeBackend{}, Config{}, nil)

	report, err := res.CheckHealth(ctx)
	var healthErr *HealthCheckError
	if !errors.As(err, &healthErr) {
		t.Fatalf("expected HealthCheckError, got %v", err)
	}
	if report.Health != HealthUnknown {
		t.Fatalf("expected UNKNOWN report, got %s", report.Health)
	}
	if res.State() != StateCreated {
		t.Fatalf("probe must not change lifecycle state, got %s", res.State())
	}
	if res.Stats().LastHealthCheck.IsZero() {
		t.Fatalf("probe timestamp not recorded")
	}
}

func TestSetHealth_SuppressesSteadyHealthy(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	res := newTestResource(&fakeBackend{}, Config{}, sink)

	if err := res.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := res.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	before := len(sink.byType(events.TypeHealthChanged))
	res.SetHealth(ctx, HealthHealthy, "still fine")
	res.SetHealth(ctx, HealthHealthy, "still fine")
	if got := len(sink.byType(events.TypeHealthChanged)); got != before {
		t.Fatalf("steady HEALTHY must not publish, got %d new events", got-before)
	}

	res.SetHealth(ctx, HealthDegraded, "slow")
	res.SetHealth(ctx, HealthDegraded, "slow again")
	res.SetHealth(ctx, HealthUnhealthy, "down")
	published := sink.byType(events.TypeHealthChanged)[before:]
	want := [][2]string{
		{"HEALTHY", "DEGRADED"},
		{"DEGRADED", "DEGRADED"},
		{"DEGRADED", "UNHEALTHY"},
	}
	if len(published) != len(want) {
		t.Fatalf("failing verdicts must re-publish, expected %d events, got %d", len(want), len(published))
	}
	for i, w := range want {
		if published[i].From != w[0] || published[i].To != w[1] {
			t.Fatalf("event %d: expected %s->%s, got %s->%s", i, w[0], w[1], published[i].From, published[i].To)
		}
	}
}

func TestSetHealth_RejectedOutsideConnected(t *testing.T) {
	ctx := context.Background()
	res := newTestResource(&fakeBackend{}, Config{}, nil)

	res.SetHealth(ctx, HealthHealthy, "bogus")
	if res.Health() != HealthUnknown {
		t.Fatalf("verdict must be rejected outside CONNECTED, got %s", res.Health())
	}
}

func TestAbandon_Sticky(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	backend := &fakeBackend{discFn: func(ctx context.Context) error {
		<-release
		return nil
	}}
	res := newTestResource(backend, Config{}, nil)

	if err := res.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := res.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- res.Disconnect(ctx)
	}()

	// Abandon while the disconnect is stuck in the backend.
	time.Sleep(10 * time.Millisecond)
	res.Abandon(ctx, &TimeoutError{Resource: res.ID(), Operation: "stop"})

	if res.State() != StateError {
		t.Fatalf("expected ERROR after abandon, got %s", res.State())
	}
	if !res.Abandoned() {
		t.Fatalf("expected abandoned flag set")
	}

	close(release)
	err := <-done
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("late disconnect must report TimeoutError, got %v", err)
	}
	if res.State() != StateError {
		t.Fatalf("late disconnect must not resurrect the resource, got %s", res.State())
	}

	// Cleanup clears the flag and still reaches DESTROYED.
	if err := res.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup after abandon: %v", err)
	}
	if res.State() != StateDestroyed {
		t.Fatalf("expected DESTROYED, got %s", res.State())
	}
	if res.Abandoned() {
		t.Fatalf("cleanup must clear the abandoned flag")
	}
}

func TestCleanup_IdempotentOnDestroyed(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	res := newTestResource(backend, Config{}, nil)

	if err := res.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup from CREATED: %v", err)
	}
	if err := res.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup on DESTROYED: %v", err)
	}
	if backend.cleanupCalls != 1 {
		t.Fatalf("expected 1 backend cleanup call, got %d", backend.cleanupCalls)
	}
}

func TestCleanup_SwallowsBackendError(t *testing.T) {
	ctx := context.Background()
	res := newTestResource(&fakeBackend{cleanupErr: errors.New("leak")}, Config{}, nil)

	if err := res.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup must swallow backend errors, got %v", err)
	}
	if res.State() != StateDestroyed {
		t.Fatalf("expected DESTROYED, got %s", res.State())
	}
	stats := res.Stats()
	if stats.Errors != 1 || stats.LastError == "" {
		t.Fatalf("cleanup error must be recorded, got %+v", stats)
	}
}

func TestDisconnect_CompletesDespiteBackendError(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{discErr: errors.New("reset by peer")}
	res := newTestResource(backend, Config{}, nil)

	if err := res.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := res.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := res.Disconnect(ctx); err == nil {
		t.Fatalf("expected disconnect error")
	}
	if res.State() != StateDisconnected {
		t.Fatalf("disconnect must still reach DISCONNECTED, got %s", res.State())
	}
}

func TestWorseHealth(t *testing.T) {
	if WorseHealth(HealthHealthy, HealthDegraded) != HealthDegraded {
		t.Fatalf("DEGRADED outranks HEALTHY")
	}
	if WorseHealth(HealthUnhealthy, HealthDegraded) != HealthUnhealthy {
		t.Fatalf("UNHEALTHY outranks DEGRADED")
	}
	if WorseHealth(HealthUnknown, HealthHealthy) != HealthHealthy {
		t.Fatalf("HEALTHY outranks UNKNOWN")
	}
}
