package resource

// State is a lifecycle state. Transitions follow a fixed table; anything
// else is rejected with InvalidTransitionError.
type State string

const (
	StateCreated       State = "CREATED"
	StateInitializing  State = "INITIALIZING"
	StateReady         State = "READY"
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateDisconnecting State = "DISCONNECTING"
	StateDisconnected  State = "DISCONNECTED"
	StateError         State = "ERROR"
	StateDestroyed     State = "DESTROYED"
)

// Health is the monitor-maintained verdict, orthogonal to State. It is
// forced back to HealthUnknown whenever the resource leaves CONNECTED.
type Health string

const (
	HealthUnknown   Health = "UNKNOWN"
	HealthHealthy   Health = "HEALTHY"
	HealthDegraded  Health = "DEGRADED"
	HealthUnhealthy Health = "UNHEALTHY"
)

// Allowed source states per lifecycle operation. Connect is legal from
// DISCONNECTED and ERROR in addition to READY so the health monitor can
// tear a connection down and re-establish it. Cleanup accepts CREATED and
// READY so teardown can destroy resources that never connected.
var (
	initializeFrom = map[State]bool{
		StateCreated: true,
	}
	connectFrom = map[State]bool{
		StateReady:        true,
		StateDisconnected: true,
		StateError:        true,
	}
	disconnectFrom = map[State]bool{
		StateConnected: true,
	}
	cleanupFrom = map[State]bool{
		StateCreated:      true,
		StateReady:        true,
		StateDisconnected: true,
		StateError:        true,
	}
)

func healthSeverity(h Health) int {
	switch h {
	case HealthUnhealthy:
		return 3
	case HealthDegraded:
		return 2
	case HealthHealthy:
		return 1
	default:
		return 0
	}
}

// WorseHealth returns the more severe of two verdicts.
func WorseHealth(a, b Health) Health {
	if healthSeverity(b) > healthSeverity(a) {
		return b
	}
	return a
}
