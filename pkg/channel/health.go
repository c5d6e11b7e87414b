package channel

import (
	"sort"
	"sync"
	"time"
)

// Health is the rolling-window health record kept per channel
// (spec.md §3 "Channel health"). Counters reset after five minutes of
// inactivity.
type Health struct {
	mu            sync.Mutex
	latencies     []time.Duration // bounded to last 100 samples
	successes     int
	failures      int
	lastActivity  time.Time
	lastFailureAt time.Time
}

const (
	maxLatencySamples = 100
	inactivityReset   = 5 * time.Minute
)

// NewHealth creates an empty health record.
func NewHealth() *Health {
	return &Health{lastActivity: time.Now()}
}

func (h *Health) maybeReset() {
	if time.Since(h.lastActivity) > inactivityReset {
		h.latencies = nil
		h.successes = 0
		h.failures = 0
	}
}

// RecordSuccess records a successful operation's latency.
func (h *Health) RecordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maybeReset()
	h.successes++
	h.latencies = append(h.latencies, latency)
	if len(h.latencies) > maxLatencySamples {
		h.latencies = h.latencies[len(h.latencies)-maxLatencySamples:]
	}
	h.lastActivity = time.Now()
}

// RecordFailure records a failed operation.
func (h *Health) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maybeReset()
	h.failures++
	now := time.Now()
	h.lastActivity = now
	h.lastFailureAt = now
}

// Snapshot is a point-in-time read of derived health values.
type Snapshot struct {
	P95Latency    time.Duration
	ErrorRate     float64
	Availability  float64
	LastFailureAt time.Time
	Successes     int
	Failures      int
}

// Snapshot computes p95 latency, error rate, and availability from the
// current window.
func (h *Health) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := h.successes + h.failures
	var errRate float64
	if total > 0 {
		errRate = float64(h.failures) / float64(total)
	}

	var p95 time.Duration
	if len(h.latencies) > 0 {
		sorted := make([]time.Duration, len(h.latencies))
		copy(sorted, h.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		idx := int(float64(len(sorted)) * 0.95)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		p95 = sorted[idx]
	}

	return Snapshot{
		P95Latency:    p95,
		ErrorRate:     errRate,
		Availability:  1 - errRate,
		LastFailureAt: h.lastFailureAt,
		Successes:     h.successes,
		Failures:      h.failures,
	}
}

// StateMachine centralizes the connection state transitions shared by
// every transport implementation (spec.md §4.D state diagram).
type StateMachine struct {
	mu    sync.Mutex
	state State
	kind  Kind
}

// NewStateMachine creates a machine starting in StateDisconnected.
func NewStateMachine(kind Kind) *StateMachine {
	return &StateMachine{state: StateDisconnected, kind: kind}
}

func (m *StateMachine) Get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *StateMachine) Set(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// ResetFailed clears a sticky failed state back to disconnected so a
// fresh Connect can be attempted. Local-socket channels call this
// automatically on Connect; TCP channels require an explicit call,
// since §4.D says TCP keeps "failed" sticky until an explicit connect.
func (m *StateMachine) ResetFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateFailed {
		m.state = StateDisconnected
	}
}
