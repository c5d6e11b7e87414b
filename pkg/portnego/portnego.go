// Package portnego implements the orchestrator port negotiation
// protocol of spec.md §4.E.
//
// Grounded on original_source/python_sdk's
// communication/port_negotiation.py (circuit breaker thresholds,
// fallback port range, bind-probe loop), restated with a sync.Mutex
// guarding a single negotiator struct instead of a module-level
// singleton manager.
package portnego

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redbco/redb-module-sdk/pkg/handshake"
	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

const (
	// MaxRetries bounds how many PortRequest attempts negotiate makes
	// before opening the circuit breaker and falling back.
	MaxRetries = 3

	// DefaultResponseDeadline bounds how long a single attempt waits
	// for the correlated PortResponse.
	DefaultResponseDeadline = 3 * time.Second

	defaultPortRangeStart = 8000
	defaultPortRangeEnd   = 9000

	fallbackPortRangeStart = 10000
	fallbackPortRangeEnd   = 11000

	circuitBreakerThreshold  = 5
	circuitBreakerResetAfter = 60 * time.Second

	fallbackBindAttempts = 10
)

type breakerStatus int

const (
	breakerClosed breakerStatus = iota
	breakerOpen
	breakerHalfOpen
)

// Sender emits outbound IPC records, the same contract pkg/secrets
// uses for its own round trips.
type Sender interface {
	Send(ctx context.Context, rec *handshake.OutboundRecord) error
}

type pendingRequest struct {
	done    chan struct{}
	port    int
	success bool
	errMsg  string
}

// Negotiator holds the port negotiation state for one module process.
type Negotiator struct {
	sender Sender

	mu             sync.Mutex
	allocatedPort  int
	pending        map[string]*pendingRequest
	status         breakerStatus
	consecutiveErr int
	lastFailure    time.Time

	rangeStart, rangeEnd                 int
	fallbackRangeStart, fallbackRangeEnd int
}

// New constructs a Negotiator. preAllocated, when non-zero, satisfies
// every future Negotiate call immediately (spec.md §4.E step 1).
func New(sender Sender, preAllocated int) *Negotiator {
	return &Negotiator{
		sender:             sender,
		allocatedPort:      preAllocated,
		pending:            make(map[string]*pendingRequest),
		rangeStart:         defaultPortRangeStart,
		rangeEnd:           defaultPortRangeEnd,
		fallbackRangeStart: fallbackPortRangeStart,
		fallbackRangeEnd:   fallbackPortRangeEnd,
	}
}

// Negotiate resolves a usable port: the pre-allocated port if set,
// otherwise a negotiated or fallback port per the algorithm in
// spec.md §4.E.
func (n *Negotiator) Negotiate(ctx context.Context, preferred *int) int {
	n.mu.Lock()
	if n.allocatedPort != 0 {
		port := n.allocatedPort
		n.mu.Unlock()
		return port
	}
	breakerOpenNow := !n.shouldAttempt()
	n.mu.Unlock()

	if breakerOpenNow {
		return n.generateFallbackPort()
	}

	for attempt := 0; attempt < MaxRetries; attempt++ {
		port, err := n.attempt(ctx, preferred, DefaultResponseDeadline)
		if err == nil {
			n.mu.Lock()
			n.recordSuccess()
			n.allocatedPort = port
			n.mu.Unlock()
			return port
		}

		if attempt == MaxRetries-1 {
			n.mu.Lock()
			n.recordFailure()
			n.mu.Unlock()
			return n.generateFallbackPort()
		}

		delay := time.Duration(1<<uint(attempt)) * time.Second
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return n.generateFallbackPort()
		case <-timer.C:
		}
	}

	return n.generateFallbackPort()
}

func (n *Negotiator) attempt(ctx context.Context, preferred *int, deadline time.Duration) (int, error) {
	requestID := uuid.NewString()

	pr := &pendingRequest{done: make(chan struct{})}
	n.mu.Lock()
	n.pending[requestID] = pr
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, requestID)
		n.mu.Unlock()
	}()

	req := &handshake.PortRequestPayload{
		RequestID:  requestID,
		RangeStart: n.rangeStart,
		RangeEnd:   n.rangeEnd,
	}
	if preferred != nil {
		req.PreferredPort = preferred
	}

	if err := n.sender.Send(ctx, &handshake.OutboundRecord{Op: "port_request", PortRequest: req}); err != nil {
		return 0, moderr.Wrap(moderr.KindConnection, "failed to send port request", err)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-pr.done:
		if !pr.success {
			return 0, moderr.New(moderr.KindConnection, fmt.Sprintf("port negotiation failed: %s", pr.errMsg))
		}
		return pr.port, nil
	case <-timer.C:
		return 0, moderr.New(moderr.KindConnection, "port negotiation timed out")
	case <-ctx.Done():
		return 0, moderr.Wrap(moderr.KindConnection, "port negotiation cancelled", ctx.Err())
	}
}

// HandleResponse resolves the pending attempt correlated by
// requestID, if any.
func (n *Negotiator) HandleResponse(requestID string, success bool, port int, errMsg string) {
	n.mu.Lock()
	pr, ok := n.pending[requestID]
	n.mu.Unlock()
	if !ok {
		return
	}
	pr.success = success
	pr.port = port
	pr.errMsg = errMsg
	close(pr.done)
}

// shouldAttempt reports whether the breaker currently permits a fresh
// negotiation attempt, transitioning open→half-open after the reset
// window elapses. Caller must hold n.mu.
func (n *Negotiator) shouldAttempt() bool {
	switch n.status {
	case breakerClosed, breakerHalfOpen:
		return true
	default: // breakerOpen
		if !n.lastFailure.IsZero() && time.Since(n.lastFailure) > circuitBreakerResetAfter {
			n.status = breakerHalfOpen
			return true
		}
		return false
	}
}

func (n *Negotiator) recordSuccess() {
	n.status = breakerClosed
	n.consecutiveErr = 0
	n.lastFailure = time.Time{}
}

func (n *Negotiator) recordFailure() {
	n.consecutiveErr++
	n.lastFailure = time.Now()
	if n.consecutiveErr >= circuitBreakerThreshold {
		n.status = breakerOpen
	}
}

// generateFallbackPort picks a random port in the fallback range,
// re-rolling up to ten times until one binds on loopback.
func (n *Negotiator) generateFallbackPort() int {
	port := randomPort(n.fallbackRangeStart, n.fallbackRangeEnd)
	for i := 0; i < fallbackBindAttempts; i++ {
		if bindable(port) {
			break
		}
		port = randomPort(n.fallbackRangeStart, n.fallbackRangeEnd)
	}

	n.mu.Lock()
	n.allocatedPort = port
	n.mu.Unlock()
	return port
}

func randomPort(start, end int) int {
	return start + rand.Intn(end-start+1)
}

func bindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// AllocatedPort returns the currently allocated port, or 0 if none.
func (n *Negotiator) AllocatedPort() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.allocatedPort
}

// Reset clears the allocation and any pending requests.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.allocatedPort = 0
	n.pending = make(map[string]*pendingRequest)
}
