// Package channel defines the uniform send/receive contract
// implemented by every transport (stdio, TCP, unix socket), plus the
// shared connection state machine and reconnect policies.
//
// Grounded on the teacher's services/mesh/internal/transport.Transport
// interface, generalized from one websocket implementation to the
// three transports spec.md §4.D requires, and on the channel record /
// health model of spec.md §3.
package channel

import (
	"context"
	"time"

	"github.com/redbco/redb-module-sdk/pkg/envelope"
)

// State is a channel's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Kind identifies a transport implementation.
type Kind string

const (
	KindStdio  Kind = "stdio"
	KindTCP    Kind = "tcp"
	KindSocket Kind = "unix_socket"
)

// Capability names a transport-level feature a channel may support.
type Capability string

const (
	CapModuleMessaging  Capability = "module_messaging"
	CapHTTPProxy        Capability = "http_proxy"
	CapServiceCalls     Capability = "service_calls"
	CapFileTransfer     Capability = "file_transfer"
	CapStreaming        Capability = "streaming"
	CapBatching         Capability = "batching"
	CapCompression      Capability = "compression"
	CapMaxMessageSize   Capability = "max_message_size"
)

// Capabilities is the set of capabilities a channel reports.
type Capabilities map[Capability]bool

// Has reports whether cap is present and true.
func (c Capabilities) Has(cap Capability) bool { return c[cap] }

// Channel is the uniform contract every transport implements.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, env *envelope.Envelope) error
	Receive(ctx context.Context) (*envelope.Envelope, error)
	ReceiveWithTimeout(ctx context.Context, d time.Duration) (*envelope.Envelope, error)
	State() State
	Ping(ctx context.Context) error
	Capabilities() Capabilities
	Kind() Kind
}

// HealthReporter is implemented by channels that track rolling health
// statistics (tcp and unixsocket, via the embedded Base; stdio does
// not since it never reconnects or retries).
type HealthReporter interface {
	Health() *Health
}

// ReconnectPolicy decides how a channel recovers from a connecting or
// IO error.
type ReconnectPolicy interface {
	// NextDelay is called after the given (1-based) attempt has failed;
	// it returns the delay before the next attempt, and whether another
	// attempt should be made at all.
	NextDelay(attempt int) (time.Duration, bool)
}

// NoReconnect never retries.
type NoReconnect struct{}

func (NoReconnect) NextDelay(int) (time.Duration, bool) { return 0, false }

// FixedReconnect retries up to MaxAttempts times with a constant delay.
type FixedReconnect struct {
	Delay       time.Duration
	MaxAttempts int
}

func (p FixedReconnect) NextDelay(attempt int) (time.Duration, bool) {
	if attempt > p.MaxAttempts {
		return 0, false
	}
	return p.Delay, true
}

// ExponentialReconnect retries with delay = min(prev*multiplier, max),
// starting at Initial, indefinitely.
type ExponentialReconnect struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (p ExponentialReconnect) NextDelay(attempt int) (time.Duration, bool) {
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d > float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	return time.Duration(d), true
}
