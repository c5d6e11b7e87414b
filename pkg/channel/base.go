package channel

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/redbco/redb-module-sdk/pkg/envelope"
	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

// Dialer opens a fresh underlying connection for a reconnectable
// channel.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Base implements the shared send/receive-with-one-retry and
// reconnect-on-IO-error behavior of spec.md §4.D, parameterized by a
// Dialer. TCP and unix-socket channels embed Base; stdio does not
// since it never reconnects.
type Base struct {
	kind     Kind
	dial     Dialer
	policy   ReconnectPolicy
	caps     Capabilities
	sm       *StateMachine
	health   *Health
	stickyFailed bool

	mu   sync.Mutex
	conn io.ReadWriteCloser
}

// NewBase constructs a Base. stickyFailed controls whether a Failed
// state survives reconnection attempts without an explicit Connect
// (true for TCP, false for unix-socket, per §4.D).
func NewBase(kind Kind, dial Dialer, policy ReconnectPolicy, caps Capabilities, stickyFailed bool) *Base {
	return &Base{
		kind:         kind,
		dial:         dial,
		policy:       policy,
		caps:         caps,
		sm:           NewStateMachine(kind),
		health:       NewHealth(),
		stickyFailed: stickyFailed,
	}
}

func (b *Base) Kind() Kind                 { return b.kind }
func (b *Base) Capabilities() Capabilities { return b.caps }
func (b *Base) State() State               { return b.sm.Get() }
func (b *Base) Health() *Health            { return b.health }

// Connect dials a fresh connection, retrying per policy.
func (b *Base) Connect(ctx context.Context) error {
	if !b.stickyFailed {
		b.sm.ResetFailed()
	}
	if b.sm.Get() == StateFailed {
		return moderr.New(moderr.KindConnectionFailed, "channel is in failed state; explicit reconnect required")
	}

	b.sm.Set(StateConnecting)

	attempt := 0
	for {
		attempt++
		conn, err := b.dial(ctx)
		if err == nil {
			b.mu.Lock()
			b.conn = conn
			b.mu.Unlock()
			b.sm.Set(StateConnected)
			return nil
		}

		delay, retry := b.policy.NextDelay(attempt)
		if !retry {
			b.sm.Set(StateFailed)
			return moderr.Wrap(moderr.KindConnectionFailed, "failed to connect", err)
		}
		b.sm.Set(StateDisconnected)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return moderr.Wrap(moderr.KindConnectionTO, "connect cancelled", ctx.Err())
		case <-timer.C:
		}
	}
}

// Disconnect closes the underlying connection, if any.
func (b *Base) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	b.sm.Set(StateDisconnected)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (b *Base) currentConn() (io.ReadWriteCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil, moderr.New(moderr.KindConnection, "channel is not connected")
	}
	return b.conn, nil
}

// Send writes env on the current connection. On IO error it marks the
// channel disconnected, reconnects once, and retries; a second
// failure is surfaced (spec.md §4.D / §7 propagation policy).
func (b *Base) Send(ctx context.Context, env *envelope.Envelope) error {
	conn, err := b.currentConn()
	if err != nil {
		return err
	}

	if err := envelope.Write(env, conn); err == nil {
		return nil
	} else if !b.recoverable(ctx) {
		return moderr.Wrap(moderr.KindConnection, "send failed and reconnect unavailable", err)
	}

	conn, err = b.currentConn()
	if err != nil {
		return err
	}
	if err := envelope.Write(env, conn); err != nil {
		return moderr.Wrap(moderr.KindConnection, "send failed after reconnect", err)
	}
	return nil
}

// Receive reads the next envelope, applying the same one-retry
// recovery as Send.
func (b *Base) Receive(ctx context.Context) (*envelope.Envelope, error) {
	conn, err := b.currentConn()
	if err != nil {
		return nil, err
	}

	env, err := envelope.ReadEnvelope(conn)
	if err == nil {
		return env, nil
	}
	if !b.recoverable(ctx) {
		return nil, moderr.Wrap(moderr.KindConnection, "receive failed and reconnect unavailable", err)
	}

	conn, err = b.currentConn()
	if err != nil {
		return nil, err
	}
	env, err = envelope.ReadEnvelope(conn)
	if err != nil {
		return nil, moderr.Wrap(moderr.KindConnection, "receive failed after reconnect", err)
	}
	return env, nil
}

// ReceiveWithTimeout bounds Receive by d.
func (b *Base) ReceiveWithTimeout(ctx context.Context, d time.Duration) (*envelope.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		env *envelope.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := b.Receive(ctx)
		ch <- result{env, err}
	}()

	select {
	case r := <-ch:
		return r.env, r.err
	case <-ctx.Done():
		return nil, moderr.Wrap(moderr.KindConnectionTO, "receive timed out", ctx.Err())
	}
}

// recoverable transitions to disconnected and attempts exactly one
// reconnect, reporting whether it succeeded.
func (b *Base) recoverable(ctx context.Context) bool {
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()
	b.sm.Set(StateDisconnected)

	return b.Connect(ctx) == nil
}

// Ping sends a minimal control envelope and awaits no particular
// response; transports may override for a cheaper probe.
func (b *Base) Ping(ctx context.Context) error {
	conn, err := b.currentConn()
	if err != nil {
		return err
	}
	env := &envelope.Envelope{Format: envelope.EncodingJSON, Data: []byte(`{"op":"heartbeat"}`)}
	if err := envelope.Write(env, conn); err != nil {
		return moderr.Wrap(moderr.KindConnection, "ping failed", err)
	}
	return nil
}
