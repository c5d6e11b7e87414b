// Package stdio implements the standard-streams transport channel
// used during bootstrap and as the fallback for identify/announce
// when no other channel is available.
package stdio

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/redbco/redb-module-sdk/pkg/channel"
	"github.com/redbco/redb-module-sdk/pkg/envelope"
	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

// Channel wraps a pair of standard streams as a Channel. It never
// reconnects (there is nothing to redial once stdin/stdout close).
type Channel struct {
	in  io.Reader
	out io.Writer

	mu    sync.Mutex
	state channel.State
}

// New wraps in/out as a stdio Channel, initially connected.
func New(in io.Reader, out io.Writer) *Channel {
	return &Channel{in: in, out: out, state: channel.StateConnected}
}

func (c *Channel) Kind() channel.Kind { return channel.KindStdio }

func (c *Channel) Capabilities() channel.Capabilities {
	return channel.Capabilities{
		channel.CapModuleMessaging: true,
	}
}

func (c *Channel) State() channel.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = channel.StateConnected
	return nil
}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = channel.StateDisconnected
	return nil
}

func (c *Channel) Send(ctx context.Context, env *envelope.Envelope) error {
	if c.State() != channel.StateConnected {
		return moderr.New(moderr.KindConnectionClosed, "stdio channel is not connected")
	}
	if err := envelope.Write(env, c.out); err != nil {
		c.mu.Lock()
		c.state = channel.StateFailed
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Channel) Receive(ctx context.Context) (*envelope.Envelope, error) {
	if c.State() != channel.StateConnected {
		return nil, moderr.New(moderr.KindConnectionClosed, "stdio channel is not connected")
	}
	env, err := envelope.ReadEnvelope(c.in)
	if err != nil {
		c.mu.Lock()
		c.state = channel.StateFailed
		c.mu.Unlock()
		return nil, err
	}
	return env, nil
}

func (c *Channel) ReceiveWithTimeout(ctx context.Context, d time.Duration) (*envelope.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		env *envelope.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := c.Receive(ctx)
		ch <- result{env, err}
	}()

	select {
	case r := <-ch:
		return r.env, r.err
	case <-ctx.Done():
		return nil, moderr.Wrap(moderr.KindConnectionTO, "receive timed out", ctx.Err())
	}
}

func (c *Channel) Ping(ctx context.Context) error {
	env := &envelope.Envelope{Format: envelope.EncodingJSON, Data: []byte(`{"op":"heartbeat"}`)}
	return c.Send(ctx, env)
}
