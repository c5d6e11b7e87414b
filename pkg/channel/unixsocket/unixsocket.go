// Package unixsocket implements the local-socket transport channel.
//
// Unlike TCP, a local-socket channel's Failed state resets on Connect
// to allow retry, per spec.md §4.D.
package unixsocket

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/redbco/redb-module-sdk/pkg/channel"
	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

// Config configures a local-socket channel.
type Config struct {
	Path   string
	Policy channel.ReconnectPolicy
}

// Channel is the unix-domain-socket transport implementation.
type Channel struct {
	*channel.Base
	cfg Config
}

// New creates a unix-socket channel that has not yet connected.
func New(cfg Config) *Channel {
	if cfg.Policy == nil {
		cfg.Policy = channel.FixedReconnect{Delay: time.Second, MaxAttempts: 5}
	}

	caps := channel.Capabilities{
		channel.CapModuleMessaging: true,
		channel.CapServiceCalls:    true,
		channel.CapStreaming:       true,
		channel.CapBatching:        true,
	}

	c := &Channel{cfg: cfg}
	c.Base = channel.NewBase(channel.KindSocket, c.dial, cfg.Policy, caps, false)
	return c
}

func (c *Channel) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "unix", c.cfg.Path)
	if err != nil {
		return nil, moderr.Wrap(moderr.KindConnection, "unix socket dial failed", err)
	}
	return conn, nil
}
