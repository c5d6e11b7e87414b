package channel

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redbco/redb-module-sdk/pkg/envelope"
	"github.com/stretchr/testify/require"
)

func newPipePair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestBaseConnectSucceedsOnFirstDial(t *testing.T) {
	var dials int32
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		atomic.AddInt32(&dials, 1)
		_, srv := newPipePair()
		return srv, nil
	}

	b := NewBase(KindTCP, dial, NoReconnect{}, Capabilities{}, true)
	require.Equal(t, StateDisconnected, b.State())
	require.NoError(t, b.Connect(context.Background()))
	require.Equal(t, StateConnected, b.State())
	require.EqualValues(t, 1, atomic.LoadInt32(&dials))
}

func TestBaseConnectFailsWithNoReconnectPolicy(t *testing.T) {
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		return nil, io.ErrClosedPipe
	}

	b := NewBase(KindTCP, dial, NoReconnect{}, Capabilities{}, true)
	err := b.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, StateFailed, b.State())
}

func TestBaseTCPFailedStateIsStickyUntilExplicitConnect(t *testing.T) {
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		return nil, io.ErrClosedPipe
	}
	b := NewBase(KindTCP, dial, NoReconnect{}, Capabilities{}, true)
	require.Error(t, b.Connect(context.Background()))
	require.Equal(t, StateFailed, b.State())

	// A second Connect call is the "explicit reconnect" the spec
	// requires for sticky-failed TCP channels; it resets only because
	// ResetFailed is invoked intentionally, not automatically.
	b.sm.ResetFailed()
	dial2Called := false
	b.dial = func(ctx context.Context) (io.ReadWriteCloser, error) {
		dial2Called = true
		_, srv := newPipePair()
		return srv, nil
	}
	require.NoError(t, b.Connect(context.Background()))
	require.True(t, dial2Called)
	require.Equal(t, StateConnected, b.State())
}

func TestBaseUnixSocketFailedStateResetsOnConnect(t *testing.T) {
	attempts := 0
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		attempts++
		if attempts == 1 {
			return nil, io.ErrClosedPipe
		}
		_, srv := newPipePair()
		return srv, nil
	}

	b := NewBase(KindSocket, dial, NoReconnect{}, Capabilities{}, false)
	require.Error(t, b.Connect(context.Background()))
	require.Equal(t, StateFailed, b.State())

	// stickyFailed=false: the next Connect call resets Failed itself.
	require.NoError(t, b.Connect(context.Background()))
	require.Equal(t, StateConnected, b.State())
}

func TestBaseSendReceiveRoundTrip(t *testing.T) {
	cli, srv := newPipePair()
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) { return cli, nil }
	b := NewBase(KindTCP, dial, NoReconnect{}, Capabilities{}, true)
	require.NoError(t, b.Connect(context.Background()))

	msg := envelope.NewMessage(map[string]string{"k": "v"})
	env, err := envelope.Encode(msg, envelope.EncodingJSON)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.Send(context.Background(), env) }()

	got, err := envelope.ReadEnvelope(srv)
	require.NoError(t, err)
	require.Equal(t, env.Data, got.Data)
	require.NoError(t, <-done)
}

func TestBaseReceiveWithTimeoutExpires(t *testing.T) {
	cli, _ := newPipePair()
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) { return cli, nil }
	b := NewBase(KindTCP, dial, NoReconnect{}, Capabilities{}, true)
	require.NoError(t, b.Connect(context.Background()))

	_, err := b.ReceiveWithTimeout(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
}

func TestBaseDisconnectClosesConnection(t *testing.T) {
	cli, _ := newPipePair()
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) { return cli, nil }
	b := NewBase(KindTCP, dial, NoReconnect{}, Capabilities{}, true)
	require.NoError(t, b.Connect(context.Background()))
	require.NoError(t, b.Disconnect())
	require.Equal(t, StateDisconnected, b.State())

	_, err := b.currentConn()
	require.Error(t, err)
}
