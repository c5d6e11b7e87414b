package pool

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     int
	closed int32
}

func (c *fakeConn) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

func TestAcquireBuildsViaFactoryWhenIdleEmpty(t *testing.T) {
	var built int32
	p := New(func(ctx context.Context) (io.Closer, error) {
		n := atomic.AddInt32(&built, 1)
		return &fakeConn{id: int(n)}, nil
	}, 2)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&built))
	lease.Release()
}

func TestReleaseReusesIdleConnection(t *testing.T) {
	var built int32
	p := New(func(ctx context.Context) (io.Closer, error) {
		atomic.AddInt32(&built, 1)
		return &fakeConn{}, nil
	}, 2)

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l1.Release()

	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&built))
	l2.Release()
}

func TestAcquireBlocksUntilSlotAvailable(t *testing.T) {
	p := New(func(ctx context.Context) (io.Closer, error) {
		return &fakeConn{}, nil
	}, 1)

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.Error(t, err)

	l1.Release()
	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l2.Release()
}

func TestFactoryErrorReleasesSemaphoreSlot(t *testing.T) {
	p := New(func(ctx context.Context) (io.Closer, error) {
		return nil, errors.New("dial failed")
	}, 1)

	_, err := p.Acquire(context.Background())
	require.Error(t, err)

	p2 := New(func(ctx context.Context) (io.Closer, error) {
		return &fakeConn{}, nil
	}, 1)
	p2.sem = p.sem // reuse drained semaphore to confirm it was released
	_, err = p2.Acquire(context.Background())
	require.NoError(t, err)
}

func TestSnapshotReportsCounts(t *testing.T) {
	p := New(func(ctx context.Context) (io.Closer, error) {
		return &fakeConn{}, nil
	}, 3)

	l1, _ := p.Acquire(context.Background())
	snap := p.Snapshot()
	require.Equal(t, 3, snap.Size)
	require.Equal(t, 1, snap.InUse)
	require.Equal(t, 0, snap.Idle)

	l1.Release()
	snap = p.Snapshot()
	require.Equal(t, 0, snap.InUse)
	require.Equal(t, 1, snap.Idle)
}
