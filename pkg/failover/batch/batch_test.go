package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-module-sdk/pkg/envelope"
)

func env(data string) *envelope.Envelope {
	return &envelope.Envelope{Format: envelope.EncodingJSON, Data: []byte(data)}
}

func TestFlushesOnMaxCount(t *testing.T) {
	b := New(Config{MaxBatchSize: 2})
	require.NoError(t, b.Add(env("a")))
	require.NoError(t, b.Add(env("b")))

	select {
	case batch := <-b.Ready():
		require.Len(t, batch, 2)
	case <-time.After(time.Second):
		t.Fatal("expected a batch")
	}
}

func TestFlushesOnMaxBytes(t *testing.T) {
	b := New(Config{MaxBatchBytes: 4})
	require.NoError(t, b.Add(env("ab")))
	require.NoError(t, b.Add(env("cd")))

	select {
	case batch := <-b.Ready():
		require.Len(t, batch, 2)
	case <-time.After(time.Second):
		t.Fatal("expected a batch")
	}
}

func TestOversizedEnvelopeIsError(t *testing.T) {
	b := New(Config{MaxBatchBytes: 2})
	err := b.Add(env("abc"))
	require.Error(t, err)
}

func TestOrderPreservedWithinBatch(t *testing.T) {
	b := New(Config{MaxBatchSize: 3})
	require.NoError(t, b.Add(env("1")))
	require.NoError(t, b.Add(env("2")))
	require.NoError(t, b.Add(env("3")))

	batch := <-b.Ready()
	require.Equal(t, []byte("1"), batch[0].Data)
	require.Equal(t, []byte("2"), batch[1].Data)
	require.Equal(t, []byte("3"), batch[2].Data)
}

func TestFlushAgedClosesStaleBatch(t *testing.T) {
	b := New(Config{MaxBatchSize: 100, MaxBatchDelay: 10 * time.Millisecond})
	require.NoError(t, b.Add(env("only")))

	time.Sleep(20 * time.Millisecond)
	b.FlushAged()

	select {
	case batch := <-b.Ready():
		require.Len(t, batch, 1)
	case <-time.After(time.Second):
		t.Fatal("expected aged batch to flush")
	}
}

func TestOverflowGuardFlushesIndependentlyOfMaxBatchBytes(t *testing.T) {
	// MaxBatchBytes left at zero (disabled); the defensive
	// maxAccumulatedBytes guard must still cap the open batch.
	b := New(Config{})
	b.current = &openBatch{openedAt: time.Now(), bytes: maxAccumulatedBytes - 1}

	require.NoError(t, b.Add(env("abc")))

	select {
	case batch := <-b.Ready():
		require.Len(t, batch, 1, "the guard flushes the batch as soon as the accumulated bytes cross the cap")
	case <-time.After(time.Second):
		t.Fatal("expected the overflow guard to flush the open batch")
	}
}

func TestOverflowGuardFlushesExistingBatchBeforeOverflowingEnvelope(t *testing.T) {
	b := New(Config{})
	require.NoError(t, b.Add(env("first")))
	b.mu.Lock()
	b.current.bytes = maxAccumulatedBytes - 1
	b.mu.Unlock()

	require.NoError(t, b.Add(env("second")))

	select {
	case batch := <-b.Ready():
		require.Len(t, batch, 1)
		require.Equal(t, []byte("first"), batch[0].Data)
	case <-time.After(time.Second):
		t.Fatal("expected the overflow guard to flush the existing batch")
	}
}

func TestCloseFlushesOpenBatch(t *testing.T) {
	b := New(Config{MaxBatchSize: 100})
	require.NoError(t, b.Add(env("last")))
	b.Close()

	batch, ok := <-b.Ready()
	require.True(t, ok)
	require.Len(t, batch, 1)

	_, ok = <-b.Ready()
	require.False(t, ok)
}
