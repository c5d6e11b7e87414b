package failover

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-module-sdk/pkg/channel"
	"github.com/redbco/redb-module-sdk/pkg/modmetrics"
)

func TestSuccessOnFirstAttempt(t *testing.T) {
	e := NewEngine(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}, CompressionConfig{}, nil)
	calls := 0
	err := e.Execute(context.Background(), channel.KindTCP, []byte("hi"), func(ctx context.Context, payload []byte, compressed bool) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRetriesThenSucceeds(t *testing.T) {
	e := NewEngine(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, JitterFactor: 0}, CompressionConfig{}, nil)
	calls := 0
	err := e.Execute(context.Background(), channel.KindTCP, []byte("hi"), func(ctx context.Context, payload []byte, compressed bool) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestExhaustsRetriesAndFails(t *testing.T) {
	e := NewEngine(RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2}, CompressionConfig{}, nil)
	calls := 0
	err := e.Execute(context.Background(), channel.KindTCP, []byte("hi"), func(ctx context.Context, payload []byte, compressed bool) error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	require.Equal(t, 2, calls)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	e := NewEngine(RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond}, CompressionConfig{}, nil)
	b := e.breakerFor(channel.KindTCP)
	b.cfg.FailureThreshold = 2

	for i := 0; i < 2; i++ {
		_ = e.Execute(context.Background(), channel.KindTCP, nil, func(ctx context.Context, payload []byte, compressed bool) error {
			return errors.New("fail")
		})
	}

	err := e.Execute(context.Background(), channel.KindTCP, nil, func(ctx context.Context, payload []byte, compressed bool) error {
		t.Fatal("should not be called while breaker is open")
		return nil
	})
	require.ErrorIs(t, err, ErrBreakerOpen)
}

func TestRecordsMetrics(t *testing.T) {
	tracker := modmetrics.NewTracker(modmetrics.AlertThresholds{})
	e := NewEngine(RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond}, CompressionConfig{}, tracker)

	_ = e.Execute(context.Background(), channel.KindTCP, nil, func(ctx context.Context, payload []byte, compressed bool) error {
		return nil
	})

	snap := tracker.Channel(channel.KindTCP).Snapshot()
	require.Equal(t, 1.0, snap.Availability)
}

func TestCompressionAppliedOnlyWhenItShrinks(t *testing.T) {
	e := NewEngine(RetryConfig{MaxAttempts: 1}, CompressionConfig{Enabled: true, ThresholdBytes: 4}, nil)

	compressible := bytes.Repeat([]byte("a"), 1000)
	out, compressed := e.maybeCompress(compressible)
	require.True(t, compressed)
	require.Less(t, len(out), len(compressible))

	decompressed, err := Decompress(out)
	require.NoError(t, err)
	require.Equal(t, compressible, decompressed)
}

func TestCompressionSkippedBelowThreshold(t *testing.T) {
	e := NewEngine(RetryConfig{}, CompressionConfig{Enabled: true, ThresholdBytes: 1000}, nil)
	small := []byte("hi")
	out, compressed := e.maybeCompress(small)
	require.False(t, compressed)
	require.Equal(t, small, out)
}

func TestDecompressRejectsNonGzip(t *testing.T) {
	_, err := Decompress([]byte("not gzip"))
	require.Error(t, err)
}

func gzipBytes(t *testing.T, data []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecompressRoundTrip(t *testing.T) {
	original := []byte("round trip payload")
	compressed := gzipBytes(t, original)
	out, err := Decompress(compressed)
	require.NoError(t, err)
	require.Equal(t, original, out)
}

func TestExecuteSurfacesCompressedFlagToOperation(t *testing.T) {
	e := NewEngine(RetryConfig{MaxAttempts: 1}, CompressionConfig{Enabled: true, ThresholdBytes: 4}, nil)
	compressible := bytes.Repeat([]byte("a"), 1000)

	var gotPayload []byte
	var gotCompressed bool
	err := e.Execute(context.Background(), channel.KindTCP, compressible, func(ctx context.Context, payload []byte, compressed bool) error {
		gotPayload = payload
		gotCompressed = compressed
		return nil
	})
	require.NoError(t, err)
	require.True(t, gotCompressed, "Execute must tell the operation compression was applied so it can mark compressed=gzip")
	require.Less(t, len(gotPayload), len(compressible))

	roundTripped, err := Decompress(gotPayload)
	require.NoError(t, err)
	require.Equal(t, compressible, roundTripped)
}

func TestExecuteReportsUncompressedWhenBelowThreshold(t *testing.T) {
	e := NewEngine(RetryConfig{MaxAttempts: 1}, CompressionConfig{Enabled: true, ThresholdBytes: 1000}, nil)

	var gotCompressed bool
	err := e.Execute(context.Background(), channel.KindTCP, []byte("hi"), func(ctx context.Context, payload []byte, compressed bool) error {
		gotCompressed = compressed
		return nil
	})
	require.NoError(t, err)
	require.False(t, gotCompressed)
}

func TestHalfOpenProbesAreBoundedBySuccessThreshold(t *testing.T) {
	e := NewEngine(RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond}, CompressionConfig{}, nil)
	b := e.breakerFor(channel.KindTCP)
	b.cfg.FailureThreshold = 1
	b.cfg.SuccessThreshold = 2
	b.cfg.Timeout = 0 // half-open immediately after the next allow() check

	// Open the breaker.
	_ = e.Execute(context.Background(), channel.KindTCP, nil, func(ctx context.Context, payload []byte, compressed bool) error {
		return errors.New("fail")
	})
	require.Equal(t, breakerOpen, b.status)

	// First two allow() calls enter half-open and consume its two
	// probe slots (SuccessThreshold == 2); a third must be refused
	// until one of the outstanding probes reports back.
	require.True(t, b.allow())
	require.True(t, b.allow())
	require.False(t, b.allow(), "half-open probes must be bounded by SuccessThreshold")

	b.recordSuccess()
	require.True(t, b.allow(), "a slot frees up once an outstanding probe completes")
}
