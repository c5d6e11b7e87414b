// Package failover implements the retry/circuit-breaker/compression
// wrapper of spec.md §4.G.
//
// The circuit breaker and retry loop are grounded on
// original_source/python_sdk's port negotiation breaker (see
// pkg/portnego) plus redb-open's
// cmd/supervisor/internal/manager/service_manager.go connect-retry
// loop (exponential backoff doubling per attempt), generalized from a
// fixed doubling to the configurable multiplier/jitter this spec
// requires.
package failover

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/redbco/redb-module-sdk/pkg/channel"
	"github.com/redbco/redb-module-sdk/pkg/modmetrics"
	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

type breakerStatus int

const (
	breakerClosed breakerStatus = iota
	breakerOpen
	breakerHalfOpen
)

// BreakerConfig configures one channel kind's circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	WindowSize       time.Duration
	MinimumRequests  int
}

// DefaultBreakerConfig mirrors the port-negotiation breaker's tuning.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Timeout:          60 * time.Second,
	WindowSize:       time.Minute,
	MinimumRequests:  1,
}

type breaker struct {
	cfg BreakerConfig

	mu             sync.Mutex
	status         breakerStatus
	successes      int
	failures       int
	totalRequests  int
	windowStart    time.Time
	lastFailureAt  time.Time
	halfOpenProbes int
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg, windowStart: time.Now()}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetWindowLocked()

	switch b.status {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.lastFailureAt) > b.cfg.Timeout {
			b.status = breakerHalfOpen
			b.halfOpenProbes = 1
			return true
		}
		return false
	default: // half-open: allow only up to SuccessThreshold concurrent probes
		limit := b.cfg.SuccessThreshold
		if limit < 1 {
			limit = 1
		}
		if b.halfOpenProbes >= limit {
			return false
		}
		b.halfOpenProbes++
		return true
	}
}

func (b *breaker) maybeResetWindowLocked() {
	if b.cfg.WindowSize > 0 && time.Since(b.windowStart) > b.cfg.WindowSize {
		b.successes = 0
		b.failures = 0
		b.totalRequests = 0
		b.windowStart = time.Now()
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalRequests++
	b.successes++

	if b.status == breakerHalfOpen {
		if b.halfOpenProbes > 0 {
			b.halfOpenProbes--
		}
		if b.successes >= b.cfg.SuccessThreshold {
			b.status = breakerClosed
			b.failures = 0
			b.halfOpenProbes = 0
		}
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalRequests++
	b.failures++
	b.lastFailureAt = time.Now()

	wasHalfOpen := b.status == breakerHalfOpen
	if wasHalfOpen && b.halfOpenProbes > 0 {
		b.halfOpenProbes--
	}

	if b.totalRequests < b.cfg.MinimumRequests {
		return
	}
	if wasHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.status = breakerOpen
		b.halfOpenProbes = 0
	}
}

// RetryConfig tunes the exponential-backoff retry loop.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterFactor  float64 // applied as ±JitterFactor/2
}

// DefaultRetryConfig is a conservative, widely-applicable default.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2,
	JitterFactor: 0.2,
}

// CompressionConfig configures the optional gzip step.
type CompressionConfig struct {
	Enabled         bool
	ThresholdBytes  int
}

// Engine wraps arbitrary send operations with a circuit breaker, retry
// loop, and optional compression, recording every outcome into a
// shared metrics tracker.
type Engine struct {
	retry       RetryConfig
	compression CompressionConfig
	metrics     *modmetrics.Tracker

	mu       sync.Mutex
	breakers map[channel.Kind]*breaker
}

// NewEngine constructs a failover Engine.
func NewEngine(retry RetryConfig, compression CompressionConfig, metrics *modmetrics.Tracker) *Engine {
	return &Engine{
		retry:       retry,
		compression: compression,
		metrics:     metrics,
		breakers:    make(map[channel.Kind]*breaker),
	}
}

func (e *Engine) breakerFor(kind channel.Kind) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[kind]
	if !ok {
		b = newBreaker(DefaultBreakerConfig)
		e.breakers[kind] = b
	}
	return b
}

// Operation performs one attempt of the guarded action. It receives
// the attempt's payload (after optional compression) and whether that
// payload was gzip-compressed, so the caller can mark the outgoing
// envelope's metadata with compressed=gzip (spec.md §4.G.5) and a
// receiver knows to reverse it with Decompress.
type Operation func(ctx context.Context, payload []byte, compressed bool) error

// ErrBreakerOpen is returned when the circuit breaker for kind refuses
// the call outright.
var ErrBreakerOpen = moderr.New(moderr.KindConnectionFailed, "circuit breaker open")

// Execute runs op for kind's channel with circuit-breaker guarding,
// retry-with-jittered-backoff, and optional payload compression.
func (e *Engine) Execute(ctx context.Context, kind channel.Kind, payload []byte, op Operation) error {
	b := e.breakerFor(kind)
	if !b.allow() {
		return ErrBreakerOpen
	}

	sendPayload, compressed := e.maybeCompress(payload)

	var lastErr error
	delay := e.retry.InitialDelay
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		start := time.Now()
		err := op(ctx, sendPayload, compressed)
		latency := time.Since(start)

		if e.metrics != nil {
			e.metrics.Channel(kind).RecordOutcome(latency, err == nil)
		}

		if err == nil {
			b.recordSuccess()
			return nil
		}

		lastErr = err
		b.recordFailure()

		if attempt == e.retry.MaxAttempts {
			break
		}

		wait := jitter(delay, e.retry.JitterFactor)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * e.retry.Multiplier)
		if delay > e.retry.MaxDelay {
			delay = e.retry.MaxDelay
		}
	}

	return moderr.Wrap(moderr.KindConnection, "all retry attempts failed", lastErr)
}

func jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	spread := float64(d) * factor
	offset := (rand.Float64() - 0.5) * spread // ±factor/2
	result := float64(d) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}

// maybeCompress gzips payload when enabled, large enough, and the
// result is actually smaller; it reports whether compression was
// applied so the caller can set compressed=gzip metadata.
func (e *Engine) maybeCompress(payload []byte) ([]byte, bool) {
	if !e.compression.Enabled || len(payload) < e.compression.ThresholdBytes {
		return payload, false
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return payload, false
	}
	if err := w.Close(); err != nil {
		return payload, false
	}

	if buf.Len() >= len(payload) {
		return payload, false
	}
	return buf.Bytes(), true
}

// Decompress reverses maybeCompress's gzip step on receipt.
func Decompress(payload []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, moderr.Wrap(moderr.KindBinaryDecoding, "failed to open gzip reader", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, moderr.Wrap(moderr.KindBinaryDecoding, "failed to decompress payload", err)
	}
	return out, nil
}
