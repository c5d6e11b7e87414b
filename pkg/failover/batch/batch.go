// Package batch implements the envelope batcher of spec.md §4.G.1.
package batch

import (
	"math"
	"sync"
	"time"

	"github.com/redbco/redb-module-sdk/pkg/envelope"
	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

// maxAccumulatedBytes is a defensive overflow guard on the open
// batch's accumulated byte count, independent of MaxBatchBytes: the
// source's MessageBatch.can_add only guards against a 2^31-1 overflow
// rather than the configured cap (spec.md §9), so this backstop
// applies even when MaxBatchBytes is left at zero (disabled).
const maxAccumulatedBytes = math.MaxInt32

// Config tunes when an open batch is closed and enqueued.
type Config struct {
	MaxBatchSize  int
	MaxBatchBytes int
	MaxBatchDelay time.Duration
	// PreserveOrder documents that Ready delivers batches in
	// creation order; the single buffered channel already guarantees
	// this; the field exists so callers can assert the contract
	// they're relying on.
	PreserveOrder bool
}

type openBatch struct {
	envelopes []*envelope.Envelope
	bytes     int
	openedAt  time.Time
}

// Batcher accumulates envelopes into batches per Config, emitting
// closed batches on a channel for the caller to transmit.
type Batcher struct {
	cfg    Config
	ready  chan []*envelope.Envelope
	closed chan struct{}

	mu      sync.Mutex
	current *openBatch
	seq     int64
}

// New constructs a Batcher. ready has a modest buffer so Add never
// blocks on a slow consumer for more than one batch.
func New(cfg Config) *Batcher {
	return &Batcher{
		cfg:    cfg,
		ready:  make(chan []*envelope.Envelope, 16),
		closed: make(chan struct{}),
	}
}

// Ready is the channel of closed batches awaiting transmission.
func (b *Batcher) Ready() <-chan []*envelope.Envelope { return b.ready }

// Add appends env to the open batch, closing and emitting it first if
// env would overflow the size/byte cap, and emitting eagerly if the
// cap is hit exactly. A single envelope larger than MaxBatchBytes is
// an error (spec.md §4.G.1).
func (b *Batcher) Add(env *envelope.Envelope) error {
	if b.cfg.MaxBatchBytes > 0 && len(env.Data) > b.cfg.MaxBatchBytes {
		return moderr.New(moderr.KindInvalidConfig, "envelope exceeds max_batch_bytes")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil {
		b.current = &openBatch{openedAt: time.Now()}
	}

	wouldOverflowCount := b.cfg.MaxBatchSize > 0 && len(b.current.envelopes)+1 > b.cfg.MaxBatchSize
	wouldOverflowBytes := b.cfg.MaxBatchBytes > 0 && b.current.bytes+len(env.Data) > b.cfg.MaxBatchBytes
	wouldOverflowGuard := b.current.bytes+len(env.Data) > maxAccumulatedBytes
	if (wouldOverflowCount || wouldOverflowBytes || wouldOverflowGuard) && len(b.current.envelopes) > 0 {
		b.flushLocked()
		b.current = &openBatch{openedAt: time.Now()}
	}

	b.current.envelopes = append(b.current.envelopes, env)
	b.current.bytes += len(env.Data)

	atCount := b.cfg.MaxBatchSize > 0 && len(b.current.envelopes) >= b.cfg.MaxBatchSize
	atBytes := b.cfg.MaxBatchBytes > 0 && b.current.bytes >= b.cfg.MaxBatchBytes
	atGuard := b.current.bytes >= maxAccumulatedBytes
	if atCount || atBytes || atGuard {
		b.flushLocked()
		b.current = nil
	}
	return nil
}

// FlushAged closes the open batch if it has aged past MaxBatchDelay.
// Callers run this on a ticker.
func (b *Batcher) FlushAged() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil && b.cfg.MaxBatchDelay > 0 && time.Since(b.current.openedAt) >= b.cfg.MaxBatchDelay {
		b.flushLocked()
		b.current = nil
	}
}

// flushLocked emits the current batch; caller must hold b.mu.
func (b *Batcher) flushLocked() {
	if len(b.current.envelopes) == 0 {
		return
	}
	b.ready <- b.current.envelopes
}

// Close stops accepting new batches after flushing whatever is open.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.current != nil {
		b.flushLocked()
		b.current = nil
	}
	b.mu.Unlock()
	close(b.ready)
}
