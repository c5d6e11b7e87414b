package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

// DefaultAckTimeout bounds how long the sender waits for an ack before
// retrying a chunk (spec.md §5 streaming-ack default).
const DefaultAckTimeout = 30 * time.Second

// DefaultMaxRetries bounds per-chunk retry attempts before the stream
// fails fatally.
const DefaultMaxRetries = 3

// ChunkTransport transmits one chunk over whatever channel/routing/
// failover stack the caller has already wired; spec.md §4.H sits
// directly atop those primitives rather than owning a transport of
// its own.
type ChunkTransport interface {
	SendChunk(ctx context.Context, chunk ChunkPayload) error
}

// SenderConfig tunes one Sender.
type SenderConfig struct {
	ChunkSize  int
	WindowSize int
	AckTimeout time.Duration
	MaxRetries int
}

// DefaultSenderConfig returns the spec's default tuning.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		ChunkSize:  DefaultChunkSize,
		WindowSize: DefaultWindowSize,
		AckTimeout: DefaultAckTimeout,
		MaxRetries: DefaultMaxRetries,
	}
}

// Sender implements the windowed, per-chunk-retried transfer of
// spec.md §4.H.1. One Sender may drive multiple concurrent streams.
type Sender struct {
	cfg SenderConfig

	mu       sync.Mutex
	ackChans map[string]chan AckPayload
}

// NewSender constructs a Sender. Zero-valued fields in cfg fall back
// to DefaultSenderConfig.
func NewSender(cfg SenderConfig) *Sender {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Sender{cfg: cfg, ackChans: make(map[string]chan AckPayload)}
}

// Send splits payload into chunks, transmits them through transport
// under a sliding window of at most WindowSize in-flight chunks, and
// blocks until every chunk has been positively acknowledged. HandleAck
// must be called (typically from the IPC dispatcher or a module
// handler keyed on streamID) for every inbound ack belonging to this
// stream while Send is running.
func (s *Sender) Send(ctx context.Context, streamID string, payload []byte, meta StreamMetadata, transport ChunkTransport) error {
	chunks := Split(streamID, payload, meta, s.cfg.ChunkSize)

	ackCh := make(chan AckPayload, s.cfg.WindowSize*2+1)
	s.mu.Lock()
	s.ackChans[streamID] = ackCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.ackChans, streamID)
		s.mu.Unlock()
	}()

	toSend := make([]int, len(chunks))
	for i := range chunks {
		toSend[i] = i
	}
	inFlight := make(map[int]time.Time, s.cfg.WindowSize)
	retries := make(map[int]int, len(chunks))
	remaining := len(chunks)

	for remaining > 0 {
		for len(inFlight) < s.cfg.WindowSize && len(toSend) > 0 {
			seq := toSend[0]
			toSend = toSend[1:]
			if err := transport.SendChunk(ctx, chunks[seq]); err != nil {
				return moderr.Wrap(moderr.KindMessage, "failed to send stream chunk", err)
			}
			inFlight[seq] = time.Now()
		}

		if len(inFlight) == 0 {
			// Nothing in flight and nothing left to send, yet chunks
			// remain unacknowledged: every chunk must have exceeded
			// retries already, which returns before reaching here.
			return moderr.New(moderr.KindMessage, "stream sender stalled with no chunks in flight")
		}

		deadline := earliestDeadline(inFlight, s.cfg.AckTimeout)
		timer := time.NewTimer(time.Until(deadline))

		select {
		case ack := <-ackCh:
			timer.Stop()
			if _, ok := inFlight[ack.Seq]; !ok {
				continue // stale or duplicate ack
			}
			delete(inFlight, ack.Seq)
			if ack.Success {
				remaining--
				continue
			}
			if err := s.requeue(ack.Seq, retries, &toSend); err != nil {
				return err
			}

		case <-timer.C:
			for seq, sentAt := range inFlight {
				if time.Since(sentAt) < s.cfg.AckTimeout {
					continue
				}
				delete(inFlight, seq)
				if err := s.requeue(seq, retries, &toSend); err != nil {
					return err
				}
			}

		case <-ctx.Done():
			timer.Stop()
			return moderr.Wrap(moderr.KindConnectionTO, "stream send cancelled", ctx.Err())
		}
	}

	return nil
}

// requeue increments seq's retry count and places it at the head of
// toSend, or returns a fatal error once MaxRetries is exceeded.
func (s *Sender) requeue(seq int, retries map[int]int, toSend *[]int) error {
	retries[seq]++
	if retries[seq] > s.cfg.MaxRetries {
		return moderr.New(moderr.KindMessage, "stream chunk exceeded max retries")
	}
	*toSend = append([]int{seq}, *toSend...)
	return nil
}

// HandleAck delivers an inbound ack to the Send loop awaiting it, if
// any; acks for unknown or already-completed streams are dropped.
func (s *Sender) HandleAck(ack AckPayload) {
	s.mu.Lock()
	ch, ok := s.ackChans[ack.StreamID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func earliestDeadline(inFlight map[int]time.Time, timeout time.Duration) time.Time {
	var earliest time.Time
	for _, sentAt := range inFlight {
		deadline := sentAt.Add(timeout)
		if earliest.IsZero() || deadline.Before(earliest) {
			earliest = deadline
		}
	}
	return earliest
}
