package streaming

import (
	"bytes"
	"context"
	"sync"

	"github.com/redbco/redb-module-sdk/pkg/failover"
	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

// AckSender transmits one ack back to the sender of a chunk.
type AckSender interface {
	SendAck(ctx context.Context, ack AckPayload) error
}

type receiverStream struct {
	mu       sync.Mutex
	chunks   map[int][]byte
	total    int
	meta     *StreamMetadata
	done     chan struct{}
	result   []byte
	resolved bool
}

// Receiver reassembles chunked streams per spec.md §4.H.2. One
// Receiver may track multiple concurrent streams, keyed by stream id.
type Receiver struct {
	mu      sync.Mutex
	streams map[string]*receiverStream
}

// NewReceiver constructs an empty Receiver.
func NewReceiver() *Receiver {
	return &Receiver{streams: make(map[string]*receiverStream)}
}

func (r *Receiver) streamFor(id string) *receiverStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[id]
	if !ok {
		st = &receiverStream{chunks: make(map[int][]byte), done: make(chan struct{})}
		r.streams[id] = st
	}
	return st
}

// HandleChunk verifies the checksum, decompresses if flagged, stores
// the chunk by sequence, acks it, and — once every sequence has
// arrived — reassembles the payload and resolves Await. A checksum
// mismatch or decompression failure sends a negative ack and returns
// an error without storing the chunk.
func (r *Receiver) HandleChunk(ctx context.Context, chunk ChunkPayload, acker AckSender) error {
	if checksum(chunk.Data) != chunk.Checksum {
		_ = acker.SendAck(ctx, AckPayload{StreamID: chunk.StreamID, Seq: chunk.Seq, Success: false, Reason: "checksum mismatch"})
		return moderr.New(moderr.KindMessage, "stream chunk checksum mismatch")
	}

	data := chunk.Data
	if chunk.Compressed {
		decompressed, err := failover.Decompress(data)
		if err != nil {
			_ = acker.SendAck(ctx, AckPayload{StreamID: chunk.StreamID, Seq: chunk.Seq, Success: false, Reason: "decompress failed"})
			return moderr.Wrap(moderr.KindBinaryDecoding, "failed to decompress stream chunk", err)
		}
		data = decompressed
	}

	st := r.streamFor(chunk.StreamID)
	st.mu.Lock()
	st.chunks[chunk.Seq] = data
	st.total = chunk.Total
	if chunk.Seq == 0 && chunk.Metadata != nil {
		st.meta = chunk.Metadata
	}
	if !st.resolved && len(st.chunks) == st.total {
		st.result = reassemble(st.chunks, st.total)
		st.resolved = true
		close(st.done)
	}
	st.mu.Unlock()

	return acker.SendAck(ctx, AckPayload{StreamID: chunk.StreamID, Seq: chunk.Seq, Success: true})
}

// Await blocks until streamID's payload has been fully reassembled,
// or ctx is cancelled. Calling Await after completion returns the
// already-resolved result immediately.
func (r *Receiver) Await(ctx context.Context, streamID string) ([]byte, *StreamMetadata, error) {
	st := r.streamFor(streamID)

	st.mu.Lock()
	if st.resolved {
		result, meta := st.result, st.meta
		st.mu.Unlock()
		return result, meta, nil
	}
	done := st.done
	st.mu.Unlock()

	select {
	case <-done:
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.result, st.meta, nil
	case <-ctx.Done():
		return nil, nil, moderr.Wrap(moderr.KindConnectionTO, "stream reassembly timed out", ctx.Err())
	}
}

// Forget drops a completed stream's state, so long-running receivers
// don't accumulate memory for every stream ever seen.
func (r *Receiver) Forget(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, streamID)
}

func reassemble(chunks map[int][]byte, total int) []byte {
	var buf bytes.Buffer
	for seq := 0; seq < total; seq++ {
		buf.Write(chunks[seq])
	}
	return buf.Bytes()
}
