package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redbco/redb-module-sdk/pkg/channel"
	"github.com/redbco/redb-module-sdk/pkg/envelope"
	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

// DefaultRequestDeadline bounds how long SendRequest waits for a
// correlated response (spec.md §4.H.4).
const DefaultRequestDeadline = 30 * time.Second

const requestIDProperty = "request-id"

// Multiplexer implements the request/response correlation of
// spec.md §4.H.4 on top of a single channel: each request carries a
// fresh correlation id in its metadata, and the matching response is
// routed back to whichever caller is awaiting it.
type Multiplexer struct {
	deadline time.Duration

	mu      sync.Mutex
	pending map[string]chan *envelope.Message
}

// NewMultiplexer constructs a Multiplexer. deadline <= 0 falls back to
// DefaultRequestDeadline.
func NewMultiplexer(deadline time.Duration) *Multiplexer {
	if deadline <= 0 {
		deadline = DefaultRequestDeadline
	}
	return &Multiplexer{deadline: deadline, pending: make(map[string]chan *envelope.Message)}
}

// SendRequest attaches a correlation id to msg's metadata, encodes and
// sends it over ch, and awaits the matching response or the global
// request deadline.
func (m *Multiplexer) SendRequest(ctx context.Context, msg *envelope.Message, format envelope.Encoding, ch channel.Channel) (*envelope.Message, error) {
	id := uuid.NewString()
	msg.Metadata.WithProperty(requestIDProperty, id)

	respCh := make(chan *envelope.Message, 1)
	m.mu.Lock()
	m.pending[id] = respCh
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	env, err := envelope.Encode(msg, format)
	if err != nil {
		return nil, err
	}
	if err := ch.Send(ctx, env); err != nil {
		return nil, moderr.Wrap(moderr.KindConnection, "failed to send multiplexed request", err)
	}

	timer := time.NewTimer(m.deadline)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return nil, moderr.New(moderr.KindConnectionTO, "multiplexed request timed out")
	case <-ctx.Done():
		return nil, moderr.Wrap(moderr.KindConnectionTO, "multiplexed request cancelled", ctx.Err())
	}
}

// HandleResponse routes resp to whichever SendRequest call is awaiting
// its correlation id, reporting whether a waiter was found.
func (m *Multiplexer) HandleResponse(resp *envelope.Message) bool {
	id, ok := resp.Metadata.Property(requestIDProperty)
	if !ok {
		return false
	}

	m.mu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	ch <- resp
	return true
}
