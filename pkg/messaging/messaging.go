// Package messaging implements module-to-module request/response
// routing through the orchestrator (spec.md §4.M).
//
// Grounded on original_source/python_sdk/internal/messaging.py's
// InternalMessagingClient (correlation-id pending map, periodic
// expiry sweep, send_request/send_notification/handle_response/close)
// restated with channels in place of asyncio.Future, and on the
// ticker-driven sweep loop of redb-open's
// cmd/supervisor/internal/manager/readiness.go.
package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redbco/redb-module-sdk/pkg/envelope"
	"github.com/redbco/redb-module-sdk/pkg/handshake"
	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

// DefaultTimeout bounds how long SendRequest waits for a response when
// no explicit timeout is given (spec.md §5).
const DefaultTimeout = 30 * time.Second

// SweepInterval is how often the background task scans for expired
// requests.
const SweepInterval = 10 * time.Second

// Sender emits outbound IPC records, the same contract pkg/secrets
// and pkg/portnego use for their own round trips.
type Sender interface {
	Send(ctx context.Context, rec *handshake.OutboundRecord) error
}

type pendingRequest struct {
	resultCh chan *envelope.Message
	errCh    chan error
	deadline time.Time
}

// Client routes requests and notifications to other modules through
// the orchestrator and correlates their responses.
type Client struct {
	moduleID string
	sender   Sender

	mu      sync.Mutex
	pending map[string]*pendingRequest

	stop chan struct{}
	done chan struct{}
}

// New constructs a Client and starts its background expiry sweeper.
// Call Close to stop the sweeper and release pending callers.
func New(moduleID string, sender Sender) *Client {
	c := &Client{
		moduleID: moduleID,
		sender:   sender,
		pending:  make(map[string]*pendingRequest),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// SendRequest routes payload to targetModuleID:targetEndpoint and
// awaits the correlated response or timeout (<=0 uses DefaultTimeout).
func (c *Client) SendRequest(ctx context.Context, targetModuleID, targetEndpoint string, payload *envelope.Message, format envelope.Encoding, timeout time.Duration) (*envelope.Message, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	requestID := uuid.NewString()

	pr := &pendingRequest{
		resultCh: make(chan *envelope.Message, 1),
		errCh:    make(chan error, 1),
		deadline: time.Now().Add(timeout),
	}
	c.mu.Lock()
	c.pending[requestID] = pr
	c.mu.Unlock()
	defer c.forget(requestID)

	if err := c.route(ctx, targetModuleID, targetEndpoint, requestID, payload, format, timeout); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pr.resultCh:
		return resp, nil
	case err := <-pr.errCh:
		return nil, err
	case <-timer.C:
		return nil, moderr.New(moderr.KindConnectionTO, "internal message request timed out")
	case <-ctx.Done():
		return nil, moderr.Wrap(moderr.KindConnectionTO, "internal message request cancelled", ctx.Err())
	}
}

// SendNotification routes payload to a module endpoint without
// registering a pending request: no response is awaited.
func (c *Client) SendNotification(ctx context.Context, targetModuleID, targetEndpoint string, payload *envelope.Message, format envelope.Encoding) error {
	requestID := uuid.NewString()
	return c.route(ctx, targetModuleID, targetEndpoint, requestID, payload, format, 0)
}

func (c *Client) route(ctx context.Context, targetModuleID, targetEndpoint, requestID string, payload *envelope.Message, format envelope.Encoding, timeout time.Duration) error {
	var timeoutSeconds float64
	if timeout > 0 {
		timeoutSeconds = timeout.Seconds()
	}

	err := c.sender.Send(ctx, &handshake.OutboundRecord{
		Op: "route_to_module",
		RouteToModule: &handshake.RouteToModulePayload{
			TargetModuleID: targetModuleID,
			TargetEndpoint: targetEndpoint,
			RequestID:      requestID,
			Payload:        payload,
			TimeoutSeconds: timeoutSeconds,
		},
	})
	if err != nil {
		return moderr.Wrap(moderr.KindConnection, "failed to route message to module", err)
	}
	return nil
}

// routedResponse is the decoded shape of an inbound
// routed_module_response payload.
type routedResponse struct {
	RequestID string            `json:"request_id"`
	Success   bool              `json:"success"`
	Payload   *envelope.Message `json:"payload,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// HandleResponse decodes raw as a routedResponse and resolves the
// matching pending request, or reports false if none is found.
func (c *Client) HandleResponse(raw json.RawMessage) bool {
	var resp routedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false
	}

	c.mu.Lock()
	pr, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if resp.Success {
		pr.resultCh <- resp.Payload
	} else {
		msg := resp.Error
		if msg == "" {
			msg = "target module returned failure with no detail"
		}
		pr.errCh <- moderr.New(moderr.KindConnection, msg)
	}
	return true
}

func (c *Client) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *Client) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

// sweepExpired drops any pending slot past its deadline. SendRequest's
// own timer resolves its caller in the common case; this guarantees
// the slot does not linger even if that timer was never reached (the
// request goroutine wedged, or the caller abandoned ctx), so a late
// HandleResponse for that id is treated as unknown rather than
// resurrecting a caller that already gave up.
func (c *Client) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pr := range c.pending {
		if pr.deadline.Before(now) {
			delete(c.pending, id)
		}
	}
}

// Close stops the sweeper and resolves every pending request with a
// closing error.
func (c *Client) Close() {
	close(c.stop)
	<-c.done

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range pending {
		pr.errCh <- moderr.New(moderr.KindConnectionClosed, "messaging client is closing")
	}
}
