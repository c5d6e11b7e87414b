package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-module-sdk/pkg/envelope"
	"github.com/redbco/redb-module-sdk/pkg/handshake"
)

type recordingSender struct {
	sent []*handshake.OutboundRecord
}

func (r *recordingSender) Send(ctx context.Context, rec *handshake.OutboundRecord) error {
	r.sent = append(r.sent, rec)
	return nil
}

func TestSendRequestResolvesOnSuccessResponse(t *testing.T) {
	sender := &recordingSender{}
	c := New("mod-a", sender)
	defer c.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		require.Len(t, sender.sent, 1)
		reqID := sender.sent[0].RouteToModule.RequestID
		raw, err := json.Marshal(routedResponse{
			RequestID: reqID,
			Success:   true,
			Payload:   envelope.NewMessage("pong"),
		})
		require.NoError(t, err)
		require.True(t, c.HandleResponse(raw))
	}()

	resp, err := c.SendRequest(context.Background(), "mod-b", "/do-thing", envelope.NewMessage("ping"), envelope.EncodingJSON, time.Second)
	require.NoError(t, err)
	require.Equal(t, "pong", resp.Content)
}

func TestSendRequestResolvesOnErrorResponse(t *testing.T) {
	sender := &recordingSender{}
	c := New("mod-a", sender)
	defer c.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		reqID := sender.sent[0].RouteToModule.RequestID
		raw, _ := json.Marshal(routedResponse{RequestID: reqID, Success: false, Error: "endpoint not found"})
		c.HandleResponse(raw)
	}()

	_, err := c.SendRequest(context.Background(), "mod-b", "/do-thing", envelope.NewMessage("ping"), envelope.EncodingJSON, time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestSendRequestTimesOutWithoutResponse(t *testing.T) {
	c := New("mod-a", &recordingSender{})
	defer c.Close()

	_, err := c.SendRequest(context.Background(), "mod-b", "/slow", envelope.NewMessage("ping"), envelope.EncodingJSON, 20*time.Millisecond)
	require.Error(t, err)
}

func TestSendNotificationDoesNotRegisterPending(t *testing.T) {
	sender := &recordingSender{}
	c := New("mod-a", sender)
	defer c.Close()

	require.NoError(t, c.SendNotification(context.Background(), "mod-b", "/fire-and-forget", envelope.NewMessage("ping"), envelope.EncodingJSON))
	require.Len(t, sender.sent, 1)
	require.Empty(t, c.pending)
}

func TestHandleResponseForUnknownRequestReturnsFalse(t *testing.T) {
	c := New("mod-a", &recordingSender{})
	defer c.Close()

	raw, _ := json.Marshal(routedResponse{RequestID: "does-not-exist", Success: true})
	require.False(t, c.HandleResponse(raw))
}

func TestCloseResolvesPendingRequestsWithClosingError(t *testing.T) {
	c := New("mod-a", &recordingSender{})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "mod-b", "/x", envelope.NewMessage("ping"), envelope.EncodingJSON, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("close did not resolve pending request")
	}
}
