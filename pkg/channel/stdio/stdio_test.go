package stdio

import (
	"bytes"
	"context"
	"testing"

	"github.com/redbco/redb-module-sdk/pkg/channel"
	"github.com/redbco/redb-module-sdk/pkg/envelope"
	"github.com/stretchr/testify/require"
)

func TestSendWriteReceiveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	writer := New(nil, &buf)

	msg := envelope.NewMessage(map[string]string{"hello": "world"})
	env, err := envelope.Encode(msg, envelope.EncodingJSON)
	require.NoError(t, err)

	require.NoError(t, writer.Send(context.Background(), env))

	reader := New(&buf, nil)
	got, err := reader.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, env.Data, got.Data)
}

func TestSendOnDisconnectedFails(t *testing.T) {
	var buf bytes.Buffer
	c := New(nil, &buf)
	require.NoError(t, c.Disconnect())

	env := &envelope.Envelope{Format: envelope.EncodingJSON, Data: []byte(`{}`)}
	err := c.Send(context.Background(), env)
	require.Error(t, err)
}

func TestKindAndCapabilities(t *testing.T) {
	c := New(nil, &bytes.Buffer{})
	require.Equal(t, channel.KindStdio, c.Kind())
	require.True(t, c.Capabilities().Has(channel.CapModuleMessaging))
	require.False(t, c.Capabilities().Has(channel.CapStreaming))
}
