package handshake

import (
	"bytes"
	"strings"
	"testing"

	"github.com/redbco/redb-module-sdk/pkg/envelope"
	"github.com/stretchr/testify/require"
)

func TestReadInitParsesHostPortListen(t *testing.T) {
	line := `{"orchestrator_api":"http://o","module_id":"m1","env":{},` +
		`"listen":"127.0.0.1:0","security_level":"none","debug_mode":false,` +
		`"log_level":"info"}` + "\n"

	init, err := ReadInit(strings.NewReader(line))
	require.NoError(t, err)
	require.Equal(t, "m1", init.ModuleID)
	require.Equal(t, "127.0.0.1:0", init.Listen.String())
	require.False(t, init.Listen.IsUnix())
}

func TestReadInitParsesUnixListen(t *testing.T) {
	line := `{"module_id":"m1","listen":{"Unix":"/tmp/m1.sock"}}` + "\n"

	init, err := ReadInit(strings.NewReader(line))
	require.NoError(t, err)
	require.True(t, init.Listen.IsUnix())
	require.Equal(t, "/tmp/m1.sock", init.Listen.String())
}

func TestReadInitRejectsOversizedLine(t *testing.T) {
	huge := strings.Repeat("a", envelope.MaxHandshakeLineBytes+2)
	_, err := ReadInit(strings.NewReader(huge + "\n"))
	require.Error(t, err)
}

func TestReadInitRejectsMalformedJSON(t *testing.T) {
	_, err := ReadInit(strings.NewReader("not json\n"))
	require.Error(t, err)
}

func TestListenAddrRoundTripsJSON(t *testing.T) {
	hp := ListenAddr{HostPort: "host:1"}
	data, err := hp.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"host:1"`, string(data))

	var back ListenAddr
	require.NoError(t, back.UnmarshalJSON(data))
	require.Equal(t, hp, back)

	unix := ListenAddr{UnixPath: "/tmp/x"}
	data, err = unix.MarshalJSON()
	require.NoError(t, err)

	var back2 ListenAddr
	require.NoError(t, back2.UnmarshalJSON(data))
	require.Equal(t, unix, back2)
}

func TestSendAnnounceWritesFlushedJSONLine(t *testing.T) {
	var buf bytes.Buffer
	rec := &AnnouncementRecord{
		Listen: "127.0.0.1:54321",
		Endpoints: []Endpoint{
			{Path: "/health", Methods: []string{"GET"}},
		},
	}
	require.NoError(t, SendAnnounce(&buf, rec))
	require.Contains(t, buf.String(), `"listen":"127.0.0.1:54321"`)
	require.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestSendIdentifyWritesOpAndID(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SendIdentify(&buf, "m1"))
	require.Contains(t, buf.String(), `"op":"identify"`)
	require.Contains(t, buf.String(), `"identify":"m1"`)
}

func TestWriteOutboundRecordGetSecret(t *testing.T) {
	var buf bytes.Buffer
	rec := &OutboundRecord{Op: "get_secret", GetSecret: &GetSecretPayload{Name: "K"}}
	require.NoError(t, WriteOutboundRecord(&buf, rec))
	require.Contains(t, buf.String(), `"name":"K"`)
}

func TestReadOneRecordReadsSingleLine(t *testing.T) {
	r := strings.NewReader(`{"op":"heartbeat"}` + "\n" + `{"op":"shutdown"}` + "\n")
	first, err := ReadOneRecord(r)
	require.NoError(t, err)
	require.JSONEq(t, `{"op":"heartbeat"}`, string(first))

	second, err := ReadOneRecord(r)
	require.NoError(t, err)
	require.JSONEq(t, `{"op":"shutdown"}`, string(second))
}
