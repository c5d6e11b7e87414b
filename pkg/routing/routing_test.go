package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-module-sdk/pkg/channel"
	"github.com/redbco/redb-module-sdk/pkg/envelope"
)

// stubChannel is a minimal connected Channel for routing decisions; it
// does not implement channel.HealthReporter, so the engine treats it
// as fully available.
type stubChannel struct {
	kind  channel.Kind
	state channel.State
}

func (s *stubChannel) Connect(ctx context.Context) error { return nil }
func (s *stubChannel) Disconnect() error                  { return nil }
func (s *stubChannel) Send(ctx context.Context, env *envelope.Envelope) error { return nil }
func (s *stubChannel) Receive(ctx context.Context) (*envelope.Envelope, error) {
	return nil, nil
}
func (s *stubChannel) ReceiveWithTimeout(ctx context.Context, d time.Duration) (*envelope.Envelope, error) {
	return nil, nil
}
func (s *stubChannel) State() channel.State             { return s.state }
func (s *stubChannel) Ping(ctx context.Context) error   { return nil }
func (s *stubChannel) Capabilities() channel.Capabilities { return channel.Capabilities{} }
func (s *stubChannel) Kind() channel.Kind               { return s.kind }

type stubProvider struct {
	channels map[channel.Kind]channel.Channel
}

func (p *stubProvider) Channel(kind channel.Kind) (channel.Channel, bool) {
	ch, ok := p.channels[kind]
	return ch, ok
}

func connectedProvider() *stubProvider {
	return &stubProvider{channels: map[channel.Kind]channel.Channel{
		channel.KindSocket: &stubChannel{kind: channel.KindSocket, state: channel.StateConnected},
		channel.KindTCP:    &stubChannel{kind: channel.KindTCP, state: channel.StateConnected},
	}}
}

func TestHighPriorityPrefersSocket(t *testing.T) {
	e := NewEngine(connectedProvider(), nil)
	d, ok := e.Route(TargetUnknown, Characteristics{Priority: PriorityHigh})
	require.True(t, ok)
	require.Equal(t, channel.KindSocket, d.Kind)
}

func TestFileTransferAlwaysTCP(t *testing.T) {
	e := NewEngine(connectedProvider(), nil)
	d, ok := e.Route(TargetLocal, Characteristics{Type: TypeFileTransfer, Size: 10})
	require.True(t, ok)
	require.Equal(t, channel.KindTCP, d.Kind)
}

func TestLocalSmallMessagePrefersSocket(t *testing.T) {
	e := NewEngine(connectedProvider(), nil)
	d, ok := e.Route(TargetLocal, Characteristics{Size: 100})
	require.True(t, ok)
	require.Equal(t, channel.KindSocket, d.Kind)
}

func TestLocalLargeMessagePrefersTCP(t *testing.T) {
	e := NewEngine(connectedProvider(), nil)
	d, ok := e.Route(TargetLocal, Characteristics{Size: 4096})
	require.True(t, ok)
	require.Equal(t, channel.KindTCP, d.Kind)
}

func TestFallsBackWhenPrimaryUnavailable(t *testing.T) {
	provider := &stubProvider{channels: map[channel.Kind]channel.Channel{
		channel.KindTCP: &stubChannel{kind: channel.KindTCP, state: channel.StateConnected},
	}}
	e := NewEngine(provider, nil)
	d, ok := e.Route(TargetLocal, Characteristics{Size: 10})
	require.True(t, ok)
	require.Equal(t, channel.KindTCP, d.Kind)
}

func TestNoCandidatesFails(t *testing.T) {
	provider := &stubProvider{channels: map[channel.Kind]channel.Channel{}}
	e := NewEngine(provider, nil)
	_, ok := e.Route(TargetRemote, Characteristics{})
	require.False(t, ok)
}

func TestDecisionIsCached(t *testing.T) {
	provider := connectedProvider()
	e := NewEngine(provider, nil)
	c := Characteristics{Size: 10}

	d1, _ := e.Route(TargetLocal, c)
	delete(provider.channels, channel.KindSocket) // would change the outcome if re-evaluated
	d2, ok := e.Route(TargetLocal, c)
	require.True(t, ok)
	require.Equal(t, d1.Kind, d2.Kind)
}

func TestInvalidateCacheForcesReevaluation(t *testing.T) {
	provider := connectedProvider()
	e := NewEngine(provider, nil)
	c := Characteristics{Size: 10}

	e.Route(TargetLocal, c)
	delete(provider.channels, channel.KindSocket)
	e.InvalidateCache()

	d, ok := e.Route(TargetLocal, c)
	require.True(t, ok)
	require.Equal(t, channel.KindTCP, d.Kind)
}

func TestRecordOutcomeAdjustsLoadBalancing(t *testing.T) {
	e := NewEngine(connectedProvider(), nil)
	e.RecordOutcome(channel.KindSocket, false)
	e.RecordOutcome(channel.KindSocket, false)
	require.Greater(t, e.load[channel.KindSocket], 0.0)

	e.RecordOutcome(channel.KindSocket, true)
	require.Less(t, e.load[channel.KindSocket], 0.2)
}

func TestInferTarget(t *testing.T) {
	require.Equal(t, TargetLocal, InferTarget("127.0.0.1:9000"))
	require.Equal(t, TargetLocal, InferTarget("/tmp/module.sock"))
	require.Equal(t, TargetRemote, InferTarget("10.0.0.5:9000"))
	require.Equal(t, TargetUnknown, InferTarget(""))
}

func TestConstraintsFilterOutOversizedCandidate(t *testing.T) {
	provider := connectedProvider()
	constraints := map[channel.Kind]Constraints{
		channel.KindSocket: {MaxSize: 1},
	}
	e := NewEngine(provider, constraints)
	d, ok := e.Route(TargetLocal, Characteristics{Size: 10})
	require.True(t, ok)
	require.Equal(t, channel.KindTCP, d.Kind)
}
