// Command examplemodule is a worked reference integration showing how
// a module wires pkg/lifecycle together with routing, failover,
// streaming, and metrics on top of the channels lifecycle brings up.
// It mirrors the teacher's cmd/supervisor entrypoint in shape (flag
// parsing, phased startup, a signal-driven shutdown) but acts as a
// module client rather than the orchestrating process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redbco/redb-module-sdk/pkg/channel"
	"github.com/redbco/redb-module-sdk/pkg/envelope"
	"github.com/redbco/redb-module-sdk/pkg/failover"
	"github.com/redbco/redb-module-sdk/pkg/lifecycle"
	"github.com/redbco/redb-module-sdk/pkg/messaging"
	"github.com/redbco/redb-module-sdk/pkg/modmetrics"
	"github.com/redbco/redb-module-sdk/pkg/routing"
	"github.com/redbco/redb-module-sdk/pkg/streaming"
)

var (
	serviceName = flag.String("name", "examplemodule", "module service name reported in logs")
	version     = flag.String("version", "0.1.0", "module version reported in logs and the handshake")
)

// appState holds every subsystem this module builds on top of the
// bootstrap Bootstrap provides, constructed by the StateBuilder
// callback before channels come up.
type appState struct {
	metrics  *modmetrics.Tracker
	failover *failover.Engine
	routing  *routing.Engine
	sender   *streaming.Sender
	receiver *streaming.Receiver
	mux      *streaming.Multiplexer
}

// channelProvider adapts a lifecycle.Bootstrap's live channel map to
// routing.ChannelProvider.
type channelProvider struct {
	b *lifecycle.Bootstrap
}

func (p channelProvider) Channel(kind channel.Kind) (channel.Channel, bool) {
	ch, ok := p.b.Channels[kind]
	return ch, ok
}

func buildState(ctx context.Context, b *lifecycle.Bootstrap) (any, error) {
	metrics := modmetrics.NewTracker(modmetrics.AlertThresholds{
		HighLatency:     500 * time.Millisecond,
		HighErrorRate:   0.1,
		LowAvailability: 0.9,
		MinInterval:     time.Minute,
	})

	constraints := map[channel.Kind]routing.Constraints{
		channel.KindSocket: {MaxSize: 4 * 1024 * 1024, MinHealth: 0.5},
		channel.KindTCP:    {MinHealth: 0.3},
	}

	state := &appState{
		metrics:  metrics,
		failover: failover.NewEngine(failover.DefaultRetryConfig, failover.CompressionConfig{Enabled: true, ThresholdBytes: 1024}, metrics),
		routing:  routing.NewEngine(channelProvider{b: b}, constraints),
		sender:   streaming.NewSender(streaming.DefaultSenderConfig()),
		receiver: streaming.NewReceiver(),
		mux:      streaming.NewMultiplexer(streaming.DefaultRequestDeadline),
	}
	return state, nil
}

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := lifecycle.Run(ctx, lifecycle.Options{
		ServiceName:  *serviceName,
		Version:      *version,
		In:           os.Stdin,
		Out:          os.Stdout,
		Diagnostic:   os.Stderr,
		StateBuilder: buildState,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "examplemodule: bootstrap failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := b.Shutdown(context.Background()); err != nil {
			b.Log.Errorf("shutdown error: %v", err)
		}
	}()

	state := b.State.(*appState)
	b.Log.Infof("examplemodule started as %s", b.ModuleID)

	b.Dispatcher.RegisterModuleHandler("peer-module", func(ctx context.Context, raw json.RawMessage) error {
		b.Log.Infof("received routed message from peer-module: %s", string(raw))
		return nil
	})

	go routeDemoMessage(ctx, b, state)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		b.Log.Infof("received shutdown signal")
	case <-ctx.Done():
	case <-waitDone(b):
		b.Log.Infof("orchestrator closed the control stream")
	}
}

func waitDone(b *lifecycle.Bootstrap) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = b.Wait()
		close(done)
	}()
	return done
}

// routeDemoMessage shows the routing engine picking a channel kind for
// a small, high-priority payload, then sending it through the
// failover engine so retries, the circuit breaker, and metrics all
// apply, and finally asking internal messaging to reach a peer module
// by id rather than by channel.
func routeDemoMessage(ctx context.Context, b *lifecycle.Bootstrap, state *appState) {
	decision, ok := state.routing.Route(routing.TargetLocal, routing.Characteristics{
		Size:     64,
		Priority: routing.PriorityHigh,
		Type:     routing.TypeRealTime,
	})
	if !ok {
		b.Log.Warnf("no channel available for demo message")
		return
	}
	b.Log.Infof("routing decision: %s (confidence %.2f)", decision.Kind, decision.Confidence)

	ch, ok := b.Channels[decision.Kind]
	if !ok {
		return
	}

	msg := envelope.NewMessage(map[string]string{"hello": "world"})
	content, err := json.Marshal(msg.Content)
	if err != nil {
		b.Log.Errorf("failed to marshal demo message content: %v", err)
		return
	}

	// Execute may gzip content when it is large enough to be worth it;
	// the op marks compressed=gzip on the outgoing envelope's metadata
	// whenever that happened, so the receiver knows to call
	// failover.Decompress before treating Content as the original bytes.
	err = state.failover.Execute(ctx, decision.Kind, content, func(ctx context.Context, payload []byte, compressed bool) error {
		out := &envelope.Message{ID: msg.ID, Content: payload}
		if compressed {
			out.Metadata.WithProperty("compressed", "gzip")
		}
		env, err := envelope.Encode(out, envelope.EncodingJSON)
		if err != nil {
			return err
		}
		return ch.Send(ctx, env)
	})
	state.routing.RecordOutcome(decision.Kind, err == nil)
	if err != nil {
		b.Log.Warnf("demo message send failed: %v", err)
		return
	}

	resp, err := b.Messaging.SendRequest(ctx, "peer-module", "/ping", msg, envelope.EncodingJSON, messaging.DefaultTimeout)
	if err != nil {
		b.Log.Debugf("demo internal request not answered: %v", err)
		return
	}
	b.Log.Infof("peer-module responded: %v", resp.Content)
}
