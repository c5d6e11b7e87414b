// Package lifecycle orders the module bootstrap sequence of spec.md
// §4.K: install the logger, read the init record, build the secret
// client and configuration, let the caller build its own application
// state, bring up channels, announce, and hand control to the IPC
// dispatcher. It also owns graceful shutdown, aggregating every
// teardown error instead of stopping at the first.
//
// Grounded on the teacher's pkg/service.BaseService.Run (phased
// bootstrap: connect, serve, initialize, register, spawn background
// tasks, wait for a shutdown signal, graceful shutdown) restated for a
// stdio-first module process instead of a gRPC microservice, and on
// original_source/python_sdk/core/bootstrap.py's aggregate-all-errors
// teardown, restored here with the standard library's errors.Join.
package lifecycle

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"

	"github.com/redbco/redb-module-sdk/pkg/channel"
	"github.com/redbco/redb-module-sdk/pkg/channel/tcp"
	"github.com/redbco/redb-module-sdk/pkg/channel/unixsocket"
	"github.com/redbco/redb-module-sdk/pkg/dispatcher"
	"github.com/redbco/redb-module-sdk/pkg/envelope"
	"github.com/redbco/redb-module-sdk/pkg/handshake"
	"github.com/redbco/redb-module-sdk/pkg/messaging"
	"github.com/redbco/redb-module-sdk/pkg/modcfg"
	"github.com/redbco/redb-module-sdk/pkg/modlog"
	"github.com/redbco/redb-module-sdk/pkg/moderr"
	"github.com/redbco/redb-module-sdk/pkg/portnego"
	"github.com/redbco/redb-module-sdk/pkg/secrets"
)

// StateBuilder constructs the caller's application state once the
// init record, config, and secret client are available but before
// channels come up (spec.md §4.K step 5).
type StateBuilder func(ctx context.Context, b *Bootstrap) (any, error)

// Options configures one Run call.
type Options struct {
	ServiceName string
	Version     string

	In         io.Reader
	Out        io.Writer
	Diagnostic io.Writer

	Endpoints []handshake.Endpoint

	// PrefetchSecrets is fetched eagerly right after the secret client
	// is constructed, before StateBuilder runs.
	PrefetchSecrets []string

	StateBuilder StateBuilder

	// ModuleResponseHandler receives routed_module_response records.
	// Defaults to a messaging.Client constructed by Run.
	ModuleResponseHandler dispatcher.ModuleResponseHandler
}

// Bootstrap holds every subsystem wired up by Run.
type Bootstrap struct {
	ModuleID string
	Init     *handshake.InitRecord

	Log       *modlog.Logger
	Config    *modcfg.Config
	Secrets   *secrets.Client
	Port      *portnego.Negotiator
	Messaging *messaging.Client

	Dispatcher *dispatcher.Dispatcher
	Channels   map[channel.Kind]channel.Channel

	State any

	out     io.Writer
	writeMu sync.Mutex

	dispatchDone chan struct{}
	dispatchErr  error
}

// Send adapts a Bootstrap to the Sender contract shared by
// pkg/secrets, pkg/portnego, and pkg/messaging: every subsystem writes
// its outbound record onto the same orchestrator stream, serialized
// by writeMu since concurrent writers must not interleave lines.
func (b *Bootstrap) Send(ctx context.Context, rec *handshake.OutboundRecord) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return handshake.WriteOutboundRecord(b.out, rec)
}

// Run executes the bootstrap sequence of spec.md §4.K steps 1-8 and
// returns a Bootstrap with the dispatcher already running in the
// background. Callers should defer Bootstrap.Shutdown.
func Run(ctx context.Context, opts Options) (*Bootstrap, error) {
	// 1. install logger
	log := modlog.New(opts.ServiceName, opts.Version, "info", opts.Diagnostic)

	// 2. read init record
	init, err := handshake.ReadInit(opts.In)
	if err != nil {
		return nil, moderr.Wrap(moderr.KindBootstrap, "failed to read init record", err)
	}

	if init.LogLevel != "" {
		log = modlog.New(opts.ServiceName, opts.Version, init.LogLevel, opts.Diagnostic)
	}

	b := &Bootstrap{
		ModuleID:     init.ModuleID,
		Init:         init,
		Log:          log,
		Channels:     make(map[channel.Kind]channel.Channel),
		dispatchDone: make(chan struct{}),
		out:          opts.Out,
	}

	// 3. build config from the init record's env overrides plus OS env
	b.Config = modcfg.New()
	b.Config.Update(init.Env)
	b.Config.LoadFromEnv("MODULE_")

	// 4. build the secret client, tuned from config the way the
	// original SDK's SecretConfig.from_env configures cache TTL.
	b.Secrets = secrets.New(b, log.Redactor())
	if ttl := b.Config.GetDuration("secret.cache.ttl", 0); ttl > 0 {
		b.Secrets.SetCacheTTL(ttl)
	}
	if timeout := b.Config.GetDuration("secret.get.timeout", 0); timeout > 0 {
		b.Secrets.SetGetSecretDeadline(timeout)
	}

	// 5. prefetch secrets, then call the user's state builder
	if len(opts.PrefetchSecrets) > 0 {
		if _, err := b.Secrets.GetMany(ctx, opts.PrefetchSecrets, secrets.CacheThenRemote); err != nil {
			return nil, moderr.Wrap(moderr.KindBootstrap, "failed to prefetch secrets", err)
		}
	}

	b.Port = portnego.New(b, 0)
	b.Messaging = messaging.New(init.ModuleID, b)

	if opts.StateBuilder != nil {
		state, err := opts.StateBuilder(ctx, b)
		if err != nil {
			return nil, moderr.Wrap(moderr.KindBootstrap, "application state builder failed", err)
		}
		b.State = state
	}

	// 6. bring up channels from the init record; optional ones are
	// best-effort.
	if init.TCPChannel != nil {
		if err := b.bringUpTCP(ctx, init.TCPChannel); err != nil {
			if init.TCPChannel.Required {
				return nil, moderr.Wrap(moderr.KindBootstrap, "required TCP channel failed to connect", err)
			}
			log.Warnf("optional TCP channel failed to connect: %v", err)
		}
	}
	if init.SocketChannel != nil {
		if err := b.bringUpSocket(ctx, init.SocketChannel); err != nil {
			if init.SocketChannel.Required {
				return nil, moderr.Wrap(moderr.KindBootstrap, "required socket channel failed to connect", err)
			}
			log.Warnf("optional socket channel failed to connect: %v", err)
		}
	}

	// 7. transmit the announcement and identify records
	if err := handshake.SendAnnounce(opts.Out, &handshake.AnnouncementRecord{
		Listen:    init.Listen.String(),
		Endpoints: opts.Endpoints,
	}); err != nil {
		return nil, moderr.Wrap(moderr.KindBootstrap, "failed to send announcement", err)
	}
	// identify transmits over the first-available channel: TCP if one
	// came up, otherwise the stdout control stream (spec.md §4.J).
	if err := b.identify(ctx, init.ModuleID); err != nil {
		return nil, moderr.Wrap(moderr.KindBootstrap, "failed to send identify", err)
	}

	// 8. spawn the IPC dispatcher
	routed := opts.ModuleResponseHandler
	if routed == nil {
		routed = b.Messaging
	}
	b.Dispatcher = dispatcher.New(opts.In, b, log, b.Secrets, b.Port, routed)
	go func() {
		b.dispatchErr = b.Dispatcher.Run(ctx)
		close(b.dispatchDone)
	}()

	return b, nil
}

func (b *Bootstrap) bringUpTCP(ctx context.Context, cfg *handshake.TCPChannelConfig) error {
	var tlsCfg *tcp.TLSConfig
	if cfg.TLS {
		tlsCfg = &tcp.TLSConfig{ServerName: cfg.Host}
	}
	ch, err := tcp.New(tcp.Config{Address: addr(cfg.Host, cfg.Port), TLS: tlsCfg})
	if err != nil {
		return err
	}
	if err := ch.Connect(ctx); err != nil {
		return err
	}
	b.Channels[channel.KindTCP] = ch
	return nil
}

func (b *Bootstrap) bringUpSocket(ctx context.Context, cfg *handshake.SocketChannelConfig) error {
	ch := unixsocket.New(unixsocket.Config{Path: cfg.Path})
	if err := ch.Connect(ctx); err != nil {
		return err
	}
	b.Channels[channel.KindSocket] = ch
	return nil
}

// identify transmits the identify record on the first-available
// channel: TCP if one came up during step 6, otherwise the stdout
// control stream (spec.md §4.J).
func (b *Bootstrap) identify(ctx context.Context, moduleID string) error {
	ch, ok := b.Channels[channel.KindTCP]
	if !ok {
		return handshake.SendIdentify(b.out, moduleID)
	}

	msg := envelope.NewMessage(handshake.OutboundRecord{Op: "identify", Identify: moduleID})
	env, err := envelope.Encode(msg, envelope.EncodingJSON)
	if err != nil {
		return err
	}
	return ch.Send(ctx, env)
}

func addr(host string, port int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return host + ":" + strconv.Itoa(port)
}

// Wait blocks until the IPC dispatcher observes EOF, a shutdown
// record, or ctx cancellation, returning its terminal error.
func (b *Bootstrap) Wait() error {
	<-b.dispatchDone
	return b.dispatchErr
}

// Shutdown tears down every channel and the messaging client,
// aggregating every teardown error via errors.Join rather than
// stopping at the first (spec.md §4.K shutdown).
func (b *Bootstrap) Shutdown(ctx context.Context) error {
	var errs []error

	for _, ch := range b.Channels {
		if err := ch.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}

	if b.Messaging != nil {
		b.Messaging.Close()
	}

	return errors.Join(errs...)
}
