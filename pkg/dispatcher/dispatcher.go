// Package dispatcher implements the IPC inbound record loop of
// spec.md §4.L: read newline-delimited JSON records from the
// orchestrator's control stream, discriminate on "op", and route each
// to its owning subsystem.
//
// Grounded on the teacher's internal/manager readiness sweeper loop
// for the read-dispatch-continue shape, and on
// original_source/python_sdk/communication/ipc_stdio.py's
// process_ipc_messages, which reads one newline-terminated JSON
// record at a time and dispatches by message type — restated here as
// a single decode-and-switch loop instead of a handler-callback
// indirection.
package dispatcher

import (
	"context"
	"encoding/json"
	"io"

	"github.com/redbco/redb-module-sdk/pkg/handshake"
	"github.com/redbco/redb-module-sdk/pkg/modlog"
	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

// InboundRecord is the generic inbound-IPC envelope shape: a
// discriminator op plus whichever payload field is populated
// (spec.md §6).
type InboundRecord struct {
	Op string `json:"op"`

	Secret  *SecretPayload  `json:"secret,omitempty"`
	Rotated *RotatedPayload `json:"rotated,omitempty"`

	PortResponse *PortResponsePayload `json:"port_response,omitempty"`

	RoutedModuleMessage  json.RawMessage `json:"routed_module_message,omitempty"`
	RoutedModuleResponse json.RawMessage `json:"routed_module_response,omitempty"`
}

type SecretPayload struct {
	Name       string `json:"name"`
	Value      string `json:"value"`
	RotationID string `json:"rotation_id,omitempty"`
}

type RotatedPayload struct {
	Keys       []string `json:"keys"`
	RotationID string   `json:"rotation_id"`
}

type PortResponsePayload struct {
	RequestID    string `json:"request_id"`
	Success      bool   `json:"success"`
	Port         int    `json:"port"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// SecretProcessor is satisfied by pkg/secrets.Client.
type SecretProcessor interface {
	ProcessSecretMessage(name, value, rotationID string)
	ProcessRotationMessage(ctx context.Context, keys []string, rotationID string) error
}

// PortHandler is satisfied by pkg/portnego.Negotiator.
type PortHandler interface {
	HandleResponse(requestID string, success bool, port int, errMsg string)
}

// ModuleMessageHandler is invoked for a routed_module_message keyed by
// the source module id parsed out of the opaque payload. Unknown
// sources are logged and ignored per spec.md §4.L.
type ModuleMessageHandler func(ctx context.Context, raw json.RawMessage) error

// ModuleResponseHandler is satisfied by pkg/messaging.Client.
type ModuleResponseHandler interface {
	HandleResponse(raw json.RawMessage) bool
}

// OutboundSender emits the outbound records dispatch produces directly
// (heartbeat_ack); other subsystems send their own via their Sender
// contract.
type OutboundSender interface {
	Send(ctx context.Context, rec *handshake.OutboundRecord) error
}

// Dispatcher owns the read loop over the orchestrator's inbound
// stream.
type Dispatcher struct {
	r      io.Reader
	out    OutboundSender
	log    *modlog.Logger
	secret SecretProcessor
	port   PortHandler
	routed ModuleResponseHandler

	moduleHandlers map[string]ModuleMessageHandler
}

// New constructs a Dispatcher reading newline-delimited JSON records
// from r.
func New(r io.Reader, out OutboundSender, log *modlog.Logger, secret SecretProcessor, port PortHandler, routed ModuleResponseHandler) *Dispatcher {
	return &Dispatcher{
		r:              r,
		out:            out,
		log:            log,
		secret:         secret,
		port:           port,
		routed:         routed,
		moduleHandlers: make(map[string]ModuleMessageHandler),
	}
}

// RegisterModuleHandler installs the handler invoked for
// routed_module_message records whose source module id is sourceID.
func (d *Dispatcher) RegisterModuleHandler(sourceID string, h ModuleMessageHandler) {
	d.moduleHandlers[sourceID] = h
}

// Run reads and dispatches records until EOF, a shutdown record, or
// ctx is cancelled. It returns nil on orderly shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := handshake.ReadOneRecord(d.r)
		if err != nil {
			if moderr.Is(err, moderr.KindHandshake) {
				return nil
			}
			return moderr.Wrap(moderr.KindIPC, "failed to read inbound record", err)
		}

		var rec InboundRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			if d.log != nil {
				d.log.Warnf("skipping malformed inbound record: %v", err)
			}
			continue
		}

		if err := d.dispatch(ctx, &rec); err != nil {
			if d.log != nil {
				d.log.Errorf("error dispatching op %q: %v", rec.Op, err)
			}
		}
		if rec.Op == "shutdown" {
			return nil
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, rec *InboundRecord) error {
	switch rec.Op {
	case "secret":
		if rec.Secret == nil {
			return moderr.New(moderr.KindIPC, "secret record missing payload")
		}
		d.secret.ProcessSecretMessage(rec.Secret.Name, rec.Secret.Value, rec.Secret.RotationID)
		return nil

	case "rotated":
		if rec.Rotated == nil {
			return moderr.New(moderr.KindIPC, "rotated record missing payload")
		}
		return d.secret.ProcessRotationMessage(ctx, rec.Rotated.Keys, rec.Rotated.RotationID)

	case "heartbeat":
		return d.out.Send(ctx, &handshake.OutboundRecord{Op: "heartbeat_ack"})

	case "shutdown":
		return nil

	case "port_response":
		if rec.PortResponse == nil {
			return moderr.New(moderr.KindIPC, "port_response record missing payload")
		}
		p := rec.PortResponse
		d.port.HandleResponse(p.RequestID, p.Success, p.Port, p.ErrorMessage)
		return nil

	case "routed_module_message":
		sourceID, err := moduleSourceID(rec.RoutedModuleMessage)
		if err != nil {
			return err
		}
		h, ok := d.moduleHandlers[sourceID]
		if !ok {
			if d.log != nil {
				d.log.Warnf("routed_module_message from unknown module %q ignored", sourceID)
			}
			return nil
		}
		return h(ctx, rec.RoutedModuleMessage)

	case "routed_module_response":
		d.routed.HandleResponse(rec.RoutedModuleResponse)
		return nil

	default:
		if d.log != nil {
			d.log.Warnf("ignoring inbound record with unknown op %q", rec.Op)
		}
		return nil
	}
}

func moduleSourceID(raw json.RawMessage) (string, error) {
	var env struct {
		SourceModuleID string `json:"source_module_id"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", moderr.Wrap(moderr.KindIPC, "failed to parse routed module message", err)
	}
	return env.SourceModuleID, nil
}
