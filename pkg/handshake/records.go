// Package handshake implements the bootstrap record exchange (§4.J):
// reading the orchestrator's init record and writing the module's
// announcement and identify records.
//
// Grounded on the teacher's pkg/service.BaseService.Run, which reads
// its registration inputs, calls out to the supervisor, and transmits
// its own identity before serving — generalized here from a gRPC
// registration call to the spec's framed-record exchange.
package handshake

import (
	"encoding/json"
	"io"

	"github.com/redbco/redb-module-sdk/pkg/envelope"
	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

// SecurityLevel is the init record's security_level tag.
type SecurityLevel string

const (
	SecurityNone  SecurityLevel = "none"
	SecurityToken SecurityLevel = "token"
	SecurityMTLS  SecurityLevel = "mtls"
)

// TCPChannelConfig describes the optional TCP channel the orchestrator
// wants the module to bring up.
type TCPChannelConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	Required bool   `json:"required"`
}

// SocketChannelConfig describes the optional local-socket channel.
type SocketChannelConfig struct {
	Path     string `json:"path"`
	Required bool   `json:"required"`
}

// ListenAddr is either a "host:port" string or {"Unix": "<path>"}. It
// unmarshals both wire shapes described in spec.md §6.
type ListenAddr struct {
	HostPort string
	UnixPath string
}

func (l ListenAddr) String() string {
	if l.UnixPath != "" {
		return l.UnixPath
	}
	return l.HostPort
}

func (l ListenAddr) IsUnix() bool { return l.UnixPath != "" }

func (l *ListenAddr) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		l.HostPort = asString
		return nil
	}
	var asObject struct {
		Unix string `json:"Unix"`
	}
	if err := json.Unmarshal(data, &asObject); err != nil {
		return moderr.Wrap(moderr.KindHandshake, "invalid listen address", err)
	}
	l.UnixPath = asObject.Unix
	return nil
}

func (l ListenAddr) MarshalJSON() ([]byte, error) {
	if l.UnixPath != "" {
		return json.Marshal(struct {
			Unix string `json:"Unix"`
		}{Unix: l.UnixPath})
	}
	return json.Marshal(l.HostPort)
}

// InitRecord is the orchestrator's first record (spec.md §3, §6).
type InitRecord struct {
	ModuleID        string              `json:"module_id"`
	OrchestratorAPI string              `json:"orchestrator_api"`
	Env             map[string]string   `json:"env"`
	Listen          ListenAddr          `json:"listen"`
	TCPChannel      *TCPChannelConfig   `json:"tcp_channel,omitempty"`
	SocketChannel   *SocketChannelConfig `json:"socket_channel,omitempty"`
	AuthToken       string              `json:"auth_token,omitempty"`
	SecurityLevel   SecurityLevel       `json:"security_level"`
	DebugMode       bool                `json:"debug_mode"`
	LogLevel        string              `json:"log_level"`
}

// Endpoint describes one HTTP-shaped endpoint the module exposes.
type Endpoint struct {
	Path    string   `json:"path"`
	Methods []string `json:"methods"`
	Auth    *string  `json:"auth,omitempty"`
}

// AnnouncementRecord is the module's first outbound record.
type AnnouncementRecord struct {
	Listen    string     `json:"listen"`
	Endpoints []Endpoint `json:"endpoints"`
}

// ReadInit reads exactly one framed handshake line from r and parses
// it as an InitRecord. Fails on an empty or over-sized line per
// §4.A/§4.J.
func ReadInit(r io.Reader) (*InitRecord, error) {
	line, err := envelope.ReadHandshakeLine(r)
	if err != nil {
		return nil, err
	}

	var init InitRecord
	if err := json.Unmarshal(line, &init); err != nil {
		return nil, moderr.Wrap(moderr.KindHandshake, "failed to parse init record", err)
	}
	return &init, nil
}

// OutboundWriter is satisfied by anything the module writes bootstrap
// records to (typically stdout).
type OutboundWriter interface {
	Write(p []byte) (int, error)
}

type flusher interface {
	Flush() error
}

// SendAnnounce writes the announcement record as a JSON line and
// flushes if w supports it.
func SendAnnounce(w OutboundWriter, rec *AnnouncementRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return moderr.Wrap(moderr.KindJSONSerial, "failed to marshal announcement", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return moderr.Wrap(moderr.KindHandshake, "failed to write announcement", err)
	}
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// OutboundRecord is the generic outbound-IPC envelope shape: a
// discriminator op plus the matching payload (spec.md §6).
type OutboundRecord struct {
	Op string `json:"op"`

	Identify     string             `json:"identify,omitempty"`
	Announce     *AnnouncementRecord `json:"announce,omitempty"`
	GetSecret    *GetSecretPayload  `json:"get_secret,omitempty"`
	RotationAck  *RotationAckPayload `json:"rotation_ack,omitempty"`
	PortRequest  *PortRequestPayload `json:"port_request,omitempty"`
	RouteToModule *RouteToModulePayload `json:"route_to_module,omitempty"`
}

type GetSecretPayload struct {
	Name string `json:"name"`
}

type RotationAckPayload struct {
	RotationID string `json:"rotation_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

type PortRequestPayload struct {
	RequestID     string `json:"request_id"`
	SpecificPort  *int   `json:"specific_port,omitempty"`
	PreferredPort *int   `json:"preferred_port,omitempty"`
	RangeStart    int    `json:"range_start,omitempty"`
	RangeEnd      int    `json:"range_end,omitempty"`
}

type RouteToModulePayload struct {
	TargetModuleID string           `json:"target_module_id"`
	TargetEndpoint string           `json:"target_endpoint"`
	RequestID      string           `json:"request_id"`
	Payload        *envelope.Message `json:"payload"`
	TimeoutSeconds float64          `json:"timeout_seconds,omitempty"`
}

// SendIdentify writes the identify record naming moduleID.
func SendIdentify(w OutboundWriter, moduleID string) error {
	return writeJSONLine(w, OutboundRecord{Op: "identify", Identify: moduleID})
}

// WriteOutboundRecord writes rec as a newline-terminated JSON line,
// the same wire shape as SendAnnounce/SendIdentify. Every steady-state
// outbound record (get_secret, rotation_ack, port_request,
// route_to_module, heartbeat_ack) uses this, matching the
// orchestrator's own line-delimited control stream.
func WriteOutboundRecord(w OutboundWriter, rec *OutboundRecord) error {
	return writeJSONLine(w, rec)
}

// ReadOneRecord reads a single newline-terminated JSON line from r,
// the inbound counterpart to WriteOutboundRecord.
func ReadOneRecord(r io.Reader) ([]byte, error) {
	return envelope.ReadHandshakeLine(r)
}

func writeJSONLine(w OutboundWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return moderr.Wrap(moderr.KindJSONSerial, "failed to marshal outbound record", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return moderr.Wrap(moderr.KindHandshake, "failed to write outbound record", err)
	}
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}
