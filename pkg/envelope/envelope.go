// Package envelope implements the wire framing and codec used by every
// transport channel: a four-byte big-endian length, a one-byte
// encoding tag, and exactly that many payload bytes.
//
// Framing is grounded on the teacher's
// services/mesh/internal/transport/ws.Frame shape and on the original
// PyWatt SDK's communication/message.py, which packs the same
// struct.pack('>I', length) + format-byte layout before the payload.
package envelope

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

// Encoding is the one-byte tag identifying the payload codec.
type Encoding byte

const (
	EncodingJSON    Encoding = 0
	EncodingMsgPack Encoding = 1
)

func (e Encoding) String() string {
	switch e {
	case EncodingJSON:
		return "json"
	case EncodingMsgPack:
		return "msgpack"
	default:
		return fmt.Sprintf("unknown(%d)", byte(e))
	}
}

// MaxHandshakeLineBytes bounds the single framed line read during the
// handshake (§4.A: payloads above 1 MiB on the handshake line are
// rejected as protocol corruption).
const MaxHandshakeLineBytes = 1 << 20

// Metadata carries the open property map plus the well-known optional
// fields every envelope may have.
type Metadata struct {
	ID          string            `json:"id,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
	Source      string            `json:"source,omitempty"`
	Destination string            `json:"destination,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// WithProperty returns m with key=value set in Properties, allocating
// the map if necessary. It mutates and returns the receiver.
func (m *Metadata) WithProperty(key, value string) *Metadata {
	if m.Properties == nil {
		m.Properties = make(map[string]string)
	}
	m.Properties[key] = value
	return m
}

// Property looks up a property, returning ("", false) when absent or
// when Properties itself is nil.
func (m *Metadata) Property(key string) (string, bool) {
	if m == nil || m.Properties == nil {
		return "", false
	}
	v, ok := m.Properties[key]
	return v, ok
}

// Message is the logical (id, content, metadata) triple carried by an
// Envelope once decoded.
type Message struct {
	ID       string   `json:"id"`
	Content  any      `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// NewMessage builds a Message with a fresh random ID and empty
// metadata.
func NewMessage(content any) *Message {
	return &Message{ID: uuid.NewString(), Content: content}
}

// Envelope is an encoded message ready for transmission.
type Envelope struct {
	Format Encoding
	Data   []byte
}

var (
	framesEncoded uint64
	framesDecoded uint64
)

// FramesEncoded returns the running count of envelopes produced by
// Encode.
func FramesEncoded() uint64 { return atomic.LoadUint64(&framesEncoded) }

// FramesDecoded returns the running count of envelopes consumed by
// Decode.
func FramesDecoded() uint64 { return atomic.LoadUint64(&framesDecoded) }

// Encode serializes msg using format, producing an Envelope ready for
// Write.
func Encode(msg *Message, format Encoding) (*Envelope, error) {
	var data []byte
	var err error

	switch format {
	case EncodingJSON:
		data, err = json.Marshal(msg)
		if err != nil {
			return nil, moderr.Wrap(moderr.KindJSONSerial, "failed to marshal message", err)
		}
	case EncodingMsgPack:
		data, err = msgpack.Marshal(msg)
		if err != nil {
			return nil, moderr.Wrap(moderr.KindBinaryConversion, "failed to marshal message", err)
		}
	default:
		return nil, moderr.New(moderr.KindUnsupportedFmt, fmt.Sprintf("unsupported encoding format: %s", format))
	}

	atomic.AddUint64(&framesEncoded, 1)
	return &Envelope{Format: format, Data: data}, nil
}

// Decode parses an Envelope back into a Message.
func Decode(e *Envelope) (*Message, error) {
	if e == nil || len(e.Data) == 0 {
		return nil, moderr.New(moderr.KindNoContent, "envelope has no content")
	}

	var msg Message
	switch e.Format {
	case EncodingJSON:
		if err := json.Unmarshal(e.Data, &msg); err != nil {
			return nil, moderr.Wrap(moderr.KindJSONSerial, "failed to unmarshal message", err)
		}
	case EncodingMsgPack:
		if err := msgpack.Unmarshal(e.Data, &msg); err != nil {
			return nil, moderr.Wrap(moderr.KindBinaryDecoding, "failed to unmarshal message", err)
		}
	default:
		return nil, moderr.New(moderr.KindUnsupportedFmt, fmt.Sprintf("unsupported encoding format: %s", e.Format))
	}

	atomic.AddUint64(&framesDecoded, 1)
	return &msg, nil
}

// Convert re-encodes an Envelope to target, decoding through the
// logical Message. Converting to the same format is a no-op copy.
func Convert(e *Envelope, target Encoding) (*Envelope, error) {
	if e.Format == target {
		cp := make([]byte, len(e.Data))
		copy(cp, e.Data)
		return &Envelope{Format: target, Data: cp}, nil
	}
	msg, err := Decode(e)
	if err != nil {
		return nil, err
	}
	return Encode(msg, target)
}

// Write frames e onto w: length, format byte, payload.
func Write(e *Envelope, w io.Writer) error {
	var header [5]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(e.Data)))
	header[4] = byte(e.Format)

	if _, err := w.Write(header[:]); err != nil {
		return moderr.Wrap(moderr.KindConnection, "failed to write envelope header", err)
	}
	if _, err := w.Write(e.Data); err != nil {
		return moderr.Wrap(moderr.KindConnection, "failed to write envelope payload", err)
	}
	return nil
}

// ErrIncompleteFrame is returned, unwrapped, by ReadEnvelope when the
// stream ends (io.EOF or io.ErrUnexpectedEOF) before the length, tag,
// or payload is complete; any other read error comes back as a
// KindConnectionClosed error wrapping it. Either way the caller should
// treat the connection as closed.
var ErrIncompleteFrame = moderr.New(moderr.KindConnectionClosed, "incomplete frame")

// ReadEnvelope reads one framed envelope from r.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, wrapIncomplete(err)
	}

	length := binary.BigEndian.Uint32(header[0:4])
	format := Encoding(header[4])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, wrapIncomplete(err)
		}
	}

	return &Envelope{Format: format, Data: payload}, nil
}

func wrapIncomplete(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrIncompleteFrame
	}
	return moderr.Wrap(moderr.KindConnectionClosed, "short read on envelope frame", err)
}

// ReadHandshakeLine reads a single newline-terminated JSON record from
// r, enforcing MaxHandshakeLineBytes. It is used for the bootstrap
// init record, which is not length-prefixed.
func ReadHandshakeLine(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	one := make([]byte, 1)
	for {
		n, err := r.Read(one)
		if n == 1 {
			if one[0] == '\n' {
				break
			}
			buf.WriteByte(one[0])
			if buf.Len() > MaxHandshakeLineBytes {
				return nil, moderr.New(moderr.KindHandshake, "handshake line exceeds 1 MiB")
			}
		}
		if err != nil {
			if err == io.EOF && buf.Len() > 0 {
				break
			}
			if err == io.EOF {
				return nil, moderr.New(moderr.KindHandshake, "handshake line is empty")
			}
			return nil, moderr.Wrap(moderr.KindHandshake, "failed to read handshake line", err)
		}
	}
	if buf.Len() == 0 {
		return nil, moderr.New(moderr.KindHandshake, "handshake line is empty")
	}
	return buf.Bytes(), nil
}
