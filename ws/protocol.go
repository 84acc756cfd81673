package ws

import (
	"encoding/json"

	"github.com/gobwas/ws"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/taxfold/jobqueue/stream"
)

// Op identifies the frame type on the wire.
type Op string

const (
	// OpConnect is sent by the server once after a successful upgrade.
	OpConnect Op = "connect"
	// OpPing and OpPong carry the application-level heartbeat. The pong
	// timestamp feeds stale connection reaping.
	OpPing Op = "ping"
	OpPong Op = "pong"
	// OpSubscribe and OpUnsubscribe manage the connection's filters.
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	// OpCredits grants the server a delivery window.
	OpCredits Op = "credits"
	// OpNotification carries one stream message to the client.
	OpNotification Op = "notification"
	// OpError reports a protocol or delivery problem to the client.
	OpError Op = "error"
)

// Frame is the envelope for every message in both directions. Unused
// fields are omitted on the wire.
type Frame struct {
	Op Op `json:"op" msgpack:"op"`

	// Connect confirmation.
	ConnectionID   string `json:"connectionId,omitempty" msgpack:"connectionId,omitempty"`
	UserID         string `json:"userId,omitempty" msgpack:"userId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty" msgpack:"organizationId,omitempty"`
	Encoding       string `json:"encoding,omitempty" msgpack:"encoding,omitempty"`

	// Subscribe and unsubscribe.
	Filter *stream.Filter `json:"filter,omitempty" msgpack:"filter,omitempty"`

	// Credit grants.
	Credits int64 `json:"credits,omitempty" msgpack:"credits,omitempty"`

	// Notification delivery.
	Notification *stream.Message `json:"notification,omitempty" msgpack:"notification,omitempty"`

	// Errors.
	Code    string `json:"code,omitempty" msgpack:"code,omitempty"`
	Message string `json:"message,omitempty" msgpack:"message,omitempty"`
}

// Codec encodes frames for one connection. The encoding is negotiated
// at upgrade time and fixed for the connection's lifetime.
type Codec interface {
	Name() string
	OpCode() ws.OpCode
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) OpCode() ws.OpCode                  { return ws.OpText }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return "msgpack" }
func (msgpackCodec) OpCode() ws.OpCode                  { return ws.OpBinary }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// negotiateCodec picks the frame encoding from the upgrade request's
// encoding query parameter. JSON is the default.
func negotiateCodec(encoding string) Codec {
	if encoding == "msgpack" {
		return msgpackCodec{}
	}
	return jsonCodec{}
}
