// ABOUTME: Control-channel message type definitions
// ABOUTME: Typed envelopes exchanged between peers over the link transport
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates control messages on the wire.
type MessageType string

const (
	TypeTimekeepRequest  MessageType = "timekeepRequest"
	TypeTimekeepResponse MessageType = "timekeepResponse"
	TypePeerInfo         MessageType = "peerInfo"
	TypeDisconnect       MessageType = "disconnect"
	TypeRPC              MessageType = "rpc"
)

// Envelope is the top-level wrapper for all control messages.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Capacity is a tag advertising a peer's optional feature participation.
type Capacity string

const (
	CapacityLibrespot             Capacity = "Librespot"
	CapacityShairport             Capacity = "Shairport"
	CapacityHTTPServerAccessible  Capacity = "HttpServerAccessible"
	CapacityHue                   Capacity = "Hue"
	CapacityChromecastInteraction Capacity = "ChromecastInteraction"
	CapacitySharedStateKeeper     Capacity = "SharedStateKeeper"
	CapacityAirplaySink           Capacity = "AirplaySink"
)

// PeerDescriptor identifies a peer. UUID is stable across restarts;
// InstanceUUID is regenerated for every process.
type PeerDescriptor struct {
	UUID         string     `json:"uuid"`
	InstanceUUID string     `json:"instance_uuid"`
	Name         string     `json:"name"`
	Version      string     `json:"version"`
	Capacities   []Capacity `json:"capacities,omitempty"`
}

// TimekeepRequest asks the peer to reflect a timing probe.
type TimekeepRequest struct {
	SentAt float64 `json:"sent_at"`
}

// TimekeepResponse is the reflected probe: SentAt is echoed, and
// RespondedAt carries the peer's own clock at reflection time.
type TimekeepResponse struct {
	SentAt      float64 `json:"sent_at"`
	RespondedAt float64 `json:"responded_at"`
}

// PeerInfo carries the handshake / identity refresh.
type PeerInfo struct {
	Peer        PeerDescriptor  `json:"peer"`
	SharedState json.RawMessage `json:"shared_state,omitempty"`
}

// Disconnect is a graceful teardown notice. It has no fields.
type Disconnect struct{}

// RPC is the correlated request/response envelope.
type RPC struct {
	UUID       string          `json:"uuid"`
	RPCType    string          `json:"rpc_type"`
	IsResponse bool            `json:"is_response"`
	IsError    bool            `json:"is_error,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Encode wraps a payload in an envelope and marshals it.
func Encode(t MessageType, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = data
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// DecodeEnvelope parses the outer envelope without touching the payload.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// DecodePayload unmarshals an envelope payload into dst.
func DecodePayload(env Envelope, dst interface{}) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
