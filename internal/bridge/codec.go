package bridge

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Request types, relative to the channel name.
const (
	RequestSubscribe   = "subscribe"
	RequestUnsubscribe = "unsubscribe"
	RequestPublish     = "publish"
	RequestDiscard     = "discard"

	eventMessage = "message"
)

// Request is the envelope of every request read from the bridge channel.
type Request struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Group   string          `json:"group,omitempty"`
	Publish *PublishRequest `json:"publish,omitempty"`
}

// PublishRequest is the body of a publish request. Omitted qos and retain
// fall back to the consumer's defaults.
type PublishRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	QoS     *int            `json:"qos,omitempty"`
	Retain  *bool           `json:"retain,omitempty"`
}

// Publish is a publish ready to be sent to the broker.
type Publish struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MessageEvent is sent to every group interested in an inbound message.
type MessageEvent struct {
	Type    string       `json:"type"`
	Message EventMessage `json:"message"`
}

type EventMessage struct {
	ID      string          `json:"id"`
	Group   string          `json:"group"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	QoS     byte            `json:"qos"`
}

// DecodeRequest parses a request envelope.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.Type == "" {
		return nil, fmt.Errorf("invalid request: missing type")
	}
	return &req, nil
}

// requestKind strips the channel prefix from a request type. Both
// "mqtt.subscribe" and the handler-name form "mqtt_subscribe" are accepted.
func requestKind(channel, typ string) (string, bool) {
	for _, sep := range []string{".", "_"} {
		if kind, ok := strings.CutPrefix(typ, channel+sep); ok && kind != "" {
			return kind, true
		}
	}
	return "", false
}

// PayloadBytes converts a request payload to the bytes published to the
// broker. JSON strings are sent as their text; any other JSON value is sent
// as compact JSON; a missing or null payload is empty.
func PayloadBytes(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []byte{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		return []byte(s), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePayload converts an inbound broker payload for an event. JSON
// documents are embedded as JSON, other UTF-8 text as a string and binary
// payloads as a base64 string. Embedded JSON is compacted: insignificant
// whitespace is dropped, so such payloads keep their value but not their
// exact bytes. Clients needing the bytes verbatim must publish them as text.
func EncodePayload(payload []byte) json.RawMessage {
	if len(bytes.TrimSpace(payload)) > 0 && json.Valid(payload) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, payload); err == nil {
			return buf.Bytes()
		}
	}
	var data []byte
	if utf8.Valid(payload) {
		data, _ = json.Marshal(string(payload))
	} else {
		data, _ = json.Marshal(base64.StdEncoding.EncodeToString(payload))
	}
	return data
}

// NewMessageEvents builds one event per group for a single inbound message.
// All events share one message id.
func NewMessageEvents(channel string, groups []string, topic string, payload []byte, qos byte) ([][]byte, error) {
	id := uuid.New().String()
	encoded := EncodePayload(payload)

	events := make([][]byte, 0, len(groups))
	for _, group := range groups {
		data, err := json.Marshal(MessageEvent{
			Type: channel + "." + eventMessage,
			Message: EventMessage{
				ID:      id,
				Group:   group,
				Topic:   topic,
				Payload: encoded,
				QoS:     qos,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
		events = append(events, data)
	}
	return events, nil
}
