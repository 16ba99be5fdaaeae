package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Inbound message types accepted over the WebSocket.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypePing        = "ping"
)

// Outbound message types emitted by the broker.
const (
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePublished    = "published"
	TypePong         = "pong"
	TypeMessage      = "message"
	TypeInfo         = "info"
	TypeError        = "error"
)

// inboundEnvelope is the minimal shape every inbound frame must satisfy:
// a type discriminator and, for request types, a request_id that parses
// as a UUID. The type-specific fields are decoded separately from the
// same raw bytes once the type is known.
type inboundEnvelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// subscribeRequest is the body of a "subscribe" frame.
type subscribeRequest struct {
	Topic    string `json:"topic"`
	ClientID string `json:"client_id"`
	LastN    int    `json:"last_n"`
}

// unsubscribeRequest is the body of an "unsubscribe" frame.
type unsubscribeRequest struct {
	Topic    string `json:"topic"`
	ClientID string `json:"client_id"`
}

// publishRequest is the body of a "publish" frame. Message is decoded as
// a raw value: its serialized form becomes the stored message payload
// verbatim, and its "payload" field (if present) is what subscribers
// receive in the broadcast envelope.
type publishRequest struct {
	Topic    string          `json:"topic"`
	ClientID string          `json:"client_id"`
	Message  json.RawMessage `json:"message"`
}

// publishMessageBody mirrors the shape of publishRequest.Message well
// enough to pull out the "payload" sub-field the fan-out envelope needs.
type publishMessageBody struct {
	Payload json.RawMessage `json:"payload"`
}

// connectedEnvelope acks a successful WebSocket accept.
type connectedEnvelope struct {
	Type         string    `json:"type"`
	ConnectionID uuid.UUID `json:"connection_id"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

// subscribedEnvelope acks a successful subscribe.
type subscribedEnvelope struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic"`
	ClientID  string    `json:"client_id"`
	RequestID uuid.UUID `json:"request_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// unsubscribedEnvelope acks a successful unsubscribe.
type unsubscribedEnvelope struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic"`
	ClientID  string    `json:"client_id"`
	RequestID uuid.UUID `json:"request_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// publishedEnvelope acks a successful publish, sent to the publisher
// before fan-out completes.
type publishedEnvelope struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic"`
	MessageID uuid.UUID `json:"message_id"`
	ClientID  string    `json:"client_id"`
	RequestID uuid.UUID `json:"request_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// pongEnvelope acks a ping.
type pongEnvelope struct {
	Type      string    `json:"type"`
	RequestID uuid.UUID `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// messageEnvelope is the fan-out frame delivered to subscribers, and the
// history frame replayed on subscribe when last_n > 0.
type messageEnvelope struct {
	Type             string          `json:"type"`
	Topic            string          `json:"topic"`
	Message          messageBody     `json:"message"`
	PublisherClientID string         `json:"publisher_client_id,omitempty"`
	RequestID        *uuid.UUID      `json:"request_id,omitempty"`
}

type messageBody struct {
	ID        uuid.UUID       `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// infoEnvelope carries out-of-band notices, currently only topic deletion.
type infoEnvelope struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic"`
	Msg       string    `json:"msg"`
	Timestamp time.Time `json:"ts"`
}

// errorEnvelope reports a protocol or request-level failure. RequestID is
// omitted from the JSON whenever the inbound frame could not be parsed enough to
// recover a valid request_id.
type errorEnvelope struct {
	Type      string     `json:"type"`
	Error     string     `json:"error"`
	RequestID *uuid.UUID `json:"request_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

func newErrorFrame(message string, requestID *uuid.UUID) []byte {
	data, err := json.Marshal(errorEnvelope{
		Type:      TypeError,
		Error:     message,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		// errorEnvelope has no fields that can fail to marshal.
		panic(err)
	}
	return data
}

func newInfoFrame(topic, msg string) []byte {
	data, _ := json.Marshal(infoEnvelope{
		Type:      TypeInfo,
		Topic:     topic,
		Msg:       msg,
		Timestamp: time.Now().UTC(),
	})
	return data
}
