package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaymesh/broker/internal/domain"
	"github.com/relaymesh/broker/internal/registry"
	"github.com/relaymesh/broker/internal/storage"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum messages buffered per connection. When the buffer is full,
	// Send returns an error (so the fan-out engine evicts the connection)
	// and direct replies are dropped, rather than block.
	sendBufferSize = 256
)

var (
	connectionsOpenGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_connections_open",
		Help: "Number of currently open WebSocket connections.",
	})

	framesHandledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_frames_handled_total",
		Help: "Inbound frames handled, by message type and outcome.",
	}, []string{"type", "outcome"})
)

func init() {
	prometheus.MustRegister(connectionsOpenGauge, framesHandledTotal)
}

// Connection is the connection handler (C3): a state machine bound to a
// single accepted WebSocket. It implements registry.Handle so the fan-out
// engine can address it directly.
type Connection struct {
	id          uuid.UUID
	conn        *websocket.Conn
	store       storage.Store
	registry    *registry.Registry
	fanout      *Fanout
	maxMsgBytes int64
	logger      *slog.Logger

	send chan []byte

	topicsMu sync.Mutex
	topics   map[string]struct{}

	closeOnce sync.Once
}

// NewConnection persists a Connection row, sends the "connected" ack, and
// returns the handler. The caller must run ReadPump and WritePump in
// separate goroutines.
func NewConnection(ctx context.Context, conn *websocket.Conn, store storage.Store, reg *registry.Registry, fanout *Fanout, remoteAddr, userAgent string, maxMsgBytes int, logger *slog.Logger) (*Connection, error) {
	id := uuid.New()

	if err := store.CreateConnection(ctx, &domain.Connection{
		ID:         id,
		RemoteAddr: remoteAddr,
		UserAgent:  userAgent,
	}); err != nil {
		return nil, fmt.Errorf("broker: create connection: %w", err)
	}

	c := &Connection{
		id:          id,
		conn:        conn,
		store:       store,
		registry:    reg,
		fanout:      fanout,
		maxMsgBytes: int64(maxMsgBytes),
		logger:      logger.With("component", "connection", "connection_id", id),
		send:        make(chan []byte, sendBufferSize),
		topics:      make(map[string]struct{}),
	}

	connectionsOpenGauge.Inc()

	ack, err := json.Marshal(connectedEnvelope{
		Type:         TypeConnected,
		ConnectionID: id,
		Status:       "success",
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("broker: marshal connected ack: %w", err)
	}
	c.enqueue(ack)

	return c, nil
}

// ID implements registry.Handle.
func (c *Connection) ID() uuid.UUID { return c.id }

// Send implements registry.Handle: it enqueues frame for the write pump.
// A full send buffer is treated as a delivery failure so the fan-out
// engine evicts this connection rather than block.
func (c *Connection) Send(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("broker: send buffer full for connection %s", c.id)
	}
}

func (c *Connection) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("send buffer full, dropping outbound frame")
	}
}

// ReadPump reads frames from the WebSocket connection and dispatches them
// sequentially. It must run in its own goroutine. When it returns, the
// connection is torn down: detached from every registry topic it was
// attached to, then cascade-deleted from the store.
func (c *Connection) ReadPump(ctx context.Context) {
	defer c.teardown(ctx)

	c.conn.SetReadLimit(c.maxMsgBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("unexpected close", "error", err)
			}
			return
		}
		c.handleFrame(ctx, raw)
	}
}

// WritePump writes queued frames to the WebSocket connection as individual
// text frames, and sends periodic ping frames. It must run in its own
// goroutine.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) handleFrame(ctx context.Context, raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		framesHandledTotal.WithLabelValues("unknown", "malformed").Inc()
		c.enqueue(newErrorFrame("malformed JSON", nil))
		return
	}

	requestID, err := uuid.Parse(env.RequestID)
	if err != nil {
		framesHandledTotal.WithLabelValues(env.Type, "bad_request_id").Inc()
		c.enqueue(newErrorFrame("Invalid or missing request_id", nil))
		return
	}

	switch env.Type {
	case TypeSubscribe:
		c.handleSubscribe(ctx, raw, requestID)
	case TypeUnsubscribe:
		c.handleUnsubscribe(ctx, raw, requestID)
	case TypePublish:
		c.handlePublish(ctx, raw, requestID)
	case TypePing:
		c.handlePing(ctx, requestID)
	default:
		framesHandledTotal.WithLabelValues(env.Type, "unknown_type").Inc()
		c.enqueue(newErrorFrame(fmt.Sprintf("Unknown message type: %s", env.Type), &requestID))
	}
}

func (c *Connection) handleSubscribe(ctx context.Context, raw []byte, requestID uuid.UUID) {
	var req subscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Topic == "" || req.ClientID == "" {
		framesHandledTotal.WithLabelValues(TypeSubscribe, "invalid_request").Inc()
		c.enqueue(newErrorFrame("topic and client_id are required", &requestID))
		return
	}
	if req.LastN < 0 {
		framesHandledTotal.WithLabelValues(TypeSubscribe, "invalid_request").Inc()
		c.enqueue(newErrorFrame("last_n must not be negative", &requestID))
		return
	}
	if _, err := c.store.GetOrCreateTopic(ctx, req.Topic); err != nil {
		framesHandledTotal.WithLabelValues(TypeSubscribe, "store_error").Inc()
		c.enqueue(newErrorFrame(fmt.Sprintf("subscribe failed: %v", err), &requestID))
		return
	}

	if _, _, err := c.store.UpsertSubscription(ctx, c.id, req.Topic); err != nil {
		framesHandledTotal.WithLabelValues(TypeSubscribe, "store_error").Inc()
		c.enqueue(newErrorFrame(fmt.Sprintf("subscribe failed: %v", err), &requestID))
		return
	}

	if err := c.store.TouchConnection(ctx, c.id); err != nil {
		c.logger.Warn("touch connection failed", "error", err)
	}

	c.registry.Attach(req.Topic, c)

	c.topicsMu.Lock()
	c.topics[req.Topic] = struct{}{}
	c.topicsMu.Unlock()

	ack, err := json.Marshal(subscribedEnvelope{
		Type:      TypeSubscribed,
		Topic:     req.Topic,
		ClientID:  req.ClientID,
		RequestID: requestID,
		Status:    "success",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Error("marshal subscribed ack", "error", err)
		return
	}
	c.enqueue(ack)
	framesHandledTotal.WithLabelValues(TypeSubscribe, "success").Inc()

	if req.LastN > 0 {
		history, err := c.store.RecentMessages(ctx, req.Topic, req.LastN)
		if err != nil {
			c.logger.Warn("fetch recent messages failed", "topic", req.Topic, "error", err)
			return
		}
		for _, msg := range history {
			c.enqueue(encodeMessageEnvelope(req.Topic, msg, &requestID))
		}
	}
}

func (c *Connection) handleUnsubscribe(ctx context.Context, raw []byte, requestID uuid.UUID) {
	var req unsubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Topic == "" || req.ClientID == "" {
		framesHandledTotal.WithLabelValues(TypeUnsubscribe, "invalid_request").Inc()
		c.enqueue(newErrorFrame("topic and client_id are required", &requestID))
		return
	}

	if err := c.store.DeactivateSubscription(ctx, c.id, req.Topic); err != nil {
		framesHandledTotal.WithLabelValues(TypeUnsubscribe, "not_found").Inc()
		c.enqueue(newErrorFrame(fmt.Sprintf("unsubscribe failed: %v", err), &requestID))
		return
	}

	if err := c.store.TouchConnection(ctx, c.id); err != nil {
		c.logger.Warn("touch connection failed", "error", err)
	}

	c.registry.Detach(req.Topic, c)

	c.topicsMu.Lock()
	delete(c.topics, req.Topic)
	c.topicsMu.Unlock()

	ack, err := json.Marshal(unsubscribedEnvelope{
		Type:      TypeUnsubscribed,
		Topic:     req.Topic,
		ClientID:  req.ClientID,
		RequestID: requestID,
		Status:    "success",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Error("marshal unsubscribed ack", "error", err)
		return
	}
	c.enqueue(ack)
	framesHandledTotal.WithLabelValues(TypeUnsubscribe, "success").Inc()
}

func (c *Connection) handlePublish(ctx context.Context, raw []byte, requestID uuid.UUID) {
	var req publishRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Topic == "" || req.ClientID == "" || len(req.Message) == 0 {
		framesHandledTotal.WithLabelValues(TypePublish, "invalid_request").Inc()
		c.enqueue(newErrorFrame("topic, client_id and message are required", &requestID))
		return
	}

	if _, err := c.store.GetTopic(ctx, req.Topic); err != nil {
		framesHandledTotal.WithLabelValues(TypePublish, "not_found").Inc()
		c.enqueue(newErrorFrame("Topic not found", &requestID))
		return
	}

	msg := &domain.Message{
		TopicName: req.Topic,
		PublisherConnID: &c.id,
		Payload:   string(req.Message),
		Metadata:  map[string]any{"client_id": req.ClientID},
	}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		framesHandledTotal.WithLabelValues(TypePublish, "store_error").Inc()
		c.enqueue(newErrorFrame(fmt.Sprintf("publish failed: %v", err), &requestID))
		return
	}

	if err := c.store.TouchConnection(ctx, c.id); err != nil {
		c.logger.Warn("touch connection failed", "error", err)
	}

	ack, err := json.Marshal(publishedEnvelope{
		Type:      TypePublished,
		Topic:     req.Topic,
		MessageID: msg.ID,
		ClientID:  req.ClientID,
		RequestID: requestID,
		Status:    "success",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Error("marshal published ack", "error", err)
		return
	}
	// The publish ack is sent before fan-out so publisher latency is not
	// coupled to the cost of delivering to every subscriber.
	c.enqueue(ack)
	framesHandledTotal.WithLabelValues(TypePublish, "success").Inc()

	frame := encodeMessageEnvelope(req.Topic, *msg, nil)
	c.fanout.Broadcast(req.Topic, frame, c)
}

func (c *Connection) handlePing(ctx context.Context, requestID uuid.UUID) {
	if err := c.store.TouchConnection(ctx, c.id); err != nil {
		c.logger.Warn("touch connection failed", "error", err)
	}

	pong, err := json.Marshal(pongEnvelope{
		Type:      TypePong,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Error("marshal pong", "error", err)
		return
	}
	c.enqueue(pong)
	framesHandledTotal.WithLabelValues(TypePing, "success").Inc()
}

// teardown detaches this connection from every topic it was subscribed to,
// then cascade-deletes its store row (which removes its subscriptions).
// It runs exactly once even if ReadPump returns more than once is not
// possible, but the guard keeps teardown idempotent if ever called twice.
func (c *Connection) teardown(ctx context.Context) {
	c.closeOnce.Do(func() {
		c.topicsMu.Lock()
		topics := make([]string, 0, len(c.topics))
		for t := range c.topics {
			topics = append(topics, t)
		}
		c.topicsMu.Unlock()

		for _, t := range topics {
			c.registry.Detach(t, c)
		}

		if err := c.store.DeleteConnection(ctx, c.id); err != nil {
			c.logger.Warn("delete connection failed during teardown", "error", err)
		}

		close(c.send)
		connectionsOpenGauge.Dec()
	})
}

func encodeMessageEnvelope(topic string, msg domain.Message, requestID *uuid.UUID) []byte {
	payload := extractPayload(msg.Payload)
	env := messageEnvelope{
		Type:  TypeMessage,
		Topic: topic,
		Message: messageBody{
			ID:        msg.ID,
			Payload:   payload,
			Timestamp: msg.PublishedAt,
		},
		PublisherClientID: msg.ClientID(),
		RequestID:         requestID,
	}
	data, err := json.Marshal(env)
	if err != nil {
		// Payload is always valid JSON (it was decoded from an inbound
		// frame before being stored), so this cannot fail in practice.
		return newErrorFrame("failed to encode message envelope", requestID)
	}
	return data
}

// extractPayload pulls the "payload" sub-field out of a stored message's
// raw JSON form. If the stored value has no payload field (or isn't an
// object), the full stored value is used verbatim.
func extractPayload(stored string) json.RawMessage {
	var body publishMessageBody
	if err := json.Unmarshal([]byte(stored), &body); err == nil && len(body.Payload) > 0 {
		return body.Payload
	}
	return json.RawMessage(stored)
}
