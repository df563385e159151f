package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/fleetdash/internal/bus"
	"github.com/nerrad567/fleetdash/internal/correlator"
	"github.com/nerrad567/fleetdash/internal/infrastructure/config"
	"github.com/nerrad567/fleetdash/internal/infrastructure/logging"
)

// WebSocket constants.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	defaultWSPingInterval = 30 * time.Second
	defaultWSPongTimeout  = 10 * time.Second
)

// Event channels a WebSocket client can subscribe to. A channel of the form
// "bus:<filter>" relays raw bus frames matching filter.
const (
	ChannelFleetStatus = "fleet.status"
	ChannelFleetLog    = "fleet.log"
	ChannelPingResult  = "ping.result"
	ChannelPingBatch   = "ping.batch"

	BusChannelPrefix = "bus:"
)

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// BusFrameEvent is the payload of a bus channel event. Payload is encoded
// as base64 in JSON.
type BusFrameEvent struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

// Subscriber is the part of the bus the hub needs for bus channels.
type Subscriber interface {
	Subscribe(topic string, handler bus.Handler) (*bus.Subscription, error)
}

// Hub manages WebSocket connections and broadcasts events.
//
// Bus channels are backed by one bus subscription per filter, shared by
// every client on that channel and cancelled when the last one leaves.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	bus     Subscriber
	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	topicMu sync.Mutex
	topics  map[string]*busTopic
}

type busTopic struct {
	sub  *bus.Subscription
	refs int
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex
	subject       string // token subject the ticket was issued to
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub. b may be nil, in which case bus
// channels are refused.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, b Subscriber) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		bus:     b,
		clients: make(map[*WSClient]struct{}),
		topics:  make(map[string]*busTopic),
	}
}

// Run starts the hub's main loop. It blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub and releases its bus channels.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	client.releaseAll()
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// Broadcast sends an event to all clients subscribed to the given channel.
// Lock ordering: hub lock is acquired first, then released before per-client
// subscription checks. This avoids holding both hub and client locks simultaneously.
func (h *Hub) Broadcast(channel string, payload any) {
	msg := WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	// Snapshot client list under hub lock, then release before sending
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sentCount := 0
	for _, client := range clients {
		if client.isSubscribed(channel) {
			client.trySend(data)
			sentCount++
		}
	}
	if sentCount > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "recipients", sentCount)
	}
}

// RecordResult broadcasts a settled ping on the ping.result channel, so the
// hub can be registered as a correlator result sink.
func (h *Hub) RecordResult(r correlator.Result) {
	h.Broadcast(ChannelPingResult, r)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BusTopicCount returns the number of bus filters currently relayed.
func (h *Hub) BusTopicCount() int {
	h.topicMu.Lock()
	defer h.topicMu.Unlock()
	return len(h.topics)
}

// acquireTopic adds a reference to the shared subscription for filter,
// subscribing on the bus for the first one.
func (h *Hub) acquireTopic(filter string) error {
	h.topicMu.Lock()
	defer h.topicMu.Unlock()

	if t, ok := h.topics[filter]; ok {
		t.refs++
		return nil
	}
	if h.bus == nil {
		return bus.ErrNotConnected
	}

	channel := BusChannelPrefix + filter
	sub, err := h.bus.Subscribe(filter, bus.HandlerFunc(func(frame bus.Frame) error {
		h.Broadcast(channel, BusFrameEvent{Topic: frame.Topic, Payload: frame.Payload})
		return nil
	}))
	if err != nil {
		return err
	}
	h.topics[filter] = &busTopic{sub: sub, refs: 1}
	h.logger.Info("relaying bus topic to websocket clients", "topic", filter)
	return nil
}

// releaseTopic drops a reference, cancelling the bus subscription with the
// last one.
func (h *Hub) releaseTopic(filter string) {
	h.topicMu.Lock()
	defer h.topicMu.Unlock()

	t, ok := h.topics[filter]
	if !ok {
		return
	}
	t.refs--
	if t.refs > 0 {
		return
	}
	delete(h.topics, filter)
	if err := t.sub.Cancel(); err != nil {
		h.logger.Warn("cancelling relayed bus topic failed", "topic", filter, "error", err)
	}
	h.logger.Info("stopped relaying bus topic", "topic", filter)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		close(client.send)
		client.releaseAll()
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
// With authentication enabled a ticket from POST /auth/ws-ticket is required.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var subject string
	ticket := r.URL.Query().Get("ticket")
	if s.authEnabled() && ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	if ticket != "" {
		entry, ok := s.tickets.consume(ticket)
		if !ok {
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
		subject = entry.subject
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
		subject:       subject,
	}

	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// wsTimings returns the keepalive ping interval and pong wait, falling
// back to defaults for unset values.
func wsTimings(cfg config.WebSocketConfig) (pingInterval, pongWait time.Duration) {
	pingInterval = time.Duration(cfg.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = defaultWSPingInterval
	}
	pongWait = time.Duration(cfg.PongTimeout) * time.Second
	if pongWait <= 0 {
		pongWait = defaultWSPongTimeout
	}
	return pingInterval, pongWait
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	pingInterval, pongWait := wsTimings(cfg)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline (keeps connection alive
		// even if browser doesn't respond to protocol-level pings).
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval, pongWait := wsTimings(cfg)
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// decodeChannels extracts the channel list from a subscribe or
// unsubscribe message.
func decodeChannels(msg WSMessage) ([]string, bool) {
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, false
	}
	var sub WSSubscribePayload
	if err := json.Unmarshal(payloadBytes, &sub); err != nil {
		return nil, false
	}
	return sub.Channels, true
}

// handleSubscribe adds channels to the client's subscription list. Bus
// channels that cannot be subscribed are reported under "failed".
func (c *WSClient) handleSubscribe(msg WSMessage) {
	channels, ok := decodeChannels(msg)
	if !ok {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}

	subscribed := make([]string, 0, len(channels))
	failed := make(map[string]string)
	for _, ch := range channels {
		if c.isSubscribed(ch) {
			subscribed = append(subscribed, ch)
			continue
		}
		if filter, isBus := strings.CutPrefix(ch, BusChannelPrefix); isBus {
			if err := bus.ValidateFilter(filter); err != nil {
				failed[ch] = err.Error()
				continue
			}
			if err := c.hub.acquireTopic(filter); err != nil {
				failed[ch] = err.Error()
				continue
			}
		}
		c.mu.Lock()
		c.subscriptions[ch] = struct{}{}
		c.mu.Unlock()
		subscribed = append(subscribed, ch)
	}

	c.hub.logger.Info("websocket client subscribed", "channels", subscribed, "subject", c.subject)

	resp := map[string]any{"subscribed": subscribed}
	if len(failed) > 0 {
		resp["failed"] = failed
	}
	c.sendResponse(msg.ID, WSTypeResponse, resp)
}

// handleUnsubscribe removes channels from the client's subscription list.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	channels, ok := decodeChannels(msg)
	if !ok {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}

	for _, ch := range channels {
		c.mu.Lock()
		_, had := c.subscriptions[ch]
		delete(c.subscriptions, ch)
		c.mu.Unlock()

		if filter, isBus := strings.CutPrefix(ch, BusChannelPrefix); had && isBus {
			c.hub.releaseTopic(filter)
		}
	}

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": channels,
	})
}

// releaseAll drops every subscription, releasing bus channels.
func (c *WSClient) releaseAll() {
	c.mu.Lock()
	subs := c.subscriptions
	c.subscriptions = make(map[string]struct{})
	c.mu.Unlock()

	for ch := range subs {
		if filter, isBus := strings.CutPrefix(ch, BusChannelPrefix); isBus {
			c.hub.releaseTopic(filter)
		}
	}
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// isSubscribed checks if the client is subscribed to a channel.
func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// sendResponse sends a response message to the client.
// Routes through trySend to safely handle closed channels during shutdown.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}

var _ correlator.ResultSink = (*Hub)(nil)
