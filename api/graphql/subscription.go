package graphql

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/graphql-go/graphql"
	"go.uber.org/zap"

	"github.com/deep-stack/azimuth-watcher/internal/constants"
)

const (
	// WebSocket configuration
	writeWait      = constants.DefaultWSWriteTimeout
	pongWait       = constants.DefaultWSPongTimeout
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Subprotocols. graphql-transport-ws is the graphql-ws library protocol,
// graphql-ws the older subscriptions-transport-ws one.
const (
	protocolTransportWS = "graphql-transport-ws"
	protocolLegacyWS    = "graphql-ws"
)

// SubscriptionServer runs GraphQL subscriptions over WebSocket
type SubscriptionServer struct {
	schema   *Schema
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*subscriptionClient]struct{}
}

// NewSubscriptionServer creates a subscription server for schema
func NewSubscriptionServer(schema *Schema, logger *zap.Logger) *SubscriptionServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionServer{
		schema: schema,
		logger: logger.With(zap.String("component", "graphql-ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  constants.DefaultWSReadBufferSize,
			WriteBufferSize: constants.DefaultWSWriteBufferSize,
			Subprotocols:    []string{protocolTransportWS, protocolLegacyWS},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*subscriptionClient]struct{}),
	}
}

// ServeHTTP upgrades the connection and serves subscriptions on it
func (s *SubscriptionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	info := &requestInfo{
		APIKey: r.Header.Get(constants.HeaderAPIKey),
		Origin: r.Header.Get(constants.HeaderOrigin),
	}
	client := &subscriptionClient{
		server:        s,
		conn:          conn,
		legacy:        conn.Subprotocol() == protocolLegacyWS,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]*activeSubscription),
		logger:        s.logger,
		info:          info,
		ctx:           ctx,
		cancel:        cancel,
	}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients
func (s *SubscriptionServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Stop closes every client connection
func (s *SubscriptionServer) Stop() {
	s.mu.Lock()
	clients := make([]*subscriptionClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.cancel()
		c.conn.Close()
	}
}

func (s *SubscriptionServer) removeClient(c *subscriptionClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// subscriptionClient is one WebSocket connection
type subscriptionClient struct {
	server *SubscriptionServer
	conn   *websocket.Conn
	legacy bool
	send   chan []byte
	logger *zap.Logger
	info   *requestInfo

	mu            sync.Mutex
	subscriptions map[string]*activeSubscription

	ctx    context.Context
	cancel context.CancelFunc
}

type activeSubscription struct {
	cancel context.CancelFunc
}

// wsMessage is a GraphQL over WebSocket protocol message
type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	OperationName string                 `json:"operationName,omitempty"`
}

// readPump reads messages from the WebSocket connection
func (c *subscriptionClient) readPump() {
	defer func() {
		c.cleanup()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.handleMessage(message) {
			return
		}
	}
}

// writePump writes queued messages and keeps the connection alive.
// It is the only writer on the connection.
func (c *subscriptionClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// handleMessage processes one protocol message; false closes the connection
func (c *subscriptionClient) handleMessage(data []byte) bool {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("failed to unmarshal message", zap.Error(err))
		return true
	}

	switch msg.Type {
	case "connection_init":
		c.sendMessage(wsMessage{Type: "connection_ack"})

	case "subscribe", "start":
		c.handleSubscribe(msg.ID, msg.Payload)

	case "complete", "stop":
		c.handleComplete(msg.ID)

	case "ping":
		c.sendMessage(wsMessage{Type: "pong"})

	case "pong", "ka":

	case "connection_terminate":
		return false

	default:
		c.logger.Warn("unknown message type", zap.String("type", msg.Type))
	}
	return true
}

// handleSubscribe starts executing a subscription operation
func (c *subscriptionClient) handleSubscribe(id string, payload json.RawMessage) {
	if id == "" {
		c.sendError(id, "subscription id is required")
		return
	}

	var sub subscribePayload
	if err := json.Unmarshal(payload, &sub); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	c.mu.Lock()
	if _, exists := c.subscriptions[id]; exists {
		c.mu.Unlock()
		c.sendError(id, "subscriber for "+id+" already exists")
		return
	}
	info := *c.info
	info.Query = sub.Query
	info.OperationName = sub.OperationName
	subCtx, subCancel := context.WithCancel(withRequestInfo(c.ctx, &info))
	active := &activeSubscription{cancel: subCancel}
	c.subscriptions[id] = active
	c.mu.Unlock()

	results := graphql.Subscribe(graphql.Params{
		Schema:         c.server.schema.schema,
		RequestString:  sub.Query,
		VariableValues: sub.Variables,
		OperationName:  sub.OperationName,
		Context:        subCtx,
	})

	go c.forward(subCtx, id, active, results)

	c.logger.Info("subscription started",
		zap.String("id", id),
		zap.String("operation", sub.OperationName),
	)
}

// forward relays execution results until the result stream closes
func (c *subscriptionClient) forward(ctx context.Context, id string, sub *activeSubscription, results chan *graphql.Result) {
	for res := range results {
		if ctx.Err() != nil {
			// drain so the executor can finish
			continue
		}
		if res.HasErrors() && res.Data == nil {
			c.sendErrors(id, res.Errors)
			continue
		}
		c.sendNext(id, res)
	}

	c.mu.Lock()
	active := c.subscriptions[id] == sub
	if active {
		delete(c.subscriptions, id)
	}
	c.mu.Unlock()

	sub.cancel()
	if active {
		if c.ctx.Err() == nil && ctx.Err() == nil {
			c.sendMessage(wsMessage{ID: id, Type: "complete"})
		}
	}
}

// handleComplete stops a subscription at the client's request
func (c *subscriptionClient) handleComplete(id string) {
	c.mu.Lock()
	if sub, ok := c.subscriptions[id]; ok {
		sub.cancel()
		delete(c.subscriptions, id)
	}
	c.mu.Unlock()

	c.logger.Info("subscription completed", zap.String("id", id))
}

// sendMessage queues a message for the write pump
func (c *subscriptionClient) sendMessage(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		c.logger.Warn("send buffer full, dropping message", zap.String("id", msg.ID))
	}
}

// sendNext sends an execution result
func (c *subscriptionClient) sendNext(id string, result *graphql.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("failed to marshal result", zap.Error(err))
		return
	}
	msgType := "next"
	if c.legacy {
		msgType = "data"
	}
	c.sendMessage(wsMessage{ID: id, Type: msgType, Payload: data})
}

// sendErrors sends operation errors
func (c *subscriptionClient) sendErrors(id string, errs interface{}) {
	payload, err := json.Marshal(errs)
	if err != nil {
		payload = []byte(`[{"message":"internal error"}]`)
	}
	c.sendMessage(wsMessage{ID: id, Type: "error", Payload: payload})
}

// sendError sends a single error message
func (c *subscriptionClient) sendError(id string, errMsg string) {
	c.sendErrors(id, []map[string]string{{"message": errMsg}})
}

// cleanup cancels every subscription of the connection
func (c *subscriptionClient) cleanup() {
	c.cancel()

	c.mu.Lock()
	for id, sub := range c.subscriptions {
		sub.cancel()
		delete(c.subscriptions, id)
	}
	c.mu.Unlock()

	c.server.removeClient(c)
	c.logger.Debug("client disconnected")
}
