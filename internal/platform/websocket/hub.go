// Package websocket relays chat progress events to browser clients. Each
// in-flight request is a topic; the asking connection is subscribed to it
// until the terminal event has been delivered.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/assistant/internal/domain/access"
	"github.com/ehr/assistant/internal/domain/progress"
	"github.com/ehr/assistant/internal/domain/prompt"
)

// ClientMessage is an inbound frame.
type ClientMessage struct {
	Action    string        `json:"action"`
	RequestID string        `json:"request_id,omitempty"`
	Query     string        `json:"query,omitempty"`
	History   []prompt.Turn `json:"history,omitempty"`
}

// ErrorFrame is sent when an action cannot be started or applied.
type ErrorFrame struct {
	Action    string      `json:"action"`
	RequestID string      `json:"request_id,omitempty"`
	ErrorKind access.Kind `json:"error_kind"`
	Message   string      `json:"message"`
}

// Dispatcher starts and cancels chat requests on behalf of the identity
// carried in ctx.
type Dispatcher interface {
	Start(ctx context.Context, query string, history []prompt.Turn) (requestID string, events <-chan progress.Event, err error)
	Cancel(ctx context.Context, requestID string) error
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID      string
	Subject string
	Topics  []string
	Send    chan []byte
}

func newClient(subject string) *Client {
	return &Client{ID: uuid.New().String(), Subject: subject, Send: make(chan []byte, 256)}
}

// DefaultTerminalWait bounds how long a terminal frame waits for room in a
// slow client's buffer before the client is disconnected.
const DefaultTerminalWait = time.Second

// Hub tracks connected clients and their request subscriptions.
type Hub struct {
	mu           sync.RWMutex
	clients      map[string]map[*Client]struct{} // topic -> set of clients
	all          map[*Client]struct{}
	terminalWait time.Duration
	logger       zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:      make(map[string]map[*Client]struct{}),
		all:          make(map[*Client]struct{}),
		terminalWait: DefaultTerminalWait,
		logger:       logger.With().Str("component", "ws-hub").Logger(),
	}
}

// TopicFor is the topic a request's events are broadcast on.
func TopicFor(requestID string) string { return "request:" + requestID }

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

// Unregister removes the client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	h.addLocked(topic, client)
	client.Topics = append(client.Topics, topic)
}

func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(topic, client)
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if t != topic {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Broadcast sends v to every client subscribed to topic. Slow clients whose
// buffer is full miss intermediate frames. A terminal progress event is never
// silently lost: it waits up to terminalWait for room, and a client that
// still cannot take it is disconnected so it sees the stream end.
func (h *Hub) Broadcast(topic string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("failed to marshal frame")
		return
	}
	ev, isEvent := v.(progress.Event)
	terminal := isEvent && ev.Terminal

	for _, client := range h.deliver(topic, data, terminal) {
		h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("client too slow for terminal frame, disconnecting")
		h.Unregister(client)
	}
}

// deliver sends data to topic's subscribers and returns the clients that
// could not take a terminal frame in time. Sends happen under the read lock
// so Unregister cannot close a channel mid-send.
func (h *Hub) deliver(topic string, data []byte, terminal bool) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var stalled []*Client
	var wait context.Context
	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
			continue
		default:
		}
		if !terminal {
			h.logger.Warn().Str("client_id", client.ID).Msg("client buffer full, dropping frame")
			continue
		}
		if wait == nil {
			var cancel context.CancelFunc
			wait, cancel = context.WithTimeout(context.Background(), h.terminalWait)
			defer cancel()
		}
		select {
		case client.Send <- data:
		case <-wait.Done():
			stalled = append(stalled, client)
		}
	}
	return stalled
}

// send delivers a frame to one client if it is still registered.
func (h *Hub) send(client *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// SetAllowedOrigins restricts cross-origin upgrades. An empty list or "*"
// allows any origin.
func SetAllowedOrigins(origins []string) {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			upgrader.CheckOrigin = func(*http.Request) bool { return true }
			return
		}
		allowed[o] = true
	}
	if len(allowed) == 0 {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
		return
	}
	upgrader.CheckOrigin = func(r *http.Request) bool {
		o := r.Header.Get("Origin")
		return o == "" || allowed[o]
	}
}

// Handler upgrades authenticated requests and routes client actions to the
// dispatcher.
type Handler struct {
	hub        *Hub
	dispatcher Dispatcher
	logger     zerolog.Logger
}

func NewHandler(hub *Hub, dispatcher Dispatcher, logger zerolog.Logger) *Handler {
	return &Handler{hub: hub, dispatcher: dispatcher, logger: logger.With().Str("component", "ws-handler").Logger()}
}

// HandleConnect expects the auth middleware to have stored an access.Claim
// in the request context. It blocks until the connection closes; in-flight
// requests started on the connection are cancelled when it does.
func (h *Handler) HandleConnect(c echo.Context) error {
	claim, ok := access.ClaimFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, access.KindIdentityInvalid.PublicMessage())
	}
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request().Context()))
	defer cancel()

	client := newClient(claim.SubjectID)
	h.hub.Register(client)
	go writePump(client, ws)
	h.readPump(ctx, client, ws)
	return nil
}

func (h *Handler) readPump(ctx context.Context, client *Client, conn Conn) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.process(ctx, client, msg)
	}
}

func (h *Handler) process(ctx context.Context, client *Client, msg ClientMessage) {
	switch msg.Action {
	case "ask":
		id, events, err := h.dispatcher.Start(ctx, msg.Query, msg.History)
		if err != nil {
			kind := access.KindOf(err)
			h.hub.send(client, ErrorFrame{Action: msg.Action, ErrorKind: kind, Message: kind.PublicMessage()})
			return
		}
		topic := TopicFor(id)
		h.hub.Subscribe(client, topic)
		go func() {
			defer h.hub.Unsubscribe(client, topic)
			for ev := range events {
				h.hub.Broadcast(topic, ev)
			}
		}()
	case "cancel":
		if err := h.dispatcher.Cancel(ctx, msg.RequestID); err != nil {
			kind := access.KindOf(err)
			h.hub.send(client, ErrorFrame{Action: msg.Action, RequestID: msg.RequestID, ErrorKind: kind, Message: kind.PublicMessage()})
		}
	default:
		h.logger.Debug().Str("action", msg.Action).Msg("ignoring unknown action")
	}
}

func writePump(client *Client, conn Conn) {
	defer conn.Close()
	for message := range client.Send {
		if err := conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
