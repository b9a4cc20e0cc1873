// Package websocket pushes realtime change events to browser clients. Each
// connection owns a subscription registry; clients subscribe to topics of
// the form "table:column=value" and receive matching events until they
// unsubscribe, disconnect, or their user signs out.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prealert/prealert/internal/platform/apperr"
	"github.com/prealert/prealert/internal/platform/auth"
	"github.com/prealert/prealert/internal/platform/metrics"
	"github.com/prealert/prealert/internal/platform/realtime"
)

// Outbound message types.
const (
	TypeEvent        = "event"
	TypeSnapshot     = "snapshot"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

// Message is sent from server to client.
type Message struct {
	Type      string             `json:"type"`
	Topic     string             `json:"topic,omitempty"`
	EventType realtime.EventType `json:"event_type,omitempty"`
	Data      json.RawMessage    `json:"data,omitempty"`
	Error     string             `json:"error,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ClientMessage is an inbound message from a client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Conn abstracts a websocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Snapshotter supplies the current state of a topic, pushed to a client
// right before its live subscription starts.
type Snapshotter interface {
	Snapshot(ctx context.Context, f realtime.Filter) (json.RawMessage, error)
}

// TopicAuthorizer decides whether the caller in ctx may follow f.
type TopicAuthorizer func(ctx context.Context, f realtime.Filter) error

// Client is a single websocket connection.
type Client struct {
	ID        string
	Principal *auth.Principal
	Send      chan []byte

	registry *realtime.Registry
	conn     Conn
	once     sync.Once

	mu     sync.Mutex
	closed bool
}

// Hub tracks connected clients by user so that sign-out can close them.
type Hub struct {
	broker    realtime.Broker
	authorize TopicAuthorizer
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	all    map[*Client]struct{}
	byUser map[string]map[*Client]struct{}

	snapMu    sync.RWMutex
	snapshots map[string]Snapshotter // table -> snapshotter
}

func NewHub(broker realtime.Broker, logger zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		broker:    broker,
		authorize: NewTopicPolicy(nil),
		logger:    logger.With().Str("component", "websocket").Logger(),
		metrics:   m,
		all:       make(map[*Client]struct{}),
		byUser:    make(map[string]map[*Client]struct{}),
		snapshots: make(map[string]Snapshotter),
	}
}

// SetSnapshotter registers the initial-state source for a table.
func (h *Hub) SetSnapshotter(table string, s Snapshotter) {
	h.snapMu.Lock()
	defer h.snapMu.Unlock()
	h.snapshots[table] = s
}

// SetTopicAuthorizer replaces the default NewTopicPolicy(nil).
func (h *Hub) SetTopicAuthorizer(a TopicAuthorizer) {
	h.authorize = a
}

// NewClient creates an unregistered client for p.
func (h *Hub) NewClient(p *auth.Principal, conn Conn) *Client {
	return &Client{
		ID:        uuid.NewString(),
		Principal: p,
		Send:      make(chan []byte, 256),
		registry:  realtime.NewRegistry(h.broker),
		conn:      conn,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[c] = struct{}{}
	uid := c.Principal.UserID
	if h.byUser[uid] == nil {
		h.byUser[uid] = make(map[*Client]struct{})
	}
	h.byUser[uid][c] = struct{}{}
	h.metrics.ClientConnected()
}

// Unregister closes every subscription of c, removes it from the hub and
// closes its Send channel. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.all[c]
	if ok {
		delete(h.all, c)
		uid := c.Principal.UserID
		delete(h.byUser[uid], c)
		if len(h.byUser[uid]) == 0 {
			delete(h.byUser, uid)
		}
	}
	h.mu.Unlock()

	c.once.Do(func() {
		// CloseAll waits for in-flight deliveries, so nothing writes to
		// Send after it is closed.
		c.registry.CloseAll()
		c.mu.Lock()
		c.closed = true
		close(c.Send)
		c.mu.Unlock()
		if ok {
			h.metrics.ClientDisconnected()
		}
	})
}

// DisconnectUser unregisters and closes every connection of userID and
// returns how many were closed.
func (h *Hub) DisconnectUser(userID string) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.Unregister(c)
		if c.conn != nil {
			c.conn.Close()
		}
	}
	return len(clients)
}

// Subscribe attaches c to each topic, replying with one ack or error per
// topic.
func (h *Hub) Subscribe(ctx context.Context, c *Client, topics []string) {
	ctx = auth.WithPrincipal(ctx, c.Principal)
	for _, topic := range topics {
		if err := h.subscribe(ctx, c, topic); err != nil {
			h.reply(c, Message{Type: TypeError, Topic: topic, Error: err.Error()})
			continue
		}
		h.reply(c, Message{Type: TypeSubscribed, Topic: topic})
	}
}

func (h *Hub) subscribe(ctx context.Context, c *Client, topic string) error {
	f, err := realtime.ParseFilter(topic)
	if err != nil {
		return err
	}
	if err := h.authorize(ctx, f); err != nil {
		return err
	}

	h.snapMu.RLock()
	snap := h.snapshots[f.Table]
	h.snapMu.RUnlock()
	if snap != nil {
		data, err := snap.Snapshot(ctx, f)
		if err != nil {
			h.logger.Warn().Err(err).Str("topic", topic).Msg("snapshot failed")
		} else if data != nil {
			h.reply(c, Message{Type: TypeSnapshot, Topic: topic, Data: data})
		}
	}

	_, err = c.registry.Subscribe(f, func(ev realtime.Event) {
		h.reply(c, Message{
			Type:      TypeEvent,
			Topic:     topic,
			EventType: ev.Type,
			Data:      ev.Payload,
			Timestamp: ev.Timestamp,
		})
	})
	return err
}

// Unsubscribe detaches c from each topic.
func (h *Hub) Unsubscribe(c *Client, topics []string) {
	for _, topic := range topics {
		f, err := realtime.ParseFilter(topic)
		if err != nil {
			h.reply(c, Message{Type: TypeError, Topic: topic, Error: err.Error()})
			continue
		}
		c.registry.Unsubscribe(f)
		h.reply(c, Message{Type: TypeUnsubscribed, Topic: topic})
	}
}

// ProcessMessage dispatches an inbound ClientMessage.
func (h *Hub) ProcessMessage(ctx context.Context, c *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(ctx, c, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(c, msg.Topics)
	default:
		h.reply(c, Message{Type: TypeError, Error: fmt.Sprintf("unknown action %q", msg.Action)})
	}
}

// reply queues m for c, dropping it when the client's buffer is full.
func (h *Hub) reply(c *Client, m Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal outbound message")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- data:
	default:
		h.logger.Warn().Str("client_id", c.ID).Str("topic", m.Topic).Msg("client buffer full, dropping message")
	}
}

// SubscriptionCount returns the live subscriptions of c.
func (h *Hub) SubscriptionCount(c *Client) int {
	return c.registry.Len()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) UserClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// HospitalFollows reports whether hospitalID is the destination of an open
// alert from ambulanceID.
type HospitalFollows func(ctx context.Context, ambulanceID, hospitalID string) (bool, error)

// NewTopicPolicy restricts alert topics to the linked hospital or
// ambulance. An ambulance's vitals and position are visible to admins, the
// ambulance itself and a hospital it has an open alert for. A nil follows
// keeps hospitals out of those topics.
func NewTopicPolicy(follows HospitalFollows) TopicAuthorizer {
	return func(ctx context.Context, f realtime.Filter) error {
		switch {
		case f.Table == realtime.TableAlerts && f.Column == "hospital_id":
			return auth.CanActForHospital(ctx, f.Value)
		case f.Table == realtime.TableAlerts && f.Column == "ambulance_id":
			return auth.CanActForAmbulance(ctx, f.Value)
		case f.Table == realtime.TableLiveVitals && f.Column == "ambulance_id",
			f.Table == realtime.TableAmbulances && f.Column == "id":
			return followAmbulance(ctx, follows, f.Value)
		}
		return fmt.Errorf("%w: unsupported topic %s", apperr.ErrInvalidArgument, f.Key())
	}
}

func followAmbulance(ctx context.Context, follows HospitalFollows, ambulanceID string) error {
	err := auth.CanActForAmbulance(ctx, ambulanceID)
	if err == nil || !errors.Is(err, apperr.ErrForbidden) {
		return err
	}
	p, _ := auth.PrincipalFromContext(ctx)
	if p.Role != auth.RoleHospital || p.Linked() == "" || follows == nil {
		return err
	}
	ok, ferr := follows(ctx, ambulanceID, p.Linked())
	if ferr != nil {
		return fmt.Errorf("check open alert: %w", ferr)
	}
	if !ok {
		return fmt.Errorf("%w: hospital %s has no open alert from %s", apperr.ErrForbidden, p.Linked(), ambulanceID)
	}
	return nil
}
