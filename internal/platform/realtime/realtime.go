// Package realtime provides the push-subscription primitive: change events
// on a table are published to a broker and delivered to every subscription
// whose (table, column, value) filter matches.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// EventType distinguishes inserted rows from updated ones.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
)

// Table names carried on events.
const (
	TableAlerts     = "alerts"
	TableLiveVitals = "live_vitals"
	TableAmbulances = "ambulances"
)

var (
	ErrDuplicateSubscription = errors.New("already subscribed to this channel")
	ErrRegistryClosed        = errors.New("subscription registry is closed")
	ErrInvalidFilter         = errors.New("invalid subscription filter")
)

// Event is a row change. Columns holds the filterable column values of the
// row; Payload holds the row itself.
type Event struct {
	Table     string            `json:"table"`
	Type      EventType         `json:"type"`
	Columns   map[string]string `json:"columns"`
	Payload   json.RawMessage   `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewEvent marshals row into an Event.
func NewEvent(table string, typ EventType, columns map[string]string, row interface{}) (Event, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", table, err)
	}
	return Event{
		Table:     table,
		Type:      typ,
		Columns:   columns,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Filter selects events of one table whose column equals value.
type Filter struct {
	Table  string
	Column string
	Value  string
}

// Key is the canonical "table:column=value" form, also used as the
// websocket topic name.
func (f Filter) Key() string {
	return f.Table + ":" + f.Column + "=" + f.Value
}

func (f Filter) String() string { return f.Key() }

// Matches reports whether ev belongs to this filter.
func (f Filter) Matches(ev Event) bool {
	if ev.Table != f.Table {
		return false
	}
	v, ok := ev.Columns[f.Column]
	return ok && v == f.Value
}

// ParseFilter parses the "table:column=value" form.
func ParseFilter(s string) (Filter, error) {
	table, rest, ok := strings.Cut(s, ":")
	if !ok || table == "" {
		return Filter{}, fmt.Errorf("%w: %q", ErrInvalidFilter, s)
	}
	column, value, ok := strings.Cut(rest, "=")
	if !ok || column == "" || value == "" {
		return Filter{}, fmt.Errorf("%w: %q", ErrInvalidFilter, s)
	}
	return Filter{Table: table, Column: column, Value: value}, nil
}

// Handler receives matching events.
type Handler func(Event)

// Broker publishes events and attaches subscriptions.
type Broker interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(f Filter, h Handler) (*Subscription, error)
}

// Subscription is the handle returned by Subscribe. Close detaches it; once
// Close returns, the handler is never invoked again. Close must not be
// called from inside the subscription's own handler.
type Subscription struct {
	filter  Filter
	handler Handler

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func newSubscription(f Filter, h Handler) *Subscription {
	return &Subscription{filter: f, handler: h}
}

// Filter returns the filter this subscription was created with.
func (s *Subscription) Filter() Filter { return s.filter }

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Run calls fn under the delivery lock unless the subscription is closed,
// and reports whether it ran. Close waits for fn the same way it waits for
// a delivery. fn must not close the subscription.
func (s *Subscription) Run(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	fn()
	return true
}

// Close detaches the subscription. It is idempotent and waits for an
// in-flight delivery to finish.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (s *Subscription) addOnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.handler(ev)
}

// Local is an in-process broker. It is also the fan-out stage of the
// Postgres and Redis brokers.
type Local struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{} // table -> subscriptions
}

// NewLocal creates an empty in-process broker.
func NewLocal() *Local {
	return &Local{subs: make(map[string]map[*Subscription]struct{})}
}

// Publish delivers ev synchronously to matching subscriptions.
func (l *Local) Publish(_ context.Context, ev Event) error {
	l.Dispatch(ev)
	return nil
}

// Dispatch delivers ev to every matching subscription in the calling
// goroutine, so events from a single publisher arrive in publish order.
func (l *Local) Dispatch(ev Event) {
	l.mu.RLock()
	targets := make([]*Subscription, 0, len(l.subs[ev.Table]))
	for s := range l.subs[ev.Table] {
		if s.filter.Matches(ev) {
			targets = append(targets, s)
		}
	}
	l.mu.RUnlock()

	for _, s := range targets {
		s.deliver(ev)
	}
}

// Subscribe attaches h to events matching f.
func (l *Local) Subscribe(f Filter, h Handler) (*Subscription, error) {
	if f.Table == "" || f.Column == "" || f.Value == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFilter, f.Key())
	}
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidFilter)
	}
	s := newSubscription(f, h)

	l.mu.Lock()
	if l.subs[f.Table] == nil {
		l.subs[f.Table] = make(map[*Subscription]struct{})
	}
	l.subs[f.Table][s] = struct{}{}
	l.mu.Unlock()

	s.addOnClose(func() { l.remove(s) })
	return s, nil
}

func (l *Local) remove(s *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if set, ok := l.subs[s.filter.Table]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(l.subs, s.filter.Table)
		}
	}
}

// SubscriberCount returns the number of live subscriptions on table.
func (l *Local) SubscriberCount(table string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs[table])
}

// Registry tracks the subscriptions of one logical session (a websocket
// connection or a logged-in user). It refuses a second subscription to the
// same filter and closes everything at once on teardown.
type Registry struct {
	broker Broker

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// NewRegistry creates a registry backed by broker.
func NewRegistry(broker Broker) *Registry {
	return &Registry{broker: broker, subs: make(map[string]*Subscription)}
}

// Subscribe attaches h to f unless this registry already holds a live
// subscription for f.
func (r *Registry) Subscribe(f Filter, h Handler) (*Subscription, error) {
	key := f.Key()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if _, exists := r.subs[key]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, key)
	}
	// Reserve the key so a concurrent Subscribe for the same filter fails.
	r.subs[key] = nil
	r.mu.Unlock()

	s, err := r.broker.Subscribe(f, h)
	if err != nil {
		r.mu.Lock()
		delete(r.subs, key)
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.Close()
		return nil, ErrRegistryClosed
	}
	r.subs[key] = s
	r.mu.Unlock()

	s.addOnClose(func() {
		r.mu.Lock()
		if r.subs[key] == s {
			delete(r.subs, key)
		}
		r.mu.Unlock()
	})
	return s, nil
}

// Unsubscribe closes the subscription for f, reporting whether one existed.
func (r *Registry) Unsubscribe(f Filter) bool {
	r.mu.Lock()
	s := r.subs[f.Key()]
	r.mu.Unlock()
	if s == nil {
		return false
	}
	s.Close()
	return true
}

// CloseAll closes every subscription and rejects further ones.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if s != nil {
			subs = append(subs, s)
		}
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.subs {
		if s != nil {
			n++
		}
	}
	return n
}
