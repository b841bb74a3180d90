// Package sse tracks live Server-Sent-Events connections and delivers events
// to them through a gateway.
package sse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shoot3rs/fleetstream/internal/logging"
	"github.com/shoot3rs/fleetstream/internal/metrics"
)

// ConnectEvent is reported by the gateway when a browser opens a stream.
type ConnectEvent struct {
	RequestID string
	Token     string
	// Origin is where events for this connection are published.
	Origin  string
	Headers map[string]string
}

// Connection is one live SSE connection.
type Connection struct {
	RequestID string
	Token     string
	Subject   string
	Origin    string
}

// Info is the read-only view of a connection. Subject is empty until an
// identity is bound.
type Info struct {
	RequestID string `json:"request_id"`
	Subject   string `json:"subject,omitempty"`
}

// Event is one SSE message.
type Event struct {
	Name        string
	ServiceType string
	Payload     any
}

// Gateway hands events to the process that holds the browser connection.
type Gateway interface {
	Deliver(ctx context.Context, conn Connection, ev Event) error
}

type (
	ConnectObserver    func(ctx context.Context, ev ConnectEvent)
	DisconnectObserver func(ctx context.Context, requestID string)
)

// Registry is the source of truth for which connections exist. Gateway calls
// never happen while mu is held.
type Registry struct {
	gateway Gateway
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]Connection
	// tokens maps the current token of each connection to its request id.
	// Superseded tokens are removed so their disconnects are ignored.
	tokens       map[string]string
	onConnect    []ConnectObserver
	onDisconnect []DisconnectObserver
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates an empty registry delivering through gateway.
func NewRegistry(gateway Gateway, opts ...RegistryOption) *Registry {
	r := &Registry{
		gateway: gateway,
		conns:   make(map[string]Connection),
		tokens:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Component(r.logger, "sse_registry")
	return r
}

// RegisterOnConnect appends a connect observer.
func (r *Registry) RegisterOnConnect(fn ConnectObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnect = append(r.onConnect, fn)
}

// RegisterOnDisconnect appends a disconnect observer.
func (r *Registry) RegisterOnDisconnect(fn DisconnectObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = append(r.onDisconnect, fn)
}

// OnConnect registers or replaces the connection for ev.RequestID. The new
// token always wins; the previous token no longer matches any disconnect.
// A replaced connection is reported to the disconnect observers first, so
// nothing bound to it carries over. Connect observers run afterwards, in
// registration order.
func (r *Registry) OnConnect(ctx context.Context, ev ConnectEvent) {
	r.mu.Lock()
	prev, replaced := r.conns[ev.RequestID]
	if replaced {
		delete(r.tokens, prev.Token)
	}
	r.conns[ev.RequestID] = Connection{
		RequestID: ev.RequestID,
		Token:     ev.Token,
		Origin:    ev.Origin,
	}
	r.tokens[ev.Token] = ev.RequestID
	count := len(r.conns)
	r.setGauge(count)
	observers := append([]ConnectObserver(nil), r.onConnect...)
	var superseded []DisconnectObserver
	if replaced {
		superseded = append(superseded, r.onDisconnect...)
	}
	r.mu.Unlock()

	if replaced {
		r.logger.Info("SSE connection replaced", "request_id", ev.RequestID)
		for i, fn := range superseded {
			r.safeCall("disconnect", i, func() { fn(ctx, ev.RequestID) })
		}
	}

	r.logger.Info("SSE connection registered", "request_id", ev.RequestID, "connections", count)

	for i, fn := range observers {
		r.safeCall("connect", i, func() { fn(ctx, ev) })
	}
}

// OnDisconnect removes the connection currently holding token. Unknown and
// superseded tokens are ignored.
func (r *Registry) OnDisconnect(ctx context.Context, token string) {
	r.mu.Lock()
	requestID, ok := r.tokens[token]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("ignoring disconnect for unknown or stale token")
		return
	}
	delete(r.tokens, token)
	delete(r.conns, requestID)
	count := len(r.conns)
	r.setGauge(count)
	observers := append([]DisconnectObserver(nil), r.onDisconnect...)
	r.mu.Unlock()

	r.logger.Info("SSE connection removed", "request_id", requestID, "connections", count)

	for i, fn := range observers {
		r.safeCall("disconnect", i, func() { fn(ctx, requestID) })
	}
}

// BindIdentity attaches subject to a live connection. A connection that is
// already gone is not an error.
func (r *Registry) BindIdentity(requestID, subject string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[requestID]
	if !ok {
		return
	}
	conn.Subject = subject
	r.conns[requestID] = conn
}

// HasConnection reports whether requestID is live.
func (r *Registry) HasConnection(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[requestID]
	return ok
}

// ConnectionInfo returns the request id and bound subject of a live
// connection.
func (r *Registry) ConnectionInfo(requestID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[requestID]
	if !ok {
		return Info{}, false
	}
	return Info{RequestID: conn.RequestID, Subject: conn.Subject}, true
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Send delivers ev to one connection. It returns false when the connection
// does not exist or the gateway rejected the event.
func (r *Registry) Send(ctx context.Context, requestID string, ev Event) bool {
	r.mu.Lock()
	conn, ok := r.conns[requestID]
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("no such connection", "request_id", requestID, "event", ev.Name)
		return false
	}
	return r.deliver(ctx, conn, ev)
}

// Broadcast delivers ev to every live connection. It returns true if at least
// one connection accepted it.
func (r *Registry) Broadcast(ctx context.Context, ev Event) bool {
	r.mu.Lock()
	targets := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn)
	}
	r.mu.Unlock()

	delivered := false
	for _, conn := range targets {
		if r.deliver(ctx, conn, ev) {
			delivered = true
		}
	}
	return delivered
}

func (r *Registry) deliver(ctx context.Context, conn Connection, ev Event) bool {
	err := r.gateway.Deliver(ctx, conn, ev)

	result := "delivered"
	if err != nil {
		result = "failed"
		r.logger.Warn("event delivery failed",
			"request_id", conn.RequestID,
			"event", ev.Name,
			"error", err,
		)
	}
	if r.metrics != nil {
		r.metrics.SSEDeliveries.WithLabelValues(ev.Name, result).Inc()
	}
	return err == nil
}

// safeCall runs one observer. A panic is logged and does not stop the
// remaining observers.
func (r *Registry) safeCall(kind string, index int, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("SSE observer panicked",
				"observer", kind,
				"index", index,
				"error", fmt.Sprint(rec),
			)
		}
	}()
	fn()
}

func (r *Registry) setGauge(count int) {
	if r.metrics != nil {
		r.metrics.SSEConnections.Set(float64(count))
	}
}
