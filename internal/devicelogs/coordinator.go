// Package devicelogs routes device log batches to the SSE connections that
// subscribed to them and guards subscriptions with the identity bound to each
// connection.
package devicelogs

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/shoot3rs/fleetstream/internal/apperr"
	"github.com/shoot3rs/fleetstream/internal/auth"
	"github.com/shoot3rs/fleetstream/internal/logging"
	"github.com/shoot3rs/fleetstream/internal/metrics"
	"github.com/shoot3rs/fleetstream/internal/sse"
)

// SentinelSubject is bound to every connection when authentication is
// disabled. It lets anonymous callers subscribe, so it must never be used with
// authentication enabled.
const SentinelSubject = "__anonymous_fleet_operator__"

// EventName is the SSE event carrying one device's log batch.
const EventName = "device_logs"

// Document is one parsed log document. Documents are routed by their
// entity_id field.
type Document = map[string]any

// BindOutcome labels an identity binding attempt.
type BindOutcome string

const (
	BindSkipped      BindOutcome = "skipped"
	BindMissingToken BindOutcome = "missing_token"
	BindInvalidToken BindOutcome = "invalid_token"
	BindBound        BindOutcome = "bound"
)

// Registry is the part of sse.Registry the coordinator uses.
type Registry interface {
	RegisterOnConnect(fn sse.ConnectObserver)
	RegisterOnDisconnect(fn sse.DisconnectObserver)
	BindIdentity(requestID, subject string)
	HasConnection(requestID string) bool
	Send(ctx context.Context, requestID string, ev sse.Event) bool
}

// Options configures a Coordinator.
type Options struct {
	AuthEnabled bool
	// CookieName is the session cookie checked when no Authorization header
	// was forwarded.
	CookieName  string
	ServiceType string
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Coordinator keeps the connection to device subscription relation as two
// mirrored maps. Every compound check-then-mutate runs under mu, and
// deliveries happen after mu is released.
type Coordinator struct {
	registry    Registry
	validator   auth.TokenValidator
	authEnabled bool
	cookieName  string
	serviceType string
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu           sync.Mutex
	forward      map[string]map[string]struct{} // request id -> entity ids
	reverse      map[string]map[string]struct{} // entity id -> request ids
	identities   map[string]string              // request id -> subject
	pairs        int
	shuttingDown bool
}

// New creates a coordinator and registers it with registry: connects bind
// identity from the forwarded headers, disconnects drop all state of the
// connection.
func New(registry Registry, validator auth.TokenValidator, opts Options) *Coordinator {
	c := &Coordinator{
		registry:    registry,
		validator:   validator,
		authEnabled: opts.AuthEnabled,
		cookieName:  opts.CookieName,
		serviceType: opts.ServiceType,
		metrics:     opts.Metrics,
		logger:      logging.Component(opts.Logger, "device_logs"),
		forward:     make(map[string]map[string]struct{}),
		reverse:     make(map[string]map[string]struct{}),
		identities:  make(map[string]string),
	}

	registry.RegisterOnConnect(func(ctx context.Context, ev sse.ConnectEvent) {
		c.BindIdentity(ctx, ev.RequestID, ev.Headers)
	})
	registry.RegisterOnDisconnect(c.handleDisconnect)

	if !c.authEnabled {
		c.logger.Warn("authentication disabled: every SSE connection is bound to the sentinel subject")
	}
	return c
}

// BindIdentity establishes who owns requestID. Failures are logged and
// counted; the connection then stays unbound and later subscription calls
// are rejected.
func (c *Coordinator) BindIdentity(ctx context.Context, requestID string, headers map[string]string) BindOutcome {
	if !c.authEnabled {
		c.bind(requestID, SentinelSubject)
		return c.recordBind(requestID, BindSkipped, nil)
	}

	token, ok := auth.TokenFromConnectHeaders(headers, c.cookieName)
	if !ok {
		return c.recordBind(requestID, BindMissingToken, nil)
	}

	ac, err := c.validator.Validate(ctx, token)
	if err != nil {
		return c.recordBind(requestID, BindInvalidToken, err)
	}

	c.bind(requestID, ac.Subject)
	return c.recordBind(requestID, BindBound, nil)
}

// bind records subject for a connection that is still live. A disconnect
// racing with validation wins.
func (c *Coordinator) bind(requestID, subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shuttingDown || !c.registry.HasConnection(requestID) {
		return
	}
	c.identities[requestID] = subject
	c.registry.BindIdentity(requestID, subject)
}

func (c *Coordinator) recordBind(requestID string, outcome BindOutcome, err error) BindOutcome {
	if c.metrics != nil {
		c.metrics.SSEIdentityBinds.WithLabelValues(string(outcome)).Inc()
	}
	switch outcome {
	case BindBound, BindSkipped:
		c.logger.Debug("identity bound", "request_id", requestID, "outcome", outcome)
	default:
		c.logger.Warn("identity not bound", "request_id", requestID, "outcome", outcome, "error", err)
	}
	return outcome
}

// Subscribe adds (requestID, entityID). caller is the authenticated subject of
// the API request, or "" when authentication is disabled. Subscribing twice
// is a no-op.
func (c *Coordinator) Subscribe(requestID, entityID, caller string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.authorizeLocked(requestID, caller); err != nil {
		return err
	}

	if addMember(c.forward, requestID, entityID) {
		addMember(c.reverse, entityID, requestID)
		c.pairs++
		c.setGaugeLocked()
	}

	c.logger.Info("device log subscription added",
		"request_id", requestID,
		"device_entity_id", entityID,
	)
	return nil
}

// Unsubscribe removes (requestID, entityID). It fails with a not-found error
// when the pair is not subscribed.
func (c *Coordinator) Unsubscribe(requestID, entityID, caller string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.authorizeLocked(requestID, caller); err != nil {
		return err
	}

	if !removeMember(c.forward, requestID, entityID) {
		return apperr.NotFound("no subscription to device %s on this connection", entityID)
	}
	removeMember(c.reverse, entityID, requestID)
	c.pairs--
	c.setGaugeLocked()

	c.logger.Info("device log subscription removed",
		"request_id", requestID,
		"device_entity_id", entityID,
	)
	return nil
}

func (c *Coordinator) authorizeLocked(requestID, caller string) error {
	bound, ok := c.identities[requestID]
	if !ok {
		return apperr.Authorization("no identity bound to this connection")
	}
	if caller == "" {
		if bound != SentinelSubject {
			return apperr.Authorization("connection belongs to an authenticated user")
		}
		return nil
	}
	if caller != bound {
		return apperr.Authorization("connection belongs to another user")
	}
	return nil
}

// ForwardLogs delivers docs to subscribers, one event per (connection,
// device) carrying every document for that device. Documents without a
// string entity_id are dropped. Failed sends are counted and do not affect
// other subscribers.
func (c *Coordinator) ForwardLogs(ctx context.Context, docs []Document) {
	c.mu.Lock()
	idle := c.shuttingDown || c.pairs == 0
	c.mu.Unlock()
	if idle || len(docs) == 0 {
		return
	}

	var order []string
	groups := make(map[string][]Document)
	dropped := 0
	for _, doc := range docs {
		entityID, ok := doc["entity_id"].(string)
		if !ok || entityID == "" {
			dropped++
			continue
		}
		if _, seen := groups[entityID]; !seen {
			order = append(order, entityID)
		}
		groups[entityID] = append(groups[entityID], doc)
	}
	if dropped > 0 {
		c.logger.Debug("dropped log documents without entity_id", "count", dropped)
		if c.metrics != nil {
			c.metrics.DroppedDocuments.Add(float64(dropped))
		}
	}

	type batch struct {
		entityID    string
		subscribers []string
	}
	batches := make([]batch, 0, len(order))

	c.mu.Lock()
	for _, entityID := range order {
		if subs := members(c.reverse[entityID]); len(subs) > 0 {
			batches = append(batches, batch{entityID: entityID, subscribers: subs})
		}
	}
	c.mu.Unlock()

	for _, b := range batches {
		ev := sse.Event{
			Name:        EventName,
			ServiceType: c.serviceType,
			Payload: map[string]any{
				"device_entity_id": b.entityID,
				"logs":             groups[b.entityID],
			},
		}
		for _, requestID := range b.subscribers {
			result := "delivered"
			if !c.registry.Send(ctx, requestID, ev) {
				result = "failed"
			}
			if c.metrics != nil {
				c.metrics.LogDeliveries.WithLabelValues(result).Inc()
			}
		}
	}
}

func (c *Coordinator) handleDisconnect(_ context.Context, requestID string) {
	c.mu.Lock()
	devices := c.forward[requestID]
	removed := len(devices)
	for entityID := range devices {
		removeMember(c.reverse, entityID, requestID)
	}
	delete(c.forward, requestID)
	delete(c.identities, requestID)
	c.pairs -= removed
	c.setGaugeLocked()
	c.mu.Unlock()

	c.logger.Info("connection state cleared", "request_id", requestID, "subscriptions_removed", removed)
}

// PrepareShutdown stops log forwarding and rotation broadcasts and drops all
// subscription and identity state.
func (c *Coordinator) PrepareShutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.shuttingDown = true
	c.forward = make(map[string]map[string]struct{})
	c.reverse = make(map[string]map[string]struct{})
	c.identities = make(map[string]string)
	c.pairs = 0
	c.setGaugeLocked()
}

// ShuttingDown reports whether PrepareShutdown was called.
func (c *Coordinator) ShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shuttingDown
}

// SubscriptionCount returns the number of (connection, device) pairs.
func (c *Coordinator) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairs
}

// DevicesFor returns the entity ids requestID is subscribed to, sorted.
func (c *Coordinator) DevicesFor(requestID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return members(c.forward[requestID])
}

// SubscribersOf returns the request ids subscribed to entityID, sorted.
func (c *Coordinator) SubscribersOf(entityID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return members(c.reverse[entityID])
}

// Identity returns the subject bound to requestID.
func (c *Coordinator) Identity(requestID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subject, ok := c.identities[requestID]
	return subject, ok
}

func (c *Coordinator) setGaugeLocked() {
	if c.metrics != nil {
		c.metrics.ActiveSubscriptions.Set(float64(c.pairs))
	}
}

func addMember(m map[string]map[string]struct{}, key, member string) bool {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	if _, exists := set[member]; exists {
		return false
	}
	set[member] = struct{}{}
	return true
}

// removeMember deletes member and prunes the entry when it becomes empty.
func removeMember(m map[string]map[string]struct{}, key, member string) bool {
	set, ok := m[key]
	if !ok {
		return false
	}
	if _, exists := set[member]; !exists {
		return false
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m, key)
	}
	return true
}

func members(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
