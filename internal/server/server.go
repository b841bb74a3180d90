// Package server exposes the HTTP surface: the subscription API, the gateway
// and scheduler callbacks, the login flow, health and metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/shoot3rs/fleetstream/internal/auth"
	"github.com/shoot3rs/fleetstream/internal/config"
	"github.com/shoot3rs/fleetstream/internal/devices"
	"github.com/shoot3rs/fleetstream/internal/logging"
	"github.com/shoot3rs/fleetstream/internal/metrics"
	"github.com/shoot3rs/fleetstream/internal/rotation"
	"github.com/shoot3rs/fleetstream/internal/sse"
)

// Authenticator validates bearer tokens.
type Authenticator interface {
	auth.TokenValidator
	Enabled() bool
}

// Connections receives gateway lifecycle callbacks.
type Connections interface {
	OnConnect(ctx context.Context, ev sse.ConnectEvent)
	OnDisconnect(ctx context.Context, token string)
	Count() int
}

// Subscriptions manages device log subscriptions.
type Subscriptions interface {
	Subscribe(requestID, entityID, caller string) error
	Unsubscribe(requestID, entityID, caller string) error
	SubscriptionCount() int
}

// Nudger fans a rotation change out to browsers.
type Nudger interface {
	Nudge(ctx context.Context, source rotation.Source)
}

// LoginRoutes serves the browser login flow.
type LoginRoutes interface {
	Login(w http.ResponseWriter, r *http.Request)
	Callback(w http.ResponseWriter, r *http.Request)
	Logout(w http.ResponseWriter, r *http.Request)
}

// Deps are the components the server routes to. Login and Events may be nil;
// their routes are then not registered. HealthCheck, when set, is run by the
// health endpoint.
type Deps struct {
	Config        *config.Config
	Validator     Authenticator
	Login         LoginRoutes
	Connections   Connections
	Subscriptions Subscriptions
	Devices       devices.Store
	Nudger        Nudger
	Events        http.Handler
	HealthCheck   func(ctx context.Context) error
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

type Server struct {
	cfg           *config.Config
	validator     Authenticator
	login         LoginRoutes
	connections   Connections
	subscriptions Subscriptions
	devices       devices.Store
	nudger        Nudger
	events        http.Handler
	healthCheck   func(ctx context.Context) error
	metrics       *metrics.Metrics
	logger        *slog.Logger

	handler   http.Handler
	server    *http.Server
	startTime time.Time
}

type policyKind int

const (
	policyPublic policyKind = iota
	policyAuthenticated
	policyInternal
)

type policy struct {
	kind      policyKind
	roles     []string
	rateLimit bool
}

func public() policy { return policy{kind: policyPublic} }

func authenticated(roles ...string) policy {
	return policy{kind: policyAuthenticated, roles: roles}
}

func internal() policy { return policy{kind: policyInternal} }

func (p policy) limited() policy {
	p.rateLimit = true
	return p
}

type route struct {
	method  string
	path    string
	policy  policy
	handler http.HandlerFunc
}

// New builds the server and its router.
func New(deps Deps) *Server {
	s := &Server{
		cfg:           deps.Config,
		validator:     deps.Validator,
		login:         deps.Login,
		connections:   deps.Connections,
		subscriptions: deps.Subscriptions,
		devices:       deps.Devices,
		nudger:        deps.Nudger,
		events:        deps.Events,
		healthCheck:   deps.HealthCheck,
		metrics:       deps.Metrics,
		logger:        logging.Component(deps.Logger, "http"),
		startTime:     time.Now(),
	}
	s.handler = s.cors(s.router())
	return s
}

func (s *Server) routes() []route {
	routes := []route{
		{http.MethodPost, "/device-logs/subscribe", authenticated().limited(), s.handleSubscribe},
		{http.MethodPost, "/device-logs/unsubscribe", authenticated().limited(), s.handleUnsubscribe},
		{http.MethodPost, rotation.NudgePath, internal(), s.handleNudge},
		{http.MethodPost, "/internal/sse/connect", internal(), s.handleConnect},
		{http.MethodPost, "/internal/sse/disconnect", internal(), s.handleDisconnect},
		{http.MethodGet, "/auth/me", authenticated(), s.handleMe},
		{http.MethodGet, s.cfg.HealthCheckPath, public(), s.handleHealth},
	}
	if s.metrics != nil {
		routes = append(routes, route{http.MethodGet, s.cfg.MetricsPath, public(), s.metrics.Handler().ServeHTTP})
	}
	if s.events != nil {
		routes = append(routes, route{http.MethodGet, "/events", public(), s.events.ServeHTTP})
	}
	if s.login != nil {
		routes = append(routes,
			route{http.MethodGet, "/auth/login", public(), s.login.Login},
			route{http.MethodGet, "/auth/callback", public(), s.login.Callback},
			route{http.MethodPost, "/auth/logout", public(), s.login.Logout},
		)
	}
	return routes
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit.RPS), s.cfg.RateLimit.Burst)

	for _, rt := range s.routes() {
		var h http.Handler = rt.handler
		switch rt.policy.kind {
		case policyAuthenticated:
			h = s.authenticate(rt.policy.roles, h)
		case policyInternal:
			h = s.internalOnly(h)
		}
		if rt.policy.rateLimit {
			h = s.rateLimit(limiter, h)
		}
		r.Handle(rt.path, h).Methods(rt.method)
	}
	return r
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe starts the HTTP server. Long-lived SSE streams rule out
// read and write timeouts.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", s.cfg.ListenAddr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
