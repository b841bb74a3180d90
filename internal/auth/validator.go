// Package auth validates OIDC bearer tokens and runs the browser login flow.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/shoot3rs/fleetstream/internal/apperr"
	"github.com/shoot3rs/fleetstream/internal/config"
	"github.com/shoot3rs/fleetstream/internal/logging"
	"github.com/shoot3rs/fleetstream/internal/metrics"
)

const (
	defaultDiscoveryTimeout = 10 * time.Second
	defaultKeyCacheTTL      = 5 * time.Minute
)

var signingMethods = []string{"RS256", "RS384", "RS512"}

// Outcome labels a validation result for logs and metrics.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeDisabled       Outcome = "disabled"
	OutcomeExpired        Outcome = "expired"
	OutcomeBadSignature   Outcome = "bad_signature"
	OutcomeBadIssuer      Outcome = "bad_issuer"
	OutcomeBadAudience    Outcome = "bad_audience"
	OutcomeKeyUnavailable Outcome = "key_unavailable"
	OutcomeMissingSubject Outcome = "missing_subject"
	OutcomeMalformed      Outcome = "malformed"
)

func (o Outcome) message() string {
	switch o {
	case OutcomeDisabled:
		return "OIDC not enabled"
	case OutcomeExpired:
		return "token expired"
	case OutcomeBadSignature:
		return "token signature invalid"
	case OutcomeBadIssuer:
		return "token issuer invalid"
	case OutcomeBadAudience:
		return "token audience invalid"
	case OutcomeKeyUnavailable:
		return "token signing key unavailable"
	case OutcomeMissingSubject:
		return "token has no subject"
	default:
		return "token invalid"
	}
}

// Validator verifies RS-signed JWTs issued by the configured OIDC provider.
// It is safe for concurrent use.
type Validator struct {
	enabled  bool
	issuer   string
	audience string
	leeway   time.Duration
	keys     *keyCache
	endpoint oauth2.Endpoint

	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithHTTPClient sets the client used for discovery and JWKS fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(v *Validator) {
		v.httpClient = client
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Validator) {
		v.metrics = m
	}
}

// WithClock overrides the time source used for claim checks and key ages.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator builds a validator from cfg. With authentication disabled it
// returns a validator whose Validate always fails. With authentication
// enabled it performs OIDC discovery once and fails when the provider is
// unreachable or does not publish a jwks_uri.
func NewValidator(ctx context.Context, cfg config.AuthConfig, opts ...Option) (*Validator, error) {
	v := &Validator{
		issuer:   cfg.IssuerURL,
		audience: cfg.EffectiveAudience(),
		leeway:   cfg.Leeway,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = logging.Component(v.logger, "auth")

	if !cfg.Enabled {
		return v, nil
	}

	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, apperr.Validation("OIDC issuer URL and client ID are required when authentication is enabled")
	}

	timeout := cfg.DiscoveryTimeout
	if timeout <= 0 {
		timeout = defaultDiscoveryTimeout
	}
	ttl := cfg.KeyCacheTTL
	if ttl <= 0 {
		ttl = defaultKeyCacheTTL
	}
	if v.httpClient == nil {
		v.httpClient = &http.Client{Timeout: timeout}
	}

	discoveryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	provider, err := oidc.NewProvider(oidc.ClientContext(discoveryCtx, v.httpClient), cfg.IssuerURL)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindAuthentication, "OIDC discovery failed")
	}

	var discovery struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&discovery); err != nil {
		return nil, apperr.Wrap(err, apperr.KindAuthentication, "OIDC discovery document unreadable")
	}
	if discovery.JWKSURI == "" {
		return nil, apperr.Authentication("OIDC discovery document has no jwks_uri")
	}

	v.enabled = true
	v.endpoint = provider.Endpoint()
	v.keys = newKeyCache(discovery.JWKSURI, ttl, timeout, v.httpClient, v.now)

	v.logger.Info("OIDC validator initialized",
		"issuer", v.issuer,
		"audience", v.audience,
		"jwks_uri", discovery.JWKSURI,
	)
	return v, nil
}

// Enabled reports whether a signing-key source is configured.
func (v *Validator) Enabled() bool {
	return v.enabled
}

// Endpoint returns the provider's authorization and token endpoints.
func (v *Validator) Endpoint() oauth2.Endpoint {
	return v.endpoint
}

// Validate verifies token and returns the identity it carries. Every failure
// is an apperr.KindAuthentication error.
func (v *Validator) Validate(ctx context.Context, token string) (*AuthContext, error) {
	start := time.Now()
	ac, outcome, err := v.validate(ctx, token)
	v.observe(outcome, time.Since(start))

	if err != nil {
		v.logger.Debug("token rejected", "outcome", outcome, "error", err)
		return nil, apperr.Wrap(err, apperr.KindAuthentication, outcome.message())
	}
	return ac, nil
}

func (v *Validator) validate(ctx context.Context, token string) (*AuthContext, Outcome, error) {
	if !v.enabled {
		return nil, OutcomeDisabled, errors.New("no signing key source configured")
	}

	parsed, err := jwt.Parse(token, v.keyFunc(ctx),
		jwt.WithValidMethods(signingMethods),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, classify(err), err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, OutcomeMalformed, errors.New("unexpected claims type")
	}

	subject := stringClaim(claims, "sub")
	if subject == "" {
		return nil, OutcomeMissingSubject, errors.New("sub claim is empty")
	}

	return &AuthContext{
		Subject: subject,
		Email:   stringClaim(claims, "email"),
		Name:    stringClaim(claims, "name"),
		Roles:   extractRoles(claims, v.audience),
	}, OutcomeSuccess, nil
}

func (v *Validator) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token header has no kid")
		}
		return v.keys.get(ctx, kid)
	}
}

// classify maps a jwt error to an outcome. Expiry wins over other claim
// failures.
func classify(err error) Outcome {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return OutcomeExpired
	case errors.Is(err, errKeyUnavailable):
		return OutcomeKeyUnavailable
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return OutcomeBadSignature
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return OutcomeBadIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return OutcomeBadAudience
	default:
		return OutcomeMalformed
	}
}

func (v *Validator) observe(outcome Outcome, elapsed time.Duration) {
	if v.metrics == nil {
		return
	}
	v.metrics.AuthValidations.WithLabelValues(string(outcome)).Inc()
	v.metrics.AuthValidationDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}
