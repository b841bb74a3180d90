package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/shoot3rs/fleetstream/internal/config"
	"github.com/shoot3rs/fleetstream/internal/metrics"
)

const (
	testClientID = "fleet-console"
	testKID      = "key-1"
)

// testClock is a settable time source shared by the validator and tokens.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testProvider is a TLS OIDC provider serving discovery, JWKS and a token
// endpoint that checks PKCE verifiers.
type testProvider struct {
	server *httptest.Server
	keys   map[string]*rsa.PrivateKey

	mu         sync.Mutex
	published  []string
	omitJWKS   bool
	challenges map[string]string
	tokenFor   map[string]string

	jwksHits atomic.Int32
}

func newTestProvider(t *testing.T) *testProvider {
	t.Helper()

	p := &testProvider{
		keys:       map[string]*rsa.PrivateKey{testKID: generateKey(t)},
		published:  []string{testKID},
		challenges: make(map[string]string),
		tokenFor:   make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/jwks", p.handleJWKS)
	mux.HandleFunc("/token", p.handleToken)

	p.server = httptest.NewTLSServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func (p *testProvider) issuer() string {
	return p.server.URL
}

func (p *testProvider) client() *http.Client {
	return p.server.Client()
}

// addKey creates a signing key. It is published only after publish is called.
func (p *testProvider) addKey(t *testing.T, kid string) {
	t.Helper()
	p.keys[kid] = generateKey(t)
}

func (p *testProvider) publish(kids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = kids
}

// expectCode makes the token endpoint answer code with token, provided the
// verifier matches challenge.
func (p *testProvider) expectCode(code, challenge, token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.challenges[code] = challenge
	p.tokenFor[code] = token
}

func (p *testProvider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	omit := p.omitJWKS
	p.mu.Unlock()

	doc := map[string]any{
		"issuer":                                p.issuer(),
		"authorization_endpoint":                p.issuer() + "/authorize",
		"token_endpoint":                        p.issuer() + "/token",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
	if !omit {
		doc["jwks_uri"] = p.issuer() + "/jwks"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (p *testProvider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	p.jwksHits.Add(1)

	p.mu.Lock()
	kids := append([]string(nil), p.published...)
	p.mu.Unlock()

	var set jose.JSONWebKeySet
	for _, kid := range kids {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &p.keys[kid].PublicKey,
			KeyID:     kid,
			Algorithm: "RS256",
			Use:       "sig",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (p *testProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	code := r.PostForm.Get("code")
	verifier := r.PostForm.Get("code_verifier")

	p.mu.Lock()
	challenge, ok := p.challenges[code]
	token := p.tokenFor[code]
	p.mu.Unlock()

	sum := sha256.Sum256([]byte(verifier))
	if !ok || base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

// claims returns a valid claim set for clock's current time.
func (p *testProvider) claims(clock *testClock) jwt.MapClaims {
	now := clock.Now()
	return jwt.MapClaims{
		"iss":   p.issuer(),
		"aud":   testClientID,
		"sub":   "user-123",
		"email": "ops@example.com",
		"name":  "Fleet Operator",
		"iat":   now.Add(-time.Minute).Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

func (p *testProvider) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	return signWith(t, p.keys[kid], kid, claims)
}

func signWith(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func (p *testProvider) authConfig() config.AuthConfig {
	cfg := config.DefaultConfig().Auth
	cfg.Enabled = true
	cfg.IssuerURL = p.issuer()
	cfg.ClientID = testClientID
	cfg.RedirectURL = "https://console.example.com/auth/callback"
	return cfg
}

func (p *testProvider) validator(t *testing.T, clock *testClock, m *metrics.Metrics, mutate ...func(*config.AuthConfig)) *Validator {
	t.Helper()
	cfg := p.authConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	v, err := NewValidator(context.Background(), cfg,
		WithHTTPClient(p.client()),
		WithClock(clock.Now),
		WithMetrics(m),
	)
	require.NoError(t, err)
	return v
}
