package auth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoot3rs/fleetstream/internal/logging"
)

type loginFixture struct {
	provider *testProvider
	clock    *testClock
	pending  *PendingLogins
	handler  *LoginHandler
}

func newLoginFixture(t *testing.T) *loginFixture {
	t.Helper()
	p := newTestProvider(t)
	clock := newTestClock()
	v := p.validator(t, clock, nil)
	pending := newTestPending(t, clock)

	return &loginFixture{
		provider: p,
		clock:    clock,
		pending:  pending,
		handler:  NewLoginHandler(p.authConfig(), v.Endpoint(), v, pending, p.client(), logging.Discard()),
	}
}

// startLogin runs Login and returns the state and code challenge sent to the
// provider.
func (f *loginFixture) startLogin(t *testing.T, returnTo string) (state, challenge string) {
	t.Helper()
	target := "/auth/login"
	if returnTo != "" {
		target += "?return_to=" + url.QueryEscape(returnTo)
	}
	rec := httptest.NewRecorder()
	f.handler.Login(rec, httptest.NewRequest(http.MethodGet, target, nil))

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	q := loc.Query()
	assert.Equal(t, f.provider.issuer()+"/authorize", loc.Scheme+"://"+loc.Host+loc.Path)
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	return q.Get("state"), q.Get("code_challenge")
}

func (f *loginFixture) callback(query string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.Callback(rec, httptest.NewRequest(http.MethodGet, "/auth/callback?"+query, nil))
	return rec
}

func TestLogin_FullFlow(t *testing.T) {
	f := newLoginFixture(t)

	state, challenge := f.startLogin(t, "/devices/7")
	require.NotEmpty(t, state)
	require.NotEmpty(t, challenge)
	assert.Equal(t, 1, f.pending.Len())

	token := f.provider.sign(t, testKID, f.provider.claims(f.clock))
	f.provider.expectCode("auth-code", challenge, token)

	rec := f.callback("state=" + url.QueryEscape(state) + "&code=auth-code")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/devices/7", rec.Header().Get("Location"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "fleet_session", cookies[0].Name)
	assert.Equal(t, token, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)
	assert.Equal(t, 0, f.pending.Len())
}

func TestLogin_StateIsSingleUse(t *testing.T) {
	f := newLoginFixture(t)

	state, challenge := f.startLogin(t, "")
	f.provider.expectCode("auth-code", challenge, f.provider.sign(t, testKID, f.provider.claims(f.clock)))

	first := f.callback("state=" + url.QueryEscape(state) + "&code=auth-code")
	require.Equal(t, http.StatusFound, first.Code)
	assert.Equal(t, "/", first.Header().Get("Location"))

	second := f.callback("state=" + url.QueryEscape(state) + "&code=auth-code")
	assert.Equal(t, http.StatusBadRequest, second.Code)
}

func TestLogin_CallbackFailures(t *testing.T) {
	f := newLoginFixture(t)

	t.Run("provider error", func(t *testing.T) {
		rec := f.callback("error=access_denied")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown state", func(t *testing.T) {
		rec := f.callback("state=forged&code=x")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing code", func(t *testing.T) {
		state, _ := f.startLogin(t, "")
		rec := f.callback("state=" + url.QueryEscape(state))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("verifier mismatch", func(t *testing.T) {
		state, _ := f.startLogin(t, "")
		f.provider.expectCode("stolen-code", "not-the-challenge", "irrelevant")
		rec := f.callback("state=" + url.QueryEscape(state) + "&code=stolen-code")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("provider returns an invalid token", func(t *testing.T) {
		state, challenge := f.startLogin(t, "")
		claims := f.provider.claims(f.clock)
		claims["aud"] = "someone-else"
		f.provider.expectCode("bad-aud", challenge, f.provider.sign(t, testKID, claims))

		rec := f.callback("state=" + url.QueryEscape(state) + "&code=bad-aud")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, rec.Result().Cookies())
	})
}

func TestLogout(t *testing.T) {
	f := newLoginFixture(t)

	rec := httptest.NewRecorder()
	f.handler.Logout(rec, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "fleet_session", cookies[0].Name)
	assert.Less(t, cookies[0].MaxAge, 0)
}

func TestSafeReturnTo(t *testing.T) {
	tests := map[string]string{
		"":                     "/",
		"/devices":             "/devices",
		"/devices?tab=logs":    "/devices?tab=logs",
		"//evil.example.com":   "/",
		"/\\evil.example.com":  "/",
		"https://evil.example": "/",
		"devices":              "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, safeReturnTo(in), in)
	}
}
