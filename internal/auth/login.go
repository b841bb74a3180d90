package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/shoot3rs/fleetstream/internal/apperr"
	"github.com/shoot3rs/fleetstream/internal/config"
	"github.com/shoot3rs/fleetstream/internal/logging"
)

// TokenValidator is the part of Validator the login flow needs.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*AuthContext, error)
}

// LoginHandler runs the authorization-code flow with PKCE and stores the
// resulting access token in the session cookie.
type LoginHandler struct {
	oauth      *oauth2.Config
	validator  TokenValidator
	pending    *PendingLogins
	cookieName string
	secure     bool
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLoginHandler wires the login flow. httpClient may be nil.
func NewLoginHandler(cfg config.AuthConfig, endpoint oauth2.Endpoint, validator TokenValidator, pending *PendingLogins, httpClient *http.Client, logger *slog.Logger) *LoginHandler {
	return &LoginHandler{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
		},
		validator:  validator,
		pending:    pending,
		cookieName: cfg.CookieName,
		secure:     cfg.SecureCookies,
		httpClient: httpClient,
		logger:     logging.Component(logger, "login"),
	}
}

// Login redirects the browser to the provider's authorization endpoint.
func (h *LoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		h.fail(w, apperr.Wrap(err, apperr.KindProcessing, "failed to start login"))
		return
	}
	verifier := oauth2.GenerateVerifier()

	h.pending.Put(state, PendingLogin{
		Verifier: verifier,
		ReturnTo: safeReturnTo(r.URL.Query().Get("return_to")),
	})

	http.Redirect(w, r, h.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), http.StatusFound)
}

// Callback completes the code exchange and sets the session cookie.
func (h *LoginHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		h.fail(w, apperr.Authentication("login rejected by provider: %s", errCode))
		return
	}

	login, ok := h.pending.Take(query.Get("state"))
	if !ok {
		h.fail(w, apperr.Validation("unknown or expired login state"))
		return
	}

	code := query.Get("code")
	if code == "" {
		h.fail(w, apperr.Validation("missing authorization code"))
		return
	}

	ctx := r.Context()
	if h.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, h.httpClient)
	}

	token, err := h.oauth.Exchange(ctx, code, oauth2.VerifierOption(login.Verifier))
	if err != nil {
		h.fail(w, apperr.Wrap(err, apperr.KindExternalService, "token exchange failed"))
		return
	}

	ac, err := h.validator.Validate(ctx, token.AccessToken)
	if err != nil {
		h.fail(w, err)
		return
	}

	cookie := &http.Cookie{
		Name:     h.cookieName,
		Value:    token.AccessToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if !token.Expiry.IsZero() {
		cookie.Expires = token.Expiry
		cookie.MaxAge = int(time.Until(token.Expiry).Seconds())
	}
	http.SetCookie(w, cookie)

	h.logger.Info("login completed", "subject", ac.Subject)
	http.Redirect(w, r, login.ReturnTo, http.StatusFound)
}

// Logout expires the session cookie.
func (h *LoginHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *LoginHandler) fail(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	h.logger.Warn("login failed", "kind", kind, "error", err)
	http.Error(w, apperr.PublicMessage(err), apperr.HTTPStatus(kind))
}

// safeReturnTo keeps redirects on this site.
func safeReturnTo(target string) string {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "/"
	}
	return target
}
