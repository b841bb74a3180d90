package auth

import (
	"net/http"
	"strings"
)

// TokenFromConnectHeaders extracts a bearer token from headers forwarded by the
// SSE gateway. Header names are matched case-insensitively; the Authorization
// header is checked before the named cookie.
func TokenFromConnectHeaders(headers map[string]string, cookieName string) (string, bool) {
	for name, value := range headers {
		if strings.EqualFold(name, "Authorization") {
			if token, ok := bearerToken(value); ok {
				return token, true
			}
		}
	}
	for name, value := range headers {
		if strings.EqualFold(name, "Cookie") {
			if token, ok := cookieValue(value, cookieName); ok {
				return token, true
			}
		}
	}
	return "", false
}

// TokenFromRequest extracts a bearer token from an API request. The session
// cookie takes precedence over the Authorization header.
func TokenFromRequest(r *http.Request, cookieName string) (string, bool) {
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value, true
		}
	}
	return bearerToken(r.Header.Get("Authorization"))
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func cookieValue(header, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	r := &http.Request{Header: http.Header{"Cookie": {header}}}
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}
