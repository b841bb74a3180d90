package auth

import (
	"context"
	"encoding/json"
	"slices"
)

// AuthContext is the verified identity behind one token. It is never mutated
// after Validate returns it.
type AuthContext struct {
	Subject string
	Email   string
	Name    string
	Roles   map[string]struct{}
}

// HasRole reports whether role was granted in realm or client roles.
func (a *AuthContext) HasRole(role string) bool {
	if a == nil {
		return false
	}
	_, ok := a.Roles[role]
	return ok
}

// RoleList returns the roles sorted.
func (a *AuthContext) RoleList() []string {
	if a == nil {
		return nil
	}
	roles := make([]string, 0, len(a.Roles))
	for r := range a.Roles {
		roles = append(roles, r)
	}
	slices.Sort(roles)
	return roles
}

func (a *AuthContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Subject string   `json:"subject"`
		Email   string   `json:"email,omitempty"`
		Name    string   `json:"name,omitempty"`
		Roles   []string `json:"roles"`
	}{a.Subject, a.Email, a.Name, a.RoleList()})
}

type contextKey string

const authContextKey contextKey = "auth_context"

// WithAuthContext stores ac in ctx.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// FromContext retrieves the AuthContext stored by the authentication
// middleware.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey).(*AuthContext)
	return ac, ok && ac != nil
}

// SubjectFromContext returns the caller's subject, or "" when the request was
// not authenticated (authentication disabled).
func SubjectFromContext(ctx context.Context) string {
	if ac, ok := FromContext(ctx); ok {
		return ac.Subject
	}
	return ""
}
