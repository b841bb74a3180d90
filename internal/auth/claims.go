package auth

// extractRoles collects realm_access.roles and
// resource_access.<audience>.roles. Any level that is missing or has the
// wrong shape contributes nothing.
func extractRoles(claims map[string]any, audience string) map[string]struct{} {
	roles := make(map[string]struct{})

	if realm, ok := claims["realm_access"].(map[string]any); ok {
		addRoles(roles, realm["roles"])
	}

	if resources, ok := claims["resource_access"].(map[string]any); ok {
		if client, ok := resources[audience].(map[string]any); ok {
			addRoles(roles, client["roles"])
		}
	}

	return roles
}

func addRoles(dst map[string]struct{}, v any) {
	list, ok := v.([]any)
	if !ok {
		return
	}
	for _, item := range list {
		if role, ok := item.(string); ok && role != "" {
			dst[role] = struct{}{}
		}
	}
}

func stringClaim(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}
