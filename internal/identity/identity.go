// Package identity resolves the user_id a request acts as. It is
// deliberately thin: the core trusts whatever user_id it resolves here and
// performs no credential verification itself. Real token introspection and
// directory membership checks belong to an external identity provider,
// consulted (if at all) before a request reaches this package.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ErrForbidden is returned by a Resolver when the request's claimed
// identity does not pass the resolver's check.
var ErrForbidden = errors.New("identity: forbidden")

// Method selects which Resolver to construct.
type Method string

const (
	// MethodNone performs no external check; the resolved user_id is
	// trusted as-is (subject to AllowOverride).
	MethodNone Method = "none"
	// MethodKeycloak is a placeholder for token-introspection-backed
	// identity enforcement. It is NOT implemented here — see SPEC_FULL.md.
	MethodKeycloak Method = "keycloak"
)

// Resolver resolves the effective user_id for an inbound HTTP request.
type Resolver interface {
	Resolve(r *http.Request, bodyUserID string) (string, error)
}

// DefaultUserID is used when no identity is resolvable and override is
// disabled.
const DefaultUserID = "default"

// noneResolver trusts the client-supplied user_id (body, header, query, in
// that priority order) when AllowOverride is set; otherwise every request
// resolves to DefaultUserID.
type noneResolver struct {
	AllowOverride bool
}

func (n *noneResolver) Resolve(r *http.Request, bodyUserID string) (string, error) {
	if !n.AllowOverride {
		return DefaultUserID, nil
	}
	if bodyUserID != "" {
		return bodyUserID, nil
	}
	if h := r.Header.Get("X-User-Id"); h != "" {
		return h, nil
	}
	if q := r.URL.Query().Get("user_id"); q != "" {
		return q, nil
	}
	return DefaultUserID, nil
}

// keycloakResolver is a placeholder: it documents the shape a real
// token-introspection resolver would have without implementing one, per
// spec.md's explicit exclusion of identity verification from the core.
type keycloakResolver struct {
	noneResolver
}

func (k *keycloakResolver) Resolve(r *http.Request, bodyUserID string) (string, error) {
	if sub, ok := bearerSubject(r); ok {
		return sub, nil
	}
	// No bearer token present (or it didn't decode): fall back to the same
	// body/header/query resolution as MethodNone rather than rejecting the
	// request outright.
	return k.noneResolver.Resolve(r, bodyUserID)
}

// bearerSubject extracts the "sub" claim from an Authorization: Bearer JWT
// by base64-decoding its payload segment, without verifying the token's
// signature or consulting any directory. A real deployment must replace
// this with a Resolver that actually verifies the token; this is
// explicitly not a security boundary — see SPEC_FULL.md's identity section.
func bearerSubject(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}

	parts := strings.Split(strings.TrimPrefix(auth, prefix), ".")
	if len(parts) != 3 {
		return "", false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false
	}

	var claims struct {
		Subject string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

// New constructs a Resolver for the given configuration.
func New(method Method, allowOverride bool) Resolver {
	switch method {
	case MethodKeycloak:
		return &keycloakResolver{noneResolver{AllowOverride: allowOverride}}
	default:
		return &noneResolver{AllowOverride: allowOverride}
	}
}
