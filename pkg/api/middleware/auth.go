// Package middleware provides HTTP middleware for the Coyote API.
package middleware

import (
	"net/http"

	"github.com/marmos91/coyote/pkg/digest"
)

// DigestAuth requires HTTP Digest authentication when a is non-nil and
// passes requests through untouched otherwise.
func DigestAuth(a *digest.Authenticator) func(http.Handler) http.Handler {
	if a == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return digest.Middleware(a)
}

// Username returns the authenticated user name, or "" for anonymous requests.
func Username(r *http.Request) string {
	if p := digest.PrincipalFromContext(r.Context()); p != nil {
		return p.Username
	}
	return ""
}
