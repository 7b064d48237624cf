package testutil

import (
	"net/http"

	"namereg/pkg/domain"
	"namereg/pkg/requestcontext"
)

// WithPrincipal adds a caller to the request context, the way the auth
// middleware does for authenticated requests.
func WithPrincipal(req *http.Request, principal domain.Principal) *http.Request {
	return req.WithContext(requestcontext.WithPrincipal(req.Context(), principal))
}

// WithRequestID adds a request ID to the request context.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}
