package db

import "context"

// WriteAuthorization records why a write is allowed. Manager.Write refuses
// the zero value, so every write path has to name its reason.
type WriteAuthorization int

const (
	authUnset WriteAuthorization = iota
	// AuthorizedByCSRF: the request carried a valid CSRF token.
	AuthorizedByCSRF
	// AuthorizedBackgroundJob: the write originates outside any request.
	AuthorizedBackgroundJob
	// AuthorizedUnprotectedEndpoint: the endpoint explicitly opted out of
	// CSRF protection.
	AuthorizedUnprotectedEndpoint
)

// Valid reports whether a is one of the defined authorizations.
func (a WriteAuthorization) Valid() bool {
	return a > authUnset && a <= AuthorizedUnprotectedEndpoint
}

func (a WriteAuthorization) String() string {
	switch a {
	case AuthorizedByCSRF:
		return "csrf"
	case AuthorizedBackgroundJob:
		return "background_job"
	case AuthorizedUnprotectedEndpoint:
		return "unprotected_endpoint"
	default:
		return "unauthorized"
	}
}

type authKey struct{}

// WithWriteAuthorization attaches a to ctx.
func WithWriteAuthorization(ctx context.Context, a WriteAuthorization) context.Context {
	return context.WithValue(ctx, authKey{}, a)
}

// WriteAuthorizationFrom returns the authorization attached to ctx, or the
// zero value if none was.
func WriteAuthorizationFrom(ctx context.Context) WriteAuthorization {
	a, _ := ctx.Value(authKey{}).(WriteAuthorization)
	return a
}
