package manager

import "context"

// Principal is the authenticated identity behind a request: the uid/gid
// pair ACL checks run against, plus whatever platform it authenticated
// against.
type Principal struct {
	UID      int32
	GID      int32
	Platform string
}

// Authenticator validates an opaque bearer token against a platform and
// resolves it to a Principal. This is the narrow contract the original's
// authenticate(token, platform) call had: nothing here commits to OIDC, a
// local user store, or any particular token format.
type Authenticator interface {
	Authenticate(ctx context.Context, token, platform string) (Principal, error)
}

// StaticAuthenticator is a fixed-table Authenticator test double: it maps
// tokens to Principals without doing any real verification.
type StaticAuthenticator struct {
	Tokens map[string]Principal
}

// NewStaticAuthenticator builds a StaticAuthenticator from the given table.
func NewStaticAuthenticator(tokens map[string]Principal) *StaticAuthenticator {
	return &StaticAuthenticator{Tokens: tokens}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context, token, platform string) (Principal, error) {
	p, ok := a.Tokens[token]
	if !ok || p.Platform != platform {
		return Principal{}, ErrAuthenticationFailed
	}
	return p, nil
}

var _ Authenticator = (*StaticAuthenticator)(nil)
