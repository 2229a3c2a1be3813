package chat

import (
	"context"
	"strings"
)

// Identity reports who is acting. Implementations return ErrUnauthenticated
// when no session is present.
type Identity interface {
	PrincipalID(ctx context.Context) (string, error)
}

// StaticIdentity is an identity already established by the caller, typically
// from a verified access token. The empty value is unauthenticated.
type StaticIdentity string

func (s StaticIdentity) PrincipalID(context.Context) (string, error) {
	id := strings.TrimSpace(string(s))
	if id == "" {
		return "", ErrUnauthenticated
	}
	return id, nil
}
