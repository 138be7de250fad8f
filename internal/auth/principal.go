// Package auth carries the caller's identity explicitly through the request
// path and issues and verifies the tokens it is derived from.
package auth

import (
	"context"
	"errors"
)

var ErrNoPrincipal = errors.New("no authenticated principal")

// Principal is the authenticated caller. Every operation that reads or writes
// user data receives one instead of looking up a session on its own.
type Principal struct {
	UserID int64
	Role   string
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.UserID == 0 {
		return Principal{}, ErrNoPrincipal
	}
	return p, nil
}
