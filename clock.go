package entitle

import (
	"context"
	"time"
)

// Clock supplies the current instant. Tests inject a fixed or advancing
// clock via WithClock.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Authorizer decides whether an account may run administrative operations
// (usage overrides, resets, suspension).
type Authorizer interface {
	IsAdmin(ctx context.Context, accountID string) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, accountID string) bool

// IsAdmin implements Authorizer.
func (f AuthorizerFunc) IsAdmin(ctx context.Context, accountID string) bool { return f(ctx, accountID) }

// AdminList authorizes a fixed set of account ids.
type AdminList map[string]struct{}

// NewAdminList builds an AdminList.
func NewAdminList(accountIDs ...string) AdminList {
	l := make(AdminList, len(accountIDs))
	for _, a := range accountIDs {
		l[a] = struct{}{}
	}
	return l
}

// IsAdmin implements Authorizer.
func (l AdminList) IsAdmin(_ context.Context, accountID string) bool {
	_, ok := l[accountID]
	return ok
}

type actorKey struct{}

// WithActor returns a context carrying the id of the calling account.
func WithActor(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, actorKey{}, accountID)
}

// ActorFrom returns the calling account id stored by WithActor.
func ActorFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(actorKey{}).(string)
	return v, ok && v != ""
}
