// Package shared holds cross-module helpers: actor propagation, pagination
// and the idempotency store.
package shared

import (
	"context"
	"net/http"
)

type actorContextKey struct{}

// ActorHeader carries the authenticated actor identifier, resolved by the
// authentication layer in front of this service.
const ActorHeader = "X-Actor"

// ContextWithActor stores the actor identifier in context.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor identifier from context.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	return actor
}

// ActorFromRequest reads the actor from the request, preferring the context
// set by middleware over the raw header.
func ActorFromRequest(r *http.Request) string {
	if actor := ActorFromContext(r.Context()); actor != "" {
		return actor
	}
	return r.Header.Get(ActorHeader)
}
