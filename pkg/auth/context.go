package auth

import "context"

type actorKey struct{}

// WithActor attaches the authenticated actor to the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom retrieves the actor placed by the auth middleware. The
// second return is false on bypass paths where no authentication ran.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
