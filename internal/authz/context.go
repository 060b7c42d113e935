package authz

import "context"

type userIDContextKey struct{}

// ContextWithUserID stores the already-authenticated user identifier in
// the context. Upstream middleware owns credential verification; the
// engine only consumes the resolved identity.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// UserIDFromContext extracts the user identifier, if present.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDContextKey{}).(string)
	return userID, ok && userID != ""
}
