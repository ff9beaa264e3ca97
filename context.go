package dbus

import "context"

type senderContextKey struct{}

// withContextSender attaches the unique bus name of a calling peer to
// ctx, for handlers to retrieve with [ContextSender].
func withContextSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, senderContextKey{}, sender)
}

// ContextSender returns the unique bus name of the peer whose method
// call is being handled, if ctx belongs to an inbound method call.
func ContextSender(ctx context.Context) (string, bool) {
	sender, ok := ctx.Value(senderContextKey{}).(string)
	return sender, ok
}
