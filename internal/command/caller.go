package command

import "context"

// Caller identifies who issued the command being executed.
type Caller struct {
	// Client is the transport-assigned client identity. Empty for replicated
	// commands that have no external reply.
	Client string
	// RequestID correlates logs and replies for one request.
	RequestID string
	// Replicated is true when the command arrived from another node.
	Replicated bool
	// Node is the ID of the node executing the command.
	Node string
}

type callerKey struct{}

// WithCaller attaches c to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored on ctx, or the zero Caller.
func CallerFrom(ctx context.Context) Caller {
	if ctx == nil {
		return Caller{}
	}
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

// PollFunc reports whether a suspended command has finished, and if so with
// which result.
type PollFunc func(ctx context.Context) (done bool, result any, err error)

// Deferred is returned by a handler whose work spans several frames. The
// router polls it once per frame and replies when it reports done.
type Deferred struct {
	Poll PollFunc
}

// Suspend wraps poll as a handler result.
func Suspend(poll PollFunc) Deferred {
	return Deferred{Poll: poll}
}

// Spawned is returned by handlers of EffectSpawn commands. The router writes
// UID back into the request arguments before replication and claims
// ownership of UID and Children for the executing node.
type Spawned struct {
	UID      string
	Children []string
	// Value is the client-visible result. When nil the reply is UID.
	Value any
}

// Reply returns the client-visible result of a spawn.
func (s Spawned) Reply() any {
	if s.Value != nil {
		return s.Value
	}
	return s.UID
}
