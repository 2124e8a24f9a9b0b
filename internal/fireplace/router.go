package fireplace

import (
	"context"
	"log/slog"
)

// Transport sources. A poll cursor is only valid for the transport it was
// obtained from; ETags are cloud-specific.
const (
	SourceCloud = "cloud"
	SourceLocal = "local"
)

// Cursor is the cache validator for one device's poll loop, tagged with the
// transport that issued it.
type Cursor struct {
	ETag   string
	Source string
}

// CloudTransport is the relay-backed control channel.
type CloudTransport interface {
	Status(ctx context.Context, dev Device) (State, error)
	Poll(ctx context.Context, dev Device, etag string) (State, string, error)
	Post(ctx context.Context, dev Device, command, value string) error
}

// LocalTransport is the LAN control channel.
type LocalTransport interface {
	Status(ctx context.Context, dev Device) (State, error)
	Poll(ctx context.Context, dev Device) (State, error)
	Post(ctx context.Context, dev Device, command, value string) error
}

// Connectivity reports whether the cloud session is currently usable.
type Connectivity interface {
	Connected() bool
}

// Router presents a single status/poll/post contract over whichever
// transport is viable. The selection rule is re-evaluated on every call, so
// a mid-session cloud disconnect redirects the very next operation.
type Router struct {
	session Connectivity
	cloud   CloudTransport
	local   LocalTransport
	logger  *slog.Logger
}

// NewRouter creates a transport router.
func NewRouter(session Connectivity, cloud CloudTransport, local LocalTransport, logger *slog.Logger) *Router {
	return &Router{
		session: session,
		cloud:   cloud,
		local:   local,
		logger:  logger.With("component", "router"),
	}
}

// Status fetches a one-shot state snapshot.
func (r *Router) Status(ctx context.Context, dev Device) (State, error) {
	if r.session.Connected() {
		return r.cloud.Status(ctx, dev)
	}
	return r.local.Status(ctx, dev)
}

// Poll fetches the next state update. The returned cursor must be passed
// back on the next call; a cursor from the other transport is discarded.
func (r *Router) Poll(ctx context.Context, dev Device, cur Cursor) (State, Cursor, error) {
	if r.session.Connected() {
		etag := ""
		if cur.Source == SourceCloud {
			etag = cur.ETag
		}
		st, next, err := r.cloud.Poll(ctx, dev, etag)
		return st, Cursor{ETag: next, Source: SourceCloud}, err
	}
	st, err := r.local.Poll(ctx, dev)
	return st, Cursor{Source: SourceLocal}, err
}

// Post submits one setting over the current transport.
func (r *Router) Post(ctx context.Context, dev Device, command, value string) error {
	if r.session.Connected() {
		return r.cloud.Post(ctx, dev, command, value)
	}
	r.logger.Debug("posting over local transport", "serial", dev.Serial, "command", command)
	return r.local.Post(ctx, dev, command, value)
}
