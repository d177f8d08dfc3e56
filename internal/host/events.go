package host

import (
	"context"
	"net/http"
)

// ExtendableEvent is the part shared by every lifecycle event: a context and
// a way to keep background work alive after the handler returns.
type ExtendableEvent struct {
	ctx  context.Context
	host *Host
	name string
}

// Context returns the context of the dispatch. For fetch events it is the
// request context and is cancelled when the client goes away.
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil runs fn in the background and extends the event's lifetime until
// fn returns. fn receives a context detached from the dispatch's
// cancellation so work outlives the response.
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	e.host.extend(context.WithoutCancel(e.ctx), e.name, fn)
}

// InstallEvent is dispatched once per worker version.
type InstallEvent struct {
	ExtendableEvent
	reg *registration
}

// SkipWaiting lets the version activate as soon as install succeeds instead
// of waiting for the previous version to be released.
func (e *InstallEvent) SkipWaiting() {
	e.host.mu.Lock()
	e.reg.skipWaiting = true
	e.host.mu.Unlock()
}

// ActivateEvent is dispatched when a version becomes the active one.
type ActivateEvent struct {
	ExtendableEvent
}

// Claim makes the active version control every known client. It returns the
// number of clients whose controller changed.
func (e *ActivateEvent) Claim() int {
	return e.host.Claim()
}

// FetchEvent carries one intercepted request.
type FetchEvent struct {
	ExtendableEvent
	Request   *http.Request
	ClientID  string
	RequestID string
}
