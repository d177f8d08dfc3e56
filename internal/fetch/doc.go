// Package fetch is the network boundary of the cache policy. It issues
// requests to the origin through a shared http.Client, buffers the body so a
// response can be handed to the caller and written to the cache without the
// two copies sharing state, and classifies every response as basic, cors or
// opaque relative to the configured origin. Transport failures surface as
// ErrNetwork; HTTP error statuses are ordinary responses.
package fetch
