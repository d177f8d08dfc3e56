// Package server hosts the Fiber HTTP edge that stands in for the browser in
// front of the cache policy. It attaches recover and request-context
// middleware (request ids, the client cookie, the optional Host check),
// hands every non-diagnostic request to a ProxyHandler, and builds the shared
// upstream http.Client. Diagnostics routes live in the routes subpackage.
package server
