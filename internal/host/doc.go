// Package host is the in-process replacement for the browser runtime that
// normally drives a service worker. It runs the install → activate lifecycle
// for each worker version, keeps track of which clients are controlled by
// the active version, dispatches fetch events to it, and keeps every event's
// extended lifetime (WaitUntil) alive until it settles so Shutdown can drain
// background cache writes before the process exits.
package host
