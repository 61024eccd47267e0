// Package server hosts the Fiber HTTP service, the request middleware chain
// and the origin registry that maps every scheme://host onto its own worker.
// Workers are registered lazily on first contact and rebuilt after they have
// deregistered, so a page that keeps loading always finds a fresh activation.
// Keep exports narrow and accept explicit dependencies; cmd wiring lives in
// the root package.
package server
