// Package server provides the local status HTTP server.
//
// It exposes what the engine is doing right now: which items are queued or
// in flight, the most recent outcomes, a live Server-Sent Events feed of new
// outcomes, Prometheus metrics, and an optional embedded dashboard page. Routing and middleware use chi.
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
