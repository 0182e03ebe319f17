// Package controlplane is the HTTP client for the simrunner control plane.
//
// It covers only the endpoints the engine consumes: discovering pending
// tests, connection tests and risk evaluations, fetching a single test while
// walking a conversation chain, and submitting results or failures.
//
// Every call carries the x-api-key header and the appId query parameter.
// Failures are classified into [work.TransientError] (retryable) and
// [work.FatalError] (authentication or authorization failures).
package controlplane
