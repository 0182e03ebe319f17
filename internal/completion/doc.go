// Package completion is a minimal client for OpenAI-compatible chat
// completion endpoints.
//
// It backs the command-line runner: [Client.Complete] answers tests and
// connection tests, and [Client.Evaluate] acts as a risk judge by asking the
// model for a structured verdict.
package completion
