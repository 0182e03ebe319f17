// Package poller runs the discovery side of the engine.
//
// A [Loop] drives one or more [Concern]s, each in its own goroutine. Every
// cycle a concern lists pending work from the control plane and offers it to
// the dedup queue. Consecutive discovery failures are counted per concern by
// a [RetryBudget]; when the budget is exceeded, or the control plane rejects
// our credentials, the loop stops and returns a [work.FatalError].
//
// The main components are:
//
//   - [Loop]: concurrent discovery with adaptive sleep and fatal escalation
//   - [Concern]: one kind of pending work, e.g. tests or connection tests
//   - [RetryBudget]: consecutive-failure counter with a ceiling
package poller
