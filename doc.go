// Package simrunner answers simulated conversations and risk evaluations
// posted to a guardrails control plane.
//
// A [Runner] polls the control plane for pending work, rebuilds the
// conversation each item belongs to, hands it to the application under test
// and reports the answer back. Every item is processed exactly once per run:
// an item that is queued or in flight is never admitted again, no matter how
// often discovery sees it.
//
// # Quick Start
//
//	r, _ := simrunner.New(
//	    simrunner.WithControlPlane("https://api.example.com"),
//	    simrunner.WithApplicationID(appID),
//	    simrunner.WithAPIKey(key),
//	    simrunner.WithCompleter(simrunner.CompleterFunc(
//	        func(ctx context.Context, in simrunner.Input) (string, error) {
//	            return myApp.Reply(ctx, in.Messages)
//	        },
//	    )),
//	)
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	err := r.Start(ctx) // blocks until ctx is cancelled or a fatal error
//
// # Work kinds
//
//   - [KindTest]: one user turn of a simulated conversation. Multi-turn
//     conversations are linked by parent ids and replayed oldest first.
//   - [KindConnectionTest]: a single prompt used to check the runner is
//     reachable. Enabled with [WithConnectionTests].
//   - [KindRiskEvaluation]: an existing exchange to be judged for one named
//     risk. Register a [Judge] per risk with [WithJudge].
//
// # Persistent channels
//
// With [WithChannel], tests are sent over a bounded pool of WebSocket
// connections, one per conversation, so the application keeps its own
// session state between turns. When no connection can be obtained within
// [ChannelConfig].AcquireTimeout, or the runner is stopping, the [Completer]
// answers instead.
//
// # Metrics
//
// Each run registers its Prometheus collectors on its own registry, or on
// the one given with [WithRegistry], and removes them when [Runner.Start]
// returns. The status server serves that registry at /metrics.
//
// # Architecture
//
//   - internal/controlplane: REST client for discovery and reporting
//   - internal/queue: deduplicating work queue
//   - internal/worker: bounded worker pool and conversation reconstruction
//   - internal/poller: discovery loop with per-concern retry budgets
//   - internal/channel: persistent WebSocket connection pool
//   - internal/completion: OpenAI-compatible chat completion client
//   - internal/store, internal/server: outcome history and status API
//   - internal/metrics: per-runner Prometheus collectors
//
// The internal packages are not part of the public API and may change
// without notice.
package simrunner
