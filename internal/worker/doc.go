// Package worker drains the dedup queue into a bounded set of concurrent
// workers.
//
// A single dispatch goroutine dequeues items and hands each to its own
// goroutine once a slot on a weighted semaphore is available, so at most
// MaxWorkers items are processed at a time. Each item goes through the same
// steps:
//
//  1. rebuild the conversation by walking the parent chain
//  2. invoke the [Handler] (panics are recovered)
//  3. report success or failure to the control plane
//  4. release the item's key from the queue, whatever happened
//
// Items never share a worker and no ordering is guaranteed between items.
package worker
