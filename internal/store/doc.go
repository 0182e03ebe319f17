// Package store keeps recent item outcomes in memory and fans them out to
// subscribers.
//
// The main components are:
//
//   - [Store]: Interface defining storage and subscription operations
//   - [MemoryStore]: Bounded in-memory implementation with pub/sub
//   - [Record]: Storage representation of one processed item
//
// Subscribers receive records via channels with non-blocking sends; slow
// subscribers miss records rather than block the workers.
package store
