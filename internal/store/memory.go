package store

import (
	"sort"
	"sync"
)

// DefaultCapacity is the number of records kept when none is specified.
const DefaultCapacity = 1000

// MemoryStore is an in-memory implementation of [Store].
//
// MemoryStore keeps the most recent records up to its capacity, evicting
// the oldest first. Subscribers receive records via buffered channels
// (buffer size 100); if a subscriber's buffer is full the record is dropped
// for that subscriber.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	records  map[string]Record
	order    []string // keys, oldest first

	subscribers map[chan Record]struct{}
	subMu       sync.RWMutex
}

// NewMemoryStore creates a [MemoryStore] holding at most capacity records.
// A non-positive capacity selects [DefaultCapacity].
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		capacity:    capacity,
		records:     make(map[string]Record),
		subscribers: make(map[chan Record]struct{}),
	}
}

// Record stores rec and notifies all subscribers.
func (m *MemoryStore) Record(rec Record) {
	m.mu.Lock()
	if _, exists := m.records[rec.Key]; exists {
		m.removeFromOrderLocked(rec.Key)
	}
	m.records[rec.Key] = rec
	m.order = append(m.order, rec.Key)

	for len(m.order) > m.capacity {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.records, oldest)
	}
	m.mu.Unlock()

	m.notifySubscribers(rec)
}

func (m *MemoryStore) removeFromOrderLocked(key string) {
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// GetAll returns a snapshot of all stored records, most recently finished
// first. The returned slice is a copy.
func (m *MemoryStore) GetAll() []Record {
	m.mu.RLock()
	records := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].FinishedAt.Equal(records[j].FinishedAt) {
			return records[i].Key < records[j].Key
		}
		return records[i].FinishedAt.After(records[j].FinishedAt)
	})
	return records
}

// Get returns the record stored for key.
func (m *MemoryStore) Get(key string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok
}

// Subscribe creates a new subscription with a buffer of 100 records.
//
// Caller must call [MemoryStore.Unsubscribe] when done to prevent resource leaks.
func (m *MemoryStore) Subscribe() <-chan Record {
	ch := make(chan Record, 100)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// multiple times or with an unknown channel.
func (m *MemoryStore) Unsubscribe(ch <-chan Record) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

// notifySubscribers is non-blocking: a full subscriber buffer drops the
// record for that subscriber.
func (m *MemoryStore) notifySubscribers(rec Record) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- rec:
		default:
			// subscriber is slow, drop the record
		}
	}
}
