package dispatch

import "sync"

// ConversationLocks serialises dispatches per conversation. The ingress
// layer acquires the lock before dispatching and releases it only after the
// event sequence has terminated. Entries are dropped once uncontended, so
// memory tracks active conversations only.
type ConversationLocks struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

// NewConversationLocks creates an empty lock map.
func NewConversationLocks() *ConversationLocks {
	return &ConversationLocks{locks: make(map[string]*convLock)}
}

// Lock blocks until the conversation is free and returns the release
// function.
func (l *ConversationLocks) Lock(conversationID string) func() {
	l.mu.Lock()
	entry, exists := l.locks[conversationID]
	if !exists {
		entry = &convLock{}
		l.locks[conversationID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			l.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(l.locks, conversationID)
			}
			l.mu.Unlock()
		})
	}
}
