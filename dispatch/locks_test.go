package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversationLocksSerialiseSameConversation(t *testing.T) {
	locks := NewConversationLocks()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	unlock := locks.Lock("conv")
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			release := locks.Lock("conv")
			defer release()
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}(i)
	}

	mu.Lock()
	assert.Empty(t, order, "waiters must block while the lock is held")
	mu.Unlock()

	unlock()
	wg.Wait()
	assert.Len(t, order, 3)
}

func TestConversationLocksIndependentConversations(t *testing.T) {
	locks := NewConversationLocks()

	unlockA := locks.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}

func TestConversationLocksReleaseIsIdempotent(t *testing.T) {
	locks := NewConversationLocks()
	unlock := locks.Lock("a")
	unlock()
	unlock()

	unlock = locks.Lock("a")
	unlock()
}

func TestConversationLocksEntriesAreDropped(t *testing.T) {
	locks := NewConversationLocks()
	unlock := locks.Lock("a")
	unlock()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.locks)
}
