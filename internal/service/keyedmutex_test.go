package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_KeyedMutex_SerializesSameKey(t *testing.T) {
	km := newKeyedMutex()

	const workers = 20
	counter := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			unlock := km.Lock("acct")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, workers, counter)

	km.mu.Lock()
	assert.Empty(t, km.locks, "entries are reclaimed once released")
	km.mu.Unlock()
}

func Test_KeyedMutex_IndependentKeys(t *testing.T) {
	km := newKeyedMutex()

	unlockA := km.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()
	<-done // key b never blocks on key a
	unlockA()
}
