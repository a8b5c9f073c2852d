package svc

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLockSerializesSameID(t *testing.T) {
	k := newKeyLock()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("abc12345")
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, k.len())
}

func TestKeyLockIndependentIDs(t *testing.T) {
	k := newKeyLock()
	a := k.Lock("aaaaaaaa")
	done := make(chan struct{})
	go func() {
		b := k.Lock("bbbbbbbb")
		b()
		close(done)
	}()
	<-done
	a()
	assert.Equal(t, 0, k.len())
}
