// Package syncutil provides small concurrency helpers for the gate.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// KeyedMutex is a fixed pool of mutexes addressed by string key. Memory use
// is constant no matter how many distinct keys pass through; two keys that
// hash to the same slot contend with each other, which is acceptable for the
// short critical sections it guards.
type KeyedMutex struct {
	slots [128]sync.Mutex
}

// Lock acquires the mutex for key and returns the matching unlock function.
func (m *KeyedMutex) Lock(key string) func() {
	mu := m.slot(key)
	mu.Lock()
	return mu.Unlock
}

func (m *KeyedMutex) slot(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.slots[h.Sum32()%uint32(len(m.slots))]
}
