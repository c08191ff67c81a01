package gate

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/borchain/x402-connector"
)

func TestCacheGetPut(t *testing.T) {
	cache := NewCache(10)

	_, found := cache.Get("missing")
	assert.False(t, found)

	outcome := x402.SettlementOutcome{Success: true, Transaction: "TX1"}
	cache.Put("cred-1", outcome)

	got, found := cache.Get("cred-1")
	require.True(t, found)
	assert.Equal(t, outcome, got)
}

func TestCacheOverwrite(t *testing.T) {
	cache := NewCache(10)
	cache.Put("cred-1", x402.SettlementOutcome{ErrorMessage: "first attempt failed"})
	cache.Put("cred-1", x402.SettlementOutcome{Success: true, Transaction: "TX1"})

	got, found := cache.Get("cred-1")
	require.True(t, found)
	assert.True(t, got.Success)
	assert.Equal(t, 1, cache.Len())
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewCache(3)
	for i := 0; i < 3; i++ {
		cache.Put(fmt.Sprintf("cred-%d", i), x402.SettlementOutcome{Transaction: fmt.Sprintf("TX%d", i)})
	}

	// Touch cred-0 so cred-1 becomes the eviction candidate.
	_, found := cache.Get("cred-0")
	require.True(t, found)

	cache.Put("cred-3", x402.SettlementOutcome{Transaction: "TX3"})

	_, found = cache.Get("cred-1")
	assert.False(t, found, "least recently used entry should be evicted")
	for _, key := range []string{"cred-0", "cred-2", "cred-3"} {
		_, found := cache.Get(key)
		assert.True(t, found, "%s should survive", key)
	}
	assert.Equal(t, 3, cache.Len())
}

func TestCacheConcurrentAccess(t *testing.T) {
	cache := NewCache(64)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("cred-%d-%d", worker, j%32)
				cache.Put(key, x402.SettlementOutcome{Transaction: key})
				if got, found := cache.Get(key); found {
					assert.Equal(t, key, got.Transaction)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Len(), 64)
}
