package outbox

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocksSerializeSameKeyAndCleanUp(t *testing.T) {
	k := newKeyedLocks()
	var wg sync.WaitGroup
	inside := 0
	maxInside := 0
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.lock(context.Background(), "p")
			require.NoError(t, err)
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 0, k.size())
}

func TestKeyedLocksIndependentKeys(t *testing.T) {
	k := newKeyedLocks()
	unlockA, err := k.lock(context.Background(), "a")
	require.NoError(t, err)
	unlockB, err := k.lock(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 2, k.size())
	unlockA()
	unlockB()
	assert.Equal(t, 0, k.size())
}
