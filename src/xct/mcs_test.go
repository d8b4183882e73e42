package xct

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/panjf2000/ants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
)

func TestMcsSingleThread(t *testing.T) {
	arena := NewMcsArena()
	a := newMcsAdaptor(common.ThreadID(1), arena)

	var lock McsLock
	assert.False(t, lock.IsLocked())

	block := a.Acquire(&lock)
	require.NotEqual(t, McsBlockIndex(0), block, "block 0 is reserved for no lock held")
	assert.True(t, lock.IsLocked())

	a.Release(&lock, block)
	assert.False(t, lock.IsLocked())
	a.resetBlocks()
}

func TestMcsMutualExclusion(t *testing.T) {
	const (
		workers    = 8
		iterations = 2000
	)

	arena := NewMcsArena()
	var lock McsLock

	pool, err := ants.NewPool(workers)
	require.NoError(t, err)
	defer pool.Release()

	var inside atomic.Int32
	var counter int64
	var wg sync.WaitGroup

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		threadID := common.ThreadID(w + 1)
		require.NoError(t, pool.Submit(func() {
			defer wg.Done()
			a := newMcsAdaptor(threadID, arena)
			for i := 0; i < iterations; i++ {
				block := a.Acquire(&lock)

				assert.Equal(t, int32(1), inside.Add(1), "two holders inside the critical section")
				counter++
				inside.Add(-1)

				a.Release(&lock, block)
				a.resetBlocks()
			}
		}))
	}
	wg.Wait()

	assert.Equal(t, int64(workers*iterations), counter)
	assert.False(t, lock.IsLocked())
}

func TestMcsManyLocksManyHolders(t *testing.T) {
	const workers = 6

	arena := NewMcsArena()
	locks := make([]McsLock, 16)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		threadID := common.ThreadID(w + 1)
		go func() {
			defer wg.Done()
			a := newMcsAdaptor(threadID, arena)
			for i := 0; i < 500; i++ {
				// grab a few locks in index order, like a sorted write set
				blocks := make([]McsBlockIndex, 0, 3)
				held := []int{i % 16, (i % 16) + (i % 5), 15}
				prev := -1
				for _, li := range held {
					if li >= len(locks) || li == prev {
						continue
					}
					prev = li
					blocks = append(blocks, a.Acquire(&locks[li]))
				}
				prev = -1
				bi := 0
				for _, li := range held {
					if li >= len(locks) || li == prev {
						continue
					}
					prev = li
					a.Release(&locks[li], blocks[bi])
					bi++
				}
				a.resetBlocks()
			}
		}()
	}
	wg.Wait()

	for i := range locks {
		assert.False(t, locks[i].IsLocked(), "lock %d left held", i)
	}
}
