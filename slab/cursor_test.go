package slab_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/slabudp/slab"
)

func TestCursorWraps(t *testing.T) {
	c := slab.NewCursor(3)
	var got []uint32
	for range 7 {
		got = append(got, c.Next())
	}
	assert.Equal(t, []uint32{0, 1, 2, 0, 1, 2, 0}, got)
	assert.Equal(t, 3, c.Size())
}

func TestCursorConcurrent(t *testing.T) {
	const (
		size       = 64
		rounds     = 100
		goroutines = 8
	)
	c := slab.NewCursor(size)

	var mu sync.Mutex
	hits := make([]int, size)

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			local := make([]int, size)
			for range size * rounds / goroutines {
				local[c.Next()]++
			}
			mu.Lock()
			for i, n := range local {
				hits[i] += n
			}
			mu.Unlock()
		})
	}
	wg.Wait()

	for i, n := range hits {
		require.Equal(t, rounds, n, "slot %d", i)
	}
}

func TestCursorInvalidSize(t *testing.T) {
	assert.Panics(t, func() { slab.NewCursor(0) })
}
