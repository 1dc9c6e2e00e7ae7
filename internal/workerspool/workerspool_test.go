// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	assert.Equal(t, runtime.NumCPU(), New(0).MaxParallelism())
	assert.Equal(t, runtime.NumCPU(), New(-1).MaxParallelism())
	assert.Equal(t, 3, New(3).MaxParallelism())
}

func TestForEachBoundsParallelism(t *testing.T) {
	const maxParallelism = 3
	pool := New(maxParallelism)
	var running, peak atomic.Int32
	results := make([]int, 20)
	err := pool.ForEach(len(results), func(ii int) error {
		now := running.Add(1)
		for {
			prev := peak.Load()
			if now <= prev || peak.CompareAndSwap(prev, now) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		results[ii] = ii * ii
		running.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, int(peak.Load()), maxParallelism)
	for ii, v := range results {
		assert.Equal(t, ii*ii, v)
	}
}

func TestForEachErrors(t *testing.T) {
	for _, parallelism := range []int{1, 4} {
		pool := New(parallelism)
		var calls atomic.Int32
		err := pool.ForEach(10, func(ii int) error {
			calls.Add(1)
			if ii == 3 || ii == 7 {
				return fmt.Errorf("image %d", ii)
			}
			return nil
		})
		require.EqualError(t, err, "image 3", "parallelism %d", parallelism)
		assert.Equal(t, int32(10), calls.Load(), "all calls are made even if some fail")
	}
	require.NoError(t, New(2).ForEach(0, func(int) error { return fmt.Errorf("never called") }))
}

func TestWaitToStartShared(t *testing.T) {
	pool := New(2)
	done := make(chan int, 4)
	for ii := range 4 {
		pool.WaitToStart(func() { done <- ii })
	}
	seen := map[int]bool{}
	for range 4 {
		select {
		case ii := <-done:
			seen[ii] = true
		case <-time.After(5 * time.Second):
			t.Fatal("tasks didn't finish")
		}
	}
	assert.Len(t, seen, 4)
}
