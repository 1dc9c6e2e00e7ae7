// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool bounds the number of goroutines decoding images, so the batches of the loader
// and the classes of the partitioner are processed in parallel without oversubscribing the CPUs.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of tasks running concurrently. It can be shared by several callers.
type Pool struct {
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a Pool running at most maxParallelism tasks at a time.
// If maxParallelism <= 0 it uses runtime.NumCPU().
func New(maxParallelism int) *Pool {
	if maxParallelism <= 0 {
		maxParallelism = runtime.NumCPU()
	}
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism is the limit of concurrently running tasks.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// WaitToStart waits until there is a worker available and runs the task in a new goroutine.
//
// It's up to the caller to synchronize the end of the task.
func (p *Pool) WaitToStart(task func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.numRunning >= p.maxParallelism {
		p.cond.Wait()
	}
	p.numRunning++
	go func() {
		defer p.done()
		task()
	}()
}

func (p *Pool) done() {
	p.mu.Lock()
	p.numRunning--
	p.cond.Signal()
	p.mu.Unlock()
}

// ForEach calls fn(ii) for every ii in [0, n), in parallel, and waits for all calls to finish.
// It returns the error of the lowest index that failed, or nil.
//
// With MaxParallelism 1 the calls are made inline, in order.
func (p *Pool) ForEach(n int, fn func(ii int) error) error {
	errs := make([]error, n)
	if p.maxParallelism == 1 {
		for ii := range n {
			errs[ii] = fn(ii)
		}
	} else {
		var wg sync.WaitGroup
		for ii := range n {
			wg.Add(1)
			p.WaitToStart(func() {
				defer wg.Done()
				errs[ii] = fn(ii)
			})
		}
		wg.Wait()
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
