// The MIT License
//
// Copyright (c) 2020 Temporal Technologies Inc.  All rights reserved.
//
// Copyright (c) 2020 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package internal

import (
	"container/list"
	"sync"

	"go.uber.org/atomic"
)

// workflowTaskInfo is the minimal slice of a workflow task deciderCache
// needs: the run it belongs to and whether it carries full history.
type workflowTaskInfo struct {
	runID             string
	isFullHistory     bool // first event in the task's history has event id 1
	previousStartedID int64
}

// deciderCache is the §4.6 process-wide LRU of warm deciders, keyed by
// run_id. Sticky execution relies on this: as long as a run's decider stays
// cached, a later workflow task for that run only needs to replay the
// events since its last task, not the run's entire history.
type deciderCache struct {
	mu sync.Mutex

	maxSize      int
	entries      map[string]*list.Element // run_id -> element holding *deciderCacheEntry
	lru          *list.List               // front = most recently used
	inProcessing map[string]bool

	hit  *atomic.Int64
	miss *atomic.Int64
}

type deciderCacheEntry struct {
	runID   string
	decider *decider
}

func newDeciderCache(maxSize int) *deciderCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &deciderCache{
		maxSize:      maxSize,
		entries:      make(map[string]*list.Element),
		lru:          list.New(),
		inProcessing: make(map[string]bool),
		hit:          atomic.NewInt64(0),
		miss:         atomic.NewInt64(0),
	}
}

// getOrCreate implements §4.6's getOrCreate(task, createFn). A task that
// carries a full history (replaying from event id 1, e.g. after the worker
// that held the warm decider was lost) always invalidates whatever is
// cached for that run first, since a stale decider replaying a duplicate
// history would double-advance its state machines.
func (c *deciderCache) getOrCreate(task *workflowTaskInfo, createFn func() (*decider, error)) (*decider, error) {
	c.mu.Lock()
	if task.isFullHistory {
		c.removeLocked(task.runID)
	}
	if elem, ok := c.entries[task.runID]; ok {
		c.lru.MoveToFront(elem)
		c.inProcessing[task.runID] = true
		c.hit.Inc()
		entry := elem.Value.(*deciderCacheEntry)
		c.mu.Unlock()
		return entry.decider, nil
	}
	c.miss.Inc()
	c.mu.Unlock()

	d, err := createFn()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.inProcessing[task.runID] = true
	c.mu.Unlock()
	c.addToCache(task.runID, d)
	return d, nil
}

// markProcessingDone unpins run, making it eligible for eviction again.
func (c *deciderCache) markProcessingDone(task *workflowTaskInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inProcessing, task.runID)
}

// addToCache inserts decider under the cache's LRU size bound, evicting the
// oldest non-pinned entry if the cache is full.
func (c *deciderCache) addToCache(runID string, d *decider) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[runID]; ok {
		elem.Value.(*deciderCacheEntry).decider = d
		c.lru.MoveToFront(elem)
		return
	}

	for c.lru.Len() >= c.maxSize {
		if !c.evictOldestUnpinnedLocked("") {
			break
		}
	}

	elem := c.lru.PushFront(&deciderCacheEntry{runID: runID, decider: d})
	c.entries[runID] = elem
}

// evictAnyNotInProcessing force-evicts the oldest non-pinned entry other
// than exceptRun, freeing its coroutine threads, and reports whether one was
// found. Used when a saturated worker pool needs to reclaim memory.
func (c *deciderCache) evictAnyNotInProcessing(exceptRun string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictOldestUnpinnedLocked(exceptRun)
}

func (c *deciderCache) evictOldestUnpinnedLocked(exceptRun string) bool {
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*deciderCacheEntry)
		if entry.runID == exceptRun || c.inProcessing[entry.runID] {
			continue
		}
		c.removeElementLocked(elem)
		return true
	}
	return false
}

// remove evicts run unconditionally, regardless of its pin state. Used by
// the workflow-task executor when a task fails in a way that leaves the
// decider's state suspect (a non-deterministic replay, an unrecovered
// workflow panic) and it must not be handed to a later task for the run.
func (c *deciderCache) remove(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(runID)
}

func (c *deciderCache) removeLocked(runID string) {
	if elem, ok := c.entries[runID]; ok {
		c.removeElementLocked(elem)
	}
}

func (c *deciderCache) removeElementLocked(elem *list.Element) {
	entry := elem.Value.(*deciderCacheEntry)
	entry.decider.close()
	c.lru.Remove(elem)
	delete(c.entries, entry.runID)
	delete(c.inProcessing, entry.runID)
}

func (c *deciderCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
