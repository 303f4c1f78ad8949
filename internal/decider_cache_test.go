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
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDecider() *decider {
	disp, _ := newDispatcher(background, func(ctx Context) {})
	return &decider{
		commands:        newCommandBuffer(),
		dispatcher:      disp,
		markers:         newMarkerHandler(newCommandBuffer(), nil),
		localActivities: newLocalActivityMarkerHandler(newCommandBuffer(), nil),
	}
}

func TestDeciderCache_GetOrCreate_MissThenHit(t *testing.T) {
	c := newDeciderCache(10)
	task := &workflowTaskInfo{runID: "run-1"}

	created := newTestDecider()
	var createCalls int
	d, err := c.getOrCreate(task, func() (*decider, error) {
		createCalls++
		return created, nil
	})
	require.NoError(t, err)
	require.Equal(t, created, d)
	require.Equal(t, 1, createCalls)
	require.Equal(t, 1, c.size())

	d2, err := c.getOrCreate(task, func() (*decider, error) {
		createCalls++
		return newTestDecider(), nil
	})
	require.NoError(t, err)
	require.Equal(t, created, d2)
	require.Equal(t, 1, createCalls, "second call should hit the cache, not call createFn again")
}

func TestDeciderCache_FullHistoryInvalidatesCachedEntry(t *testing.T) {
	c := newDeciderCache(10)
	task := &workflowTaskInfo{runID: "run-1"}

	first := newTestDecider()
	_, err := c.getOrCreate(task, func() (*decider, error) { return first, nil })
	require.NoError(t, err)
	c.markProcessingDone(task)

	task.isFullHistory = true
	second := newTestDecider()
	var createCalls int
	d, err := c.getOrCreate(task, func() (*decider, error) {
		createCalls++
		return second, nil
	})
	require.NoError(t, err)
	require.Equal(t, second, d)
	require.Equal(t, 1, createCalls)
}

func TestDeciderCache_EvictsOldestUnpinned(t *testing.T) {
	c := newDeciderCache(2)

	for _, runID := range []string{"run-1", "run-2"} {
		task := &workflowTaskInfo{runID: runID}
		d := newTestDecider()
		_, err := c.getOrCreate(task, func() (*decider, error) { return d, nil })
		require.NoError(t, err)
		c.markProcessingDone(task)
	}
	require.Equal(t, 2, c.size())

	task3 := &workflowTaskInfo{runID: "run-3"}
	_, err := c.getOrCreate(task3, func() (*decider, error) { return newTestDecider(), nil })
	require.NoError(t, err)

	require.Equal(t, 2, c.size(), "cache should stay at its size bound")
	_, stillCached := c.entries["run-1"]
	require.False(t, stillCached, "least recently used unpinned entry should be evicted")
}

func TestDeciderCache_PinnedEntryNotEvicted(t *testing.T) {
	c := newDeciderCache(1)
	task := &workflowTaskInfo{runID: "run-1"}
	_, err := c.getOrCreate(task, func() (*decider, error) { return newTestDecider(), nil })
	require.NoError(t, err)
	// run-1 stays pinned (never calls markProcessingDone): it is "in processing".

	evicted := c.evictAnyNotInProcessing("")
	require.False(t, evicted, "the only entry is pinned, nothing should be evicted")
	require.Equal(t, 1, c.size())
}

func TestDeciderCache_EvictAnyNotInProcessing(t *testing.T) {
	c := newDeciderCache(10)
	task := &workflowTaskInfo{runID: "run-1"}
	_, err := c.getOrCreate(task, func() (*decider, error) { return newTestDecider(), nil })
	require.NoError(t, err)
	c.markProcessingDone(task)

	evicted := c.evictAnyNotInProcessing("")
	require.True(t, evicted)
	require.Equal(t, 0, c.size())
}
