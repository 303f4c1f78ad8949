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
	"fmt"

	executionpb "go.temporal.io/temporal-proto/execution"
)

type (
	// WorkflowTask is the inbound unit of work the executor processes: the
	// slice of history needed for one decision, handed over by the long-poll
	// transport poller (out of scope per §1). isFullHistory is derived from
	// whether History's first event is event id 1 -- a task not routed to a
	// worker already holding a warm decider for this run.
	WorkflowTask struct {
		WorkflowExecution      *executionpb.WorkflowExecution
		History                []*Event
		PreviousStartedEventID int64
	}

	// WorkflowTaskResult is what handleWorkflowTask's output becomes once
	// the executor has finished driving a task: commands to send back to
	// the orchestration service.
	WorkflowTaskResult struct {
		WorkflowExecution *executionpb.WorkflowExecution
		Commands          []*Command
	}

	// DeciderFactory builds a fresh decider for a brand-new run, the first
	// time the executor sees its run id. The workflow-registry layer (out of
	// scope per §1's "typed-proxy/stub generation" boundary) supplies the
	// coroutine root function and non-stateful event handler a real decider
	// needs; the executor only needs this narrow seam to obtain one.
	DeciderFactory func(workflowExecution *executionpb.WorkflowExecution) *decider

	// WorkflowTaskExecutor is the §2 "Workflow-task executor" leaf: the
	// public entry point that, given an inbound workflow task, loads or
	// creates a decider from the cache, drives it, and returns the commands
	// it produced.
	WorkflowTaskExecutor struct {
		cache   *deciderCache
		factory DeciderFactory
	}
)

// NewWorkflowTaskExecutor wires an executor around cache and factory. cache
// may be shared across many concurrently executing runs; per-run
// serialization (§5's "at most one task per run in flight") is the caller's
// responsibility, since it depends on the transport layer's task
// dispatch, which is out of scope here.
func NewWorkflowTaskExecutor(cache *deciderCache, factory DeciderFactory) *WorkflowTaskExecutor {
	return &WorkflowTaskExecutor{cache: cache, factory: factory}
}

// Execute implements the executor's one operation. A failure surfaced from
// the decider (a NonDeterministicWorkflowError or an unrecovered workflow
// panic) evicts the run's cache entry unconditionally: that decider's
// internal state no longer corresponds to any prefix of history, so a later
// task for the same run must not be handed it back.
func (e *WorkflowTaskExecutor) Execute(task *WorkflowTask) (*WorkflowTaskResult, error) {
	if task.WorkflowExecution == nil {
		return nil, fmt.Errorf("workflow task missing workflow execution")
	}
	runID := task.WorkflowExecution.GetRunId()

	info := &workflowTaskInfo{
		runID:             runID,
		isFullHistory:     isFullHistory(task.History),
		previousStartedID: task.PreviousStartedEventID,
	}

	d, err := e.cache.getOrCreate(info, func() (*decider, error) {
		return e.factory(task.WorkflowExecution), nil
	})
	if err != nil {
		return nil, err
	}

	iter := NewHistoryIterator(NewSliceEventReader(task.History))
	commands, err := d.handleWorkflowTask(iter)
	if err != nil {
		e.cache.remove(runID)
		return nil, err
	}
	e.cache.markProcessingDone(info)

	return &WorkflowTaskResult{WorkflowExecution: task.WorkflowExecution, Commands: commands}, nil
}

// isFullHistory reports whether history starts at the beginning of the run,
// per §4.6's getOrCreate rule.
func isFullHistory(history []*Event) bool {
	return len(history) > 0 && history[0].GetEventId() == 1
}
