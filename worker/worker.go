// Copyright (c) 2017 Uber Technologies, Inc.
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

// Package worker contains functions to manage the lifecycle of a client-side
// decision task worker: the process that polls a task queue, drives each
// decision task through the replay engine, and reports the commands it
// produces back to the service.
package worker

import (
	"go.temporal.io/temporal-proto/workflowservice"

	"github.com/flowruntime/sdk/internal"
)

type (
	// Worker represents a running decision-task poller. Start/Stop manage
	// its lifecycle; Run is a blocking Start that returns once Stop is
	// called from another goroutine.
	Worker interface {
		Start() error
		Run() error
		Stop()
	}

	// Options configures a Worker.
	Options = internal.WorkerOptions

	// DeciderFactory builds the decider for a workflow run the first time
	// the cache sees its run id. Supplying one is the caller's
	// responsibility: binding a run id to a registered workflow type and
	// its coroutine entry point is the typed-proxy/stub-generation layer's
	// job, which this SDK leaves external.
	DeciderFactory = internal.DeciderFactory
)

// New creates a Worker that polls namespace/taskQueue for decision tasks
// using service, driving each one through the decider built by
// options.Factory.
//
//	service   - the workflow service client (long-poll transport)
//	namespace - the namespace the workflow runs belong to
//	taskQueue - identifies this worker's decision task queue
//	options   - pollers, cache size, identity, logging and metrics
func New(
	service workflowservice.WorkflowServiceClient,
	namespace string,
	taskQueue string,
	options Options,
) Worker {
	options.Namespace = namespace
	options.TaskQueue = taskQueue
	return internal.NewAggregatedWorker(service, options)
}
