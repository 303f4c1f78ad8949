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

// worker.go wires the pieces the rest of the package keeps separate for
// testability (deciderCache, WorkflowTaskExecutor, workflowTaskPoller) into
// the one long-running process a caller actually starts. Building a
// DeciderFactory out of registered workflow types is the typed-proxy/stub
// layer's job (out of scope per §1); WorkerOptions takes one as a parameter
// instead of constructing it.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"go.temporal.io/temporal-proto/workflowservice"

	"github.com/flowruntime/sdk/internal/common/metrics"
)

type (
	// WorkerOptions configures an AggregatedWorker. Zero values pick the
	// same defaults the teacher's worker constructor did.
	WorkerOptions struct {
		// Namespace and TaskQueue select which decision tasks this worker
		// polls for; both are required.
		Namespace string
		TaskQueue string

		// Factory builds a fresh decider the first time a workflow run's
		// task arrives uncached. Required.
		Factory DeciderFactory

		// Identity identifies this worker process in RespondDecisionTask*
		// requests and the server's task-ownership bookkeeping. Defaults to
		// "<process ID>@<hostname>" if empty.
		Identity string

		// MaxConcurrentDecisionTaskPollers bounds how many goroutines poll
		// the task queue concurrently; defaults to 2.
		MaxConcurrentDecisionTaskPollers int

		// MaxCachedDeciders bounds the deciderCache's LRU size; defaults to
		// 10000 (see newDeciderCache).
		MaxCachedDeciders int

		// DecisionTaskPollsPerSecond rate-limits polling across all of this
		// worker's pollers combined; 0 means unlimited.
		DecisionTaskPollsPerSecond float64

		Logger       *zap.Logger
		MetricsScope tally.Scope
	}

	// Worker is the running process started by NewAggregatedWorker: a fixed
	// pool of goroutines each alternating between polling for a decision
	// task and driving it through a WorkflowTaskExecutor.
	Worker interface {
		Start() error
		Run() error
		Stop()
	}

	aggregatedWorker struct {
		service  workflowservice.WorkflowServiceClient
		executor *WorkflowTaskExecutor
		poller   *workflowTaskPoller
		options  WorkerOptions
		logger   *zap.Logger
		scope    tally.Scope

		stopCh  chan struct{}
		stopWG  sync.WaitGroup
		started bool
		mu      sync.Mutex
	}
)

// NewAggregatedWorker wires a deciderCache, a WorkflowTaskExecutor and a
// workflowTaskPoller around service, which it wraps here with the same
// metrics/RPC-error layers the client constructors apply (wrapServiceClient),
// and returns the Worker that polls and drives decision tasks until Stop is
// called.
func NewAggregatedWorker(service workflowservice.WorkflowServiceClient, options WorkerOptions) Worker {
	if options.Identity == "" {
		options.Identity = getWorkerIdentity("")
	}
	if options.MaxConcurrentDecisionTaskPollers <= 0 {
		options.MaxConcurrentDecisionTaskPollers = 2
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.MetricsScope == nil {
		options.MetricsScope = tally.NoopScope
	}

	cache := newDeciderCache(options.MaxCachedDeciders)
	executor := NewWorkflowTaskExecutor(cache, options.Factory)
	wrapped := wrapServiceClient(service, options.MetricsScope)
	poller := newWorkflowTaskPoller(
		wrapped,
		executor,
		options.Namespace,
		options.TaskQueue,
		options.Identity,
		rate.Limit(options.DecisionTaskPollsPerSecond),
	)

	scope := tagScope(options.MetricsScope, tagDomain, options.Namespace)
	return &aggregatedWorker{
		service:  service,
		executor: executor,
		poller:   poller,
		options:  options,
		logger:   options.Logger,
		scope:    scope,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the worker's poller goroutines and returns immediately.
func (aw *aggregatedWorker) Start() error {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.started {
		return nil
	}
	if aw.options.Factory == nil {
		return fmt.Errorf("worker: no DeciderFactory configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-aw.stopCh
		cancel()
	}()

	for i := 0; i < aw.options.MaxConcurrentDecisionTaskPollers; i++ {
		aw.stopWG.Add(1)
		go aw.runPoller(ctx)
	}
	aw.started = true
	aw.logger.Info("Started worker",
		zap.String("TaskQueue", aw.options.TaskQueue),
		zap.Int("Pollers", aw.options.MaxConcurrentDecisionTaskPollers))
	return nil
}

func (aw *aggregatedWorker) runPoller(ctx context.Context) {
	defer aw.stopWG.Done()
	for {
		select {
		case <-aw.stopCh:
			return
		default:
		}

		aw.scope.Counter(metrics.DecisionPollCounter).Inc(1)
		processed, err := aw.poller.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			aw.scope.Counter(metrics.DecisionPollFailedCounter).Inc(1)
			aw.logger.Error("Decision task poll failed", zap.Error(err))
			// Avoid a tight retry loop against a server that is down.
			time.Sleep(time.Second)
			continue
		}
		if !processed {
			aw.scope.Counter(metrics.DecisionPollNoTaskCounter).Inc(1)
			continue
		}
		aw.scope.Counter(metrics.DecisionPollSucceedCounter).Inc(1)
		aw.scope.Counter(metrics.DecisionTaskCompletedCounter).Inc(1)
	}
}

// Run is a blocking Start: it starts the worker and waits for Stop to be
// called from another goroutine (typically a signal handler owned by the
// caller, which is outside this package's concerns).
func (aw *aggregatedWorker) Run() error {
	if err := aw.Start(); err != nil {
		return err
	}
	aw.stopWG.Wait()
	return nil
}

// Stop signals every poller goroutine to exit and blocks until they do.
func (aw *aggregatedWorker) Stop() {
	aw.mu.Lock()
	if !aw.started {
		aw.mu.Unlock()
		return
	}
	aw.started = false
	aw.mu.Unlock()

	close(aw.stopCh)
	aw.stopWG.Wait()
}
