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

// The long-poll transport itself is an external collaborator (§1): this
// file only owns the narrow seam between it and the decider core. It polls
// one workflow task at a time, drives it through a WorkflowTaskExecutor,
// and reports the result back. Dispatch pools, sticky-queue routing, and
// activity task handling are the worker layer's problem, not this poller's.

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	commonpb "go.temporal.io/temporal-proto/common"
	enumspb "go.temporal.io/temporal-proto/enums"
	"go.temporal.io/temporal-proto/serviceerror"
	"go.temporal.io/temporal-proto/workflowservice"

	"github.com/flowruntime/sdk/internal/common/backoff"
)

// pollTaskServiceTimeout bounds one long-poll round trip; the server's own
// long-poll budget is about a minute, so this pads well past that rather
// than racing it.
const pollTaskServiceTimeout = 3 * time.Minute

var pollRetryPolicy = newPollRetryPolicy()

func newPollRetryPolicy() *backoff.ExponentialRetryPolicy {
	policy := backoff.NewExponentialRetryPolicy(200 * time.Millisecond)
	policy.SetMaximumInterval(10 * time.Second)
	policy.SetExpirationInterval(backoff.NoInterval)
	return policy
}

// workflowTaskPoller polls one task queue for workflow tasks and feeds each
// one through a WorkflowTaskExecutor, the §2 "Workflow-task executor" leaf.
// Rate limiting exists because a worker that polls faster than its
// executor can drain tasks just piles up in-flight deciders; a
// misbehaving worker should back off rather than flood the server with
// polls it can't use.
type workflowTaskPoller struct {
	service     workflowservice.WorkflowServiceClient
	executor    *WorkflowTaskExecutor
	namespace   string
	taskQueue   string
	identity    string
	pollLimiter *rate.Limiter
	isRetryable backoff.IsRetryable
}

// newWorkflowTaskPoller wires a poller around an already-wrapped service
// client. The metrics and RPC-error wrappers in internal/common/{metrics,rpc}
// belong underneath this, not inside it — this file never constructs those
// wrappers itself, it only calls through whatever client it is given.
func newWorkflowTaskPoller(service workflowservice.WorkflowServiceClient, executor *WorkflowTaskExecutor, namespace, taskQueue, identity string, pollsPerSecond rate.Limit) *workflowTaskPoller {
	if pollsPerSecond <= 0 {
		pollsPerSecond = rate.Inf
	}
	return &workflowTaskPoller{
		service:     service,
		executor:    executor,
		namespace:   namespace,
		taskQueue:   taskQueue,
		identity:    identity,
		pollLimiter: rate.NewLimiter(pollsPerSecond, 1),
		isRetryable: isServiceTransientError,
	}
}

// poll blocks for at most one long-poll round trip and, if a task arrived,
// drives it to completion. Returns (true, nil) when a task was processed,
// (false, nil) on an empty poll (server timeout, nothing queued), and a
// non-nil error only for a failure the caller should surface.
func (wtp *workflowTaskPoller) poll(ctx context.Context) (bool, error) {
	if err := wtp.pollLimiter.Wait(ctx); err != nil {
		return false, err
	}

	response, err := wtp.pollForTask(ctx)
	if err != nil {
		return false, err
	}
	if response == nil || len(response.GetHistory().GetEvents()) == 0 {
		return false, nil
	}

	task := &WorkflowTask{
		WorkflowExecution:      response.WorkflowExecution,
		History:                response.History.GetEvents(),
		PreviousStartedEventID: response.PreviousStartedEventId,
	}

	result, execErr := wtp.executor.Execute(task)
	if execErr != nil {
		return true, wtp.respondFailed(ctx, response.TaskToken, execErr)
	}
	return true, wtp.respondCompleted(ctx, response.TaskToken, result.Commands)
}

func (wtp *workflowTaskPoller) pollForTask(ctx context.Context) (*workflowservice.PollForDecisionTaskResponse, error) {
	request := &workflowservice.PollForDecisionTaskRequest{
		Namespace: wtp.namespace,
		TaskList:  &commonpb.TaskList{Name: wtp.taskQueue},
		Identity:  wtp.identity,
	}

	var response *workflowservice.PollForDecisionTaskResponse
	err := backoff.Retry(ctx, func() error {
		pollCtx, cancel := context.WithTimeout(ctx, pollTaskServiceTimeout)
		defer cancel()
		var pollErr error
		response, pollErr = wtp.service.PollForDecisionTask(pollCtx, request)
		return pollErr
	}, pollRetryPolicy, wtp.isRetryable)
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (wtp *workflowTaskPoller) respondCompleted(ctx context.Context, taskToken []byte, commands []*Command) error {
	_, err := wtp.service.RespondDecisionTaskCompleted(ctx, &workflowservice.RespondDecisionTaskCompletedRequest{
		TaskToken: taskToken,
		Decisions: commands,
		Identity:  wtp.identity,
	})
	return err
}

func (wtp *workflowTaskPoller) respondFailed(ctx context.Context, taskToken []byte, cause error) error {
	_, err := wtp.service.RespondDecisionTaskFailed(ctx, &workflowservice.RespondDecisionTaskFailedRequest{
		TaskToken: taskToken,
		Cause:     enumspb.DecisionTaskFailedCause_Unhandled,
		Details:   []byte(cause.Error()),
		Identity:  wtp.identity,
	})
	return err
}

// isServiceTransientError classifies which poll/respond failures are worth
// retrying: everything else (bad request, already-started, not-found)
// should surface to the caller immediately rather than spin against an
// error the retry loop can never fix.
func isServiceTransientError(err error) bool {
	if err == nil {
		return false
	}
	switch err.(type) {
	case *serviceerror.InvalidArgument, *serviceerror.WorkflowExecutionAlreadyStarted, *serviceerror.NotFound:
		return false
	}
	type transient interface{ IsTransient() bool }
	if t, ok := err.(transient); ok {
		return t.IsTransient()
	}
	return true
}
