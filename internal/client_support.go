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

// This file is the RPC-facing implementation behind the Client/DomainClient
// interfaces declared in client.go: connection setup (gRPC dialing,
// interceptors, identity/metrics tagging) and the two thin service-call
// wrappers, workflowClient and domainClient.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pborman/uuid"
	"github.com/uber-go/tally"
	"google.golang.org/grpc"

	commonpb "go.temporal.io/temporal-proto/common"
	enumspb "go.temporal.io/temporal-proto/enums"
	eventpb "go.temporal.io/temporal-proto/event"
	"go.temporal.io/temporal-proto/workflowservice"

	"github.com/flowruntime/sdk/internal/common/backoff"
	"github.com/flowruntime/sdk/internal/common/metrics"
	"github.com/flowruntime/sdk/internal/common/rpc"
)

const (
	// LocalHostPort is the default target NewClient/NewDomainClient dial
	// when ClientOptions.HostPort is left empty.
	LocalHostPort = "localhost:7233"

	clientImplHeaderName  = "client-name"
	clientImplHeaderValue = "flowruntime-go-sdk"

	tagDomain = "domain"

	// DefaultServiceConfig enables client-side round-robin across the
	// addresses a "dns:///" target resolves to.
	DefaultServiceConfig = `{"loadBalancingPolicy":"round_robin"}`

	clientRPCTimeout = 10 * time.Second

	// historyEventFilterTypeCloseEvent restricts GetWorkflowExecutionHistory
	// to return only the run's terminal event, the only one WorkflowRun.Get
	// cares about.
	historyEventFilterTypeCloseEvent = enumspb.HistoryEventFilterType_CloseEvent
)

type (
	// GRPCDialerParams carries what a custom GRPCDialer needs to reproduce
	// this client's required behavior (interceptors, service config)
	// alongside whatever else it wants to configure on the connection.
	GRPCDialerParams struct {
		HostPort             string
		RequiredInterceptors []grpc.UnaryClientInterceptor
		DefaultServiceConfig string
	}

	// GRPCDialer constructs the *grpc.ClientConn a Client/DomainClient is
	// built on. ClientOptions.GRPCDialer lets callers override transport
	// security, keepalive, or other dial options while still honoring
	// params.RequiredInterceptors.
	GRPCDialer func(params GRPCDialerParams) (*grpc.ClientConn, error)

	// WorkflowExecution identifies one run of one workflow.
	WorkflowExecution struct {
		ID    string
		RunID string
	}

	// WorkflowRun represents an ExecuteWorkflow/GetWorkflow handle: its run
	// identity, plus a blocking Get for the eventual result.
	WorkflowRun interface {
		// GetID returns the workflow ID (stable across continue-as-new).
		GetID() string
		// GetRunID returns the run ID of the first run of this workflow ID
		// this WorkflowRun was obtained for, even if that run continued-as-new.
		GetRunID() string
		// Get blocks until the workflow (following any continue-as-new
		// chain) completes, decoding its result into valuePtr.
		Get(ctx context.Context, valuePtr interface{}) error
	}

	workflowRunImpl struct {
		workflowID   string
		firstRunID   string
		currentRunID string
		client       *workflowClient
	}

	workflowClient struct {
		workflowService    workflowservice.WorkflowServiceClient
		connectionCloser   io.Closer
		domain             string
		registry           *registry
		metricsScope       *metrics.TaggedScope
		identity           string
		dataConverter      DataConverter
		contextPropagators []ContextPropagator
		tracer             opentracing.Tracer
	}

	domainClient struct {
		workflowService  workflowservice.WorkflowServiceClient
		connectionCloser io.Closer
		metricsScope     tally.Scope
		identity         string
	}
)

// tagScope tags scope (falling back to the no-op scope when nil) with the
// given key/value pairs and unwraps back to a plain tally.Scope, the shape
// ClientOptions.MetricsScope and the grpc interceptor constructors need.
func tagScope(scope tally.Scope, keyValueTags ...string) tally.Scope {
	return metrics.NewTaggedScope(scope).GetTaggedScope(keyValueTags...).Scope
}

// getWorkerIdentity formats a "pid@host" identity, falling back to
// os.Hostname() when host is empty. Workers and clients alike stamp this
// into every request's Identity field so server-side diagnostics can trace
// a task back to the process that issued or polled it.
func getWorkerIdentity(host string) string {
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "unknown"
		}
	}
	return fmt.Sprintf("%d@%s", os.Getpid(), host)
}

// requiredInterceptors returns the interceptor chain every GRPCDialer
// (default or custom) must include: a metrics timer/counter around each
// unary call.
func requiredInterceptors(metricsScope tally.Scope) []grpc.UnaryClientInterceptor {
	return []grpc.UnaryClientInterceptor{
		func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			scope := metricsScope.Tagged(map[string]string{"grpc_method": method})
			sw := scope.Timer("grpc_latency").Start()
			err := invoker(ctx, method, req, reply, cc, opts...)
			sw.Stop()
			if err != nil {
				scope.Counter("grpc_error").Inc(1)
			}
			return err
		},
	}
}

// defaultGRPCDialer dials params.HostPort with an insecure transport (the
// server is expected to sit behind its own TLS-terminating proxy in
// production deployments) and the required interceptor chain.
func defaultGRPCDialer(params GRPCDialerParams) (*grpc.ClientConn, error) {
	return grpc.Dial(
		params.HostPort,
		grpc.WithInsecure(),
		grpc.WithChainUnaryInterceptor(params.RequiredInterceptors...),
		grpc.WithDefaultServiceConfig(params.DefaultServiceConfig),
	)
}

// toProtoRetryPolicy converts a client-facing RetryPolicy to the wire shape,
// rounding every duration field up to whole seconds the same way
// StartWorkflowExecutionRequest's timeout fields are built. Returns nil for a
// nil policy, matching fromProtoRetryPolicy's inverse used by the local
// activity/retry test harness.
func toProtoRetryPolicy(p *RetryPolicy) *commonpb.RetryPolicy {
	if p == nil {
		return nil
	}
	return &commonpb.RetryPolicy{
		InitialIntervalInSeconds: int32(math.Ceil(p.InitialInterval.Seconds())),
		BackoffCoefficient:       p.BackoffCoefficient,
		MaximumIntervalInSeconds: int32(math.Ceil(p.MaximumInterval.Seconds())),
		MaximumAttempts:          p.MaximumAttempts,
		NonRetryableErrorTypes:   p.NonRetriableErrorReasons,
	}
}

// toProtoMemo encodes a memo map's values individually, the same per-field
// encoding convertErrDetailsToPayloads/encodeArgs use for argument lists.
func toProtoMemo(memo map[string]interface{}, dc DataConverter) *commonpb.Memo {
	if len(memo) == 0 {
		return nil
	}
	fields := make(map[string]*commonpb.Payload, len(memo))
	for key, value := range memo {
		payloads, err := encodeArgs(dc, []interface{}{value})
		if err != nil {
			panic(err)
		}
		fields[key] = payloads.GetPayloads()[0]
	}
	return &commonpb.Memo{Fields: fields}
}

// singlePayload returns the first payload of a batch, or nil for an empty or
// absent one - the shape QueryWorkflow's single-value result needs.
func singlePayload(payloads *commonpb.Payloads) *commonpb.Payload {
	ps := payloads.GetPayloads()
	if len(ps) == 0 {
		return nil
	}
	return ps[0]
}

func ensureRequestTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, clientRPCTimeout)
}

func (wc *workflowClient) rpcRetry(ctx context.Context, op backoff.Operation) error {
	return backoff.Retry(ctx, op, pollRetryPolicy, isServiceTransientError)
}

// ExecuteWorkflow starts a new workflow execution and returns a handle to it.
func (wc *workflowClient) ExecuteWorkflow(ctx context.Context, options StartWorkflowOptions, workflow interface{}, args ...interface{}) (WorkflowRun, error) {
	workflowType, input, err := getValidatedWorkflowFunction(workflow, args, wc.dataConverter, wc.registry)
	if err != nil {
		return nil, err
	}

	if options.ID == "" {
		options.ID = uuid.New()
	}
	if options.WorkflowIDReusePolicy == 0 && options.ID != "" {
		options.WorkflowIDReusePolicy = WorkflowIDReusePolicyAllowDuplicateFailedOnly
	}
	if options.DecisionTaskStartToCloseTimeout == 0 {
		options.DecisionTaskStartToCloseTimeout = 10 * time.Second
	}

	header, err := getHeader(ctx, wc.contextPropagators)
	if err != nil {
		return nil, err
	}

	request := &workflowservice.StartWorkflowExecutionRequest{
		Namespace:                       wc.domain,
		RequestId:                       uuid.New(),
		WorkflowId:                      options.ID,
		WorkflowType:                    &commonpb.WorkflowType{Name: workflowType.Name},
		TaskList:                        &commonpb.TaskList{Name: options.TaskList},
		Input:                           input,
		WorkflowExecutionTimeoutSeconds: int32(math.Ceil(options.ExecutionStartToCloseTimeout.Seconds())),
		WorkflowTaskTimeoutSeconds:      int32(math.Ceil(options.DecisionTaskStartToCloseTimeout.Seconds())),
		Identity:                        wc.identity,
		WorkflowIdReusePolicy:           options.WorkflowIDReusePolicy.toProto(),
		RetryPolicy:                     toProtoRetryPolicy(options.RetryPolicy),
		CronSchedule:                    options.CronSchedule,
		Memo:                            toProtoMemo(options.Memo, wc.dataConverter),
		Header:                          header,
	}

	var response *workflowservice.StartWorkflowExecutionResponse
	err = wc.rpcRetry(ctx, func() error {
		rpcCtx, cancel := ensureRequestTimeout(ctx)
		defer cancel()
		var rpcErr error
		response, rpcErr = wc.workflowService.StartWorkflowExecution(rpcCtx, request)
		return rpcErr
	})
	if err != nil {
		return nil, err
	}

	return &workflowRunImpl{
		workflowID:   options.ID,
		firstRunID:   response.GetRunId(),
		currentRunID: response.GetRunId(),
		client:       wc,
	}, nil
}

// GetWorkflow returns a handle to an already-started (or already-completed)
// workflow execution, without validating that it exists until Get is called.
func (wc *workflowClient) GetWorkflow(ctx context.Context, workflowID string, runID string) WorkflowRun {
	return &workflowRunImpl{
		workflowID:   workflowID,
		firstRunID:   runID,
		currentRunID: runID,
		client:       wc,
	}
}

func (wc *workflowClient) SignalWorkflow(ctx context.Context, workflowID string, runID string, signalName string, arg interface{}) error {
	input, err := encodeArgs(wc.dataConverter, []interface{}{arg})
	if err != nil {
		return err
	}
	request := &workflowservice.SignalWorkflowExecutionRequest{
		Namespace: wc.domain,
		WorkflowExecution: &commonpb.WorkflowExecution{
			WorkflowId: workflowID,
			RunId:      runID,
		},
		SignalName: signalName,
		Input:      input,
		Identity:   wc.identity,
		RequestId:  uuid.New(),
	}
	return wc.rpcRetry(ctx, func() error {
		rpcCtx, cancel := ensureRequestTimeout(ctx)
		defer cancel()
		_, rpcErr := wc.workflowService.SignalWorkflowExecution(rpcCtx, request)
		return rpcErr
	})
}

func (wc *workflowClient) SignalWithStartWorkflow(ctx context.Context, workflowID string, signalName string, signalArg interface{},
	options StartWorkflowOptions, workflow interface{}, workflowArgs ...interface{}) (*WorkflowExecution, error) {
	workflowType, input, err := getValidatedWorkflowFunction(workflow, workflowArgs, wc.dataConverter, wc.registry)
	if err != nil {
		return nil, err
	}
	signalInput, err := encodeArgs(wc.dataConverter, []interface{}{signalArg})
	if err != nil {
		return nil, err
	}

	if workflowID == "" {
		workflowID = uuid.New()
	}
	if options.DecisionTaskStartToCloseTimeout == 0 {
		options.DecisionTaskStartToCloseTimeout = 10 * time.Second
	}

	header, err := getHeader(ctx, wc.contextPropagators)
	if err != nil {
		return nil, err
	}

	request := &workflowservice.SignalWithStartWorkflowExecutionRequest{
		Namespace:                       wc.domain,
		RequestId:                       uuid.New(),
		WorkflowId:                      workflowID,
		WorkflowType:                    &commonpb.WorkflowType{Name: workflowType.Name},
		TaskList:                        &commonpb.TaskList{Name: options.TaskList},
		Input:                           input,
		WorkflowExecutionTimeoutSeconds: int32(math.Ceil(options.ExecutionStartToCloseTimeout.Seconds())),
		WorkflowTaskTimeoutSeconds:      int32(math.Ceil(options.DecisionTaskStartToCloseTimeout.Seconds())),
		Identity:                        wc.identity,
		WorkflowIdReusePolicy:           options.WorkflowIDReusePolicy.toProto(),
		SignalName:                      signalName,
		SignalInput:                     signalInput,
		RetryPolicy:                     toProtoRetryPolicy(options.RetryPolicy),
		CronSchedule:                    options.CronSchedule,
		Memo:                            toProtoMemo(options.Memo, wc.dataConverter),
		Header:                          header,
	}

	var response *workflowservice.SignalWithStartWorkflowExecutionResponse
	err = wc.rpcRetry(ctx, func() error {
		rpcCtx, cancel := ensureRequestTimeout(ctx)
		defer cancel()
		var rpcErr error
		response, rpcErr = wc.workflowService.SignalWithStartWorkflowExecution(rpcCtx, request)
		return rpcErr
	})
	if err != nil {
		return nil, err
	}
	return &WorkflowExecution{ID: workflowID, RunID: response.GetRunId()}, nil
}

func (wc *workflowClient) CancelWorkflow(ctx context.Context, workflowID string, runID string) error {
	request := &workflowservice.RequestCancelWorkflowExecutionRequest{
		Namespace: wc.domain,
		WorkflowExecution: &commonpb.WorkflowExecution{
			WorkflowId: workflowID,
			RunId:      runID,
		},
		Identity:  wc.identity,
		RequestId: uuid.New(),
	}
	return wc.rpcRetry(ctx, func() error {
		rpcCtx, cancel := ensureRequestTimeout(ctx)
		defer cancel()
		_, rpcErr := wc.workflowService.RequestCancelWorkflowExecution(rpcCtx, request)
		return rpcErr
	})
}

func (wc *workflowClient) TerminateWorkflow(ctx context.Context, workflowID string, runID string, reason string, details []byte) error {
	request := &workflowservice.TerminateWorkflowExecutionRequest{
		Namespace: wc.domain,
		WorkflowExecution: &commonpb.WorkflowExecution{
			WorkflowId: workflowID,
			RunId:      runID,
		},
		Reason:   reason,
		Identity: wc.identity,
	}
	if len(details) > 0 {
		request.Details = &commonpb.Payloads{Payloads: []*commonpb.Payload{{Data: details}}}
	}
	return wc.rpcRetry(ctx, func() error {
		rpcCtx, cancel := ensureRequestTimeout(ctx)
		defer cancel()
		_, rpcErr := wc.workflowService.TerminateWorkflowExecution(rpcCtx, request)
		return rpcErr
	})
}

func (wc *workflowClient) CompleteActivity(ctx context.Context, taskToken []byte, result interface{}, err error) error {
	request, rpcErr := completeRequest(taskToken, result, err, wc.identity, wc.dataConverter)
	if rpcErr != nil {
		return rpcErr
	}
	return wc.rpcRetry(ctx, func() error {
		rpcCtx, cancel := ensureRequestTimeout(ctx)
		defer cancel()
		return completeActivity(rpcCtx, wc.workflowService, request)
	})
}

func (wc *workflowClient) CompleteActivityByID(ctx context.Context, domain, workflowID, runID, activityID string, result interface{}, err error) error {
	request, rpcErr := completeByIDRequest(domain, workflowID, runID, activityID, result, err, wc.identity, wc.dataConverter)
	if rpcErr != nil {
		return rpcErr
	}
	return wc.rpcRetry(ctx, func() error {
		rpcCtx, cancel := ensureRequestTimeout(ctx)
		defer cancel()
		return completeActivityByID(rpcCtx, wc.workflowService, request)
	})
}

// completeRequest builds the RespondActivityTask{Completed,Canceled,Failed}
// request matching result/err, the same three-way split
// executeActivityWithRetryForTest's result handling makes in the test harness.
func completeRequest(taskToken []byte, result interface{}, err error, identity string, dc DataConverter) (interface{}, error) {
	if err == nil {
		data, encErr := encodeArgs(dc, []interface{}{result})
		if encErr != nil {
			return nil, encErr
		}
		return &workflowservice.RespondActivityTaskCompletedRequest{
			TaskToken: taskToken,
			Result:    data,
			Identity:  identity,
		}, nil
	}

	var canceledErr *CanceledError
	if errors.As(err, &canceledErr) {
		return &workflowservice.RespondActivityTaskCanceledRequest{
			TaskToken: taskToken,
			Details:   convertErrDetailsToPayloads(canceledErr.details, dc),
			Identity:  identity,
		}, nil
	}

	return &workflowservice.RespondActivityTaskFailedRequest{
		TaskToken: taskToken,
		Failure:   convertErrorToFailure(err, dc),
		Identity:  identity,
	}, nil
}

// completeByIDRequest is completeRequest's ById-addressed counterpart.
func completeByIDRequest(domain, workflowID, runID, activityID string, result interface{}, err error, identity string, dc DataConverter) (interface{}, error) {
	if err == nil {
		data, encErr := encodeArgs(dc, []interface{}{result})
		if encErr != nil {
			return nil, encErr
		}
		return &workflowservice.RespondActivityTaskCompletedByIdRequest{
			Namespace:  domain,
			WorkflowId: workflowID,
			RunId:      runID,
			ActivityId: activityID,
			Result:     data,
			Identity:   identity,
		}, nil
	}

	var canceledErr *CanceledError
	if errors.As(err, &canceledErr) {
		return &workflowservice.RespondActivityTaskCanceledByIdRequest{
			Namespace:  domain,
			WorkflowId: workflowID,
			RunId:      runID,
			ActivityId: activityID,
			Details:    convertErrDetailsToPayloads(canceledErr.details, dc),
			Identity:   identity,
		}, nil
	}

	return &workflowservice.RespondActivityTaskFailedByIdRequest{
		Namespace:  domain,
		WorkflowId: workflowID,
		RunId:      runID,
		ActivityId: activityID,
		Failure:    convertErrorToFailure(err, dc),
		Identity:   identity,
	}, nil
}

// completeActivity issues whichever RespondActivityTask* RPC matches
// request's concrete type, built by completeRequest.
func completeActivity(ctx context.Context, client workflowservice.WorkflowServiceClient, request interface{}) error {
	var err error
	switch r := request.(type) {
	case *workflowservice.RespondActivityTaskCompletedRequest:
		_, err = client.RespondActivityTaskCompleted(ctx, r)
	case *workflowservice.RespondActivityTaskCanceledRequest:
		_, err = client.RespondActivityTaskCanceled(ctx, r)
	case *workflowservice.RespondActivityTaskFailedRequest:
		_, err = client.RespondActivityTaskFailed(ctx, r)
	default:
		err = fmt.Errorf("unexpected activity completion request type %T", request)
	}
	return err
}

// completeActivityByID is completeActivity's ById-addressed counterpart.
func completeActivityByID(ctx context.Context, client workflowservice.WorkflowServiceClient, request interface{}) error {
	var err error
	switch r := request.(type) {
	case *workflowservice.RespondActivityTaskCompletedByIdRequest:
		_, err = client.RespondActivityTaskCompletedById(ctx, r)
	case *workflowservice.RespondActivityTaskCanceledByIdRequest:
		_, err = client.RespondActivityTaskCanceledById(ctx, r)
	case *workflowservice.RespondActivityTaskFailedByIdRequest:
		_, err = client.RespondActivityTaskFailedById(ctx, r)
	default:
		err = fmt.Errorf("unexpected activity completion request type %T", request)
	}
	return err
}

func (wc *workflowClient) RecordActivityHeartbeat(ctx context.Context, taskToken []byte, details ...interface{}) error {
	payloads, err := encodeArgs(wc.dataConverter, details)
	if err != nil {
		return err
	}
	request := &workflowservice.RecordActivityTaskHeartbeatRequest{
		TaskToken: taskToken,
		Details:   payloads,
		Identity:  wc.identity,
	}
	var response *workflowservice.RecordActivityTaskHeartbeatResponse
	err = wc.rpcRetry(ctx, func() error {
		rpcCtx, cancel := ensureRequestTimeout(ctx)
		defer cancel()
		var rpcErr error
		response, rpcErr = wc.workflowService.RecordActivityTaskHeartbeat(rpcCtx, request)
		return rpcErr
	})
	if err != nil {
		return err
	}
	if response.GetCancelRequested() {
		return NewCanceledError()
	}
	return nil
}

func (wc *workflowClient) RecordActivityHeartbeatByID(ctx context.Context, domain, workflowID, runID, activityID string, details ...interface{}) error {
	payloads, err := encodeArgs(wc.dataConverter, details)
	if err != nil {
		return err
	}
	request := &workflowservice.RecordActivityTaskHeartbeatByIdRequest{
		Namespace:  domain,
		WorkflowId: workflowID,
		RunId:      runID,
		ActivityId: activityID,
		Details:    payloads,
		Identity:   wc.identity,
	}
	var response *workflowservice.RecordActivityTaskHeartbeatByIdResponse
	err = wc.rpcRetry(ctx, func() error {
		rpcCtx, cancel := ensureRequestTimeout(ctx)
		defer cancel()
		var rpcErr error
		response, rpcErr = wc.workflowService.RecordActivityTaskHeartbeatById(rpcCtx, request)
		return rpcErr
	})
	if err != nil {
		return err
	}
	if response.GetCancelRequested() {
		return NewCanceledError()
	}
	return nil
}

func (wc *workflowClient) QueryWorkflow(ctx context.Context, workflowID string, runID string, queryType string, args ...interface{}) (Value, error) {
	input, err := encodeArgs(wc.dataConverter, args)
	if err != nil {
		return nil, err
	}
	request := &workflowservice.QueryWorkflowRequest{
		Namespace: wc.domain,
		Execution: &commonpb.WorkflowExecution{
			WorkflowId: workflowID,
			RunId:      runID,
		},
		Query: &commonpb.WorkflowQuery{
			QueryType: queryType,
			QueryArgs: input,
		},
	}
	var response *workflowservice.QueryWorkflowResponse
	err = wc.rpcRetry(ctx, func() error {
		rpcCtx, cancel := ensureRequestTimeout(ctx)
		defer cancel()
		var rpcErr error
		response, rpcErr = wc.workflowService.QueryWorkflow(rpcCtx, request)
		return rpcErr
	})
	if err != nil {
		return nil, err
	}
	return newEncodedValue(singlePayload(response.GetQueryResult()), wc.dataConverter), nil
}

func (wc *workflowClient) CloseConnection() error {
	if wc.connectionCloser == nil {
		return nil
	}
	return wc.connectionCloser.Close()
}

func (r *workflowRunImpl) GetID() string    { return r.workflowID }
func (r *workflowRunImpl) GetRunID() string { return r.firstRunID }

// Get polls GetWorkflowExecutionHistory for the close event, following any
// continue-as-new chain (§ starting run's RunID never changes, but the run
// that actually produced the result may be a later one).
func (r *workflowRunImpl) Get(ctx context.Context, valuePtr interface{}) error {
	for {
		request := &workflowservice.GetWorkflowExecutionHistoryRequest{
			Namespace: r.client.domain,
			Execution: &commonpb.WorkflowExecution{
				WorkflowId: r.workflowID,
				RunId:      r.currentRunID,
			},
			WaitForNewEvent:        true,
			HistoryEventFilterType: historyEventFilterTypeCloseEvent,
		}

		var response *workflowservice.GetWorkflowExecutionHistoryResponse
		err := r.client.rpcRetry(ctx, func() error {
			rpcCtx, cancel := context.WithTimeout(ctx, pollTaskServiceTimeout)
			defer cancel()
			var rpcErr error
			response, rpcErr = r.client.workflowService.GetWorkflowExecutionHistory(rpcCtx, request)
			return rpcErr
		})
		if err != nil {
			return err
		}

		events := response.GetHistory().GetEvents()
		if len(events) == 0 {
			continue
		}
		closeEvent := events[len(events)-1]

		nextRunID, resultErr := decodeCloseEvent(closeEvent, r.client.dataConverter, valuePtr)
		if nextRunID != "" {
			r.currentRunID = nextRunID
			continue
		}
		return resultErr
	}
}

// decodeCloseEvent classifies a workflow's terminal history event and
// decodes its outcome into valuePtr. A non-empty nextRunID means the run
// continued-as-new and the caller should keep polling against it instead of
// treating resultErr as final.
func decodeCloseEvent(event *eventpb.HistoryEvent, dc DataConverter, valuePtr interface{}) (nextRunID string, resultErr error) {
	switch event.GetEventType() {
	case eventpb.EventType_WorkflowExecutionCompleted:
		attrs := event.GetWorkflowExecutionCompletedEventAttributes()
		if valuePtr != nil {
			resultErr = newEncodedValues(attrs.GetResult(), dc).Get(valuePtr)
		}
		return "", resultErr
	case eventpb.EventType_WorkflowExecutionFailed:
		attrs := event.GetWorkflowExecutionFailedEventAttributes()
		return "", convertFailureToError(attrs.GetFailure(), dc)
	case eventpb.EventType_WorkflowExecutionCanceled:
		attrs := event.GetWorkflowExecutionCanceledEventAttributes()
		return "", NewCanceledError(newEncodedValues(attrs.GetDetails(), dc))
	case eventpb.EventType_WorkflowExecutionTerminated:
		return "", newTerminatedError()
	case eventpb.EventType_WorkflowExecutionTimedOut:
		return "", NewTimeoutError(enumspb.TimeoutType_StartToClose, nil)
	case eventpb.EventType_WorkflowExecutionContinuedAsNew:
		attrs := event.GetWorkflowExecutionContinuedAsNewEventAttributes()
		return attrs.GetNewExecutionRunId(), nil
	default:
		return "", fmt.Errorf("unexpected close event type %v", event.GetEventType())
	}
}

func (dc *domainClient) Register(ctx context.Context, request *workflowservice.RegisterDomainRequest) error {
	return backoff.Retry(ctx, func() error {
		rpcCtx, cancel := ensureRequestTimeout(ctx)
		defer cancel()
		_, err := dc.workflowService.RegisterDomain(rpcCtx, request)
		return err
	}, pollRetryPolicy, isServiceTransientError)
}

func (dc *domainClient) Describe(ctx context.Context, name string) (*workflowservice.DescribeDomainResponse, error) {
	request := &workflowservice.DescribeDomainRequest{Name: name}
	var response *workflowservice.DescribeDomainResponse
	err := backoff.Retry(ctx, func() error {
		rpcCtx, cancel := ensureRequestTimeout(ctx)
		defer cancel()
		var rpcErr error
		response, rpcErr = dc.workflowService.DescribeDomain(rpcCtx, request)
		return rpcErr
	}, pollRetryPolicy, isServiceTransientError)
	return response, err
}

func (dc *domainClient) Update(ctx context.Context, request *workflowservice.UpdateDomainRequest) error {
	return backoff.Retry(ctx, func() error {
		rpcCtx, cancel := ensureRequestTimeout(ctx)
		defer cancel()
		_, err := dc.workflowService.UpdateDomain(rpcCtx, request)
		return err
	}, pollRetryPolicy, isServiceTransientError)
}

func (dc *domainClient) CloseConnection() error {
	if dc.connectionCloser == nil {
		return nil
	}
	return dc.connectionCloser.Close()
}

// wrapServiceClient layers the metrics and RPC-error wrappers from
// internal/common/{metrics,rpc} around a raw workflowservice client, the
// same composition internal_task_pollers.go expects of whatever client it is
// handed.
func wrapServiceClient(client workflowservice.WorkflowServiceClient, scope tally.Scope) workflowservice.WorkflowServiceClient {
	wrapped := rpc.NewWorkflowServiceErrorWrapper(client)
	return metrics.NewWorkflowServiceWrapper(wrapped, scope)
}
