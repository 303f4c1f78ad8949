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

package rpc

import (
	"context"

	"github.com/gogo/status"
	"go.temporal.io/temporal-proto/failure"
	"go.temporal.io/temporal-proto/serviceerror"
	"go.temporal.io/temporal-proto/workflowservice"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

// workflowServiceErrorWrapper converts the grpc status errors the wire
// protocol carries into the serviceerror.* types the rest of this module
// switches on, so a decider or poller never has to know the transport is
// grpc at all. Embedding workflowservice.WorkflowServiceClient promotes every
// method the interface defines; only the calls actually made get an error
// conversion added.
type workflowServiceErrorWrapper struct {
	workflowservice.WorkflowServiceClient
}

// NewWorkflowServiceErrorWrapper wraps service so every error it returns is
// translated into a serviceerror.* value.
func NewWorkflowServiceErrorWrapper(service workflowservice.WorkflowServiceClient) workflowservice.WorkflowServiceClient {
	return &workflowServiceErrorWrapper{WorkflowServiceClient: service}
}

// convertError turns a grpc-status error into the matching serviceerror.*
// value. Status details carrying a typed failure (WorkflowExecutionAlreadyStarted
// being the one the wire protocol actually sends) take precedence over the
// plain status code, since the code alone can't distinguish a generic
// AlreadyExists from a workflow-already-started conflict.
func (w *workflowServiceErrorWrapper) convertError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	for _, detail := range st.Details() {
		if weas, ok := detail.(*failure.WorkflowExecutionAlreadyStarted); ok {
			return serviceerror.NewWorkflowExecutionAlreadyStarted(st.Message(), weas.StartRequestId, weas.RunId)
		}
	}

	switch st.Code() {
	case codes.NotFound:
		return serviceerror.NewNotFound(st.Message())
	case codes.AlreadyExists:
		return serviceerror.NewWorkflowExecutionAlreadyStarted(st.Message(), "", "")
	case codes.InvalidArgument:
		return serviceerror.NewInvalidArgument(st.Message())
	case codes.DeadlineExceeded:
		return serviceerror.NewDeadlineExceeded(st.Message())
	case codes.Unavailable:
		return serviceerror.NewUnavailable(st.Message())
	case codes.Canceled:
		return serviceerror.NewCanceled(st.Message())
	case codes.ResourceExhausted:
		return serviceerror.NewResourceExhausted(st.Message())
	default:
		return serviceerror.NewInternal(st.Message())
	}
}

func (w *workflowServiceErrorWrapper) DeprecateDomain(ctx context.Context, request *workflowservice.DeprecateDomainRequest, opts ...grpc.CallOption) (*workflowservice.DeprecateDomainResponse, error) {
	result, err := w.WorkflowServiceClient.DeprecateDomain(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) DescribeDomain(ctx context.Context, request *workflowservice.DescribeDomainRequest, opts ...grpc.CallOption) (*workflowservice.DescribeDomainResponse, error) {
	result, err := w.WorkflowServiceClient.DescribeDomain(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) GetWorkflowExecutionHistory(ctx context.Context, request *workflowservice.GetWorkflowExecutionHistoryRequest, opts ...grpc.CallOption) (*workflowservice.GetWorkflowExecutionHistoryResponse, error) {
	result, err := w.WorkflowServiceClient.GetWorkflowExecutionHistory(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) ListClosedWorkflowExecutions(ctx context.Context, request *workflowservice.ListClosedWorkflowExecutionsRequest, opts ...grpc.CallOption) (*workflowservice.ListClosedWorkflowExecutionsResponse, error) {
	result, err := w.WorkflowServiceClient.ListClosedWorkflowExecutions(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) ListOpenWorkflowExecutions(ctx context.Context, request *workflowservice.ListOpenWorkflowExecutionsRequest, opts ...grpc.CallOption) (*workflowservice.ListOpenWorkflowExecutionsResponse, error) {
	result, err := w.WorkflowServiceClient.ListOpenWorkflowExecutions(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) PollForActivityTask(ctx context.Context, request *workflowservice.PollForActivityTaskRequest, opts ...grpc.CallOption) (*workflowservice.PollForActivityTaskResponse, error) {
	result, err := w.WorkflowServiceClient.PollForActivityTask(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) PollForDecisionTask(ctx context.Context, request *workflowservice.PollForDecisionTaskRequest, opts ...grpc.CallOption) (*workflowservice.PollForDecisionTaskResponse, error) {
	result, err := w.WorkflowServiceClient.PollForDecisionTask(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) RecordActivityTaskHeartbeat(ctx context.Context, request *workflowservice.RecordActivityTaskHeartbeatRequest, opts ...grpc.CallOption) (*workflowservice.RecordActivityTaskHeartbeatResponse, error) {
	result, err := w.WorkflowServiceClient.RecordActivityTaskHeartbeat(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) RecordActivityTaskHeartbeatByID(ctx context.Context, request *workflowservice.RecordActivityTaskHeartbeatByIDRequest, opts ...grpc.CallOption) (*workflowservice.RecordActivityTaskHeartbeatByIDResponse, error) {
	result, err := w.WorkflowServiceClient.RecordActivityTaskHeartbeatByID(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) RegisterDomain(ctx context.Context, request *workflowservice.RegisterDomainRequest, opts ...grpc.CallOption) (*workflowservice.RegisterDomainResponse, error) {
	result, err := w.WorkflowServiceClient.RegisterDomain(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) RequestCancelWorkflowExecution(ctx context.Context, request *workflowservice.RequestCancelWorkflowExecutionRequest, opts ...grpc.CallOption) (*workflowservice.RequestCancelWorkflowExecutionResponse, error) {
	result, err := w.WorkflowServiceClient.RequestCancelWorkflowExecution(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) RespondActivityTaskCanceled(ctx context.Context, request *workflowservice.RespondActivityTaskCanceledRequest, opts ...grpc.CallOption) (*workflowservice.RespondActivityTaskCanceledResponse, error) {
	result, err := w.WorkflowServiceClient.RespondActivityTaskCanceled(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) RespondActivityTaskCompleted(ctx context.Context, request *workflowservice.RespondActivityTaskCompletedRequest, opts ...grpc.CallOption) (*workflowservice.RespondActivityTaskCompletedResponse, error) {
	result, err := w.WorkflowServiceClient.RespondActivityTaskCompleted(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) RespondActivityTaskFailed(ctx context.Context, request *workflowservice.RespondActivityTaskFailedRequest, opts ...grpc.CallOption) (*workflowservice.RespondActivityTaskFailedResponse, error) {
	result, err := w.WorkflowServiceClient.RespondActivityTaskFailed(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) RespondActivityTaskCanceledByID(ctx context.Context, request *workflowservice.RespondActivityTaskCanceledByIDRequest, opts ...grpc.CallOption) (*workflowservice.RespondActivityTaskCanceledByIDResponse, error) {
	result, err := w.WorkflowServiceClient.RespondActivityTaskCanceledByID(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) RespondActivityTaskCompletedByID(ctx context.Context, request *workflowservice.RespondActivityTaskCompletedByIDRequest, opts ...grpc.CallOption) (*workflowservice.RespondActivityTaskCompletedByIDResponse, error) {
	result, err := w.WorkflowServiceClient.RespondActivityTaskCompletedByID(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) RespondActivityTaskFailedByID(ctx context.Context, request *workflowservice.RespondActivityTaskFailedByIDRequest, opts ...grpc.CallOption) (*workflowservice.RespondActivityTaskFailedByIDResponse, error) {
	result, err := w.WorkflowServiceClient.RespondActivityTaskFailedByID(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) RespondDecisionTaskCompleted(ctx context.Context, request *workflowservice.RespondDecisionTaskCompletedRequest, opts ...grpc.CallOption) (*workflowservice.RespondDecisionTaskCompletedResponse, error) {
	result, err := w.WorkflowServiceClient.RespondDecisionTaskCompleted(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) SignalWorkflowExecution(ctx context.Context, request *workflowservice.SignalWorkflowExecutionRequest, opts ...grpc.CallOption) (*workflowservice.SignalWorkflowExecutionResponse, error) {
	result, err := w.WorkflowServiceClient.SignalWorkflowExecution(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) SignalWithStartWorkflowExecution(ctx context.Context, request *workflowservice.SignalWithStartWorkflowExecutionRequest, opts ...grpc.CallOption) (*workflowservice.SignalWithStartWorkflowExecutionResponse, error) {
	result, err := w.WorkflowServiceClient.SignalWithStartWorkflowExecution(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) StartWorkflowExecution(ctx context.Context, request *workflowservice.StartWorkflowExecutionRequest, opts ...grpc.CallOption) (*workflowservice.StartWorkflowExecutionResponse, error) {
	result, err := w.WorkflowServiceClient.StartWorkflowExecution(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) TerminateWorkflowExecution(ctx context.Context, request *workflowservice.TerminateWorkflowExecutionRequest, opts ...grpc.CallOption) (*workflowservice.TerminateWorkflowExecutionResponse, error) {
	result, err := w.WorkflowServiceClient.TerminateWorkflowExecution(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) ResetWorkflowExecution(ctx context.Context, request *workflowservice.ResetWorkflowExecutionRequest, opts ...grpc.CallOption) (*workflowservice.ResetWorkflowExecutionResponse, error) {
	result, err := w.WorkflowServiceClient.ResetWorkflowExecution(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) UpdateDomain(ctx context.Context, request *workflowservice.UpdateDomainRequest, opts ...grpc.CallOption) (*workflowservice.UpdateDomainResponse, error) {
	result, err := w.WorkflowServiceClient.UpdateDomain(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) QueryWorkflow(ctx context.Context, request *workflowservice.QueryWorkflowRequest, opts ...grpc.CallOption) (*workflowservice.QueryWorkflowResponse, error) {
	result, err := w.WorkflowServiceClient.QueryWorkflow(ctx, request, opts...)
	return result, w.convertError(err)
}

func (w *workflowServiceErrorWrapper) RespondQueryTaskCompleted(ctx context.Context, request *workflowservice.RespondQueryTaskCompletedRequest, opts ...grpc.CallOption) (*workflowservice.RespondQueryTaskCompletedResponse, error) {
	result, err := w.WorkflowServiceClient.RespondQueryTaskCompleted(ctx, request, opts...)
	return result, w.convertError(err)
}
