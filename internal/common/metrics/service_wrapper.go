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

package metrics

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.temporal.io/temporal-proto/serviceerror"
	"go.temporal.io/temporal-proto/workflowservice"
	"google.golang.org/grpc"
)

// NewMetricsScope builds a tally.Scope backed by a CapturingStatsReporter,
// wrapped to suppress counters while *isReplay reports true. Production
// workers hang their own tally reporter off the same WrapScope; this
// constructor exists for callers (and tests) that just need a scope plus a
// way to read back what was reported.
func NewMetricsScope(isReplay *bool) (tally.Scope, io.Closer, *CapturingStatsReporter) {
	reporter := &CapturingStatsReporter{}
	opts := tally.ScopeOptions{Reporter: reporter}
	scope, closer := tally.NewRootScope(opts, time.Second)
	return WrapScope(isReplay, scope, &realClock{}), closer, reporter
}

// workflowServiceMetricsWrapper reports a request counter, an optional
// invalid-request/error counter, and a latency timer around every RPC made
// through the embedded client. Embedding workflowservice.WorkflowServiceClient
// promotes every method the interface defines, so methods this file doesn't
// override still satisfy the interface -- only the calls actually exercised
// get metrics added.
type workflowServiceMetricsWrapper struct {
	workflowservice.WorkflowServiceClient
	scope tally.Scope
}

// NewWorkflowServiceWrapper adds per-call metrics to service, reporting
// against scope.
func NewWorkflowServiceWrapper(service workflowservice.WorkflowServiceClient, scope tally.Scope) workflowservice.WorkflowServiceClient {
	return &workflowServiceMetricsWrapper{WorkflowServiceClient: service, scope: scope}
}

func (w *workflowServiceMetricsWrapper) reportMetrics(methodName string, err error, start time.Time) {
	name := TemporalMetricsPrefix + methodName + "."
	w.scope.Counter(name + TemporalRequest).Inc(1)
	if err != nil {
		if isInvalidRequestError(err) {
			w.scope.Counter(name + TemporalInvalidRequest).Inc(1)
		} else {
			w.scope.Counter(name + TemporalError).Inc(1)
		}
	}
	w.scope.Timer(name + TemporalLatency).Record(time.Since(start))
}

// isInvalidRequestError distinguishes caller mistakes (bad workflow id,
// already-completed execution, and the like) from server-side failures, so
// dashboards built on TemporalInvalidRequest aren't polluted by retryable
// server errors and vice versa.
func isInvalidRequestError(err error) bool {
	switch err.(type) {
	case *serviceerror.NotFound,
		*serviceerror.InvalidArgument,
		*serviceerror.WorkflowExecutionAlreadyStarted,
		*serviceerror.NamespaceNotActive,
		*serviceerror.QueryFailed:
		return true
	default:
		return false
	}
}

func (w *workflowServiceMetricsWrapper) DeprecateDomain(ctx context.Context, request *workflowservice.DeprecateDomainRequest, opts ...grpc.CallOption) (*workflowservice.DeprecateDomainResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.DeprecateDomain(ctx, request, opts...)
	w.reportMetrics("DeprecateDomain", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) DescribeDomain(ctx context.Context, request *workflowservice.DescribeDomainRequest, opts ...grpc.CallOption) (*workflowservice.DescribeDomainResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.DescribeDomain(ctx, request, opts...)
	w.reportMetrics("DescribeDomain", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) GetWorkflowExecutionHistory(ctx context.Context, request *workflowservice.GetWorkflowExecutionHistoryRequest, opts ...grpc.CallOption) (*workflowservice.GetWorkflowExecutionHistoryResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.GetWorkflowExecutionHistory(ctx, request, opts...)
	w.reportMetrics("GetWorkflowExecutionHistory", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) ListClosedWorkflowExecutions(ctx context.Context, request *workflowservice.ListClosedWorkflowExecutionsRequest, opts ...grpc.CallOption) (*workflowservice.ListClosedWorkflowExecutionsResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.ListClosedWorkflowExecutions(ctx, request, opts...)
	w.reportMetrics("ListClosedWorkflowExecutions", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) ListOpenWorkflowExecutions(ctx context.Context, request *workflowservice.ListOpenWorkflowExecutionsRequest, opts ...grpc.CallOption) (*workflowservice.ListOpenWorkflowExecutionsResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.ListOpenWorkflowExecutions(ctx, request, opts...)
	w.reportMetrics("ListOpenWorkflowExecutions", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) PollForActivityTask(ctx context.Context, request *workflowservice.PollForActivityTaskRequest, opts ...grpc.CallOption) (*workflowservice.PollForActivityTaskResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.PollForActivityTask(ctx, request, opts...)
	w.reportMetrics("PollForActivityTask", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) PollForDecisionTask(ctx context.Context, request *workflowservice.PollForDecisionTaskRequest, opts ...grpc.CallOption) (*workflowservice.PollForDecisionTaskResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.PollForDecisionTask(ctx, request, opts...)
	w.reportMetrics("PollForDecisionTask", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) RecordActivityTaskHeartbeat(ctx context.Context, request *workflowservice.RecordActivityTaskHeartbeatRequest, opts ...grpc.CallOption) (*workflowservice.RecordActivityTaskHeartbeatResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.RecordActivityTaskHeartbeat(ctx, request, opts...)
	w.reportMetrics("RecordActivityTaskHeartbeat", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) RecordActivityTaskHeartbeatByID(ctx context.Context, request *workflowservice.RecordActivityTaskHeartbeatByIDRequest, opts ...grpc.CallOption) (*workflowservice.RecordActivityTaskHeartbeatByIDResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.RecordActivityTaskHeartbeatByID(ctx, request, opts...)
	w.reportMetrics("RecordActivityTaskHeartbeatByID", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) RegisterDomain(ctx context.Context, request *workflowservice.RegisterDomainRequest, opts ...grpc.CallOption) (*workflowservice.RegisterDomainResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.RegisterDomain(ctx, request, opts...)
	w.reportMetrics("RegisterDomain", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) RequestCancelWorkflowExecution(ctx context.Context, request *workflowservice.RequestCancelWorkflowExecutionRequest, opts ...grpc.CallOption) (*workflowservice.RequestCancelWorkflowExecutionResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.RequestCancelWorkflowExecution(ctx, request, opts...)
	w.reportMetrics("RequestCancelWorkflowExecution", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) RespondActivityTaskCanceled(ctx context.Context, request *workflowservice.RespondActivityTaskCanceledRequest, opts ...grpc.CallOption) (*workflowservice.RespondActivityTaskCanceledResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.RespondActivityTaskCanceled(ctx, request, opts...)
	w.reportMetrics("RespondActivityTaskCanceled", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) RespondActivityTaskCompleted(ctx context.Context, request *workflowservice.RespondActivityTaskCompletedRequest, opts ...grpc.CallOption) (*workflowservice.RespondActivityTaskCompletedResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.RespondActivityTaskCompleted(ctx, request, opts...)
	w.reportMetrics("RespondActivityTaskCompleted", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) RespondActivityTaskFailed(ctx context.Context, request *workflowservice.RespondActivityTaskFailedRequest, opts ...grpc.CallOption) (*workflowservice.RespondActivityTaskFailedResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.RespondActivityTaskFailed(ctx, request, opts...)
	w.reportMetrics("RespondActivityTaskFailed", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) RespondActivityTaskCanceledByID(ctx context.Context, request *workflowservice.RespondActivityTaskCanceledByIDRequest, opts ...grpc.CallOption) (*workflowservice.RespondActivityTaskCanceledByIDResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.RespondActivityTaskCanceledByID(ctx, request, opts...)
	w.reportMetrics("RespondActivityTaskCanceledByID", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) RespondActivityTaskCompletedByID(ctx context.Context, request *workflowservice.RespondActivityTaskCompletedByIDRequest, opts ...grpc.CallOption) (*workflowservice.RespondActivityTaskCompletedByIDResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.RespondActivityTaskCompletedByID(ctx, request, opts...)
	w.reportMetrics("RespondActivityTaskCompletedByID", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) RespondActivityTaskFailedByID(ctx context.Context, request *workflowservice.RespondActivityTaskFailedByIDRequest, opts ...grpc.CallOption) (*workflowservice.RespondActivityTaskFailedByIDResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.RespondActivityTaskFailedByID(ctx, request, opts...)
	w.reportMetrics("RespondActivityTaskFailedByID", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) RespondDecisionTaskCompleted(ctx context.Context, request *workflowservice.RespondDecisionTaskCompletedRequest, opts ...grpc.CallOption) (*workflowservice.RespondDecisionTaskCompletedResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.RespondDecisionTaskCompleted(ctx, request, opts...)
	w.reportMetrics("RespondDecisionTaskCompleted", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) SignalWorkflowExecution(ctx context.Context, request *workflowservice.SignalWorkflowExecutionRequest, opts ...grpc.CallOption) (*workflowservice.SignalWorkflowExecutionResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.SignalWorkflowExecution(ctx, request, opts...)
	w.reportMetrics("SignalWorkflowExecution", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) SignalWithStartWorkflowExecution(ctx context.Context, request *workflowservice.SignalWithStartWorkflowExecutionRequest, opts ...grpc.CallOption) (*workflowservice.SignalWithStartWorkflowExecutionResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.SignalWithStartWorkflowExecution(ctx, request, opts...)
	w.reportMetrics("SignalWithStartWorkflowExecution", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) StartWorkflowExecution(ctx context.Context, request *workflowservice.StartWorkflowExecutionRequest, opts ...grpc.CallOption) (*workflowservice.StartWorkflowExecutionResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.StartWorkflowExecution(ctx, request, opts...)
	w.reportMetrics("StartWorkflowExecution", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) TerminateWorkflowExecution(ctx context.Context, request *workflowservice.TerminateWorkflowExecutionRequest, opts ...grpc.CallOption) (*workflowservice.TerminateWorkflowExecutionResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.TerminateWorkflowExecution(ctx, request, opts...)
	w.reportMetrics("TerminateWorkflowExecution", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) ResetWorkflowExecution(ctx context.Context, request *workflowservice.ResetWorkflowExecutionRequest, opts ...grpc.CallOption) (*workflowservice.ResetWorkflowExecutionResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.ResetWorkflowExecution(ctx, request, opts...)
	w.reportMetrics("ResetWorkflowExecution", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) UpdateDomain(ctx context.Context, request *workflowservice.UpdateDomainRequest, opts ...grpc.CallOption) (*workflowservice.UpdateDomainResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.UpdateDomain(ctx, request, opts...)
	w.reportMetrics("UpdateDomain", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) QueryWorkflow(ctx context.Context, request *workflowservice.QueryWorkflowRequest, opts ...grpc.CallOption) (*workflowservice.QueryWorkflowResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.QueryWorkflow(ctx, request, opts...)
	w.reportMetrics("QueryWorkflow", err, start)
	return result, err
}

func (w *workflowServiceMetricsWrapper) RespondQueryTaskCompleted(ctx context.Context, request *workflowservice.RespondQueryTaskCompletedRequest, opts ...grpc.CallOption) (*workflowservice.RespondQueryTaskCompletedResponse, error) {
	start := time.Now()
	result, err := w.WorkflowServiceClient.RespondQueryTaskCompleted(ctx, request, opts...)
	w.reportMetrics("RespondQueryTaskCompleted", err, start)
	return result, err
}

type capturedCounter struct {
	name  string
	tags  map[string]string
	value int64
}

type capturedGauge struct {
	name  string
	tags  map[string]string
	value float64
}

type capturedTimer struct {
	name     string
	tags     map[string]string
	interval time.Duration
}

// CapturingStatsReporter is a tally.StatsReporter that keeps every reported
// counter/gauge/timer in memory instead of shipping it anywhere, so tests can
// assert on exactly what a wrapped call reported.
type CapturingStatsReporter struct {
	mu     sync.Mutex
	counts []capturedCounter
	gauges []capturedGauge
	timers []capturedTimer
}

func (r *CapturingStatsReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, capturedCounter{name: name, tags: tags, value: value})
}

func (r *CapturingStatsReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges = append(r.gauges, capturedGauge{name: name, tags: tags, value: value})
}

func (r *CapturingStatsReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers = append(r.timers, capturedTimer{name: name, tags: tags, interval: interval})
}

func (r *CapturingStatsReporter) ReportHistogramValueSamples(
	name string,
	tags map[string]string,
	buckets tally.Buckets,
	bucketLowerBound,
	bucketUpperBound float64,
	samples int64,
) {
}

func (r *CapturingStatsReporter) ReportHistogramDurationSamples(
	name string,
	tags map[string]string,
	buckets tally.Buckets,
	bucketLowerBound,
	bucketUpperBound time.Duration,
	samples int64,
) {
}

func (r *CapturingStatsReporter) Capabilities() tally.Capabilities {
	return tally.NewNoopScope().Capabilities()
}

func (r *CapturingStatsReporter) Flush() {}
