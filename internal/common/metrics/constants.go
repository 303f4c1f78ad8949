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

// TemporalMetricsPrefix namespaces every counter/timer this package emits, so
// they're never confused with metrics a host application reports on the same
// tally.Scope.
const TemporalMetricsPrefix = "temporal-"

// Per-RPC suffixes appended to a method name by NewWorkflowServiceWrapper: one
// request counter, at most one of invalid-request/error, and one latency
// timer per call.
const (
	TemporalRequest        = "request"
	TemporalInvalidRequest = "invalid-request"
	TemporalError          = "error"
	TemporalLatency        = "latency"
)

// Workflow-task poller counters and timers (§4's decider is driven by a
// poller with this instrumentation; names mirror internal_task_pollers.go).
const (
	DecisionTaskForceCompleted        = "decision-task-force-completed"
	StickyCacheEvict                  = "sticky-cache-evict"
	DecisionExecutionFailedCounter    = "decision-execution-failed"
	DecisionTaskCompletedCounter      = "decision-task-completed"
	DecisionExecutionLatency          = "decision-execution-latency"
	DecisionResponseFailedCounter     = "decision-response-failed"
	DecisionResponseLatency           = "decision-response-latency"
	DecisionPollCounter                = "decision-poll-total"
	DecisionPollTransientFailedCounter = "decision-poll-transient-failed"
	DecisionPollFailedCounter          = "decision-poll-failed"
	DecisionPollNoTaskCounter          = "decision-poll-no-task"
	DecisionPollSucceedCounter         = "decision-poll-succeed"
	DecisionPollLatency                = "decision-poll-latency"
	DecisionScheduledToStartLatency    = "decision-scheduled-to-start-latency"
)

// Local activity counters and timers (§4.5).
const (
	LocalActivityTotalCounter     = "local-activity-total"
	LocalActivityPanicCounter     = "local-activity-panic"
	LocalActivityFailedCounter    = "local-activity-failed"
	LocalActivityExecutionLatency = "local-activity-execution-latency"
	LocalActivityCanceledCounter  = "local-activity-canceled"
	LocalActivityTimeoutCounter   = "local-activity-timeout"
)

// Activity poller counters and timers.
const (
	ActivityPollCounter                = "activity-poll-total"
	ActivityPollTransientFailedCounter = "activity-poll-transient-failed"
	ActivityPollFailedCounter          = "activity-poll-failed"
	ActivityPollNoTaskCounter          = "activity-poll-no-task"
	ActivityPollSucceedCounter         = "activity-poll-succeed"
	ActivityPollLatency                = "activity-poll-latency"
	ActivityScheduledToStartLatency    = "activity-scheduled-to-start-latency"
	ActivityExecutionFailedCounter     = "activity-execution-failed"
	ActivityExecutionLatency           = "activity-execution-latency"
	ActivityResponseFailedCounter      = "activity-response-failed"
	ActivityResponseLatency            = "activity-response-latency"
	ActivityEndToEndLatency            = "activity-end-to-end-latency"
	ActivityTaskCanceledCounter        = "activity-task-canceled"
	ActivityTaskFailedCounter          = "activity-task-failed"
	ActivityTaskCompletedCounter       = "activity-task-completed"
	ActivityTaskCanceledByIDCounter    = "activity-task-canceled-by-id"
	ActivityTaskFailedByIDCounter      = "activity-task-failed-by-id"
	ActivityTaskCompletedByIDCounter   = "activity-task-completed-by-id"
)

// History-fetch counters and timers, for a sticky-cache miss that must
// rebuild a decider from full history (§4.6).
const (
	WorkflowGetHistoryCounter        = "workflow-get-history-total"
	WorkflowGetHistoryFailedCounter  = "workflow-get-history-failed"
	WorkflowGetHistorySucceedCounter = "workflow-get-history-succeed"
	WorkflowGetHistoryLatency        = "workflow-get-history-latency"
)

// Decider cache counters (§4.6).
const (
	DeciderCacheHitCounter   = "decider-cache-hit"
	DeciderCacheMissCounter  = "decider-cache-miss"
	DeciderCacheEvictCounter = "decider-cache-evict"
	DeciderCacheSizeGauge    = "decider-cache-size"
)
