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
	eventpb "go.temporal.io/temporal-proto/event"
)

// Event is a single immutable history record (§3). The wire package still
// calls the enclosing message HistoryEvent; Event is the short name used
// throughout this codebase.
type Event = eventpb.HistoryEvent

// EventType is the discriminator of Event.
type EventType = eventpb.EventType

// isCommandEvent reports whether an event is the server's record of a
// command issued by a previous workflow task (§3), as opposed to a
// non-command event delivered independently of anything the workflow asked
// for (signals, cancel requests, the workflow-task lifecycle events
// themselves).
func isCommandEvent(e *Event) bool {
	switch e.GetEventType() {
	case eventpb.EventType_ActivityTaskScheduled,
		eventpb.EventType_ActivityTaskStarted,
		eventpb.EventType_ActivityTaskCompleted,
		eventpb.EventType_ActivityTaskFailed,
		eventpb.EventType_ActivityTaskTimedOut,
		eventpb.EventType_ActivityTaskCanceled,
		eventpb.EventType_ActivityTaskCancelRequested,
		eventpb.EventType_RequestCancelActivityTaskFailed,
		eventpb.EventType_TimerStarted,
		eventpb.EventType_TimerFired,
		eventpb.EventType_TimerCanceled,
		eventpb.EventType_CancelTimerFailed,
		eventpb.EventType_MarkerRecorded,
		eventpb.EventType_StartChildWorkflowExecutionInitiated,
		eventpb.EventType_StartChildWorkflowExecutionFailed,
		eventpb.EventType_ChildWorkflowExecutionStarted,
		eventpb.EventType_ChildWorkflowExecutionCompleted,
		eventpb.EventType_ChildWorkflowExecutionFailed,
		eventpb.EventType_ChildWorkflowExecutionCanceled,
		eventpb.EventType_ChildWorkflowExecutionTimedOut,
		eventpb.EventType_ChildWorkflowExecutionTerminated,
		eventpb.EventType_SignalExternalWorkflowExecutionInitiated,
		eventpb.EventType_SignalExternalWorkflowExecutionFailed,
		eventpb.EventType_ExternalWorkflowExecutionSignaled,
		eventpb.EventType_RequestCancelExternalWorkflowExecutionInitiated,
		eventpb.EventType_RequestCancelExternalWorkflowExecutionFailed,
		eventpb.EventType_ExternalWorkflowExecutionCancelRequested,
		eventpb.EventType_UpsertWorkflowSearchAttributes:
		return true
	default:
		return false
	}
}

// initialCommandEventID implements the event -> initial-command-event-id
// mapping from §4.3, used to route a history event to the command state
// machine that owns it. "Initiation" events (the first record of a brand
// new command, e.g. ActivityScheduled) are keyed by their own event id; all
// subsequent events about the same operation are keyed by the id of that
// initiation event, carried in their attributes.
func initialCommandEventID(e *Event) int64 {
	switch e.GetEventType() {
	case eventpb.EventType_ActivityTaskScheduled,
		eventpb.EventType_TimerStarted,
		eventpb.EventType_MarkerRecorded,
		eventpb.EventType_StartChildWorkflowExecutionInitiated,
		eventpb.EventType_SignalExternalWorkflowExecutionInitiated,
		eventpb.EventType_RequestCancelExternalWorkflowExecutionInitiated,
		eventpb.EventType_UpsertWorkflowSearchAttributes,
		eventpb.EventType_WorkflowTaskScheduled:
		return e.GetEventId()

	case eventpb.EventType_ActivityTaskStarted:
		return e.GetActivityTaskStartedEventAttributes().GetScheduledEventId()
	case eventpb.EventType_ActivityTaskCompleted:
		return e.GetActivityTaskCompletedEventAttributes().GetScheduledEventId()
	case eventpb.EventType_ActivityTaskFailed:
		return e.GetActivityTaskFailedEventAttributes().GetScheduledEventId()
	case eventpb.EventType_ActivityTaskTimedOut:
		return e.GetActivityTaskTimedOutEventAttributes().GetScheduledEventId()
	case eventpb.EventType_ActivityTaskCanceled:
		return e.GetActivityTaskCanceledEventAttributes().GetScheduledEventId()
	case eventpb.EventType_ActivityTaskCancelRequested:
		return e.GetActivityTaskCancelRequestedEventAttributes().GetScheduledEventId()

	case eventpb.EventType_TimerFired:
		return e.GetTimerFiredEventAttributes().GetStartedEventId()
	case eventpb.EventType_TimerCanceled:
		return e.GetTimerCanceledEventAttributes().GetStartedEventId()

	case eventpb.EventType_StartChildWorkflowExecutionFailed:
		return e.GetStartChildWorkflowExecutionFailedEventAttributes().GetInitiatedEventId()
	case eventpb.EventType_ChildWorkflowExecutionStarted:
		return e.GetChildWorkflowExecutionStartedEventAttributes().GetInitiatedEventId()
	case eventpb.EventType_ChildWorkflowExecutionCompleted:
		return e.GetChildWorkflowExecutionCompletedEventAttributes().GetInitiatedEventId()
	case eventpb.EventType_ChildWorkflowExecutionFailed:
		return e.GetChildWorkflowExecutionFailedEventAttributes().GetInitiatedEventId()
	case eventpb.EventType_ChildWorkflowExecutionCanceled:
		return e.GetChildWorkflowExecutionCanceledEventAttributes().GetInitiatedEventId()
	case eventpb.EventType_ChildWorkflowExecutionTimedOut:
		return e.GetChildWorkflowExecutionTimedOutEventAttributes().GetInitiatedEventId()
	case eventpb.EventType_ChildWorkflowExecutionTerminated:
		return e.GetChildWorkflowExecutionTerminatedEventAttributes().GetInitiatedEventId()

	case eventpb.EventType_SignalExternalWorkflowExecutionFailed:
		return e.GetSignalExternalWorkflowExecutionFailedEventAttributes().GetInitiatedEventId()
	case eventpb.EventType_ExternalWorkflowExecutionSignaled:
		return e.GetExternalWorkflowExecutionSignaledEventAttributes().GetInitiatedEventId()

	case eventpb.EventType_RequestCancelExternalWorkflowExecutionFailed:
		return e.GetRequestCancelExternalWorkflowExecutionFailedEventAttributes().GetInitiatedEventId()
	case eventpb.EventType_ExternalWorkflowExecutionCancelRequested:
		return e.GetExternalWorkflowExecutionCancelRequestedEventAttributes().GetInitiatedEventId()

	case eventpb.EventType_WorkflowTaskStarted:
		return e.GetWorkflowTaskStartedEventAttributes().GetScheduledEventId()
	case eventpb.EventType_WorkflowTaskCompleted:
		return e.GetWorkflowTaskCompletedEventAttributes().GetScheduledEventId()
	case eventpb.EventType_WorkflowTaskFailed:
		return e.GetWorkflowTaskFailedEventAttributes().GetScheduledEventId()
	case eventpb.EventType_WorkflowTaskTimedOut:
		return e.GetWorkflowTaskTimedOutEventAttributes().GetScheduledEventId()

	default:
		panicIllegalState("initialCommandEventID: unexpected event type " + e.GetEventType().String())
		return 0
	}
}
