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

	eventpb "go.temporal.io/temporal-proto/event"

	"github.com/flowruntime/sdk/internal/common/util"
)

type (
	// workflowExecutionEventHandler reacts to the non-stateful events §4.3
	// step 2b names: ones that don't belong to any command state machine and
	// so aren't reached through the initialCommandEventId table. The
	// workflow-context/registry layer that owns running user code implements
	// this; the decider core only needs it as a narrow seam.
	workflowExecutionEventHandler interface {
		handleWorkflowExecutionStarted(attrs *eventpb.WorkflowExecutionStartedEventAttributes) error
		handleWorkflowExecutionSignaled(attrs *eventpb.WorkflowExecutionSignaledEventAttributes) error
		handleWorkflowExecutionCancelRequested(attrs *eventpb.WorkflowExecutionCancelRequestedEventAttributes) error
	}

	// decider is the §4.3 decider core: the command buffer, marker/local
	// activity handlers and coroutine scheduler for a single workflow run,
	// tied together by handleWorkflowTask. One decider instance is reused
	// across workflow tasks for the same run_id (see decider_cache.go); its
	// dispatcher keeps the workflow's coroutines alive between tasks so that
	// only the time between this task's events and the last is replayed,
	// not the whole history, once the cache has it warm.
	decider struct {
		commands        *commandBuffer
		markers         *markerHandler
		localActivities *localActivityMarkerHandler
		dispatcher      dispatcher
		eventHandler    workflowExecutionEventHandler

		replaying                  bool
		previousStartedEventID     int64
		workflowTaskStartedEventID int64
	}
)

// newDecider wires a fresh decider around rootFn, the user workflow entry
// point, run as coroutine root under rootCtx (itself produced by the
// workflow-context layer so Context.Value carries whatever that layer
// needs). eventHandler receives the non-stateful events.
func newDecider(
	dataConverter DataConverter,
	rootCtx Context,
	rootFn func(ctx Context),
	eventHandler workflowExecutionEventHandler,
) *decider {
	commands := newCommandBuffer()
	markers := newMarkerHandler(commands, dataConverter)
	commands.beforeNonMarkerCommand = markers.addAllMissingVersionMarkers
	disp, _ := newDispatcher(rootCtx, rootFn)
	return &decider{
		commands:        commands,
		markers:         markers,
		localActivities: newLocalActivityMarkerHandler(commands, dataConverter),
		dispatcher:      disp,
		eventHandler:    eventHandler,
	}
}

// close releases the decider's coroutine threads, per §4.6 cache eviction.
func (d *decider) close() {
	d.dispatcher.Close()
}

// handleWorkflowTask implements §4.3's control flow for one workflow task:
// replay the command events recorded since the last task against the state
// machine table, deliver new non-command events, run the coroutine
// scheduler to quiescence, and collect the commands it produced.
func (d *decider) handleWorkflowTask(iter HistoryIterator) ([]*Command, error) {
	if !iter.HasNextWorkflowTask() {
		return nil, nil
	}

	var commands []*Command
	for iter.HasNextWorkflowTask() {
		slice, err := iter.NextWorkflowTask()
		if err != nil {
			return nil, err
		}
		if slice == nil {
			break
		}

		// Step 1: replaying is exactly "this is not the freshest task in the
		// history" — the iterator already makes that determination per §4.1.
		d.replaying = slice.Replay
		d.commands.setCurrentWorkflowTaskStartedEventID(startedEventIDForSlice(slice))

		// Step 2: deliver this slice's new events, in order, before running
		// any workflow code that might react to them.
		for _, e := range slice.Events {
			if err := d.handleEvent(e); err != nil {
				return nil, err
			}
		}

		// Step 2a, marker half: unlike activity/timer/child-workflow command
		// events (which validate what code produces against history *after*
		// it runs), a marker event records what sideEffect/mutableSideEffect/
		// version synchronously returned the first time this task ran. The
		// code about to run below will call those same functions again at
		// the same points and expects the cached answer immediately, so the
		// marker cache must already hold this task's recorded markers before
		// the dispatcher runs.
		var replayCommandEvents []*Event
		for _, ce := range slice.CommandEvents {
			if ce.GetEventType() == eventpb.EventType_MarkerRecorded {
				if err := d.dispatchMarker(ce); err != nil {
					return nil, err
				}
				continue
			}
			replayCommandEvents = append(replayCommandEvents, ce)
		}

		// Step 4 (scheduler runs between steps 2 and 3 here: this task's new
		// events are exactly what unblocks workflow code to emit the
		// commands that slice.CommandEvents records happened).
		if panicErr := d.dispatcher.ExecuteUntilAllBlocked(); panicErr != nil {
			return nil, panicErr
		}

		// The recorded task already sent the commands the code just re-added:
		// mark them sent, in insertion order, so their command events can
		// advance them.
		if slice.Replay {
			d.commands.getCommands(true)
		}

		// Step 3: advance each non-marker state machine through the command
		// events this task is recorded as having produced, validating them
		// against what the code we just ran actually added to the buffer.
		for _, ce := range replayCommandEvents {
			if err := d.handleCommandEvent(ce); err != nil {
				return nil, err
			}
		}

		commands = d.commands.getCommands(true)
	}

	return commands, nil
}

// startedEventIDForSlice recovers the WorkflowTaskStarted id a slice was cut
// on, needed to seed nextCommandEventID (§4.1 rule 4). NextCommandEventID on
// the freshest slice is already startedEventId+2; on a replay slice it is
// completedEventId+1, i.e. startedEventId+2 as well (Started, Completed are
// adjacent). Either way NextCommandEventID-2 recovers the started id.
func startedEventIDForSlice(slice *WorkflowTaskSlice) int64 {
	return slice.NextCommandEventID - 2
}

// handleEvent dispatches a slice's non-replay event, per §4.3 step 2. Some
// of these event types are themselves "command events" in the isCommandEvent
// sense (e.g. ActivityTaskCompleted) because they close out a command issued
// by an *earlier* task; they are delivered here, not via handleCommandEvent,
// because they were not produced by the task currently being decided.
func (d *decider) handleEvent(e *Event) error {
	switch e.GetEventType() {
	case eventpb.EventType_WorkflowExecutionStarted:
		return d.eventHandler.handleWorkflowExecutionStarted(e.GetWorkflowExecutionStartedEventAttributes())

	case eventpb.EventType_WorkflowExecutionSignaled:
		return d.eventHandler.handleWorkflowExecutionSignaled(e.GetWorkflowExecutionSignaledEventAttributes())

	case eventpb.EventType_WorkflowExecutionCancelRequested:
		return d.eventHandler.handleWorkflowExecutionCancelRequested(e.GetWorkflowExecutionCancelRequestedEventAttributes())

	case eventpb.EventType_WorkflowTaskScheduled, eventpb.EventType_WorkflowTaskTimedOut, eventpb.EventType_WorkflowTaskFailed:
		// Workflow-task lifecycle bookkeeping only; nothing for the command
		// buffer to advance (the history iterator already folds a failed or
		// timed-out attempt's events into the next attempt's slice).
		return nil

	case eventpb.EventType_ActivityTaskStarted:
		scheduledEventID := e.GetActivityTaskStartedEventAttributes().GetScheduledEventId()
		activityID, ok := d.commands.scheduledEventIDToActivityID[scheduledEventID]
		if !ok {
			return newNonDeterministicError(fmt.Sprintf("no scheduled activity for ActivityTaskStarted scheduledEventId %v", scheduledEventID))
		}
		d.commands.getCommand(makeCommandID(commandTypeActivity, activityID)).handleStartedEvent()
		return nil

	case eventpb.EventType_ActivityTaskCompleted, eventpb.EventType_ActivityTaskFailed, eventpb.EventType_ActivityTaskTimedOut:
		d.commands.handleActivityTaskClosed(d.commands.getActivityID(e))
		return nil

	case eventpb.EventType_ActivityTaskCanceled:
		d.commands.handleActivityTaskCanceled(d.commands.getActivityID(e))
		return nil

	case eventpb.EventType_ActivityTaskCancelRequested:
		d.commands.handleActivityTaskCancelRequested(e.GetActivityTaskCancelRequestedEventAttributes().GetScheduledEventId())
		return nil

	case eventpb.EventType_RequestCancelActivityTaskFailed:
		// The server could not find the activity to cancel; nothing for the
		// state machine to do, it already transitioned on the cancel call.
		return nil

	case eventpb.EventType_TimerFired:
		d.commands.handleTimerClosed(e.GetTimerFiredEventAttributes().GetTimerId())
		return nil

	case eventpb.EventType_TimerCanceled:
		d.commands.handleTimerCanceled(e.GetTimerCanceledEventAttributes().GetTimerId())
		return nil

	case eventpb.EventType_CancelTimerFailed:
		d.commands.handleCancelTimerFailed(e.GetCancelTimerFailedEventAttributes().GetTimerId())
		return nil

	case eventpb.EventType_MarkerRecorded:
		return d.dispatchMarker(e)

	case eventpb.EventType_ChildWorkflowExecutionStarted:
		d.commands.handleChildWorkflowExecutionStarted(e.GetChildWorkflowExecutionStartedEventAttributes().GetWorkflowExecution().GetWorkflowId())
		return nil

	case eventpb.EventType_ChildWorkflowExecutionCompleted:
		d.commands.handleChildWorkflowExecutionClosed(e.GetChildWorkflowExecutionCompletedEventAttributes().GetWorkflowExecution().GetWorkflowId())
		return nil

	case eventpb.EventType_ChildWorkflowExecutionFailed:
		d.commands.handleChildWorkflowExecutionClosed(e.GetChildWorkflowExecutionFailedEventAttributes().GetWorkflowExecution().GetWorkflowId())
		return nil

	case eventpb.EventType_ChildWorkflowExecutionTimedOut:
		d.commands.handleChildWorkflowExecutionClosed(e.GetChildWorkflowExecutionTimedOutEventAttributes().GetWorkflowExecution().GetWorkflowId())
		return nil

	case eventpb.EventType_ChildWorkflowExecutionTerminated:
		d.commands.handleChildWorkflowExecutionClosed(e.GetChildWorkflowExecutionTerminatedEventAttributes().GetWorkflowExecution().GetWorkflowId())
		return nil

	case eventpb.EventType_ChildWorkflowExecutionCanceled:
		d.commands.handleChildWorkflowExecutionCanceled(e.GetChildWorkflowExecutionCanceledEventAttributes().GetWorkflowExecution().GetWorkflowId())
		return nil

	case eventpb.EventType_StartChildWorkflowExecutionFailed:
		d.commands.handleStartChildWorkflowExecutionFailed(e.GetStartChildWorkflowExecutionFailedEventAttributes().GetWorkflowId())
		return nil

	case eventpb.EventType_SignalExternalWorkflowExecutionFailed:
		attrs := e.GetSignalExternalWorkflowExecutionFailedEventAttributes()
		d.commands.handleSignalExternalWorkflowExecutionFailed(attrs.GetInitiatedEventId())
		return nil

	case eventpb.EventType_ExternalWorkflowExecutionSignaled:
		attrs := e.GetExternalWorkflowExecutionSignaledEventAttributes()
		d.commands.handleSignalExternalWorkflowExecutionCompleted(attrs.GetInitiatedEventId())
		return nil

	case eventpb.EventType_RequestCancelExternalWorkflowExecutionFailed:
		attrs := e.GetRequestCancelExternalWorkflowExecutionFailedEventAttributes()
		d.commands.handleRequestCancelExternalWorkflowExecutionFailed(attrs.GetInitiatedEventId(), attrs.GetWorkflowExecution().GetWorkflowId())
		return nil

	case eventpb.EventType_ExternalWorkflowExecutionCancelRequested:
		attrs := e.GetExternalWorkflowExecutionCancelRequestedEventAttributes()
		d.commands.handleExternalWorkflowExecutionCancelRequested(attrs.GetInitiatedEventId(), attrs.GetWorkflowExecution().GetWorkflowId())
		return nil

	case eventpb.EventType_UpsertWorkflowSearchAttributes:
		return nil

	default:
		return newNonDeterministicError(fmt.Sprintf("unexpected event in workflow task slice: %v", util.HistoryEventToString(e)))
	}
}

// dispatchMarker routes a MarkerRecorded event to the local-activity marker
// handler or the side-effect/version marker handler by MarkerName, per
// §4.3 step 2a and §4.5's activityId-keyed side map.
func (d *decider) dispatchMarker(e *Event) error {
	name := e.GetMarkerRecordedEventAttributes().GetMarkerName()
	if name == localActivityMarkerName {
		return d.localActivities.handleMarkerEvent(e)
	}
	return d.markers.handleMarkerEvent(e)
}

// handleCommandEvent matches one of this task's freshly emitted command
// events back to the state machine workflow code just created by running
// (step 3/§4.3), validating event type, id and (where applicable) activity
// or workflow type before advancing the machine to COMMAND_SENT territory.
// The buffer's own getCommand panics on an unknown id (treated as
// non-deterministic, since only a genuinely different command stream
// produces a lookup miss here); mismatches this function can additionally
// detect (type name drift on an otherwise-matching id) return
// NonDeterministicWorkflowError instead of panicking.
func (d *decider) handleCommandEvent(e *Event) error {
	switch e.GetEventType() {
	case eventpb.EventType_ActivityTaskScheduled:
		attrs := e.GetActivityTaskScheduledEventAttributes()
		d.commands.handleActivityTaskScheduled(e.GetEventId(), attrs.GetActivityId())
		cmd := d.commands.getCommand(makeCommandID(commandTypeActivity, attrs.GetActivityId()))
		return validateActivityScheduled(cmd, attrs)

	case eventpb.EventType_TimerStarted:
		d.commands.handleTimerStarted(e.GetTimerStartedEventAttributes().GetTimerId())
		return nil

	case eventpb.EventType_StartChildWorkflowExecutionInitiated:
		attrs := e.GetStartChildWorkflowExecutionInitiatedEventAttributes()
		d.commands.handleStartChildWorkflowExecutionInitiated(attrs.GetWorkflowId())
		cmd := d.commands.getCommand(makeCommandID(commandTypeChildWorkflow, attrs.GetWorkflowId()))
		return validateChildWorkflowInitiated(cmd, attrs)

	case eventpb.EventType_SignalExternalWorkflowExecutionInitiated:
		attrs := e.GetSignalExternalWorkflowExecutionInitiatedEventAttributes()
		d.commands.handleSignalExternalWorkflowExecutionInitiated(e.GetEventId(), attrs.GetControl())
		return nil

	case eventpb.EventType_RequestCancelExternalWorkflowExecutionInitiated:
		attrs := e.GetRequestCancelExternalWorkflowExecutionInitiatedEventAttributes()
		d.commands.handleRequestCancelExternalWorkflowExecutionInitiated(e.GetEventId(), attrs.GetWorkflowExecution().GetWorkflowId(), attrs.GetControl())
		return nil

	case eventpb.EventType_UpsertWorkflowSearchAttributes:
		return nil

	case eventpb.EventType_WorkflowTaskScheduled:
		return nil

	default:
		return newNonDeterministicError(fmt.Sprintf("unexpected command event: %v", util.HistoryEventToString(e)))
	}
}

// validateActivityScheduled implements §4.3's command-validation rule for
// ScheduleActivityTask: the id match is already enforced by the state
// machine lookup that found cmd; this additionally requires the activity
// type to agree, catching the case where a workflow changed which activity
// a call site invokes without bumping a version marker.
func validateActivityScheduled(cmd commandStateMachine, attrs *eventpb.ActivityTaskScheduledEventAttributes) error {
	machine, ok := cmd.(*activityCommandStateMachine)
	if !ok {
		return newNonDeterministicError("ActivityTaskScheduled event matched a non-activity command")
	}
	want := machine.attributes.GetActivityType().GetName()
	got := attrs.GetActivityType().GetName()
	if want != got {
		return newNonDeterministicError(fmt.Sprintf(
			"activity type mismatch for activityId %v: history has %v, workflow code now produces %v",
			attrs.GetActivityId(), got, want))
	}
	return nil
}

// validateChildWorkflowInitiated is validateActivityScheduled's counterpart
// for StartChildWorkflowExecution.
func validateChildWorkflowInitiated(cmd commandStateMachine, attrs *eventpb.StartChildWorkflowExecutionInitiatedEventAttributes) error {
	machine, ok := cmd.(*childWorkflowCommandStateMachine)
	if !ok {
		return newNonDeterministicError("StartChildWorkflowExecutionInitiated event matched a non-child-workflow command")
	}
	want := machine.attributes.GetWorkflowType().GetName()
	got := attrs.GetWorkflowType().GetName()
	if want != got {
		return newNonDeterministicError(fmt.Sprintf(
			"child workflow type mismatch for workflowId %v: history has %v, workflow code now produces %v",
			attrs.GetWorkflowId(), got, want))
	}
	return nil
}
