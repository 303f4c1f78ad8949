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
	"testing"

	"github.com/stretchr/testify/require"
	commonpb "go.temporal.io/temporal-proto/common"
	decisionpb "go.temporal.io/temporal-proto/decision"
)

func Test_TimerStateMachine_CancelBeforeSent(t *testing.T) {
	timerID := "test-timer-1"
	attributes := &decisionpb.StartTimerDecisionAttributes{TimerId: timerID}
	h := newCommandBuffer()
	d := h.startTimer(attributes)
	require.Equal(t, commandStateCreated, d.getState())
	h.cancelTimer(timerID)
	require.Equal(t, commandStateCompleted, d.getState())
	commands := h.getCommands(true)
	require.Equal(t, 0, len(commands))
}

func Test_TimerStateMachine_CancelAfterInitiated(t *testing.T) {
	timerID := "test-timer-1"
	attributes := &decisionpb.StartTimerDecisionAttributes{TimerId: timerID}
	h := newCommandBuffer()
	d := h.startTimer(attributes)
	require.Equal(t, commandStateCreated, d.getState())
	commands := h.getCommands(true)
	require.Equal(t, commandStateCommandSent, d.getState())
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_StartTimer, commands[0].GetDecisionType())
	require.Equal(t, attributes, commands[0].GetStartTimerDecisionAttributes())
	h.handleTimerStarted(timerID)
	require.Equal(t, commandStateInitiated, d.getState())
	h.cancelTimer(timerID)
	require.Equal(t, commandStateCanceledAfterInitiated, d.getState())
	commands = h.getCommands(true)
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_CancelTimer, commands[0].GetDecisionType())
	require.Equal(t, commandStateCancellationCommandSent, d.getState())
	h.handleTimerCanceled(timerID)
	require.Equal(t, commandStateCompleted, d.getState())
}

func Test_TimerStateMachine_CompletedAfterCancel(t *testing.T) {
	timerID := "test-timer-1"
	attributes := &decisionpb.StartTimerDecisionAttributes{TimerId: timerID}
	h := newCommandBuffer()
	d := h.startTimer(attributes)
	require.Equal(t, commandStateCreated, d.getState())
	commands := h.getCommands(true)
	require.Equal(t, commandStateCommandSent, d.getState())
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_StartTimer, commands[0].GetDecisionType())
	h.cancelTimer(timerID)
	require.Equal(t, commandStateCanceledBeforeInitiated, d.getState())
	require.Equal(t, 0, len(h.getCommands(true)))
	h.handleTimerStarted(timerID)
	require.Equal(t, commandStateCanceledAfterInitiated, d.getState())
	commands = h.getCommands(true)
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_CancelTimer, commands[0].GetDecisionType())
	require.Equal(t, commandStateCancellationCommandSent, d.getState())
	h.handleTimerClosed(timerID)
	require.Equal(t, commandStateCompletedAfterCancellationCommandSent, d.getState())
}

func Test_TimerStateMachine_CompleteWithoutCancel(t *testing.T) {
	timerID := "test-timer-1"
	attributes := &decisionpb.StartTimerDecisionAttributes{TimerId: timerID}
	h := newCommandBuffer()
	d := h.startTimer(attributes)
	require.Equal(t, commandStateCreated, d.getState())
	commands := h.getCommands(true)
	require.Equal(t, commandStateCommandSent, d.getState())
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_StartTimer, commands[0].GetDecisionType())
	h.handleTimerStarted(timerID)
	require.Equal(t, commandStateInitiated, d.getState())
	require.Equal(t, 0, len(h.getCommands(false)))
	h.handleTimerClosed(timerID)
	require.Equal(t, commandStateCompleted, d.getState())
}

func Test_TimerStateMachine_PanicInvalidStateTransition(t *testing.T) {
	timerID := "test-timer-1"
	attributes := &decisionpb.StartTimerDecisionAttributes{TimerId: timerID}
	h := newCommandBuffer()
	h.startTimer(attributes)
	h.getCommands(true)
	h.handleTimerStarted(timerID)
	h.handleTimerClosed(timerID)

	panicErr := runAndCatchPanic(func() {
		h.handleCancelTimerFailed(timerID)
	})

	require.NotNil(t, panicErr)
}

func Test_TimerCancelEventOrdering(t *testing.T) {
	timerID := "test-timer-1"
	localActivityID := "test-activity-1"
	attributes := &decisionpb.StartTimerDecisionAttributes{TimerId: timerID}
	h := newCommandBuffer()
	d := h.startTimer(attributes)
	require.Equal(t, commandStateCreated, d.getState())
	commands := h.getCommands(true)
	require.Equal(t, commandStateCommandSent, d.getState())
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_StartTimer, commands[0].GetDecisionType())
	require.Equal(t, attributes, commands[0].GetStartTimerDecisionAttributes())
	h.handleTimerStarted(timerID)
	require.Equal(t, commandStateInitiated, d.getState())
	m := h.recordLocalActivityMarker(localActivityID, nil, nil)
	require.Equal(t, commandStateCreated, m.getState())
	h.cancelTimer(timerID)
	require.Equal(t, commandStateCanceledAfterInitiated, d.getState())
	commands = h.getCommands(true)
	require.Equal(t, 2, len(commands))
	require.Equal(t, decisionpb.DecisionType_RecordMarker, commands[0].GetDecisionType())
	require.Equal(t, decisionpb.DecisionType_CancelTimer, commands[1].GetDecisionType())
}

func Test_ActivityStateMachine_CompleteWithoutCancel(t *testing.T) {
	activityID := "test-activity-1"
	attributes := &decisionpb.ScheduleActivityTaskDecisionAttributes{ActivityId: activityID}
	h := newCommandBuffer()

	d := h.scheduleActivityTask(1, attributes)
	require.Equal(t, commandStateCreated, d.getState())
	commands := h.getCommands(true)
	require.Equal(t, commandStateCommandSent, d.getState())
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_ScheduleActivityTask, commands[0].GetDecisionType())

	h.handleActivityTaskScheduled(1, activityID)
	require.Equal(t, commandStateInitiated, d.getState())

	h.handleActivityTaskClosed(activityID)
	require.Equal(t, commandStateCompleted, d.getState())
}

func Test_ActivityStateMachine_CancelBeforeSent(t *testing.T) {
	activityID := "test-activity-1"
	attributes := &decisionpb.ScheduleActivityTaskDecisionAttributes{ActivityId: activityID}
	h := newCommandBuffer()

	d := h.scheduleActivityTask(1, attributes)
	require.Equal(t, commandStateCreated, d.getState())

	h.requestCancelActivityTask(activityID)
	require.Equal(t, commandStateCompleted, d.getState())

	commands := h.getCommands(true)
	require.Equal(t, 0, len(commands))
}

func Test_ActivityStateMachine_CancelAfterSent(t *testing.T) {
	activityID := "test-activity-1"
	attributes := &decisionpb.ScheduleActivityTaskDecisionAttributes{ActivityId: activityID}
	h := newCommandBuffer()

	d := h.scheduleActivityTask(1, attributes)
	require.Equal(t, commandStateCreated, d.getState())
	commands := h.getCommands(true)
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_ScheduleActivityTask, commands[0].GetDecisionType())

	h.requestCancelActivityTask(activityID)
	require.Equal(t, commandStateCanceledBeforeInitiated, d.getState())
	require.Equal(t, 0, len(h.getCommands(true)))

	h.handleActivityTaskScheduled(1, activityID)
	require.Equal(t, commandStateCanceledAfterInitiated, d.getState())
	commands = h.getCommands(true)
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_RequestCancelActivityTask, commands[0].GetDecisionType())

	h.handleActivityTaskCanceled(activityID)
	require.Equal(t, commandStateCompleted, d.getState())
	require.Equal(t, 0, len(h.getCommands(false)))
}

func Test_ActivityStateMachine_CompletedAfterCancel(t *testing.T) {
	activityID := "test-activity-1"
	attributes := &decisionpb.ScheduleActivityTaskDecisionAttributes{ActivityId: activityID}
	h := newCommandBuffer()

	d := h.scheduleActivityTask(1, attributes)
	require.Equal(t, commandStateCreated, d.getState())
	commands := h.getCommands(true)
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_ScheduleActivityTask, commands[0].GetDecisionType())

	h.requestCancelActivityTask(activityID)
	require.Equal(t, commandStateCanceledBeforeInitiated, d.getState())
	require.Equal(t, 0, len(h.getCommands(true)))

	h.handleActivityTaskScheduled(1, activityID)
	require.Equal(t, commandStateCanceledAfterInitiated, d.getState())
	commands = h.getCommands(true)
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_RequestCancelActivityTask, commands[0].GetDecisionType())

	h.handleActivityTaskClosed(activityID)
	require.Equal(t, commandStateCompletedAfterCancellationCommandSent, d.getState())
	require.Equal(t, 0, len(h.getCommands(false)))
}

func Test_ActivityStateMachine_PanicInvalidStateTransition(t *testing.T) {
	activityID := "test-activity-1"
	attributes := &decisionpb.ScheduleActivityTaskDecisionAttributes{ActivityId: activityID}
	h := newCommandBuffer()

	h.scheduleActivityTask(1, attributes)

	err := runAndCatchPanic(func() {
		h.handleActivityTaskClosed("invalid-activity-id")
	})
	require.NotNil(t, err)

	h.getCommands(true)
	h.handleActivityTaskScheduled(1, activityID)

	err = runAndCatchPanic(func() {
		h.handleActivityTaskCanceled(activityID)
	})
	require.NotNil(t, err)
}

func Test_ChildWorkflowStateMachine_Basic(t *testing.T) {
	workflowID := "test-child-workflow-1"
	attributes := &decisionpb.StartChildWorkflowExecutionDecisionAttributes{WorkflowId: workflowID}
	h := newCommandBuffer()

	d := h.startChildWorkflowExecution(attributes)
	require.Equal(t, commandStateCreated, d.getState())

	commands := h.getCommands(true)
	require.Equal(t, commandStateCommandSent, d.getState())
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_StartChildWorkflowExecution, commands[0].GetDecisionType())

	h.handleStartChildWorkflowExecutionInitiated(workflowID)
	require.Equal(t, commandStateInitiated, d.getState())
	require.Equal(t, 0, len(h.getCommands(true)))

	h.handleChildWorkflowExecutionStarted(workflowID)
	require.Equal(t, commandStateStarted, d.getState())
	require.Equal(t, 0, len(h.getCommands(true)))

	h.handleChildWorkflowExecutionClosed(workflowID)
	require.Equal(t, commandStateCompleted, d.getState())
	require.Equal(t, 0, len(h.getCommands(true)))
}

func Test_ChildWorkflowStateMachine_CancelSucceed(t *testing.T) {
	namespace := "test-namespace"
	workflowID := "test-child-workflow"
	runID := ""
	cancellationID := ""
	initiatedEventID := int64(28)
	isChildWorkflowOnly := true
	attributes := &decisionpb.StartChildWorkflowExecutionDecisionAttributes{WorkflowId: workflowID}
	h := newCommandBuffer()

	d := h.startChildWorkflowExecution(attributes)
	h.getCommands(true)
	h.handleStartChildWorkflowExecutionInitiated(workflowID)
	h.handleChildWorkflowExecutionStarted(workflowID)

	h.requestCancelExternalWorkflowExecution(namespace, workflowID, runID, cancellationID, isChildWorkflowOnly)
	require.Equal(t, commandStateCanceledAfterStarted, d.getState())

	commands := h.getCommands(true)
	require.Equal(t, commandStateCancellationCommandSent, d.getState())
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_RequestCancelExternalWorkflowExecution, commands[0].GetDecisionType())

	h.handleRequestCancelExternalWorkflowExecutionInitiated(initiatedEventID, workflowID, cancellationID)
	require.Equal(t, commandStateCancellationCommandSent, d.getState())

	h.handleExternalWorkflowExecutionCancelRequested(initiatedEventID, workflowID)
	require.Equal(t, commandStateCancellationCommandSent, d.getState())

	h.handleChildWorkflowExecutionCanceled(workflowID)
	require.Equal(t, commandStateCompleted, d.getState())
}

func Test_ChildWorkflowStateMachine_InvalidStates(t *testing.T) {
	namespace := "test-namespace"
	workflowID := "test-workflow-id"
	runID := ""
	attributes := &decisionpb.StartChildWorkflowExecutionDecisionAttributes{WorkflowId: workflowID}
	cancellationID := ""
	initiatedEventID := int64(28)
	isChildWorkflowOnly := true
	h := newCommandBuffer()

	d := h.startChildWorkflowExecution(attributes)
	require.Equal(t, commandStateCreated, d.getState())

	err := runAndCatchPanic(func() {
		h.handleStartChildWorkflowExecutionFailed(workflowID)
	})
	require.NotNil(t, err)

	commands := h.getCommands(true)
	require.Equal(t, commandStateCommandSent, d.getState())
	require.Equal(t, 1, len(commands))

	err = runAndCatchPanic(func() {
		h.handleChildWorkflowExecutionClosed(workflowID)
	})
	require.NotNil(t, err)

	h.handleStartChildWorkflowExecutionInitiated(workflowID)
	require.Equal(t, commandStateInitiated, d.getState())

	h.handleChildWorkflowExecutionStarted(workflowID)
	require.Equal(t, commandStateStarted, d.getState())
	err = runAndCatchPanic(func() {
		h.handleRequestCancelExternalWorkflowExecutionFailed(initiatedEventID, workflowID)
	})
	require.NotNil(t, err)

	h.requestCancelExternalWorkflowExecution(namespace, workflowID, runID, cancellationID, isChildWorkflowOnly)
	require.Equal(t, commandStateCanceledAfterStarted, d.getState())

	commands = h.getCommands(true)
	require.Equal(t, commandStateCancellationCommandSent, d.getState())
	require.Equal(t, 1, len(commands))

	err = runAndCatchPanic(func() {
		h.handleStartChildWorkflowExecutionFailed(workflowID)
	})
	require.NotNil(t, err)

	err = runAndCatchPanic(func() {
		h.handleStartChildWorkflowExecutionInitiated(workflowID)
	})
	require.NotNil(t, err)

	h.handleRequestCancelExternalWorkflowExecutionInitiated(initiatedEventID, workflowID, cancellationID)
	require.Equal(t, commandStateCancellationCommandSent, d.getState())

	h.handleChildWorkflowExecutionClosed(workflowID)
	require.Equal(t, commandStateCompletedAfterCancellationCommandSent, d.getState())

	err = runAndCatchPanic(func() {
		h.handleChildWorkflowExecutionCanceled(workflowID)
	})
	require.NotNil(t, err)
}

func Test_ChildWorkflowStateMachine_CancelFailed(t *testing.T) {
	namespace := "test-namespace"
	workflowID := "test-workflow-id"
	runID := ""
	attributes := &decisionpb.StartChildWorkflowExecutionDecisionAttributes{WorkflowId: workflowID}
	cancellationID := ""
	initiatedEventID := int64(28)
	isChildWorkflowOnly := true
	h := newCommandBuffer()

	d := h.startChildWorkflowExecution(attributes)
	h.getCommands(true)
	h.handleStartChildWorkflowExecutionInitiated(workflowID)
	h.handleChildWorkflowExecutionStarted(workflowID)
	h.requestCancelExternalWorkflowExecution(namespace, workflowID, runID, cancellationID, isChildWorkflowOnly)
	h.getCommands(true)
	h.handleRequestCancelExternalWorkflowExecutionInitiated(initiatedEventID, workflowID, cancellationID)

	h.handleRequestCancelExternalWorkflowExecutionFailed(initiatedEventID, workflowID)
	require.Equal(t, commandStateStarted, d.getState())

	h.handleChildWorkflowExecutionClosed(workflowID)
	require.Equal(t, commandStateCompleted, d.getState())
}

func Test_MarkerStateMachine(t *testing.T) {
	h := newCommandBuffer()

	d := h.recordSideEffectMarker(1, nil)
	require.Equal(t, commandStateCreated, d.getState())

	commands := h.getCommands(true)
	require.Equal(t, commandStateCompleted, d.getState())
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_RecordMarker, commands[0].GetDecisionType())
}

func Test_UpsertSearchAttributesCommandStateMachine(t *testing.T) {
	h := newCommandBuffer()

	attr := &commonpb.SearchAttributes{}
	d := h.upsertSearchAttributes("1", attr)
	require.Equal(t, commandStateCreated, d.getState())

	commands := h.getCommands(true)
	require.Equal(t, commandStateCompleted, d.getState())
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_UpsertWorkflowSearchAttributes, commands[0].GetDecisionType())
}

func Test_CancelExternalWorkflowStateMachine_Succeed(t *testing.T) {
	namespace := "test-namespace"
	workflowID := "test-workflow-id"
	runID := "test-run-id"
	cancellationID := "1"
	initiatedEventID := int64(28)
	childWorkflowOnly := false
	h := newCommandBuffer()

	command := h.requestCancelExternalWorkflowExecution(namespace, workflowID, runID, cancellationID, childWorkflowOnly)
	require.False(t, command.isDone())
	d := h.getCommand(makeCommandID(commandTypeCancellation, cancellationID))
	require.Equal(t, commandStateCreated, d.getState())

	commands := h.getCommands(true)
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_RequestCancelExternalWorkflowExecution, commands[0].GetDecisionType())
	require.Equal(
		t,
		&decisionpb.RequestCancelExternalWorkflowExecutionDecisionAttributes{
			Namespace:         namespace,
			WorkflowId:        workflowID,
			RunId:             runID,
			Control:           cancellationID,
			ChildWorkflowOnly: childWorkflowOnly,
		},
		commands[0].GetRequestCancelExternalWorkflowExecutionDecisionAttributes(),
	)

	h.handleRequestCancelExternalWorkflowExecutionInitiated(initiatedEventID, workflowID, cancellationID)
	require.Equal(t, commandStateInitiated, d.getState())

	h.handleExternalWorkflowExecutionCancelRequested(initiatedEventID, workflowID)
	require.Equal(t, commandStateCompleted, d.getState())

	err := runAndCatchPanic(func() {
		h.handleRequestCancelExternalWorkflowExecutionFailed(initiatedEventID, workflowID)
	})
	require.NotNil(t, err)
}

func Test_CancelExternalWorkflowStateMachine_Failed(t *testing.T) {
	namespace := "test-namespace"
	workflowID := "test-workflow-id"
	runID := "test-run-id"
	cancellationID := "2"
	initiatedEventID := int64(28)
	childWorkflowOnly := false
	h := newCommandBuffer()

	command := h.requestCancelExternalWorkflowExecution(namespace, workflowID, runID, cancellationID, childWorkflowOnly)
	require.False(t, command.isDone())
	d := h.getCommand(makeCommandID(commandTypeCancellation, cancellationID))
	require.Equal(t, commandStateCreated, d.getState())

	commands := h.getCommands(true)
	require.Equal(t, 1, len(commands))
	require.Equal(t, decisionpb.DecisionType_RequestCancelExternalWorkflowExecution, commands[0].GetDecisionType())

	h.handleRequestCancelExternalWorkflowExecutionInitiated(initiatedEventID, workflowID, cancellationID)
	require.Equal(t, commandStateInitiated, d.getState())

	h.handleRequestCancelExternalWorkflowExecutionFailed(initiatedEventID, workflowID)
	require.Equal(t, commandStateCompleted, d.getState())

	err := runAndCatchPanic(func() {
		h.handleExternalWorkflowExecutionCancelRequested(initiatedEventID, workflowID)
	})
	require.NotNil(t, err)
}

func Test_CommandBuffer_Overflow(t *testing.T) {
	h := newCommandBuffer()
	for i := 0; i < maxCommandsPerWorkflowTask+5; i++ {
		h.recordSideEffectMarker(int64(i), nil)
	}
	commands := h.getCommands(true)
	require.Equal(t, maxCommandsPerWorkflowTask, len(commands))
	last := commands[len(commands)-1]
	require.Equal(t, decisionpb.DecisionType_StartTimer, last.GetDecisionType())
	require.Equal(t, forceImmediateDecisionTimerID, last.GetStartTimerDecisionAttributes().GetTimerId())
}

func runAndCatchPanic(f func()) (err *PanicError) {
	defer func() {
		if p := recover(); p != nil {
			topLine := "runAndCatchPanic [panic]:"
			st := getStackTraceRaw(topLine, 7, 0)
			err = newPanicError(p, st)
		}
	}()

	f()
	return nil
}
