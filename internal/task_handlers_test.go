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

	decisionpb "go.temporal.io/temporal-proto/decision"
	eventpb "go.temporal.io/temporal-proto/event"
	executionpb "go.temporal.io/temporal-proto/execution"
)

func newTestEventWorkflowExecutionStarted(eventID int64) *Event {
	return &eventpb.HistoryEvent{
		EventId:   eventID,
		EventType: eventpb.EventType_WorkflowExecutionStarted,
		Attributes: &eventpb.HistoryEvent_WorkflowExecutionStartedEventAttributes{
			WorkflowExecutionStartedEventAttributes: &eventpb.WorkflowExecutionStartedEventAttributes{},
		},
	}
}

func newTestEventWorkflowTaskScheduled(eventID int64) *Event {
	return &eventpb.HistoryEvent{
		EventId:   eventID,
		EventType: eventpb.EventType_WorkflowTaskScheduled,
	}
}

func newTestEventWorkflowTaskStarted(eventID int64) *Event {
	return &eventpb.HistoryEvent{
		EventId:   eventID,
		EventType: eventpb.EventType_WorkflowTaskStarted,
	}
}

func newTestEventWorkflowTaskCompleted(eventID int64) *Event {
	return &eventpb.HistoryEvent{
		EventId:   eventID,
		EventType: eventpb.EventType_WorkflowTaskCompleted,
	}
}

func newTestEventTimerStarted(eventID int64, timerID string) *Event {
	return &eventpb.HistoryEvent{
		EventId:   eventID,
		EventType: eventpb.EventType_TimerStarted,
		Attributes: &eventpb.HistoryEvent_TimerStartedEventAttributes{
			TimerStartedEventAttributes: &eventpb.TimerStartedEventAttributes{TimerId: timerID},
		},
	}
}

// noopEventHandler satisfies workflowExecutionEventHandler with no-ops, for
// tests that don't care about the non-stateful event path.
type noopEventHandler struct{}

func (noopEventHandler) handleWorkflowExecutionStarted(*eventpb.WorkflowExecutionStartedEventAttributes) error {
	return nil
}
func (noopEventHandler) handleWorkflowExecutionSignaled(*eventpb.WorkflowExecutionSignaledEventAttributes) error {
	return nil
}
func (noopEventHandler) handleWorkflowExecutionCancelRequested(*eventpb.WorkflowExecutionCancelRequestedEventAttributes) error {
	return nil
}

// deciderStartingTimer builds a decider whose workflow function starts a
// single timer named "1" and then blocks forever, simulating the simplest
// possible workflow definition without depending on the (not yet built)
// workflow-context/registry layer that would normally expose NewTimer to
// user code.
func deciderStartingTimer() *decider {
	commands := newCommandBuffer()
	markers := newMarkerHandler(commands, nil)
	commands.beforeNonMarkerCommand = markers.addAllMissingVersionMarkers
	rootFn := func(ctx Context) {
		commands.startTimer(&decisionpb.StartTimerDecisionAttributes{TimerId: "1", StartToFireTimeoutSeconds: 5})
		c := NewChannel(ctx)
		var v interface{}
		c.Receive(ctx, &v) // block forever; this workflow never completes on its own
	}
	disp, _ := newDispatcher(background, rootFn)
	return &decider{
		commands:        commands,
		markers:         markers,
		localActivities: newLocalActivityMarkerHandler(commands, nil),
		dispatcher:      disp,
		eventHandler:    noopEventHandler{},
	}
}

func TestWorkflowTaskExecutor_FreshTask_EmitsCommand(t *testing.T) {
	history := []*Event{
		newTestEventWorkflowExecutionStarted(1),
		newTestEventWorkflowTaskScheduled(2),
		newTestEventWorkflowTaskStarted(3),
	}
	task := &WorkflowTask{
		WorkflowExecution: &executionpb.WorkflowExecution{WorkflowId: "wf-1", RunId: "run-1"},
		History:           history,
	}

	cache := newDeciderCache(10)
	var factoryCalls int
	executor := NewWorkflowTaskExecutor(cache, func(*executionpb.WorkflowExecution) *decider {
		factoryCalls++
		return deciderStartingTimer()
	})

	result, err := executor.Execute(task)
	require.NoError(t, err)
	require.Equal(t, 1, factoryCalls)
	require.Len(t, result.Commands, 1)
	require.Equal(t, decisionpb.DecisionType_StartTimer, result.Commands[0].GetDecisionType())
	require.Equal(t, "1", result.Commands[0].GetStartTimerDecisionAttributes().GetTimerId())
}

func TestWorkflowTaskExecutor_FullHistoryInvalidatesCache(t *testing.T) {
	history := []*Event{
		newTestEventWorkflowExecutionStarted(1),
		newTestEventWorkflowTaskScheduled(2),
		newTestEventWorkflowTaskStarted(3),
	}
	task := &WorkflowTask{
		WorkflowExecution: &executionpb.WorkflowExecution{WorkflowId: "wf-1", RunId: "run-1"},
		History:           history,
	}

	cache := newDeciderCache(10)
	var factoryCalls int
	executor := NewWorkflowTaskExecutor(cache, func(*executionpb.WorkflowExecution) *decider {
		factoryCalls++
		return deciderStartingTimer()
	})

	_, err := executor.Execute(task)
	require.NoError(t, err)

	// A second task that again starts from event id 1 (e.g. routed to a
	// worker with no warm decider for this run) must not reuse the stale
	// cached instance.
	_, err = executor.Execute(task)
	require.NoError(t, err)
	require.Equal(t, 2, factoryCalls)
}
