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

	eventpb "go.temporal.io/temporal-proto/event"
)

func newTestEventWorkflowTaskTimedOut(eventID int64) *Event {
	return &eventpb.HistoryEvent{
		EventId:   eventID,
		EventType: eventpb.EventType_WorkflowTaskTimedOut,
	}
}

func newTestEventWorkflowTaskFailed(eventID int64) *Event {
	return &eventpb.HistoryEvent{
		EventId:   eventID,
		EventType: eventpb.EventType_WorkflowTaskFailed,
	}
}

// TestHistoryIterator_FreshestTask_NoCommandEvents covers the freshest-slice
// branch of §4.1: no WorkflowTaskCompleted follows, so the slice is not a
// replay and reserves NextCommandEventID at startedId+2 for commands this
// task is about to emit.
func TestHistoryIterator_FreshestTask_NoCommandEvents(t *testing.T) {
	history := freshTaskStart()
	iter := NewHistoryIterator(NewSliceEventReader(history))

	require.True(t, iter.HasNextWorkflowTask())
	slice, err := iter.NextWorkflowTask()
	require.NoError(t, err)
	require.NotNil(t, slice)
	require.False(t, slice.Replay)
	require.Len(t, slice.Events, 2)
	require.Empty(t, slice.CommandEvents)
	require.Equal(t, int64(5), slice.NextCommandEventID)

	require.False(t, iter.HasNextWorkflowTask())
	slice, err = iter.NextWorkflowTask()
	require.NoError(t, err)
	require.Nil(t, slice)
}

// TestHistoryIterator_ReplaySlice_CapturesCommandEvents covers the replay
// branch: a WorkflowTaskCompleted is immediately followed by the command
// events that task produced, which the iterator must greedily consume up to
// (but not including) the next non-command event.
func TestHistoryIterator_ReplaySlice_CapturesCommandEvents(t *testing.T) {
	history := append(freshTaskStart(),
		newTestEventWorkflowTaskCompleted(4),
		newTestEventActivityTaskScheduled(5, "1", "A"),
		newTestEventWorkflowTaskScheduled(6),
		newTestEventWorkflowTaskStarted(7),
	)

	iter := NewHistoryIterator(NewSliceEventReader(history))

	first, err := iter.NextWorkflowTask()
	require.NoError(t, err)
	require.True(t, first.Replay)
	require.Len(t, first.CommandEvents, 1)
	require.Equal(t, eventpb.EventType_ActivityTaskScheduled, first.CommandEvents[0].GetEventType())
	require.Equal(t, int64(5), first.NextCommandEventID)

	second, err := iter.NextWorkflowTask()
	require.NoError(t, err)
	require.NotNil(t, second)
	require.False(t, second.Replay)
	require.Empty(t, second.CommandEvents)
}

// TestHistoryIterator_TimedOutAttempt_MergesIntoNextAttempt is §4.1's rule
// that a workflow-task attempt which never produced commands (timed out or
// failed) is folded into the next attempt rather than surfaced as its own
// slice.
func TestHistoryIterator_TimedOutAttempt_MergesIntoNextAttempt(t *testing.T) {
	history := []*Event{
		newTestEventWorkflowExecutionStarted(1),
		newTestEventWorkflowTaskScheduled(2),
		newTestEventWorkflowTaskStarted(3),
		newTestEventWorkflowTaskTimedOut(4),
		newTestEventWorkflowTaskScheduled(5),
		newTestEventWorkflowTaskStarted(6),
	}

	iter := NewHistoryIterator(NewSliceEventReader(history))
	slice, err := iter.NextWorkflowTask()
	require.NoError(t, err)
	require.NotNil(t, slice)
	require.False(t, slice.Replay)
	// Both WorkflowTaskScheduled events fold into this single slice's Events;
	// the timed-out WorkflowTaskStarted(3) attempt leaves no trace since it's
	// consumed as part of detecting the timeout, not appended to Events.
	require.Len(t, slice.Events, 3)
	require.Equal(t, int64(8), slice.NextCommandEventID)
}

// TestHistoryIterator_FailedAttempt_MergesIntoNextAttempt mirrors the
// timed-out case for WorkflowTaskFailed.
func TestHistoryIterator_FailedAttempt_MergesIntoNextAttempt(t *testing.T) {
	history := []*Event{
		newTestEventWorkflowExecutionStarted(1),
		newTestEventWorkflowTaskScheduled(2),
		newTestEventWorkflowTaskStarted(3),
		newTestEventWorkflowTaskFailed(4),
		newTestEventWorkflowTaskScheduled(5),
		newTestEventWorkflowTaskStarted(6),
	}

	iter := NewHistoryIterator(NewSliceEventReader(history))
	slice, err := iter.NextWorkflowTask()
	require.NoError(t, err)
	require.False(t, slice.Replay)
	require.Len(t, slice.Events, 3)
}

// TestHistoryIterator_MultipleTasks_IteratesInOrder exercises a run with two
// fully-recorded tasks followed by a freshest one, confirming slices come
// back in history order with each replay slice's NextCommandEventID landing
// just past its own WorkflowTaskCompleted.
func TestHistoryIterator_MultipleTasks_IteratesInOrder(t *testing.T) {
	history := []*Event{
		newTestEventWorkflowExecutionStarted(1),
		newTestEventWorkflowTaskScheduled(2),
		newTestEventWorkflowTaskStarted(3),
		newTestEventWorkflowTaskCompleted(4),
		newTestEventActivityTaskScheduled(5, "1", "A"),
		newTestEventWorkflowTaskScheduled(6),
		newTestEventWorkflowTaskStarted(7),
		newTestEventWorkflowTaskCompleted(8),
		newTestEventActivityTaskScheduled(9, "2", "A"),
		newTestEventWorkflowTaskScheduled(10),
		newTestEventWorkflowTaskStarted(11),
	}

	iter := NewHistoryIterator(NewSliceEventReader(history))

	var ids []int64
	for iter.HasNextWorkflowTask() {
		slice, err := iter.NextWorkflowTask()
		require.NoError(t, err)
		if slice == nil {
			break
		}
		ids = append(ids, slice.NextCommandEventID)
	}
	require.Equal(t, []int64{5, 9, 13}, ids)
}

// TestHistoryIterator_UnexpectedEventAfterStarted_ReturnsNonDeterministic
// covers §4.1's closed default: only WorkflowTaskCompleted/TimedOut/Failed
// may legally follow a WorkflowTaskStarted that isn't the freshest one.
func TestHistoryIterator_UnexpectedEventAfterStarted_ReturnsNonDeterministic(t *testing.T) {
	history := []*Event{
		newTestEventWorkflowExecutionStarted(1),
		newTestEventWorkflowTaskScheduled(2),
		newTestEventWorkflowTaskStarted(3),
		{EventId: 4, EventType: eventpb.EventType_WorkflowExecutionTerminated},
	}

	iter := NewHistoryIterator(NewSliceEventReader(history))
	_, err := iter.NextWorkflowTask()
	require.Error(t, err)
	require.IsType(t, &NonDeterministicWorkflowError{}, err)
}

// TestHistoryIterator_TruncatedMidTask_ReturnsNonDeterministic covers a
// history stream that ends with pending non-command events but no
// WorkflowTaskStarted to close them out -- a malformed or partially written
// history.
func TestHistoryIterator_TruncatedMidTask_ReturnsNonDeterministic(t *testing.T) {
	history := []*Event{
		newTestEventWorkflowExecutionStarted(1),
		newTestEventWorkflowTaskScheduled(2),
	}

	iter := NewHistoryIterator(NewSliceEventReader(history))
	_, err := iter.NextWorkflowTask()
	require.Error(t, err)
	require.IsType(t, &NonDeterministicWorkflowError{}, err)
}

// TestHistoryIterator_EmptyHistory_HasNoWorkflowTask is the degenerate case:
// nothing in the stream at all.
func TestHistoryIterator_EmptyHistory_HasNoWorkflowTask(t *testing.T) {
	iter := NewHistoryIterator(NewSliceEventReader(nil))
	require.False(t, iter.HasNextWorkflowTask())
	slice, err := iter.NextWorkflowTask()
	require.NoError(t, err)
	require.Nil(t, slice)
}
